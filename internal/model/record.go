package model

import "fmt"

// Flag is a bit set of record flags
type Flag uint8

const (
	FlagDefault    Flag = 0
	FlagPoisonPill Flag = 1 << 0
)

// Record is the unit of data flowing between computations.
// Records are values: constructors copy the payload and nothing mutates a record once built.
type Record struct {
	Key       string
	Data      []byte
	Watermark int64
	Flags     Flag
}

// NewRecord creates a record with a zero watermark
func NewRecord(key string, data []byte) Record {
	return Record{Key: key, Data: cloneBytes(data)}
}

// NewRecordWithWatermark creates a record carrying the given watermark value
func NewRecordWithWatermark(key string, data []byte, watermark int64) Record {
	return Record{Key: key, Data: cloneBytes(data), Watermark: watermark}
}

// PoisonPill returns a record that stops the runner reading it
func PoisonPill() Record {
	return Record{Key: "poison-pill", Flags: FlagPoisonPill}
}

// IsPoisonPill reports whether the record carries the poison pill flag
func (r Record) IsPoisonPill() bool {
	return r.Flags&FlagPoisonPill != 0
}

// WithWatermark returns a copy of the record with a new watermark
func (r Record) WithWatermark(watermark int64) Record {
	r.Watermark = watermark
	return r
}

// Size returns the approximate payload size in bytes
func (r Record) Size() int {
	return len(r.Key) + len(r.Data)
}

func (r Record) String() string {
	return fmt.Sprintf("Record{key=%s, watermark=%d, flags=%d, data.length=%d}", r.Key, r.Watermark, r.Flags, len(r.Data))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
