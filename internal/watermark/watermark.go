// Package watermark encodes stream progress markers and tracks them per runner.
//
// A watermark packs a millisecond timestamp, a sequence number and a completed bit
// into a single non-negative int64:
//
//	bit 63      sign, always 0
//	bits 62..20 timestamp (43 bits)
//	bits 19..1  sequence (19 bits)
//	bit 0       completed
//
// Comparing two values orders them by timestamp, then sequence, then completed.
package watermark

import (
	"fmt"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
)

const (
	completedBits = 1
	sequenceBits  = 19
	timestampBits = 43

	sequenceShift  = completedBits
	timestampShift = completedBits + sequenceBits

	MaxSequence  = 1<<sequenceBits - 1
	MaxTimestamp = 1<<timestampBits - 1
)

// Watermark is an immutable progress marker
type Watermark struct {
	value int64
}

// Lowest is the smallest watermark, value 0 and not completed
var Lowest = Watermark{}

// OfTimestamp returns the uncompleted watermark for a millisecond timestamp
func OfTimestamp(timestamp int64) (Watermark, error) {
	return OfTimestampSeq(timestamp, 0)
}

// OfTimestampSeq returns the uncompleted watermark for a timestamp and a sequence
func OfTimestampSeq(timestamp int64, sequence int) (Watermark, error) {
	if timestamp < 0 || timestamp > MaxTimestamp {
		return Lowest, errors.InvalidArgument(fmt.Sprintf("invalid watermark timestamp: %d", timestamp), nil).
			WithDetail("timestamp", timestamp)
	}
	if sequence < 0 || sequence > MaxSequence {
		return Lowest, errors.InvalidArgument(fmt.Sprintf("invalid watermark sequence: %d", sequence), nil).
			WithDetail("sequence", sequence)
	}
	return Watermark{value: timestamp<<timestampShift | int64(sequence)<<sequenceShift}, nil
}

// OfValue decodes a raw watermark value
func OfValue(value int64) (Watermark, error) {
	if value < 0 {
		return Lowest, errors.InvalidArgument(fmt.Sprintf("invalid watermark value: %d", value), nil).
			WithDetail("value", value)
	}
	return Watermark{value: value}, nil
}

// OfNow returns the watermark of the current time
func OfNow() Watermark {
	return Watermark{value: time.Now().UnixMilli() << timestampShift}
}

// CompletedOf returns w with the completed bit set
func CompletedOf(w Watermark) Watermark {
	return Watermark{value: w.value | 1}
}

// Value returns the encoded representation
func (w Watermark) Value() int64 {
	return w.value
}

// Timestamp returns the millisecond timestamp
func (w Watermark) Timestamp() int64 {
	return w.value >> timestampShift
}

// Sequence returns the sub-millisecond sequence
func (w Watermark) Sequence() int {
	return int((w.value >> sequenceShift) & MaxSequence)
}

// IsCompleted reports whether the completed bit is set
func (w Watermark) IsCompleted() bool {
	return w.value&1 == 1
}

// IsLowest reports whether w is the Lowest sentinel
func (w Watermark) IsLowest() bool {
	return w.value == 0
}

// Time returns the timestamp as a time.Time
func (w Watermark) Time() time.Time {
	return time.UnixMilli(w.Timestamp())
}

// Compare returns -1, 0 or +1
func (w Watermark) Compare(o Watermark) int {
	switch {
	case w.value < o.value:
		return -1
	case w.value > o.value:
		return 1
	default:
		return 0
	}
}

// Before reports whether w sorts strictly before o
func (w Watermark) Before(o Watermark) bool {
	return w.value < o.value
}

// IsDone reports whether w certifies that everything up to timestamp is processed
func (w Watermark) IsDone(timestamp int64) bool {
	ts := w.Timestamp()
	return ts > timestamp || (ts == timestamp && w.IsCompleted())
}

func (w Watermark) String() string {
	if w.IsLowest() {
		return "Watermark{LOWEST}"
	}
	return fmt.Sprintf("Watermark{completed=%t, seq=%d, ts=%s}", w.IsCompleted(), w.Sequence(),
		w.Time().UTC().Format(time.RFC3339Nano))
}
