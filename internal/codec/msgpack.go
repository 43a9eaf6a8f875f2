package codec

import (
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	mpcodec "github.com/hashicorp/go-msgpack/codec"
)

type msgpackRecord struct {
	Key       string `codec:"k"`
	Data      []byte `codec:"d"`
	Watermark int64  `codec:"w"`
	Flags     uint8  `codec:"f"`
}

// Msgpack encodes records with MessagePack
type Msgpack struct {
	handle *mpcodec.MsgpackHandle
}

// NewMsgpack creates a msgpack codec
func NewMsgpack() Msgpack {
	return Msgpack{handle: &mpcodec.MsgpackHandle{WriteExt: true}}
}

func (Msgpack) Name() string { return MsgpackName }

func (m Msgpack) Encode(rec model.Record) ([]byte, error) {
	var out []byte
	enc := mpcodec.NewEncoderBytes(&out, m.handle)
	mr := msgpackRecord{Key: rec.Key, Data: rec.Data, Watermark: rec.Watermark, Flags: uint8(rec.Flags)}
	if err := enc.Encode(&mr); err != nil {
		return nil, errors.InternalError("failed to encode msgpack record", err)
	}
	return out, nil
}

func (m Msgpack) Decode(data []byte) (model.Record, error) {
	var mr msgpackRecord
	dec := mpcodec.NewDecoderBytes(data, m.handle)
	if err := dec.Decode(&mr); err != nil {
		return model.Record{}, errors.CorruptedData("failed to decode msgpack record", err)
	}
	return model.Record{Key: mr.Key, Data: mr.Data, Watermark: mr.Watermark, Flags: model.Flag(mr.Flags)}, nil
}
