package codec

import (
	"fmt"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the record message:
//
//	message Record {
//	  string key = 1;
//	  bytes data = 2;
//	  int64 watermark = 3;
//	  uint32 flags = 4;
//	}
const (
	fieldKey       protowire.Number = 1
	fieldData      protowire.Number = 2
	fieldWatermark protowire.Number = 3
	fieldFlags     protowire.Number = 4
)

// Proto encodes records in protobuf wire format
type Proto struct{}

func (Proto) Name() string { return ProtoName }

func (Proto) Encode(rec model.Record) ([]byte, error) {
	buf := make([]byte, 0, len(rec.Key)+len(rec.Data)+24)
	if rec.Key != "" {
		buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
		buf = protowire.AppendString(buf, rec.Key)
	}
	if len(rec.Data) > 0 {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec.Data)
	}
	if rec.Watermark != 0 {
		buf = protowire.AppendTag(buf, fieldWatermark, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(rec.Watermark))
	}
	if rec.Flags != model.FlagDefault {
		buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(rec.Flags))
	}
	return buf, nil
}

func (Proto) Decode(data []byte) (model.Record, error) {
	var rec model.Record
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return model.Record{}, corrupted(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return model.Record{}, corrupted(protowire.ParseError(m))
			}
			rec.Key = v
			n = m
		case num == fieldData && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return model.Record{}, corrupted(protowire.ParseError(m))
			}
			rec.Data = append([]byte(nil), v...)
			n = m
		case num == fieldWatermark && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return model.Record{}, corrupted(protowire.ParseError(m))
			}
			rec.Watermark = int64(v)
			n = m
		case num == fieldFlags && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return model.Record{}, corrupted(protowire.ParseError(m))
			}
			rec.Flags = model.Flag(v)
			n = m
		default:
			// unknown fields are skipped
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return model.Record{}, corrupted(protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return rec, nil
}

func corrupted(cause error) error {
	return errors.CorruptedData(fmt.Sprintf("failed to decode %s record", ProtoName), cause)
}
