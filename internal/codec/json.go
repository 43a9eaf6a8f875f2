package codec

import (
	"encoding/json"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
)

type jsonRecord struct {
	Key       string `json:"key"`
	Data      []byte `json:"data,omitempty"`
	Watermark int64  `json:"watermark"`
	Flags     uint8  `json:"flags,omitempty"`
}

// JSON encodes records as JSON documents, data is base64
type JSON struct{}

func (JSON) Name() string { return JSONName }

func (JSON) Encode(rec model.Record) ([]byte, error) {
	data, err := json.Marshal(jsonRecord{Key: rec.Key, Data: rec.Data, Watermark: rec.Watermark, Flags: uint8(rec.Flags)})
	if err != nil {
		return nil, errors.InternalError("failed to encode json record", err)
	}
	return data, nil
}

func (JSON) Decode(data []byte) (model.Record, error) {
	var jr jsonRecord
	if err := json.Unmarshal(data, &jr); err != nil {
		return model.Record{}, errors.CorruptedData("failed to decode json record", err)
	}
	return model.Record{Key: jr.Key, Data: jr.Data, Watermark: jr.Watermark, Flags: model.Flag(jr.Flags)}, nil
}
