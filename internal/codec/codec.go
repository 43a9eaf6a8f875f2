// Package codec serializes records for the log backends.
package codec

import (
	"fmt"
	"sort"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
)

// Codec encodes and decodes records
type Codec interface {
	Name() string
	Encode(rec model.Record) ([]byte, error)
	Decode(data []byte) (model.Record, error)
}

const (
	ProtoName   = "proto"
	JSONName    = "json"
	MsgpackName = "msgpack"

	// DefaultName is used when a stream is created without an explicit codec
	DefaultName = ProtoName
)

var factories = map[string]func() Codec{
	ProtoName:   func() Codec { return Proto{} },
	JSONName:    func() Codec { return JSON{} },
	MsgpackName: func() Codec { return NewMsgpack() },
}

// New returns the codec registered under name, the default codec for an empty name
func New(name string) (Codec, error) {
	if name == "" {
		name = DefaultName
	}
	factory, ok := factories[name]
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown codec: %s", name), nil).
			WithDetail("codec", name).
			WithDetail("available", Names())
	}
	return factory(), nil
}

// Default returns the default codec
func Default() Codec {
	return Proto{}
}

// Names lists the registered codec names
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
