// Package mqueue defines the partitioned log used by the computation runtime.
//
// A Manager owns named streams, each split in a fixed number of partitions. An Appender
// adds records to a partition and a Tailer reads them back for a consumer group, whose
// committed positions are durable.
package mqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/codec"
	"github.com/devrev/pairdb/stream-node/internal/model"
)

// Partition identifies one ordered log of a stream
type Partition struct {
	Stream    string `json:"stream"`
	Partition int    `json:"partition"`
}

// Of returns the partition of a stream
func Of(stream string, partition int) Partition {
	return Partition{Stream: stream, Partition: partition}
}

// PartitionsOf returns all the partitions of a stream of the given size
func PartitionsOf(stream string, size int) []Partition {
	ret := make([]Partition, size)
	for i := range ret {
		ret[i] = Of(stream, i)
	}
	return ret
}

func (p Partition) String() string {
	return fmt.Sprintf("%s-%02d", p.Stream, p.Partition)
}

// Offset is a position in one partition; Value is the index of the record.
type Offset struct {
	Partition Partition `json:"partition"`
	Value     int64     `json:"offset"`
}

// Compare orders offsets of the same partition
func (o Offset) Compare(other Offset) int {
	switch {
	case o.Value < other.Value:
		return -1
	case o.Value > other.Value:
		return 1
	default:
		return 0
	}
}

func (o Offset) String() string {
	return fmt.Sprintf("%s:+%d", o.Partition, o.Value)
}

// LogRecord is a record with the offset it was read at
type LogRecord struct {
	Offset  Offset
	Message model.Record
}

// Manager provisions streams and creates appenders and tailers
type Manager interface {
	// CreateIfNotExists creates the stream, it returns false when it already exists.
	// The existing partition count wins.
	CreateIfNotExists(ctx context.Context, name string, partitions int) (bool, error)
	Exists(ctx context.Context, name string) bool
	// Size returns the number of partitions of a stream
	Size(ctx context.Context, name string) (int, error)

	Appender(ctx context.Context, name string, opts ...Option) (Appender, error)
	// CreateTailer opens a tailer on explicit partitions, positioned at the last committed offsets
	CreateTailer(ctx context.Context, group string, partitions []Partition, opts ...Option) (Tailer, error)
	// Subscribe opens a tailer whose partitions are assigned by the consumer group protocol
	Subscribe(ctx context.Context, group string, streams []string, listener *RebalanceListener, opts ...Option) (Tailer, error)
	SupportsSubscribe() bool

	Lag(ctx context.Context, name, group string) (Lag, error)
	LagPerPartition(ctx context.Context, name, group string) ([]Lag, error)
	LatencyPerPartition(ctx context.Context, name, group string) ([]Latency, error)
	ListAll(ctx context.Context) ([]string, error)
	ListConsumerGroups(ctx context.Context, name string) ([]string, error)

	// Close closes every appender and tailer created by the manager
	Close() error
}

// Appender adds records to a stream, it is safe for concurrent use
type Appender interface {
	Name() string
	Size() int
	Codec() codec.Codec
	Append(ctx context.Context, partition int, rec model.Record) (Offset, error)
	// AppendKey appends to the partition selected by the record key
	AppendKey(ctx context.Context, rec model.Record) (Offset, error)
	// WaitFor blocks until the group has committed past offset, false on timeout
	WaitFor(ctx context.Context, offset Offset, group string, timeout time.Duration) (bool, error)
	Closed() bool
	Close() error
}

// Tailer reads partitions for a consumer group, it is not safe for concurrent use
type Tailer interface {
	Group() string
	Assignments() []Partition
	// Read returns the next record or nil when nothing arrives before timeout
	Read(ctx context.Context, timeout time.Duration) (*LogRecord, error)
	// Commit stores the position following the last read record of every assigned partition
	Commit(ctx context.Context) error
	ToStart(ctx context.Context) error
	ToEnd(ctx context.Context) error
	ToLastCommitted(ctx context.Context) error
	Seek(ctx context.Context, offset Offset) error
	// Reset moves to the start and commits that position
	Reset(ctx context.Context) error
	Closed() bool
	Close() error
}

// RebalanceListener is notified when a subscribed tailer gains or loses partitions
type RebalanceListener struct {
	OnAssigned func(partitions []Partition)
	OnRevoked  func(partitions []Partition)
}

// NotifyAssigned calls OnAssigned when set
func (l *RebalanceListener) NotifyAssigned(partitions []Partition) {
	if l != nil && l.OnAssigned != nil {
		l.OnAssigned(partitions)
	}
}

// NotifyRevoked calls OnRevoked when set
func (l *RebalanceListener) NotifyRevoked(partitions []Partition) {
	if l != nil && l.OnRevoked != nil {
		l.OnRevoked(partitions)
	}
}

// Options configures appenders and tailers
type Options struct {
	Codec codec.Codec
}

// Option sets an Options field
type Option func(*Options)

// WithCodec selects the record codec, the stream codec is used when absent
func WithCodec(c codec.Codec) Option {
	return func(o *Options) {
		o.Codec = c
	}
}

// ApplyOptions builds Options from opts
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
