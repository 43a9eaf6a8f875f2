// Package computation runs topologies of computations wired by streams.
//
// A Computation is a single threaded callback object. The Manager runs one instance
// per concurrency slot, feeds it the records of the partitions assigned to the slot,
// fires its timers, and routes what it produces to the output streams. Progress is
// tracked with a watermark interval per runner and a committed offset per partition.
package computation

import (
	"fmt"

	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"go.uber.org/zap"
)

// Computation is implemented by user code. An instance is never invoked concurrently.
type Computation interface {
	Init(ctx Context) error
	ProcessRecord(ctx Context, input string, rec model.Record) error
	ProcessTimer(ctx Context, key string, timestamp int64) error
	// ProcessRetry is called after a failed callback, DecisionDefault applies the policy
	ProcessRetry(ctx Context, failure Failure) Decision
	Destroy()
	Metadata() Metadata
}

// BatchProcessor is implemented by computations able to process records in batches.
// It is used when the policy of the computation has a batch capacity above 1.
type BatchProcessor interface {
	ProcessBatch(ctx Context, input string, records []model.Record) error
}

// Supplier creates a computation instance, it is called once per runner
type Supplier func() Computation

// Context is given to computation callbacks by the runner owning the instance
type Context interface {
	// ProduceRecord buffers a record for an output, either a port (o1) or a stream name.
	// Buffered records are appended once the callback returns without error.
	ProduceRecord(output string, rec model.Record) error
	// SetTimer schedules ProcessTimer at timestamp (ms), a key has at most one timer
	SetTimer(key string, timestamp int64)
	AskForCheckpoint()
	AskForTermination()
	// SetSourceLowWatermark marks the progress of a computation without inputs
	SetSourceLowWatermark(value int64)

	Metadata() Metadata
	// Slot is the concurrency slot of the runner, from 0
	Slot() int
	Assignments() []mqueue.Partition
	Policy() Policy
	Logger() *zap.Logger
}

// Metadata describes the ports of a computation
type Metadata struct {
	Name    string `json:"name"`
	Inputs  int    `json:"inputs"`
	Outputs int    `json:"outputs"`
}

// NewMetadata returns the metadata of a computation with the given port counts
func NewMetadata(name string, inputs, outputs int) Metadata {
	return Metadata{Name: name, Inputs: inputs, Outputs: outputs}
}

// InputPort returns the name of input port i, from 1
func InputPort(i int) string {
	return fmt.Sprintf("i%d", i)
}

// OutputPort returns the name of output port i, from 1
func OutputPort(i int) string {
	return fmt.Sprintf("o%d", i)
}

// IsSource reports whether the computation has no input
func (m Metadata) IsSource() bool {
	return m.Inputs == 0
}

// Decision tells the runner what to do after a failure
type Decision int

const (
	DecisionDefault Decision = iota
	DecisionRetry
	DecisionSkip
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionDefault:
		return "default"
	case DecisionRetry:
		return "retry"
	case DecisionSkip:
		return "skip"
	case DecisionAbort:
		return "abort"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Failure describes a failed callback.
// Records is empty for timers, it holds the whole batch for batch processing.
type Failure struct {
	Err      error
	Input    string
	Records  []model.Record
	TimerKey string
	// Attempt counts the failures of this callback, from 1
	Attempt int
}

// Base provides the default callbacks, computations embed it
type Base struct {
	meta Metadata
}

// NewBase returns a Base for a computation with the given ports
func NewBase(name string, inputs, outputs int) Base {
	return Base{meta: NewMetadata(name, inputs, outputs)}
}

func (b *Base) Init(Context) error {
	return nil
}

func (b *Base) ProcessTimer(Context, string, int64) error {
	return nil
}

func (b *Base) ProcessRetry(Context, Failure) Decision {
	return DecisionDefault
}

func (b *Base) Destroy() {}

func (b *Base) Metadata() Metadata {
	return b.meta
}
