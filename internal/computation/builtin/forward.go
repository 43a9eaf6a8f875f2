package builtin

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"go.uber.org/zap"
)

// ForwardConfig configures a Forward
type ForwardConfig struct {
	// Delay is spent on every record before forwarding it
	Delay time.Duration `mapstructure:"delay"`
}

// Forward copies every record of its inputs to all its outputs
type Forward struct {
	computation.Base
	cfg ForwardConfig
}

// NewForward returns the supplier of a forwarder
func NewForward(name string, inputs, outputs int) computation.Supplier {
	return NewSlowForward(name, inputs, outputs, 0)
}

// NewSlowForward returns the supplier of a forwarder spending delay on each record
func NewSlowForward(name string, inputs, outputs int, delay time.Duration) computation.Supplier {
	return func() computation.Computation {
		return &Forward{Base: computation.NewBase(name, inputs, outputs), cfg: ForwardConfig{Delay: delay}}
	}
}

func (f *Forward) ProcessRecord(ctx computation.Context, input string, rec model.Record) error {
	if f.cfg.Delay > 0 {
		time.Sleep(f.cfg.Delay)
	}
	for i := 1; i <= f.Metadata().Outputs; i++ {
		if err := ctx.ProduceRecord(computation.OutputPort(i), rec); err != nil {
			return err
		}
	}
	ctx.AskForCheckpoint()
	return nil
}

// CounterConfig configures a Counter
type CounterConfig struct {
	// Interval is the period of the count emission
	Interval time.Duration `mapstructure:"interval"`
}

// Counter counts its input records and periodically emits the count as the key of a record
type Counter struct {
	computation.Base
	cfg   CounterConfig
	count int
}

// NewCounter returns the supplier of a counter
func NewCounter(name string, interval time.Duration) computation.Supplier {
	if interval <= 0 {
		interval = time.Second
	}
	return func() computation.Computation {
		return &Counter{Base: computation.NewBase(name, 1, 1), cfg: CounterConfig{Interval: interval}}
	}
}

func (c *Counter) Init(ctx computation.Context) error {
	ctx.SetTimer("count", time.Now().Add(c.cfg.Interval).UnixMilli())
	return nil
}

func (c *Counter) ProcessRecord(computation.Context, string, model.Record) error {
	c.count++
	return nil
}

func (c *Counter) ProcessTimer(ctx computation.Context, key string, timestamp int64) error {
	if c.count > 0 {
		if err := ctx.ProduceRecord(computation.OutputPort(1), model.NewRecord(strconv.Itoa(c.count), nil)); err != nil {
			return err
		}
		ctx.Logger().Debug("Count emitted", zap.Int("count", c.count))
		c.count = 0
		ctx.AskForCheckpoint()
	}
	ctx.SetTimer(key, time.Now().Add(c.cfg.Interval).UnixMilli())
	return nil
}

// Sink logs the records it receives and checkpoints each of them
type Sink struct {
	computation.Base
	received *atomic.Int64
}

// NewSink returns the supplier of a sink, received counts the records of every instance when not nil
func NewSink(name string, inputs int, received *atomic.Int64) computation.Supplier {
	return func() computation.Computation {
		return &Sink{Base: computation.NewBase(name, inputs, 0), received: received}
	}
}

func (s *Sink) ProcessRecord(ctx computation.Context, input string, rec model.Record) error {
	if s.received != nil {
		s.received.Add(1)
	}
	ctx.Logger().Debug("Record received",
		zap.String("input", input),
		zap.String("key", rec.Key),
		zap.Int64("watermark", rec.Watermark))
	ctx.AskForCheckpoint()
	return nil
}
