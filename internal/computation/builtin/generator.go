// Package builtin holds ready made computations: a record generator, forwarders,
// a counter and a logging sink. They are used by tests and by topologies defined
// in the configuration file.
package builtin

import (
	"fmt"
	"strings"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const generateTimer = "generate"

// GeneratorConfig configures a Generator
type GeneratorConfig struct {
	// Records is the number of records produced by each instance
	Records int `mapstructure:"records"`
	// BatchSize is the number of records produced per timer
	BatchSize  int `mapstructure:"batch_size"`
	RecordSize int `mapstructure:"record_size"`
	// Rate limits the records per second of an instance, 0 is unlimited
	Rate float64 `mapstructure:"rate"`
	// TargetTimestamp is the watermark timestamp of every record, the current time when 0
	TargetTimestamp int64 `mapstructure:"target_timestamp"`
	// SingleInstance makes only the instance of slot 0 generate
	SingleInstance bool   `mapstructure:"single_instance"`
	KeyPrefix      string `mapstructure:"key_prefix"`
}

func (c *GeneratorConfig) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RecordSize <= 0 {
		c.RecordSize = 32
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "key-"
	}
}

// Generator is a source producing a fixed number of records on its single output
type Generator struct {
	computation.Base
	cfg     GeneratorConfig
	limiter *rate.Limiter
	payload []byte

	generated int
	stamp     int64
	seq       int
}

// NewGenerator returns the supplier of a generator
func NewGenerator(name string, cfg GeneratorConfig) computation.Supplier {
	cfg.withDefaults()
	return func() computation.Computation {
		return &Generator{Base: computation.NewBase(name, 0, 1), cfg: cfg}
	}
}

func (g *Generator) Init(ctx computation.Context) error {
	if g.cfg.SingleInstance && ctx.Slot() != 0 {
		ctx.AskForTermination()
		return nil
	}
	if g.cfg.Rate > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(g.cfg.Rate), g.cfg.BatchSize)
	}
	g.payload = []byte(strings.Repeat("x", g.cfg.RecordSize))
	ctx.SetTimer(generateTimer, time.Now().UnixMilli())
	return nil
}

func (g *Generator) ProcessRecord(computation.Context, string, model.Record) error {
	return fmt.Errorf("generator %s has no input", g.Metadata().Name)
}

func (g *Generator) ProcessTimer(ctx computation.Context, key string, timestamp int64) error {
	n := min(g.cfg.BatchSize, g.cfg.Records-g.generated)
	var last watermark.Watermark
	for i := 0; i < n; i++ {
		w, err := g.nextWatermark()
		if err != nil {
			return err
		}
		rec := model.NewRecordWithWatermark(fmt.Sprintf("%s%d", g.cfg.KeyPrefix, g.generated+i), g.payload, w.Value())
		if err := ctx.ProduceRecord(computation.OutputPort(1), rec); err != nil {
			return err
		}
		last = w
	}
	g.generated += n
	if n > 0 {
		ctx.SetSourceLowWatermark(last.Value())
	}
	ctx.AskForCheckpoint()

	if g.generated >= g.cfg.Records {
		ctx.Logger().Info("Generator done", zap.Int("records", g.generated))
		ctx.AskForTermination()
		return nil
	}
	next := time.Now()
	if g.limiter != nil {
		// the next batch waits until the tokens of this one are refilled
		next = next.Add(g.limiter.ReserveN(next, n).Delay())
	}
	ctx.SetTimer(generateTimer, next.UnixMilli())
	return nil
}

// nextWatermark returns increasing watermarks, records sharing a timestamp get a sequence
func (g *Generator) nextWatermark() (watermark.Watermark, error) {
	ts := g.cfg.TargetTimestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	switch {
	case ts > g.stamp:
		g.stamp, g.seq = ts, 0
	case g.seq < watermark.MaxSequence:
		g.seq++
	default:
		g.stamp, g.seq = g.stamp+1, 0
	}
	return watermark.OfTimestampSeq(g.stamp, g.seq)
}

// Generated returns the number of records produced so far
func (g *Generator) Generated() int {
	return g.generated
}
