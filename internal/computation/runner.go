package computation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type runnerState int32

const (
	runnerCreated runnerState = iota
	runnerRunning
	runnerTerminated
)

type produced struct {
	stream string
	rec    model.Record
}

// runner drives one computation instance on one goroutine
type runner struct {
	m        *Manager
	name     string
	slot     int
	meta     Metadata
	policy   Policy
	logger   *zap.Logger
	outputs  map[string]string
	interval *watermark.MonotonicInterval

	// tailer is nil for computations without inputs
	tailer mqueue.Tailer

	comp     Computation
	timers   *timerQueue
	produced []produced

	checkpointRequested  bool
	terminationRequested bool

	batchInput string
	batch      []model.Record
	batchStart time.Time

	state    atomic.Int32
	draining atomic.Bool
	aborted  atomic.Bool
	quit     chan struct{}
	quitOnce sync.Once
}

func newRunner(m *Manager, name string, slot int, tailer mqueue.Tailer) *runner {
	meta, _ := m.topology.Metadata(name)
	return &runner{
		m:        m,
		name:     name,
		slot:     slot,
		meta:     meta,
		policy:   m.settings.Policy(name),
		logger:   m.logger.With(zap.String("computation", name), zap.Int("slot", slot)),
		outputs:  m.topology.Outputs(name),
		interval: watermark.NewMonotonicInterval(),
		tailer:   tailer,
		timers:   newTimerQueue(),
		quit:     make(chan struct{}),
	}
}

func (r *runner) id() string {
	return fmt.Sprintf("%s-%02d", r.name, r.slot)
}

func (r *runner) isTerminated() bool {
	return runnerState(r.state.Load()) == runnerTerminated
}

// stop asks the runner to exit, a blocked read is interrupted
func (r *runner) stop() {
	r.quitOnce.Do(func() { close(r.quit) })
}

func (r *runner) stopping() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

// ProduceRecord implements Context
func (r *runner) ProduceRecord(output string, rec model.Record) error {
	stream, ok := r.outputs[output]
	if !ok {
		return errors.InvalidArgument(fmt.Sprintf("unknown output %s for %s", output, r.name), nil)
	}
	r.produced = append(r.produced, produced{stream: stream, rec: rec})
	return nil
}

func (r *runner) SetTimer(key string, timestamp int64) {
	r.timers.set(key, timestamp)
}

func (r *runner) AskForCheckpoint() {
	r.checkpointRequested = true
}

func (r *runner) AskForTermination() {
	r.terminationRequested = true
}

func (r *runner) SetSourceLowWatermark(value int64) {
	if err := r.interval.MarkValue(value); err != nil {
		r.logger.Warn("Invalid source watermark", zap.Int64("watermark", value), zap.Error(err))
	}
}

func (r *runner) Metadata() Metadata {
	return r.meta
}

func (r *runner) Slot() int {
	return r.slot
}

func (r *runner) Assignments() []mqueue.Partition {
	if r.tailer == nil {
		return nil
	}
	return r.tailer.Assignments()
}

func (r *runner) Policy() Policy {
	return r.policy
}

func (r *runner) Logger() *zap.Logger {
	return r.logger
}

// run is the worker pool task of the runner
func (r *runner) run(poolCtx context.Context) error {
	ctx, cancel := context.WithCancel(poolCtx)
	defer cancel()
	go func() {
		select {
		case <-r.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	r.state.Store(int32(runnerRunning))
	r.m.metrics.RunnerStarted(r.name, 1)
	defer func() {
		r.state.Store(int32(runnerTerminated))
		r.m.metrics.RunnerStarted(r.name, -1)
		if r.tailer != nil {
			r.tailer.Close()
		}
	}()

	r.comp = r.m.topology.Supplier(r.name)()
	if err := r.safeCall(func() error { return r.comp.Init(r) }); err != nil {
		r.logger.Error("Computation init failed", zap.Error(err))
		r.m.abort(r.name)
		return errors.ProcessingFailed(r.name, err)
	}
	defer r.comp.Destroy()
	r.logger.Info("Runner started", zap.Any("partitions", r.Assignments()))

	err := r.loop(ctx)
	if err == nil && r.canCheckpoint() && !r.aborted.Load() && ctx.Err() == nil {
		err = r.checkpoint(ctx)
	}
	r.logger.Info("Runner terminated",
		zap.Bool("aborted", r.aborted.Load()),
		zap.Stringer("low_watermark", r.interval.Low()))
	return err
}

func (r *runner) loop(ctx context.Context) error {
	for {
		if r.stopping() || r.terminationRequested {
			return nil
		}
		if err := r.processTimers(ctx); err != nil {
			return err
		}
		if r.aborted.Load() || r.terminationRequested {
			return nil
		}
		if r.batchDue() {
			if err := r.processBatch(ctx); err != nil {
				return err
			}
		}
		if r.canCheckpoint() {
			if err := r.checkpoint(ctx); err != nil {
				return err
			}
		}

		if r.tailer == nil {
			// a source is done when draining without timers left
			if r.draining.Load() && r.timers.len() == 0 {
				return nil
			}
			r.idle(ctx)
			continue
		}

		rec, err := r.tailer.Read(ctx, r.readTimeout())
		if err != nil {
			if ctx.Err() != nil || errors.GetCode(err) == errors.ErrCodeClosed {
				return nil
			}
			if errors.IsRebalance(err) {
				r.logger.Info("Partitions rebalanced", zap.Error(err))
				r.produced = r.produced[:0]
				continue
			}
			r.logger.Warn("Read failed", zap.Error(err))
			r.sleep(ctx, r.m.cfg.ReadTimeout)
			continue
		}
		if rec == nil {
			continue
		}
		if rec.Message.IsPoisonPill() {
			return r.poisonPill(ctx, rec)
		}
		if err := r.dispatch(ctx, rec); err != nil {
			return err
		}
	}
}

// readTimeout bounds a read by the next timer and the pending batch
func (r *runner) readTimeout() time.Duration {
	timeout := r.m.cfg.ReadTimeout
	if next, ok := r.timers.next(); ok {
		if d := time.Duration(next-time.Now().UnixMilli()) * time.Millisecond; d < timeout {
			timeout = d
		}
	}
	if len(r.batch) > 0 {
		if d := r.policy.Threshold() - time.Since(r.batchStart); d < timeout {
			timeout = d
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return timeout
}

// idle waits for the next timer of a computation without inputs
func (r *runner) idle(ctx context.Context) {
	r.sleep(ctx, r.readTimeout())
}

func (r *runner) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (r *runner) dispatch(ctx context.Context, rec *mqueue.LogRecord) error {
	input := rec.Offset.Partition.Stream
	if _, ok := r.comp.(BatchProcessor); ok && r.policy.Batched() {
		if len(r.batch) > 0 && r.batchInput != input {
			if err := r.processBatch(ctx); err != nil {
				return err
			}
		}
		if len(r.batch) == 0 {
			r.batchInput = input
			r.batchStart = time.Now()
		}
		r.batch = append(r.batch, rec.Message)
		if len(r.batch) >= r.policy.BatchCapacity {
			return r.processBatch(ctx)
		}
		return nil
	}

	records := []model.Record{rec.Message}
	return r.process(ctx, Failure{Input: input, Records: records}, func() error {
		return r.comp.ProcessRecord(r, input, rec.Message)
	})
}

// canCheckpoint holds a requested commit back while a batch is pending,
// the tailer position already covers the batched records
func (r *runner) canCheckpoint() bool {
	return r.checkpointRequested && len(r.batch) == 0
}

func (r *runner) batchDue() bool {
	return len(r.batch) > 0 && time.Since(r.batchStart) >= r.policy.Threshold()
}

func (r *runner) processBatch(ctx context.Context) error {
	if len(r.batch) == 0 {
		return nil
	}
	batch, input := r.batch, r.batchInput
	r.batch = nil
	processor := r.comp.(BatchProcessor)
	return r.process(ctx, Failure{Input: input, Records: batch}, func() error {
		return processor.ProcessBatch(r, input, batch)
	})
}

func (r *runner) processTimers(ctx context.Context) error {
	for _, t := range r.timers.expired(time.Now().UnixMilli()) {
		t := t
		r.m.metrics.RecordTimerFired(r.name)
		if err := r.process(ctx, Failure{TimerKey: t.key}, func() error {
			return r.comp.ProcessTimer(r, t.key, t.timestamp)
		}); err != nil {
			return err
		}
		if r.aborted.Load() || r.terminationRequested {
			return nil
		}
	}
	return nil
}

// process runs a callback and applies the failure policy.
// It returns an error only when the computation aborts.
func (r *runner) process(ctx context.Context, failure Failure, fn func() error) error {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := r.safeCall(fn)
		if err == nil {
			err = r.flush(ctx)
		}
		if err == nil {
			r.m.metrics.RecordProcessed(r.name, time.Since(start).Seconds())
			for _, rec := range failure.Records {
				r.mark(rec.Watermark)
			}
			return nil
		}
		r.produced = r.produced[:0]
		if ctx.Err() != nil {
			// stopped, the input is read again on resume
			return nil
		}
		r.m.metrics.RecordFailure(r.name)

		failure.Err = err
		failure.Attempt = attempt
		decision := r.policy.Resolve(r.retryDecision(failure), failure)
		r.logger.Warn("Computation failure",
			zap.Int("attempt", attempt),
			zap.Stringer("decision", decision),
			zap.String("input", failure.Input),
			zap.String("timer", failure.TimerKey),
			zap.Int("records", len(failure.Records)),
			zap.Error(err))

		switch decision {
		case DecisionRetry:
			r.m.metrics.RecordRetry(r.name)
			r.sleep(ctx, r.policy.Backoff(attempt))
			if ctx.Err() != nil {
				return nil
			}
		case DecisionSkip:
			r.deadLetter(ctx, failure)
			r.m.metrics.RecordSkipped(r.name, len(failure.Records))
			for _, rec := range failure.Records {
				r.mark(rec.Watermark)
			}
			r.checkpointRequested = true
			return nil
		default:
			r.deadLetter(ctx, failure)
			r.aborted.Store(true)
			r.m.abort(r.name)
			return errors.ProcessingFailed(r.name, err)
		}
	}
}

func (r *runner) retryDecision(failure Failure) (decision Decision) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("ProcessRetry panicked", zap.Any("panic", p))
			decision = DecisionDefault
		}
	}()
	return r.comp.ProcessRetry(r, failure)
}

// safeCall turns a panic of the computation into an error
func (r *runner) safeCall(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.ProcessingFailed(r.name, fmt.Errorf("panic: %v", p))
		}
	}()
	return fn()
}

func (r *runner) mark(value int64) {
	if err := r.interval.MarkValue(value); err != nil {
		r.logger.Debug("Ignoring invalid watermark", zap.Int64("watermark", value))
	}
}

// flush appends the records produced by the last callback
func (r *runner) flush(ctx context.Context) error {
	if len(r.produced) == 0 {
		return nil
	}
	low := r.interval.Low().Value()
	for _, p := range r.produced {
		rec := p.rec
		if rec.Watermark == 0 {
			rec = rec.WithWatermark(low)
		}
		if _, err := r.m.append(ctx, p.stream, rec); err != nil {
			return err
		}
	}
	r.m.metrics.RecordProduced(r.name, len(r.produced))
	r.produced = r.produced[:0]
	return nil
}

func (r *runner) checkpoint(ctx context.Context) error {
	r.checkpointRequested = false
	r.interval.Checkpoint()
	if r.tailer != nil {
		if err := r.tailer.Commit(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.IsRebalance(err) {
				r.logger.Info("Commit rejected by a rebalance", zap.Error(err))
				return nil
			}
			r.logger.Error("Checkpoint failed", zap.Error(err))
			return err
		}
	}
	r.m.metrics.RecordCheckpoint(r.name)
	return nil
}

// poisonPill commits the position after the pill and stops the runner
func (r *runner) poisonPill(ctx context.Context, rec *mqueue.LogRecord) error {
	if err := r.processBatch(ctx); err != nil {
		return err
	}
	r.logger.Info("Poison pill received", zap.Stringer("offset", rec.Offset))
	return r.checkpoint(ctx)
}

// deadLetter appends the failing records to the dead letter stream of the policy
func (r *runner) deadLetter(ctx context.Context, failure Failure) {
	stream := r.policy.DeadLetterStream
	if stream == "" || len(failure.Records) == 0 {
		return
	}
	for _, rec := range failure.Records {
		key := rec.Key
		if key == "" {
			key = uuid.NewString()
		}
		if _, err := r.m.append(ctx, stream, model.Record{Key: key, Data: rec.Data, Watermark: rec.Watermark}); err != nil {
			r.logger.Error("Failed to append to dead letter stream",
				zap.String("stream", stream),
				zap.String("key", key),
				zap.Error(err))
			return
		}
	}
	r.logger.Info("Records sent to dead letter stream",
		zap.String("stream", stream),
		zap.Int("records", len(failure.Records)))
}
