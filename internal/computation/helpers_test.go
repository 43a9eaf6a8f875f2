package computation_test

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/local"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	failureCount    = 3
	counterInterval = 100 * time.Millisecond
	readTimeout     = 200 * time.Millisecond
)

func newLog(t *testing.T, dir string) *local.Manager {
	t.Helper()
	log, err := local.New(local.Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func newManager(t *testing.T, log mqueue.Manager) *computation.Manager {
	t.Helper()
	m := computation.NewManager(log, computation.Config{
		Name:         t.Name(),
		ReadTimeout:  50 * time.Millisecond,
		ScanInterval: 50 * time.Millisecond,
	}, zaptest.NewLogger(t), nil)
	t.Cleanup(m.Shutdown)
	return m
}

func startManager(t *testing.T, log mqueue.Manager, topology *computation.Topology, settings *computation.Settings) *computation.Manager {
	t.Helper()
	ctx := context.Background()
	m := newManager(t, log)
	require.NoError(t, m.Init(ctx, topology, settings))
	require.NoError(t, m.Start(ctx))
	return m
}

// appendRecords creates the stream with one partition when missing
func appendRecords(t *testing.T, log mqueue.Manager, stream string, records ...model.Record) {
	t.Helper()
	ctx := context.Background()
	_, err := log.CreateIfNotExists(ctx, stream, 1)
	require.NoError(t, err)
	appender, err := log.Appender(ctx, stream)
	require.NoError(t, err)
	for _, rec := range records {
		_, err := appender.AppendKey(ctx, rec)
		require.NoError(t, err)
	}
}

func records(n int) []model.Record {
	ret := make([]model.Record, n)
	for i := range ret {
		ret[i] = model.NewRecordWithWatermark(fmt.Sprintf("key-%d", i), []byte("data"), watermark.OfNow().Value())
	}
	return ret
}

// readAll returns every record of a stream using a fresh consumer group
func readAll(t *testing.T, log mqueue.Manager, stream string) []model.Record {
	t.Helper()
	ctx := context.Background()
	size, err := log.Size(ctx, stream)
	require.NoError(t, err)
	tailer, err := log.CreateTailer(ctx, "reader-"+uuid.NewString(), mqueue.PartitionsOf(stream, size))
	require.NoError(t, err)
	defer tailer.Close()

	var ret []model.Record
	for {
		rec, err := tailer.Read(ctx, readTimeout)
		require.NoError(t, err)
		if rec == nil {
			return ret
		}
		ret = append(ret, rec.Message)
	}
}

// sumKeys adds up the counts emitted by a counter
func sumKeys(t *testing.T, log mqueue.Manager, stream string) int {
	t.Helper()
	sum := 0
	for _, rec := range readAll(t, log, stream) {
		n, err := strconv.Atoi(rec.Key)
		require.NoError(t, err)
		sum += n
	}
	return sum
}

func lag(t *testing.T, m *computation.Manager, name string) int64 {
	t.Helper()
	l, err := m.Lag(context.Background(), name)
	require.NoError(t, err)
	return l.Lag
}

// failureForward forwards records after failing failureCount times per instance
type failureForward struct {
	computation.Base
	failures int
	retries  *atomic.Int32
}

func newFailureForward(name string, retries *atomic.Int32) computation.Supplier {
	return func() computation.Computation {
		return &failureForward{Base: computation.NewBase(name, 1, 1), retries: retries}
	}
}

func (f *failureForward) ProcessRecord(ctx computation.Context, _ string, rec model.Record) error {
	if f.failures < failureCount {
		f.failures++
		return fmt.Errorf("failure %d", f.failures)
	}
	if err := ctx.ProduceRecord("o1", rec); err != nil {
		return err
	}
	ctx.AskForCheckpoint()
	return nil
}

func (f *failureForward) ProcessRetry(_ computation.Context, failure computation.Failure) computation.Decision {
	if f.retries != nil {
		f.retries.Add(1)
	}
	return computation.DecisionDefault
}

// batchFailureForward is failureForward processing batches
type batchFailureForward struct {
	failureForward
	batches *atomic.Int32
}

func newBatchFailureForward(name string, batches *atomic.Int32) computation.Supplier {
	return func() computation.Computation {
		return &batchFailureForward{
			failureForward: failureForward{Base: computation.NewBase(name, 1, 1)},
			batches:        batches,
		}
	}
}

func (f *batchFailureForward) ProcessBatch(ctx computation.Context, _ string, records []model.Record) error {
	if f.failures < failureCount {
		f.failures++
		return fmt.Errorf("batch failure %d", f.failures)
	}
	f.batches.Add(1)
	for _, rec := range records {
		if err := ctx.ProduceRecord("o1", rec); err != nil {
			return err
		}
	}
	ctx.AskForCheckpoint()
	return nil
}

// batchCounter counts the records of its batches and asks for a checkpoint after each
type batchCounter struct {
	computation.Base
	processed *atomic.Int64
}

func newBatchCounter(name string, inputs int, processed *atomic.Int64) computation.Supplier {
	return func() computation.Computation {
		return &batchCounter{Base: computation.NewBase(name, inputs, 0), processed: processed}
	}
}

func (c *batchCounter) ProcessRecord(ctx computation.Context, input string, rec model.Record) error {
	return c.ProcessBatch(ctx, input, []model.Record{rec})
}

func (c *batchCounter) ProcessBatch(ctx computation.Context, _ string, records []model.Record) error {
	c.processed.Add(int64(len(records)))
	ctx.AskForCheckpoint()
	return nil
}
