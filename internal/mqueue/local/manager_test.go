package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/mqueuetest"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/offsets"
	"github.com/devrev/pairdb/stream-node/internal/storage/diskmanager"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
)

func TestLocalManager(t *testing.T) {
	for _, kind := range []string{offsets.KindPebble, offsets.KindSQLite} {
		t.Run(kind, func(t *testing.T) {
			dir := t.TempDir()
			logger := zaptest.NewLogger(t)
			suite.Run(t, &mqueuetest.Suite{
				NewManager: func() (mqueue.Manager, error) {
					return New(Config{Dir: dir, OffsetStore: kind}, logger)
				},
			})
		})
	}
}

func newManager(t *testing.T, dir string, opts ...Option) *Manager {
	m, err := New(Config{Dir: dir}, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestRoundRobinRead(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, t.TempDir())

	_, err := m.CreateIfNotExists(ctx, "rr", 3)
	require.NoError(t, err)
	appender, err := m.Appender(ctx, "rr")
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		for p := 0; p < 3; p++ {
			_, err := appender.Append(ctx, p, model.NewRecord("k", []byte{byte(p)}))
			require.NoError(t, err)
		}
	}

	tailer, err := m.CreateTailer(ctx, "g", mqueue.PartitionsOf("rr", 3))
	require.NoError(t, err)
	var order []int
	for i := 0; i < 6; i++ {
		rec, err := tailer.Read(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, rec)
		order = append(order, rec.Offset.Partition.Partition)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, order)
}

func TestReadWakesUpOnAppend(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, t.TempDir())
	_, err := m.CreateIfNotExists(ctx, "wake", 1)
	require.NoError(t, err)
	appender, err := m.Appender(ctx, "wake")
	require.NoError(t, err)
	tailer, err := m.CreateTailer(ctx, "g", mqueue.PartitionsOf("wake", 1))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		appender.Append(ctx, 0, model.NewRecord("late", []byte("x")))
	}()
	start := time.Now()
	rec, err := tailer.Read(ctx, 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "late", rec.Message.Key)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCorruptedTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := New(Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = m.CreateIfNotExists(ctx, "crash", 1)
	require.NoError(t, err)
	appender, err := m.Appender(ctx, "crash")
	require.NoError(t, err)
	for _, key := range []string{"a", "b", "c"} {
		_, err := appender.Append(ctx, 0, model.NewRecord(key, []byte("payload-"+key)))
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	// simulate a torn write
	path := partitionPath(filepath.Join(dir, "crash"), 0)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{42, 0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m = newManager(t, dir)
	lag, err := m.Lag(ctx, "crash", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(3), lag.Upper)

	appender, err = m.Appender(ctx, "crash")
	require.NoError(t, err)
	offset, err := appender.Append(ctx, 0, model.NewRecord("d", []byte("payload-d")))
	require.NoError(t, err)
	assert.Equal(t, int64(3), offset.Value)

	tailer, err := m.CreateTailer(ctx, "g", mqueue.PartitionsOf("crash", 1))
	require.NoError(t, err)
	var keys []string
	for {
		rec, err := tailer.Read(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		keys = append(keys, rec.Message.Key)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestCorruptedChecksumIsTruncated(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := New(Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = m.CreateIfNotExists(ctx, "flip", 1)
	require.NoError(t, err)
	appender, err := m.Appender(ctx, "flip")
	require.NoError(t, err)
	for _, key := range []string{"a", "b"} {
		_, err := appender.Append(ctx, 0, model.NewRecord(key, []byte("payload")))
		require.NoError(t, err)
	}
	require.NoError(t, m.Close())

	path := partitionPath(filepath.Join(dir, "flip"), 0)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	m = newManager(t, dir)
	lag, err := m.Lag(ctx, "flip", "g")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lag.Upper)
}

func TestStreamNameValidation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, t.TempDir())

	_, err := m.CreateIfNotExists(ctx, "../escape", 1)
	assert.True(t, errors.IsArgument(err))
	assert.False(t, m.Exists(ctx, "../escape"))

	_, err = m.CreateTailer(ctx, "", []mqueue.Partition{mqueue.Of("s", 0)})
	assert.True(t, errors.IsArgument(err))
}

func TestAppendRejectedOnFullDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	available := uint64(10)
	cfg := diskmanager.DefaultConfig(dir)
	cfg.CheckInterval = 0
	dm, err := diskmanager.NewDiskManagerWithUsage(cfg, zaptest.NewLogger(t), func(string) (uint64, uint64, error) {
		return 1000, available, nil
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	mt := metrics.NewMetrics(reg, "test")
	m := newManager(t, dir, WithDiskManager(dm), WithMetrics(mt))
	_, err = m.CreateIfNotExists(ctx, "full", 1)
	require.NoError(t, err)
	appender, err := m.Appender(ctx, "full")
	require.NoError(t, err)

	_, err = appender.Append(ctx, 0, model.NewRecord("k", []byte("v")))
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.AppendErrorsTotal.WithLabelValues("full")))

	available = 900
	_, err = appender.Append(ctx, 0, model.NewRecord("k", []byte("v")))
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(mt.AppendsTotal.WithLabelValues("full")))
}

func TestOffsetsDirIsNotAStream(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, t.TempDir())
	_, err := m.CreateIfNotExists(ctx, "only", 1)
	require.NoError(t, err)

	names, err := m.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, names)
}
