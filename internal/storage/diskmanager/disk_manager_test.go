package diskmanager

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeUsage reports a fixed total of 1000 bytes with a settable available amount
type fakeUsage struct {
	available atomic.Uint64
}

func (f *fakeUsage) read(string) (uint64, uint64, error) {
	return 1000, f.available.Load(), nil
}

func newTestManager(t *testing.T, available uint64) (*DiskManager, *fakeUsage) {
	usage := &fakeUsage{}
	usage.available.Store(available)
	cfg := DefaultConfig(t.TempDir())
	cfg.CheckInterval = 0
	dm, err := NewDiskManagerWithUsage(cfg, zap.NewNop(), usage.read)
	require.NoError(t, err)
	return dm, usage
}

func TestDiskManager_States(t *testing.T) {
	dm, usage := newTestManager(t, 500)

	assert.NoError(t, dm.CheckBeforeWrite(100))
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(dm.CheckBeforeWrite(600)))

	// 92% used: throttled, small appends only
	usage.available.Store(80)
	assert.NoError(t, dm.CheckBeforeWrite(5))
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(dm.CheckBeforeWrite(20)))
	assert.True(t, dm.GetDiskUsage().IsThrottled)

	// 97% used: every append rejected
	usage.available.Store(30)
	assert.Equal(t, errors.ErrCodeDiskFull, errors.GetCode(dm.CheckBeforeWrite(1)))
	stats := dm.GetDiskUsage()
	assert.True(t, stats.IsCircuitBroken)
	assert.False(t, stats.IsThrottled)

	usage.available.Store(900)
	assert.NoError(t, dm.CheckBeforeWrite(1))
	assert.InDelta(t, 10.0, dm.GetDiskUsage().UsagePercent, 0.001)
}

func TestDiskManager_CachedBetweenChecks(t *testing.T) {
	usage := &fakeUsage{}
	usage.available.Store(500)
	cfg := DefaultConfig(t.TempDir())
	cfg.CheckInterval = time.Hour
	dm, err := NewDiskManagerWithUsage(cfg, zap.NewNop(), usage.read)
	require.NoError(t, err)

	usage.available.Store(0)
	assert.NoError(t, dm.CheckBeforeWrite(10))

	require.NoError(t, dm.ForceCheck())
	assert.Error(t, dm.CheckBeforeWrite(10))
}

func TestDiskManager_InvalidConfig(t *testing.T) {
	_, err := NewDiskManager(&Config{}, zap.NewNop())
	assert.Error(t, err)

	cfg := DefaultConfig(t.TempDir())
	cfg.CircuitBreakerThreshold = 50
	_, err = NewDiskManager(cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestStatfs(t *testing.T) {
	total, available, err := Statfs(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, total, uint64(0))
	assert.LessOrEqual(t, available, total)
}
