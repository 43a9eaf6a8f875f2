package watermark

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonotonicInterval_OutOfOrderMarks(t *testing.T) {
	t0 := time.Now().UnixMilli()
	w0 := mustTimestamp(t, t0, 0)
	w1 := mustTimestamp(t, t0+1, 0)
	w2 := mustTimestamp(t, t0+2, 0)
	w3 := mustTimestamp(t, t0+3, 0)

	interval := NewMonotonicInterval()
	assert.True(t, interval.Low().IsLowest())
	assert.True(t, interval.High().IsLowest())

	for _, w := range []Watermark{w2, w3, w2, w0, w1} {
		interval.Mark(w)
	}
	assert.Equal(t, w0, interval.Low())
	assert.Equal(t, w3, interval.High())
	assert.Equal(t, 5, interval.Pending())

	value := interval.Checkpoint()
	low := interval.Low()
	assert.Equal(t, low.Value(), value)
	assert.Equal(t, t0+3, low.Timestamp())
	assert.True(t, low.IsCompleted())
	assert.True(t, interval.IsDone(t0+3))
	assert.False(t, interval.IsDone(t0+4))

	// stale mark from a reordered partition
	interval.Mark(w0)
	assert.Equal(t, low, interval.Low())
	assert.Equal(t, 0, interval.Pending())
	assert.Equal(t, value, interval.Checkpoint())
}

func TestMonotonicInterval_CheckpointIsIdempotent(t *testing.T) {
	interval := NewMonotonicInterval()
	interval.Mark(mustTimestamp(t, 1000, 2))

	first := interval.Checkpoint()
	second := interval.Checkpoint()
	assert.Equal(t, first, second)
	assert.Equal(t, first, interval.Low().Value())
}

func TestMonotonicInterval_LowestMarkAdvances(t *testing.T) {
	interval := NewMonotonicInterval()
	assert.Equal(t, int64(0), interval.Checkpoint())

	interval.Mark(Lowest)
	value := interval.Checkpoint()
	assert.GreaterOrEqual(t, value, int64(1))
	assert.True(t, interval.Low().IsCompleted())
}

func TestMonotonicInterval_LowNeverRegresses(t *testing.T) {
	interval := NewMonotonicInterval()
	previous := int64(0)
	for ts := int64(1000); ts < 1100; ts++ {
		interval.Mark(mustTimestamp(t, ts, 0))
		interval.Mark(mustTimestamp(t, ts-500, 0))
		value := interval.Checkpoint()
		require.GreaterOrEqual(t, value, previous)
		previous = value
	}
	assert.Equal(t, int64(1099), interval.Low().Timestamp())
}

func TestMonotonicInterval_PendingAboveLow(t *testing.T) {
	interval := NewMonotonicInterval()
	interval.Mark(mustTimestamp(t, 10, 0))
	interval.Checkpoint()

	interval.Mark(mustTimestamp(t, 20, 0))
	assert.Equal(t, int64(10), interval.Low().Timestamp())
	assert.False(t, interval.IsDone(20))

	interval.Checkpoint()
	assert.True(t, interval.IsDone(20))
}

func TestMonotonicInterval_MarkValue(t *testing.T) {
	interval := NewMonotonicInterval()
	require.Error(t, interval.MarkValue(-5))

	w := mustTimestamp(t, 42, 1)
	require.NoError(t, interval.MarkValue(w.Value()))
	assert.Equal(t, w, interval.High())
}

func TestMonotonicInterval_ConcurrentReaders(t *testing.T) {
	interval := NewMonotonicInterval()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = interval.Low()
					_ = interval.IsDone(10)
				}
			}
		}()
	}

	for ts := int64(1); ts <= 1000; ts++ {
		interval.Mark(mustTimestamp(t, ts, 0))
		if ts%10 == 0 {
			interval.Checkpoint()
		}
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, int64(1000), interval.Low().Timestamp())
}
