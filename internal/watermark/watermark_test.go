package watermark

import (
	"math/rand"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTimestamp(t *testing.T, ts int64, seq int) Watermark {
	t.Helper()
	w, err := OfTimestampSeq(ts, seq)
	require.NoError(t, err)
	return w
}

func TestWatermark_RoundTrip(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		ts   int64
		seq  int
	}{
		{name: "zero", ts: 0, seq: 0},
		{name: "now", ts: now.UnixMilli(), seq: 0},
		{name: "now with sequence", ts: now.UnixMilli(), seq: 12345},
		{name: "max sequence", ts: now.UnixMilli(), seq: MaxSequence},
		{name: "in 100 years", ts: now.AddDate(100, 0, 0).UnixMilli(), seq: 1},
		{name: "max timestamp", ts: MaxTimestamp, seq: MaxSequence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := mustTimestamp(t, tt.ts, tt.seq)
			decoded, err := OfValue(w.Value())
			require.NoError(t, err)

			assert.Equal(t, tt.ts, decoded.Timestamp())
			assert.Equal(t, tt.seq, decoded.Sequence())
			assert.False(t, decoded.IsCompleted())
			assert.GreaterOrEqual(t, w.Value(), int64(0))

			completed, err := OfValue(CompletedOf(w).Value())
			require.NoError(t, err)
			assert.Equal(t, tt.ts, completed.Timestamp())
			assert.Equal(t, tt.seq, completed.Sequence())
			assert.True(t, completed.IsCompleted())
		})
	}
}

func TestWatermark_RandomRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	horizon := time.Now().AddDate(100, 0, 0).UnixMilli()
	for i := 0; i < 10000; i++ {
		ts := rnd.Int63n(horizon)
		w, err := OfTimestamp(ts)
		require.NoError(t, err)
		decoded, err := OfValue(w.Value())
		require.NoError(t, err)
		require.Equal(t, ts, decoded.Timestamp())
	}
}

func TestWatermark_InvalidInput(t *testing.T) {
	_, err := OfTimestamp(-1)
	assert.True(t, errors.IsArgument(err))

	_, err = OfTimestampSeq(1, -1)
	assert.True(t, errors.IsArgument(err))

	_, err = OfTimestampSeq(1, MaxSequence+1)
	assert.True(t, errors.IsArgument(err))

	_, err = OfTimestamp(MaxTimestamp + 1)
	assert.True(t, errors.IsArgument(err))

	_, err = OfValue(-1)
	assert.True(t, errors.IsArgument(err))
}

func TestWatermark_Ordering(t *testing.T) {
	ts := time.Now().UnixMilli()
	base := mustTimestamp(t, ts, 0)
	withSeq := mustTimestamp(t, ts, 1)
	later := mustTimestamp(t, ts+1, 0)

	assert.Equal(t, 1, withSeq.Compare(base))
	assert.Equal(t, 1, CompletedOf(base).Compare(base))
	assert.Equal(t, 1, CompletedOf(withSeq).Compare(withSeq))
	assert.Equal(t, -1, CompletedOf(base).Compare(withSeq))
	assert.Equal(t, 1, later.Compare(CompletedOf(mustTimestamp(t, ts, MaxSequence))))
	assert.Equal(t, 0, base.Compare(mustTimestamp(t, ts, 0)))
	assert.True(t, Lowest.Before(base))
	assert.True(t, Lowest.IsLowest())
	assert.Equal(t, int64(0), Lowest.Value())
	assert.False(t, Lowest.IsCompleted())
}

func TestWatermark_IsDone(t *testing.T) {
	ts := time.Now().UnixMilli()
	w := mustTimestamp(t, ts, 3)

	assert.True(t, w.IsDone(ts-1))
	assert.False(t, w.IsDone(ts))
	assert.False(t, w.IsDone(ts+1))
	assert.True(t, CompletedOf(w).IsDone(ts))
	assert.False(t, CompletedOf(w).IsDone(ts+1))
}

func TestWatermark_OfNow(t *testing.T) {
	before := time.Now().UnixMilli()
	w := OfNow()
	after := time.Now().UnixMilli()

	assert.GreaterOrEqual(t, w.Timestamp(), before)
	assert.LessOrEqual(t, w.Timestamp(), after)
	assert.Equal(t, 0, w.Sequence())
	assert.Contains(t, w.String(), "completed=false")
}
