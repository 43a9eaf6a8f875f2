package mqueue

import (
	"fmt"
	"testing"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionFor(t *testing.T) {
	assert.Equal(t, 0, PartitionFor("anything", 1))
	assert.Equal(t, 0, PartitionFor("anything", 0))

	counts := make([]int, 8)
	for i := 0; i < 8000; i++ {
		key := fmt.Sprintf("key-%d", i)
		p := PartitionFor(key, 8)
		require.Equal(t, p, PartitionFor(key, 8))
		counts[p]++
	}
	for p, c := range counts {
		assert.Greater(t, c, 500, "partition %d is starved", p)
	}
}

func TestClaims(t *testing.T) {
	claims := NewClaims()
	p0, p1 := Of("s1", 0), Of("s1", 1)

	require.NoError(t, claims.Claim("g1", []Partition{p0, p1}))
	require.NoError(t, claims.Claim("g2", []Partition{p0}))

	err := claims.Claim("g1", []Partition{Of("s1", 2), p1})
	assert.True(t, errors.IsArgument(err))
	assert.Equal(t, 3, claims.Len())

	claims.Release("g1", []Partition{p0, p1})
	require.NoError(t, claims.Claim("g1", []Partition{p1}))
}

func TestLag(t *testing.T) {
	lags := []Lag{NewLag(3, 10), NewLag(0, 0), NewLag(5, 5)}
	assert.Equal(t, int64(7), lags[0].Lag)

	total := CombineLags(lags)
	assert.Equal(t, Lag{Lower: 8, Upper: 15, Lag: 7, Members: 3}, total)
	assert.Equal(t, int64(0), NewLag(10, 4).Lag)
}

func TestLatency(t *testing.T) {
	lowerWm, err := watermark.OfTimestamp(1000)
	require.NoError(t, err)
	upperWm, err := watermark.OfTimestamp(1500)
	require.NoError(t, err)
	lower := model.NewRecordWithWatermark("a", nil, lowerWm.Value())
	upper := model.NewRecordWithWatermark("b", nil, upperWm.Value())

	latency := NewLatency(NewLag(1, 4), &lower, &upper)
	assert.Equal(t, int64(500), latency.Latency())
	assert.Equal(t, "a", latency.Key)

	assert.Equal(t, int64(0), NewLatency(NewLag(4, 4), &lower, &upper).Latency())
	assert.Equal(t, int64(0), NewLatency(NewLag(0, 4), nil, &upper).Latency())

	combined := CombineLatencies([]Latency{NewLatency(NewLag(4, 4), &upper, &upper), latency})
	assert.Equal(t, int64(500), combined.Latency())
	assert.Equal(t, int64(3), combined.Lag.Lag)
}

func TestOptions(t *testing.T) {
	assert.Nil(t, ApplyOptions().Codec)

	var assigned []Partition
	listener := &RebalanceListener{OnAssigned: func(p []Partition) { assigned = p }}
	listener.NotifyAssigned([]Partition{Of("s", 1)})
	listener.NotifyRevoked(nil)
	var nilListener *RebalanceListener
	nilListener.NotifyAssigned(nil)

	assert.Equal(t, []Partition{Of("s", 1)}, assigned)
	assert.Equal(t, "s-01", Of("s", 1).String())
	assert.Len(t, PartitionsOf("s", 3), 3)
}
