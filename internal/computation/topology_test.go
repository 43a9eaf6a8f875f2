package computation_test

import (
	"errors"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/computation/builtin"
	streamerrors "github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyBuilder(t *testing.T) {
	topology, err := computation.NewTopologyBuilder().
		AddComputation(builtin.NewGenerator("GEN", builtin.GeneratorConfig{}), []string{"o1:s1"}).
		AddComputation(builtin.NewForward("C1", 1, 2), []string{"i1:s1", "o1:s2", "o2:s3"}).
		AddComputation(builtin.NewForward("C2", 2, 1), []string{"i1:s2", "i2:s3", "o1:s4"}).
		AddComputation(builtin.NewSink("SINK", 1, nil), []string{"i1:s4"}).
		Build()
	require.NoError(t, err)
	require.NoError(t, topology.Validate())

	assert.Equal(t, []string{"GEN", "C1", "C2", "SINK"}, topology.Computations())
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, topology.Streams())
	assert.Equal(t, []string{"s2", "s3"}, topology.InputStreams("C2"))
	assert.Equal(t, []string{"s2", "s3"}, topology.OutputStreams("C1"))
	assert.Equal(t, []string{"C1"}, topology.Producers("s2"))
	assert.Equal(t, []string{"C2"}, topology.Consumers("s3"))
	assert.Equal(t, []string{"SINK"}, topology.Sinks())
	assert.Empty(t, topology.SourceStreams())

	outputs := topology.Outputs("C1")
	assert.Equal(t, "s2", outputs["o1"])
	assert.Equal(t, "s3", outputs["o2"])
	assert.Equal(t, "s3", outputs["s3"])

	meta, ok := topology.Metadata("C2")
	require.True(t, ok)
	assert.Equal(t, 2, meta.Inputs)
	assert.False(t, meta.IsSource())
	assert.Nil(t, topology.Supplier("UNKNOWN"))

	mermaid := topology.Mermaid()
	assert.Contains(t, mermaid, "flowchart LR")
	assert.Contains(t, mermaid, "C1 --> s_s2")
	assert.Contains(t, mermaid, "s_s4 --> SINK")
}

func TestTopologyAllowsCycles(t *testing.T) {
	topology, err := computation.NewTopologyBuilder().
		AddComputation(builtin.NewForward("A", 1, 1), []string{"i1:s1", "o1:s2"}).
		AddComputation(builtin.NewForward("B", 1, 1), []string{"i1:s2", "o1:s1"}).
		Build()
	require.NoError(t, err)
	require.NoError(t, topology.Validate())
	assert.Equal(t, []string{"A", "B"}, topology.Sinks())
}

func TestTopologyErrors(t *testing.T) {
	tests := []struct {
		name     string
		supplier computation.Supplier
		mappings []string
	}{
		{"malformed mapping", builtin.NewForward("C", 1, 1), []string{"i1"}},
		{"invalid port", builtin.NewForward("C", 1, 1), []string{"x1:s"}},
		{"unknown port", builtin.NewForward("C", 1, 1), []string{"i2:s"}},
		{"port mapped twice", builtin.NewForward("C", 1, 1), []string{"i1:a", "i1:b"}},
		{"nil supplier", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := computation.NewTopologyBuilder().AddComputation(tt.supplier, tt.mappings).Build()
			require.Error(t, err)
			assert.Equal(t, streamerrors.ErrCodeInvalidTopology, streamerrors.GetCode(err))
		})
	}

	_, err := computation.NewTopologyBuilder().
		AddComputation(builtin.NewSink("C", 1, nil), []string{"i1:a"}).
		AddComputation(builtin.NewSink("C", 1, nil), []string{"i1:b"}).
		Build()
	assert.Equal(t, streamerrors.ErrCodeInvalidTopology, streamerrors.GetCode(err))

	empty, err := computation.NewTopologyBuilder().Build()
	require.NoError(t, err)
	assert.Error(t, empty.Validate())
}

func TestSettings(t *testing.T) {
	policy := computation.Policy{MaxRetries: 2}
	settings := computation.NewSettings(4, 8).
		SetConcurrency("C1", 1).
		SetPartitions("s1", 2).
		SetPolicy("C1", policy)

	assert.Equal(t, 1, settings.Concurrency("C1"))
	assert.Equal(t, 4, settings.Concurrency("C2"))
	assert.Equal(t, 2, settings.Partitions("s1"))
	assert.Equal(t, 8, settings.Partitions("s2"))
	assert.Equal(t, 2, settings.Policy("C1").MaxRetries)
	assert.Equal(t, 0, settings.Policy("C2").MaxRetries)

	withDefault := computation.NewSettingsWithPolicy(1, 1, computation.Policy{ContinueOnFailure: true})
	assert.True(t, withDefault.Policy("any").ContinueOnFailure)
}

func TestPolicyResolve(t *testing.T) {
	failure := func(attempt int) computation.Failure {
		return computation.Failure{Err: errors.New("boom"), Attempt: attempt}
	}
	noRetry := computation.NoRetry
	assert.Equal(t, computation.DecisionAbort, noRetry.Resolve(computation.DecisionDefault, failure(1)))
	assert.Equal(t, computation.DecisionAbort, noRetry.Resolve(computation.DecisionRetry, failure(1)))
	assert.Equal(t, computation.DecisionSkip, noRetry.Resolve(computation.DecisionSkip, failure(1)))

	retry := computation.Policy{MaxRetries: 2, ContinueOnFailure: true}
	assert.Equal(t, computation.DecisionRetry, retry.Resolve(computation.DecisionDefault, failure(1)))
	assert.Equal(t, computation.DecisionRetry, retry.Resolve(computation.DecisionDefault, failure(2)))
	assert.Equal(t, computation.DecisionSkip, retry.Resolve(computation.DecisionDefault, failure(3)))
	assert.Equal(t, computation.DecisionAbort, retry.Resolve(computation.DecisionAbort, failure(1)))

	selective := computation.Policy{MaxRetries: 5, Retryable: computation.RetryOn(streamerrors.ErrCodeUnavailable)}
	assert.Equal(t, computation.DecisionAbort, selective.Resolve(computation.DecisionDefault, failure(1)))
	unavailable := computation.Failure{Err: streamerrors.Unavailable("log", nil), Attempt: 1}
	assert.Equal(t, computation.DecisionRetry, selective.Resolve(computation.DecisionDefault, unavailable))
}

func TestPolicyBackoff(t *testing.T) {
	p := computation.Policy{Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 20*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 40*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 50*time.Millisecond, p.Backoff(4))
	assert.Equal(t, time.Duration(0), computation.NoRetry.Backoff(1))

	assert.False(t, computation.NoRetry.Batched())
	assert.Equal(t, computation.DefaultBatchThreshold, computation.NoRetry.Threshold())
	assert.True(t, computation.Policy{BatchCapacity: 2}.Batched())
	assert.Error(t, computation.Policy{BatchCapacity: -1}.Validate())
}
