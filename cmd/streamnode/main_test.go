package main

import (
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/config"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Processor: config.ProcessorConfig{
			DefaultConcurrency: 2,
			DefaultPartitions:  4,
			Policy:             config.PolicyConfig{MaxRetries: 3, Delay: 10 * time.Millisecond},
		},
		Topology: config.TopologyConfig{
			Partitions: map[string]int{"output": 1},
			Computations: []config.ComputationConfig{
				{Name: "GEN", Type: "generator", Streams: []string{"o1:input"}, Params: map[string]any{"records": 10}},
				{Name: "FWD", Type: "forward", Streams: []string{"i1:input", "o1:output"}, Concurrency: 1,
					Policy: &config.PolicyConfig{ContinueOnFailure: true, DeadLetterStream: "dlq"}},
				{Name: "SINK", Type: "sink", Streams: []string{"i1:output"}},
			},
		},
	}
}

func TestBuildTopology(t *testing.T) {
	topology, err := buildTopology(testConfig().Topology)
	require.NoError(t, err)
	assert.Equal(t, []string{"GEN", "FWD", "SINK"}, topology.Computations())
	assert.Empty(t, topology.SourceStreams())
	assert.Equal(t, []string{"SINK"}, topology.Sinks())

	_, err = buildTopology(config.TopologyConfig{})
	assert.Equal(t, errors.ErrCodeInvalidTopology, errors.GetCode(err))
}

func TestBuildSettings(t *testing.T) {
	settings := buildSettings(testConfig())

	assert.Equal(t, 2, settings.Concurrency("GEN"))
	assert.Equal(t, 1, settings.Concurrency("FWD"))
	assert.Equal(t, 4, settings.Partitions("input"))
	assert.Equal(t, 1, settings.Partitions("output"))

	policy := settings.Policy("SINK")
	assert.Equal(t, 3, policy.MaxRetries)
	assert.False(t, policy.ShouldRetry(errors.InvalidArgument("bad", nil), 1))
	assert.True(t, policy.ShouldRetry(errors.Unavailable("down", nil), 1))

	policy = settings.Policy("FWD")
	assert.True(t, policy.ContinueOnFailure)
	assert.Equal(t, "dlq", policy.DeadLetterStream)
	assert.Zero(t, policy.MaxRetries)
}

func TestInitLogger(t *testing.T) {
	logger, err := initLogger(config.LoggingConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(-1))

	_, err = initLogger(config.LoggingConfig{Level: "verbose"})
	assert.Error(t, err)
}
