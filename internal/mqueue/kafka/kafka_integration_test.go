package kafka

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/mqueuetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// brokers returns KAFKA_BROKERS when set, otherwise starts a redpanda container
func brokers(t *testing.T) []string {
	t.Helper()
	if testing.Short() {
		t.Skip("kafka integration test skipped in short mode")
	}
	if env := os.Getenv("KAFKA_BROKERS"); env != "" {
		return strings.Split(env, ",")
	}

	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()
	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"19092:19092/tcp"},
		Cmd: []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M",
			"--reserve-memory", "0M", "--check=false", "--node-id", "0",
			"--kafka-addr", "0.0.0.0:19092", "--advertise-kafka-addr", "127.0.0.1:19092"},
		WaitingFor: wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "19092")
	require.NoError(t, err)
	return []string{fmt.Sprintf("%s:%s", host, port.Port())}
}

func newTestConfig(brokers []string) Config {
	return Config{
		Brokers:     brokers,
		TopicPrefix: "it-" + uuid.NewString()[:8] + "-",
		Codec:       "proto",
	}
}

func TestKafkaManager(t *testing.T) {
	cfg := newTestConfig(brokers(t))
	logger := zaptest.NewLogger(t)
	suite.Run(t, &mqueuetest.Suite{
		NewManager: func() (mqueue.Manager, error) {
			return New(cfg, logger, nil)
		},
		DefTimeout:   15 * time.Second,
		SmallTimeout: time.Second,
	})
}

func TestSubscribeRebalance(t *testing.T) {
	ctx := context.Background()
	m, err := New(newTestConfig(brokers(t)), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.CreateIfNotExists(ctx, "rebalance", 4)
	require.NoError(t, err)
	appender, err := m.Appender(ctx, "rebalance")
	require.NoError(t, err)
	for p := 0; p < 4; p++ {
		_, err := appender.Append(ctx, p, model.NewRecord(fmt.Sprintf("k%d", p), []byte("v")))
		require.NoError(t, err)
	}

	revoked := make(chan []mqueue.Partition, 8)
	listener := &mqueue.RebalanceListener{
		OnRevoked: func(ps []mqueue.Partition) { revoked <- ps },
	}
	first, err := m.Subscribe(ctx, "members", []string{"rebalance"}, listener)
	require.NoError(t, err)
	defer first.Close()

	// the first member owns everything once it reads
	rec, err := first.Read(ctx, 15*time.Second)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, first.Assignments(), 4)

	second, err := m.Subscribe(ctx, "members", []string{"rebalance"}, nil)
	require.NoError(t, err)
	defer second.Close()

	var sawRebalance bool
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) && (!sawRebalance || len(second.Assignments()) == 0) {
		_, err := first.Read(ctx, 200*time.Millisecond)
		if errors.IsRebalance(err) {
			sawRebalance = true
		} else {
			require.NoError(t, err)
		}
		_, err = second.Read(ctx, 200*time.Millisecond)
		if !errors.IsRebalance(err) {
			require.NoError(t, err)
		}
	}
	assert.True(t, sawRebalance)
	assert.NotEmpty(t, revoked)
	assert.Equal(t, 4, len(first.Assignments())+len(second.Assignments()))
}

func TestConfigValidation(t *testing.T) {
	_, err := New(Config{}, zaptest.NewLogger(t), nil)
	assert.True(t, errors.IsArgument(err))

	_, err = New(Config{Brokers: []string{"localhost:1"}, Codec: "nope"}, zaptest.NewLogger(t), nil)
	assert.Error(t, err)
}
