package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeProcessor struct {
	state  computation.State
	status []computation.ComputationStatus
	low    int64
}

func (p *fakeProcessor) State() computation.State { return p.state }
func (p *fakeProcessor) Status() []computation.ComputationStatus { return p.status }
func (p *fakeProcessor) LowWatermark() int64 { return p.low }

func newChecker(t *testing.T, processor Processor) *HealthChecker {
	t.Helper()
	dir := t.TempDir()
	log, err := local.New(local.Config{Dir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	return NewHealthChecker(&HealthCheckConfig{
		NodeID:    "node-1",
		Log:       log,
		Processor: processor,
	}, zaptest.NewLogger(t))
}

func TestHealthCheckerProcessorStates(t *testing.T) {
	tests := []struct {
		name   string
		state  computation.State
		status []computation.ComputationStatus
		check  string
		ready  bool
		node   model.NodeStatus
	}{
		{"running", computation.StateRunning, nil, statusHealthy, true, model.NodeStatusHealthy},
		{"draining", computation.StateDraining, nil, statusWarning, true, model.NodeStatusDegraded},
		{"aborted", computation.StateRunning, []computation.ComputationStatus{{Name: "A", Aborted: true}},
			statusWarning, true, model.NodeStatusDegraded},
		{"initialized", computation.StateInitialized, nil, statusCritical, false, model.NodeStatusUnhealthy},
		{"stopped", computation.StateStopped, nil, statusCritical, false, model.NodeStatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newChecker(t, &fakeProcessor{state: tt.state, status: tt.status})
			h.RunChecks(context.Background())

			checks := h.GetChecks()
			assert.Equal(t, tt.check, checks["processor"].Status, checks["processor"].Message)
			assert.Equal(t, statusHealthy, checks["log"].Status)
			assert.True(t, h.IsLive())
			assert.Equal(t, tt.ready, h.IsReady())
			assert.Equal(t, tt.node, h.GetStatus().Status)
		})
	}
}

func TestHealthCheckerSummary(t *testing.T) {
	h := newChecker(t, &fakeProcessor{
		state: computation.StateRunning,
		low:   42,
		status: []computation.ComputationStatus{
			{Name: "A", Running: 2},
			{Name: "B", Running: 1, Aborted: true},
		},
	})
	h.RunChecks(context.Background())

	status := h.GetStatus()
	assert.Equal(t, "node-1", status.NodeID)
	assert.Equal(t, "running", status.Metrics.ProcessorState)
	assert.Equal(t, 2, status.Metrics.Computations)
	assert.Equal(t, 3, status.Metrics.ActiveRunners)
	assert.Equal(t, []string{"B"}, status.Metrics.AbortedComputations)
	assert.Equal(t, int64(42), status.Metrics.LowWatermark)
}

func TestHealthCheckerDataDir(t *testing.T) {
	h := NewHealthChecker(&HealthCheckConfig{NodeID: "n", DataDir: t.TempDir()}, zaptest.NewLogger(t))
	assert.Equal(t, statusHealthy, h.checkDataDirAccessible().Status)

	h = NewHealthChecker(&HealthCheckConfig{NodeID: "n", DataDir: "/nonexistent/stream-node"}, zaptest.NewLogger(t))
	assert.Equal(t, statusCritical, h.checkDataDirAccessible().Status)
	assert.Equal(t, statusCritical, h.checkDiskSpace().Status)
}

func TestHealthCheckerHandlers(t *testing.T) {
	processor := &fakeProcessor{state: computation.StateStopped}
	h := newChecker(t, processor)
	h.RunChecks(context.Background())

	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "Processor is stopped")

	processor.state = computation.StateRunning
	h.RunChecks(context.Background())
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h.SetReadiness(false)
	assert.False(t, h.IsReady())
}

func TestHealthCheckerGRPC(t *testing.T) {
	processor := &fakeProcessor{state: computation.StateRunning}
	h := newChecker(t, processor)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	h.RegisterGRPC(server)
	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	h.RunChecks(context.Background())
	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	processor.state = computation.StateStopped
	h.RunChecks(context.Background())
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
