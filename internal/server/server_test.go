package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/computation/builtin"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/health"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/mqueue/local"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	server  *Server
	manager *computation.Manager
	checker *health.HealthChecker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	log, err := local.New(local.Config{Dir: t.TempDir()}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "node-1")
	manager := computation.NewManager(log, computation.Config{Name: "test"}, logger, m)
	t.Cleanup(manager.Shutdown)

	topology, err := computation.NewTopologyBuilder().
		AddComputation(builtin.NewForward("FWD", 1, 1), []string{"i1:input", "o1:output"}).
		AddComputation(builtin.NewSink("SINK", 1, nil), []string{"i1:output"}).
		Build()
	require.NoError(t, err)
	require.NoError(t, manager.Init(context.Background(), topology, computation.NewSettings(1, 2)))

	checker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:    "node-1",
		Log:       log,
		Processor: manager,
		Metrics:   m,
	}, logger)

	return &fixture{
		server:  NewServer(Config{}, log, manager, checker, reg, m, logger),
		manager: manager,
		checker: checker,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var ret map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ret), rec.Body.String())
	return ret
}

func TestStreams(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/streams", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{"input", "output"}, decode(t, rec)["streams"])

	rec = f.do(t, http.MethodGet, "/v1/streams/input", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2.0, decode(t, rec)["partitions"])

	rec = f.do(t, http.MethodGet, "/v1/streams/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, float64(errors.ErrCodeUnknownStream), decode(t, rec)["code"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))
}

func TestAppendAndLag(t *testing.T) {
	f := newFixture(t)

	for _, key := range []string{"a", "b", "c"} {
		rec := f.do(t, http.MethodPost, "/v1/streams/input/records", `{"key":"`+key+`","data":"payload"}`)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := f.do(t, http.MethodPost, "/v1/streams/input/records", `{"key":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/streams/input/records", `{"key":"k","watermark":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/computations/FWD/lag", "")
	require.Equal(t, http.StatusOK, rec.Code)
	lag := decode(t, rec)["lag"].(map[string]interface{})
	assert.Equal(t, 3.0, lag["lag"])

	rec = f.do(t, http.MethodGet, "/v1/streams/input/lag?group=FWD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, 3.0, body["lag"].(map[string]interface{})["lag"])
	assert.Len(t, body["partitions"], 2)

	rec = f.do(t, http.MethodGet, "/v1/streams/input/latency?group=FWD", "")
	require.Equal(t, http.StatusOK, rec.Code)
	// nothing committed yet
	assert.Equal(t, 0.0, decode(t, rec)["latency_ms"])

	rec = f.do(t, http.MethodGet, "/v1/computations/UNKNOWN/lag", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestComputations(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/computations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "initialized", body["state"])
	assert.Len(t, body["computations"], 2)

	rec = f.do(t, http.MethodGet, "/v1/watermark", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.0, decode(t, rec)["low_watermark"])

	rec = f.do(t, http.MethodGet, "/v1/topology", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FWD --> s_output")
}

func TestProbesAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.checker.RunChecks(context.Background())

	rec := f.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// the processor is not started yet
	rec = f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, f.manager.Start(context.Background()))
	f.checker.RunChecks(context.Background())
	rec = f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "stream_")
}

func TestRouting(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v2/unknown", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/unknown", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodDelete, "/v1/streams", "").Code)

	rec := f.do(t, http.MethodGet, "/v1/streams/input/records", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method not allowed")
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodPost, "/health/live", "").Code)
}
