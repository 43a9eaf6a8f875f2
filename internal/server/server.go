// Package server exposes the admin HTTP API of a stream node: probes, metrics,
// stream inspection and the state of the running computations.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/errors"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/storage/diskmanager"
	"github.com/devrev/pairdb/stream-node/internal/watermark"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Processor is the part of the computation manager served by the API
type Processor interface {
	State() computation.State
	Topology() *computation.Topology
	Status() []computation.ComputationStatus
	LowWatermark() int64
	Append(ctx context.Context, stream string, rec model.Record) (mqueue.Offset, error)
	Lag(ctx context.Context, computation string) (mqueue.Lag, error)
	Latency(ctx context.Context, computation string) (mqueue.Latency, error)
}

// Probes answers the liveness and readiness requests
type Probes interface {
	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
}

// Config holds configuration for the admin server
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MetricsPath  string
	// DataDir is reported in the disk metrics, empty for remote logs
	DataDir string
	// CollectInterval is the period of the system metrics collection
	CollectInterval time.Duration
}

// Server serves the admin API via HTTP
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	cfg        Config
	log        mqueue.Manager
	processor  Processor
	probes     Probes
	gatherer   prometheus.Gatherer
	metrics    *metrics.Metrics
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewServer creates the admin server, gatherer may be nil when metrics are disabled
func NewServer(cfg Config, log mqueue.Manager, processor Processor, probes Probes,
	gatherer prometheus.Gatherer, m *metrics.Metrics, logger *zap.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = 15 * time.Second
	}
	router := mux.NewRouter()
	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		cfg:       cfg,
		log:       log,
		processor: processor,
		probes:    probes,
		gatherer:  gatherer,
		metrics:   m,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(recovery(s.logger), requestID, logging(s.logger))

	if s.probes != nil {
		s.router.HandleFunc("/health/live", s.probes.LivenessHandler).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.probes.ReadinessHandler).Methods(http.MethodGet)
	}
	if s.gatherer != nil {
		s.router.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/streams", s.listStreams).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{stream}", s.getStream).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{stream}/groups", s.listGroups).Methods(http.MethodGet)
	v1.HandleFunc("/streams/{stream}/lag", s.streamLag).Methods(http.MethodGet).Queries("group", "{group}")
	v1.HandleFunc("/streams/{stream}/latency", s.streamLatency).Methods(http.MethodGet).Queries("group", "{group}")
	v1.HandleFunc("/streams/{stream}/records", s.appendRecord).Methods(http.MethodPost)

	v1.HandleFunc("/computations", s.listComputations).Methods(http.MethodGet)
	v1.HandleFunc("/computations/{name}/lag", s.computationLag).Methods(http.MethodGet)
	v1.HandleFunc("/computations/{name}/latency", s.computationLatency).Methods(http.MethodGet)
	v1.HandleFunc("/watermark", s.lowWatermark).Methods(http.MethodGet)
	v1.HandleFunc("/topology", s.topology).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.NewStreamError(errors.ErrCodeInvalidArgument, "endpoint not found", nil), http.StatusNotFound)
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, errors.NewStreamError(errors.ErrCodeInvalidArgument, "method not allowed", nil), http.StatusMethodNotAllowed)
	})
	// a subrouter reports its own mismatches, the root handlers never see them
	for _, r := range []*mux.Router{s.router, v1} {
		r.NotFoundHandler = notFound
		r.MethodNotAllowedHandler = methodNotAllowed
	}
}

// Handler returns the http.Handler of the server
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the admin server and the system metrics collector
func (s *Server) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))

	go s.collectSystemMetrics()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the admin server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	close(s.stopChan)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

// collectSystemMetrics periodically refreshes the gauges not updated on the hot path
func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(s.cfg.CollectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateSystemMetrics()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) updateSystemMetrics() {
	if s.cfg.DataDir != "" {
		total, avail, err := diskmanager.Statfs(s.cfg.DataDir)
		if err != nil {
			s.logger.Error("Failed to get disk stats", zap.Error(err))
		} else if total > 0 {
			s.metrics.UpdateDiskStats(float64(total-avail)/float64(total)*100, avail)
		}
	}
	if s.processor == nil {
		return
	}
	// refreshes the low watermark gauge
	s.processor.LowWatermark()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, st := range s.processor.Status() {
		if len(st.Inputs) == 0 {
			continue
		}
		lag, err := s.processor.Lag(ctx, st.Name)
		if err != nil {
			s.logger.Debug("Failed to get lag", zap.String("computation", st.Name), zap.Error(err))
			continue
		}
		s.metrics.UpdateLag(st.Name, lag.Lag)
	}
}

type streamInfo struct {
	Name       string   `json:"name"`
	Partitions int      `json:"partitions"`
	Groups     []string `json:"groups"`
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	streams, err := s.log.ListAll(r.Context())
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"streams": streams})
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["stream"]
	size, err := s.log.Size(r.Context(), name)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	groups, err := s.log.ListConsumerGroups(r.Context(), name)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, streamInfo{Name: name, Partitions: size, Groups: groups})
}

func (s *Server) listGroups(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["stream"]
	groups, err := s.log.ListConsumerGroups(r.Context(), name)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stream": name, "groups": groups})
}

func (s *Server) streamLag(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	lags, err := s.log.LagPerPartition(r.Context(), vars["stream"], vars["group"])
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream":     vars["stream"],
		"group":      vars["group"],
		"lag":        mqueue.CombineLags(lags),
		"partitions": lags,
	})
}

func (s *Server) streamLatency(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	latencies, err := s.log.LatencyPerPartition(r.Context(), vars["stream"], vars["group"])
	if err != nil {
		writeError(w, err, 0)
		return
	}
	combined := mqueue.CombineLatencies(latencies)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stream":     vars["stream"],
		"group":      vars["group"],
		"latency_ms": combined.Latency(),
		"latency":    combined,
		"partitions": latencies,
	})
}

// appendRequest is the body of a record append, a zero watermark means now
type appendRequest struct {
	Key       string `json:"key"`
	Data      string `json:"data"`
	Watermark int64  `json:"watermark"`
}

func (s *Server) appendRecord(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, errors.Unsupported("append"), 0)
		return
	}
	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.InvalidArgument("invalid request body", err), 0)
		return
	}
	wm := watermark.OfNow()
	if req.Watermark != 0 {
		var err error
		if wm, err = watermark.OfValue(req.Watermark); err != nil {
			writeError(w, err, 0)
			return
		}
	}
	offset, err := s.processor.Append(r.Context(), mux.Vars(r)["stream"],
		model.NewRecordWithWatermark(req.Key, []byte(req.Data), wm.Value()))
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, offset)
}

func (s *Server) listComputations(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, errors.Unsupported("computations"), 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":        s.processor.State().String(),
		"computations": s.processor.Status(),
	})
}

func (s *Server) computationLag(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, errors.Unsupported("lag"), 0)
		return
	}
	name := mux.Vars(r)["name"]
	lag, err := s.processor.Lag(r.Context(), name)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"computation": name, "lag": lag})
}

func (s *Server) computationLatency(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, errors.Unsupported("latency"), 0)
		return
	}
	name := mux.Vars(r)["name"]
	latency, err := s.processor.Latency(r.Context(), name)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"computation": name,
		"latency_ms":  latency.Latency(),
		"latency":     latency,
	})
}

func (s *Server) lowWatermark(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil {
		writeError(w, errors.Unsupported("watermark"), 0)
		return
	}
	value := s.processor.LowWatermark()
	wm, _ := watermark.OfValue(value)
	resp := map[string]interface{}{
		"low_watermark": value,
		"timestamp":     wm.Timestamp(),
		"completed":     wm.IsCompleted(),
	}
	if !wm.IsLowest() {
		resp["time"] = wm.Time().UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) topology(w http.ResponseWriter, r *http.Request) {
	if s.processor == nil || s.processor.Topology() == nil {
		writeError(w, errors.IllegalState("no topology"), 0)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.processor.Topology().Mermaid()))
}

type errorResponse struct {
	Error   string                 `json:"error"`
	Code    errors.ErrorCode       `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// writeError writes err as JSON, status 0 derives it from the error code
func writeError(w http.ResponseWriter, err error, status int) {
	resp := errorResponse{Error: err.Error(), Code: errors.ErrCodeInternal}
	var se *errors.StreamError
	if stderrors.As(err, &se) {
		resp.Code = se.Code
		resp.Details = se.Details
		if status == 0 {
			status = se.HTTPStatus()
		}
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
