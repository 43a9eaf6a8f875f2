package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/computation"
	"github.com/devrev/pairdb/stream-node/internal/metrics"
	"github.com/devrev/pairdb/stream-node/internal/model"
	"github.com/devrev/pairdb/stream-node/internal/mqueue"
	"github.com/devrev/pairdb/stream-node/internal/storage/diskmanager"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	statusHealthy  = "healthy"
	statusWarning  = "warning"
	statusCritical = "critical"

	// ServiceName is the gRPC health service name of the processor
	ServiceName = "streamnode.Processor"
)

// Processor is the part of the computation manager inspected by the checker
type Processor interface {
	State() computation.State
	Status() []computation.ComputationStatus
	LowWatermark() int64
}

// HealthChecker performs health checks for the stream node
type HealthChecker struct {
	nodeID    string
	dataDir   string
	interval  time.Duration
	log       mqueue.Manager
	processor Processor
	disk      *diskmanager.DiskManager
	metrics   *metrics.Metrics
	logger    *zap.Logger
	grpc      *grpchealth.Server

	mu          sync.RWMutex
	lastCheck   time.Time
	status      model.NodeStatus
	checks      map[string]CheckResult
	summary     model.HealthMetrics
	livenessOK  bool
	readinessOK bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// DataDir is checked for space and write access, empty for remote logs
	DataDir   string
	Interval  time.Duration
	Log       mqueue.Manager
	Processor Processor
	Disk      *diskmanager.DiskManager
	Metrics   *metrics.Metrics
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(cfg *HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		interval:    interval,
		log:         cfg.Log,
		processor:   cfg.Processor,
		disk:        cfg.Disk,
		metrics:     cfg.Metrics,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      model.NodeStatusHealthy,
	}
}

// RegisterGRPC exposes the readiness on the standard gRPC health service
func (h *HealthChecker) RegisterGRPC(s *grpc.Server) {
	h.mu.Lock()
	h.grpc = grpchealth.NewServer()
	h.mu.Unlock()
	healthpb.RegisterHealthServer(s, h.grpc)
	h.publish()
}

// Start runs the checks periodically until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)
	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			h.mu.RLock()
			server := h.grpc
			h.mu.RUnlock()
			if server != nil {
				server.Shutdown()
			}
			return
		}
	}
}

// RunChecks runs all health checks once
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkDiskSpace(),
		h.checkDataDirAccessible(),
		h.checkFileDescriptors(),
		h.checkLog(ctx),
		h.checkProcessor(),
	}

	allHealthy := true
	allReady := true
	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != statusHealthy {
			allHealthy = false
			if result.Status == statusCritical {
				allReady = false
			}
		}
	}

	switch {
	case allHealthy:
		h.status = model.NodeStatusHealthy
	case allReady:
		h.status = model.NodeStatusDegraded
	default:
		h.status = model.NodeStatusUnhealthy
	}
	// Liveness: the checker itself still runs
	h.livenessOK = true
	h.readinessOK = allReady
	h.summary = h.summarize()
	h.mu.Unlock()

	h.publish()
	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", true),
		zap.Bool("readiness", allReady))
}

func (h *HealthChecker) publish() {
	h.mu.RLock()
	server, ready := h.grpc, h.readinessOK
	h.mu.RUnlock()
	if server == nil {
		return
	}
	status := healthpb.HealthCheckResponse_SERVING
	if !ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.SetServingStatus("", status)
	server.SetServingStatus(ServiceName, status)
}

func (h *HealthChecker) summarize() model.HealthMetrics {
	var ret model.HealthMetrics
	if h.disk != nil {
		ret.DiskUsage = h.disk.GetDiskUsage().UsagePercent
	}
	if h.processor == nil {
		return ret
	}
	ret.ProcessorState = h.processor.State().String()
	ret.LowWatermark = h.processor.LowWatermark()
	for _, st := range h.processor.Status() {
		ret.Computations++
		ret.ActiveRunners += st.Running
		if st.Aborted {
			ret.AbortedComputations = append(ret.AbortedComputations, st.Name)
		}
	}
	return ret
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkDiskSpace checks if disk space is sufficient
func (h *HealthChecker) checkDiskSpace() CheckResult {
	const name = "disk_space"
	if h.dataDir == "" {
		return result(name, statusHealthy, "No local data directory")
	}

	var usagePercent float64
	var available uint64
	if h.disk != nil {
		stats := h.disk.GetDiskUsage()
		if stats.IsCircuitBroken {
			return result(name, statusCritical, fmt.Sprintf("Appends rejected, disk usage: %.2f%%", stats.UsagePercent))
		}
		usagePercent, available = stats.UsagePercent, stats.AvailableBytes
	} else {
		total, avail, err := diskmanager.Statfs(h.dataDir)
		if err != nil || total == 0 {
			return result(name, statusCritical, fmt.Sprintf("Failed to stat filesystem: %v", err))
		}
		usagePercent, available = float64(total-avail)/float64(total)*100, avail
	}
	h.metrics.UpdateDiskStats(usagePercent, available)

	switch {
	case usagePercent > 95:
		return result(name, statusCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent))
	case usagePercent > 90:
		return result(name, statusWarning, fmt.Sprintf("Disk usage high: %.2f%%", usagePercent))
	}
	return result(name, statusHealthy,
		fmt.Sprintf("Disk usage: %.2f%%, available: %.2f GB", usagePercent, float64(available)/1024/1024/1024))
}

// checkDataDirAccessible checks if data directory is accessible
func (h *HealthChecker) checkDataDirAccessible() CheckResult {
	const name = "data_dir_accessible"
	if h.dataDir == "" {
		return result(name, statusHealthy, "No local data directory")
	}
	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result(name, statusCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result(name, statusCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result(name, statusCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)
	return result(name, statusHealthy, "Data directory is accessible and writable")
}

// checkFileDescriptors checks if file descriptor usage is acceptable
func (h *HealthChecker) checkFileDescriptors() CheckResult {
	const name = "file_descriptors"
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return result(name, statusWarning, fmt.Sprintf("Failed to get rlimit: %v", err))
	}

	// Linux only, other platforms report the limits
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil || rlimit.Cur == 0 {
		return result(name, statusHealthy, fmt.Sprintf("Soft limit: %d, hard limit: %d", rlimit.Cur, rlimit.Max))
	}

	openFDs := uint64(len(entries))
	usagePercent := float64(openFDs) / float64(rlimit.Cur) * 100
	if usagePercent > 90 {
		return result(name, statusWarning,
			fmt.Sprintf("File descriptor usage high: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
	}
	return result(name, statusHealthy,
		fmt.Sprintf("File descriptor usage: %.2f%% (%d/%d)", usagePercent, openFDs, rlimit.Cur))
}

// checkLog checks that the log backend answers
func (h *HealthChecker) checkLog(ctx context.Context) CheckResult {
	const name = "log"
	if h.log == nil {
		return result(name, statusHealthy, "No log configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	streams, err := h.log.ListAll(ctx)
	if err != nil {
		return result(name, statusCritical, fmt.Sprintf("Log unavailable: %v", err))
	}
	return result(name, statusHealthy, fmt.Sprintf("Log reachable, %d streams", len(streams)))
}

// checkProcessor checks the processor state and its computations
func (h *HealthChecker) checkProcessor() CheckResult {
	const name = "processor"
	if h.processor == nil {
		return result(name, statusHealthy, "No processor configured")
	}
	state := h.processor.State()
	switch state {
	case computation.StateRunning:
	case computation.StateDraining:
		return result(name, statusWarning, "Processor is draining")
	default:
		return result(name, statusCritical, "Processor is "+state.String())
	}

	var aborted []string
	for _, st := range h.processor.Status() {
		if st.Aborted {
			aborted = append(aborted, st.Name)
		}
	}
	if len(aborted) > 0 {
		return result(name, statusWarning, fmt.Sprintf("Aborted computations: %v", aborted))
	}
	return result(name, statusHealthy, "Processor is running")
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// GetStatus returns the current health status
func (h *HealthChecker) GetStatus() model.HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return model.HealthStatus{
		NodeID:    h.nodeID,
		Status:    h.status,
		Timestamp: h.lastCheck.Unix(),
		Metrics:   h.summary,
	}
}

// GetChecks returns all check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness manually sets readiness status (for graceful shutdown)
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	h.readinessOK = ready
	h.mu.Unlock()
	h.publish()
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	live := h.IsLive()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !live {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"healthy": live,
		"status":  status.Status,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ready := h.IsReady()
	status := h.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  ready,
		"status": status.Status,
		"checks": h.GetChecks(),
	})
}
