package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/devrev/pairdb/stream-node/internal/errors"
	"go.uber.org/zap"
)

// UsageFunc reports the total and available bytes of the filesystem holding dir
type UsageFunc func(dir string) (total uint64, available uint64, err error)

// DiskManager guards log appends against a filling disk.
// Appends are throttled above the throttle threshold and rejected above the circuit breaker threshold.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	usage         UsageFunc
	checkInterval time.Duration

	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64

	mu             sync.Mutex
	lastCheck      time.Time
	usagePercent   float64
	availableBytes uint64
	throttled      bool
	circuitBroken  bool
}

// Config holds configuration for the disk manager
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// NewDiskManager creates a disk manager reading usage with statfs
func NewDiskManager(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	return NewDiskManagerWithUsage(cfg, logger, Statfs)
}

// NewDiskManagerWithUsage creates a disk manager with a custom usage source
func NewDiskManagerWithUsage(cfg *Config, logger *zap.Logger, usage UsageFunc) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.CircuitBreakerThreshold < cfg.ThrottleThreshold {
		return nil, fmt.Errorf("circuit breaker threshold %.1f is below throttle threshold %.1f",
			cfg.CircuitBreakerThreshold, cfg.ThrottleThreshold)
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		usage:                   usage,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	if err := dm.ForceCheck(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	return dm, nil
}

// Statfs reads filesystem usage with the statfs syscall
func Statfs(dir string) (uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		return 0, 0, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	return stat.Blocks * uint64(stat.Bsize), stat.Bavail * uint64(stat.Bsize), nil
}

// CheckBeforeWrite returns a DiskFull error when an append of estimatedBytes must be rejected
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.circuitBroken {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).WithDetail("circuit_broken", true)
	}
	// small appends still go through while throttled
	if dm.throttled && estimatedBytes > dm.availableBytes/10 {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).WithDetail("throttled", true)
	}
	if estimatedBytes > dm.availableBytes {
		return errors.DiskFull(dm.usagePercent, dm.availableBytes).WithDetail("requested_bytes", estimatedBytes)
	}
	return nil
}

// refreshLocked reads usage and updates the state, dm.mu must be held
func (dm *DiskManager) refreshLocked() error {
	total, available, err := dm.usage(dm.dataDir)
	if err != nil {
		return err
	}
	usagePercent := 0.0
	if total > 0 {
		usagePercent = float64(total-available) / float64(total) * 100.0
	}

	dm.usagePercent = usagePercent
	dm.availableBytes = available
	dm.lastCheck = time.Now()

	wasThrottled := dm.throttled
	wasBroken := dm.circuitBroken
	dm.circuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.throttled = usagePercent >= dm.throttleThreshold && !dm.circuitBroken

	switch {
	case dm.circuitBroken && !wasBroken:
		dm.logger.Error("Disk circuit breaker engaged, appends rejected",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", available),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	case !dm.circuitBroken && wasBroken:
		dm.logger.Info("Disk circuit breaker disengaged",
			zap.Float64("usage_percent", usagePercent))
	}

	if dm.throttled && !wasThrottled {
		dm.logger.Warn("Disk append throttling enabled",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.throttled && wasThrottled {
		dm.logger.Info("Disk append throttling disabled",
			zap.Float64("usage_percent", usagePercent))
	}

	if usagePercent >= dm.warningThreshold && !dm.throttled && !dm.circuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Float64("warning_threshold", dm.warningThreshold))
	}
	return nil
}

// GetDiskUsage returns current disk usage statistics
func (dm *DiskManager) GetDiskUsage() DiskUsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.refreshLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	return DiskUsageStats{
		UsagePercent:    dm.usagePercent,
		AvailableBytes:  dm.availableBytes,
		IsThrottled:     dm.throttled,
		IsCircuitBroken: dm.circuitBroken,
		LastCheck:       dm.lastCheck,
	}
}

// ForceCheck forces an immediate disk space check
func (dm *DiskManager) ForceCheck() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.refreshLocked()
}

// DiskUsageStats contains disk usage statistics
type DiskUsageStats struct {
	UsagePercent    float64   `json:"usage_percent"`
	AvailableBytes  uint64    `json:"available_bytes"`
	IsThrottled     bool      `json:"throttled"`
	IsCircuitBroken bool      `json:"circuit_broken"`
	LastCheck       time.Time `json:"last_check"`
}
