// Package diskmanager monitors disk space under the data directory and
// gates writes, flushes, and compaction outputs so the engine fails a
// triggering operation with a resource error instead of corrupting
// committed state when the disk fills.
package diskmanager

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	storageerrors "github.com/stripedb/stripedb/internal/errors"
)

// DiskManager monitors disk space and enforces write policies.
type DiskManager struct {
	dataDir       string
	logger        *zap.Logger
	checkInterval time.Duration

	mu                   sync.Mutex
	lastCheck            time.Time
	cachedUsagePercent   float64
	cachedAvailableBytes uint64
	isThrottled          bool
	isCircuitBroken      bool

	// Thresholds as usage percentages
	warningThreshold        float64
	throttleThreshold       float64
	circuitBreakerThreshold float64
}

// Config holds configuration for the disk manager.
type Config struct {
	DataDir                 string
	CheckInterval           time.Duration
	WarningThreshold        float64
	ThrottleThreshold       float64
	CircuitBreakerThreshold float64
}

// DefaultConfig returns default disk manager configuration.
func DefaultConfig(dataDir string) *Config {
	return &Config{
		DataDir:                 dataDir,
		CheckInterval:           10 * time.Second,
		WarningThreshold:        80.0,
		ThrottleThreshold:       90.0,
		CircuitBreakerThreshold: 95.0,
	}
}

// New creates a disk manager with the given thresholds.
func New(cfg *Config, logger *zap.Logger) (*DiskManager, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dm := &DiskManager{
		dataDir:                 cfg.DataDir,
		logger:                  logger,
		checkInterval:           cfg.CheckInterval,
		warningThreshold:        cfg.WarningThreshold,
		throttleThreshold:       cfg.ThrottleThreshold,
		circuitBreakerThreshold: cfg.CircuitBreakerThreshold,
	}

	dm.mu.Lock()
	if err := dm.checkDiskSpaceLocked(); err != nil {
		logger.Warn("Initial disk space check failed", zap.Error(err))
	}
	dm.mu.Unlock()

	return dm, nil
}

// CheckBeforeWrite checks whether a write of the given size may proceed.
// Returns a resource error if it must be rejected.
func (dm *DiskManager) CheckBeforeWrite(estimatedBytes uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpaceLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}

	if dm.isCircuitBroken {
		return storageerrors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes)
	}
	if dm.isThrottled && estimatedBytes > dm.cachedAvailableBytes/10 {
		// Small writes still pass during throttling; large ones do not.
		return storageerrors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes)
	}
	if estimatedBytes > dm.cachedAvailableBytes {
		return storageerrors.DiskFull(dm.cachedUsagePercent, dm.cachedAvailableBytes)
	}
	return nil
}

// checkDiskSpaceLocked refreshes usage state. Caller holds dm.mu.
func (dm *DiskManager) checkDiskSpaceLocked() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dm.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usedBytes := totalBytes - availableBytes
	usagePercent := (float64(usedBytes) / float64(totalBytes)) * 100.0

	dm.cachedUsagePercent = usagePercent
	dm.cachedAvailableBytes = availableBytes
	dm.lastCheck = time.Now()

	previouslyThrottled := dm.isThrottled
	previouslyBroken := dm.isCircuitBroken

	dm.isCircuitBroken = usagePercent >= dm.circuitBreakerThreshold
	dm.isThrottled = usagePercent >= dm.throttleThreshold && !dm.isCircuitBroken

	if dm.isCircuitBroken && !previouslyBroken {
		dm.logger.Error("Disk circuit breaker engaged",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.circuitBreakerThreshold))
	} else if !dm.isCircuitBroken && previouslyBroken {
		dm.logger.Info("Disk circuit breaker disengaged",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if dm.isThrottled && !previouslyThrottled {
		dm.logger.Warn("Disk write throttling enabled",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes),
			zap.Float64("threshold", dm.throttleThreshold))
	} else if !dm.isThrottled && previouslyThrottled {
		dm.logger.Info("Disk write throttling disabled",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}

	if usagePercent >= dm.warningThreshold && !dm.isThrottled && !dm.isCircuitBroken {
		dm.logger.Warn("Disk usage warning",
			zap.Float64("usage_percent", usagePercent),
			zap.Uint64("available_bytes", availableBytes))
	}
	return nil
}

// UsageStats is a point-in-time view of disk usage.
type UsageStats struct {
	UsagePercent    float64 `json:"usage_percent"`
	AvailableBytes  uint64  `json:"available_bytes"`
	IsThrottled     bool    `json:"is_throttled"`
	IsCircuitBroken bool    `json:"is_circuit_broken"`
}

// Usage returns current disk usage statistics.
func (dm *DiskManager) Usage() UsageStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if time.Since(dm.lastCheck) > dm.checkInterval {
		if err := dm.checkDiskSpaceLocked(); err != nil {
			dm.logger.Warn("Disk space check failed", zap.Error(err))
		}
	}
	return UsageStats{
		UsagePercent:    dm.cachedUsagePercent,
		AvailableBytes:  dm.cachedAvailableBytes,
		IsThrottled:     dm.isThrottled,
		IsCircuitBroken: dm.isCircuitBroken,
	}
}
