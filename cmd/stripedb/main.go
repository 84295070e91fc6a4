package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/stripedb/stripedb/internal/config"
	"github.com/stripedb/stripedb/internal/engine"
	"github.com/stripedb/stripedb/internal/health"
	"github.com/stripedb/stripedb/internal/metrics"
	"github.com/stripedb/stripedb/internal/server"
	"github.com/stripedb/stripedb/internal/storage/diskmanager"
	"github.com/stripedb/stripedb/internal/storage/memtable"
	"github.com/stripedb/stripedb/internal/storage/wal"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("stripes", cfg.Engine.StripeCount),
		zap.String("compression", cfg.SSTable.Compression),
		zap.Bool("encryption", cfg.Encryption.Enabled))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
	}

	encKey, err := cfg.Encryption.Key()
	if err != nil {
		logger.Fatal("Failed to load encryption key", zap.Error(err))
	}

	db, err := engine.Open(engine.Config{
		DataDir:     cfg.Storage.DataDir,
		StripeCount: cfg.Engine.StripeCount,
		WAL: wal.Config{
			SyncWrites:  cfg.WAL.SyncWrites,
			SegmentSize: cfg.WAL.SegmentSize,
			Retention:   cfg.WAL.Retention,
		},
		MemTable: memtable.Config{
			FlushBytes:   cfg.MemTable.FlushBytes,
			FlushRecords: cfg.MemTable.FlushRecords,
		},
		Compaction: engine.CompactionConfig{
			Trigger:         cfg.Compaction.Trigger,
			MaxConcurrent:   cfg.Compaction.MaxConcurrent,
			Interval:        cfg.Compaction.Interval,
			SpaceAmpWeight:  cfg.Compaction.SpaceAmpWeight,
			ReadAmpWeight:   cfg.Compaction.ReadAmpWeight,
			WriteRateWeight: cfg.Compaction.WriteRateWeight,
		},
		Disk: &diskmanager.Config{
			DataDir:                 cfg.Storage.DataDir,
			CheckInterval:           cfg.Disk.CheckInterval,
			WarningThreshold:        cfg.Disk.WarningThreshold,
			ThrottleThreshold:       cfg.Disk.ThrottleThreshold,
			CircuitBreakerThreshold: cfg.Disk.CircuitBreakerThreshold,
		},
		Compression:   cfg.SSTable.Compression,
		BloomFilterFP: cfg.SSTable.BloomFilterFP,
		EncryptionKey: encKey,
		MaxKeySize:    cfg.Engine.MaxKeySize,
		MaxValueSize:  cfg.Engine.MaxValueSize,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		logger.Fatal("Failed to open database", zap.Error(err))
	}

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	checker := health.NewHealthChecker(
		&health.HealthCheckConfig{DataDir: cfg.Storage.DataDir}, db, logger)
	go checker.Start(healthCtx)

	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port, Path: cfg.Metrics.Path},
			db, checker, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal("Failed to start metrics server", zap.Error(err))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	checker.SetReadiness(false)

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Failed to stop metrics server", zap.Error(err))
		}
	}
	cancelHealth()

	if err := db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	}
}

// initLogger initializes the zap logger from logging configuration.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}
