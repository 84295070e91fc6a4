// Package server exposes the operational HTTP surface: Prometheus metrics,
// health probes, and a stripe stats endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stripedb/stripedb/internal/health"
	"github.com/stripedb/stripedb/internal/model"
	"github.com/stripedb/stripedb/internal/storage/diskmanager"
)

// StatsSource is the engine view the server reports on. The engine's DB
// satisfies this.
type StatsSource interface {
	Stats() []model.StripeStats
	DiskUsage() diskmanager.UsageStats
}

// MetricsServer serves Prometheus metrics, health probes, and stats.
type MetricsServer struct {
	httpServer *http.Server
	engine     StatsSource
	checker    *health.HealthChecker
	logger     *zap.Logger
}

// MetricsServerConfig holds configuration for the metrics server.
type MetricsServerConfig struct {
	Port int
	Path string
}

// NewMetricsServer creates a new metrics server.
func NewMetricsServer(cfg *MetricsServerConfig, engine StatsSource, checker *health.HealthChecker, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engine:  engine,
		checker: checker,
		logger:  logger,
	}

	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/health/live", checker.LivenessHandler)
	mux.HandleFunc("/health/ready", checker.ReadinessHandler)
	mux.HandleFunc("/stats", ms.statsHandler)

	return ms
}

// Start starts the metrics server.
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// statsHandler returns the per-stripe stats snapshot as JSON.
func (s *MetricsServer) statsHandler(w http.ResponseWriter, r *http.Request) {
	usage := s.engine.DiskUsage()
	payload := struct {
		Timestamp time.Time              `json:"timestamp"`
		Disk      diskmanager.UsageStats `json:"disk"`
		Stripes   []model.StripeStats    `json:"stripes"`
	}{
		Timestamp: time.Now(),
		Disk:      usage,
		Stripes:   s.engine.Stats(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode stats", zap.Error(err))
	}
}
