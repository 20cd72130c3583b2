package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"policy-optimizer/pkg/config"
	"policy-optimizer/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer provides HTTP endpoint for metrics
type MetricsServer struct {
	server  *http.Server
	metrics *TrainingMetrics
	config  *config.MetricsConfig
}

// NewMetricsServer creates a new metrics HTTP server
func NewMetricsServer(cfg *config.MetricsConfig, metrics *TrainingMetrics) *MetricsServer {
	ms := &MetricsServer{
		metrics: metrics,
		config:  cfg,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	ms.server.Handler = ms.Handler()

	return ms
}

// Handler returns the mux serving the metrics path and /health
func (ms *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ms.config.Path, promhttp.HandlerFor(ms.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", ms.handleHealth)
	return mux
}

// Start starts the metrics HTTP server
func (ms *MetricsServer) Start() error {
	if !ms.config.Enabled {
		logger.GetLogger().Info("Metrics server disabled")
		return nil
	}

	logger.GetLogger().Infof("Starting metrics server on port %d", ms.config.Port)

	go func() {
		if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.GetLogger().Errorf("Metrics server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server
func (ms *MetricsServer) Stop(ctx context.Context) error {
	if !ms.config.Enabled {
		return nil
	}

	logger.GetLogger().Info("Stopping metrics server...")
	return ms.server.Shutdown(ctx)
}

// handleHealth serves a simple health check
func (ms *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    ms.metrics.Uptime().String(),
	}

	if err := json.NewEncoder(w).Encode(health); err != nil {
		logger.GetLogger().Errorf("Failed to encode health response: %v", err)
	}
}
