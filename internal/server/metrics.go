package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/devrev/meshsync/internal/config"
)

// MetricsServer exposes the prometheus registry over HTTP.
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewMetricsServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer, logger *zap.Logger) *MetricsServer {
	router := http.NewServeMux()
	router.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &MetricsServer{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

func (m *MetricsServer) Start() error {
	m.logger.Info("starting metrics server", zap.String("addr", m.httpServer.Addr))
	if err := m.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.httpServer.Shutdown(ctx)
}
