package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamitm/internal/health"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// createMetricsServer creates the metrics HTTP server. It also serves the
// health probes.
func createMetricsServer(
	addr string,
	path string,
	metrics *observability.Metrics,
	healthHandler *health.Handler,
	logger observability.Logger,
) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET(path, gin.WrapH(metrics.Handler()))
	healthHandler.RegisterRoutes(engine)

	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	return &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application) {
	enabled, addr, path := app.config.MetricsEnabled()
	if !enabled {
		return
	}

	app.metricsServer = createMetricsServer(addr, path, app.metrics, app.health, app.logger)
	go runMetricsServer(app.metricsServer, app.logger)
}
