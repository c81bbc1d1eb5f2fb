package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/avamitm/internal/config"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// run starts serving and blocks until a shutdown signal arrives.
func run(ctx context.Context, app *application, configPath string) {
	if err := app.server.Start(ctx); err != nil {
		fatalWithSync(app.logger, "failed to start TLS server", observability.Error(err))
		return
	}

	startMetricsServerIfEnabled(app)
	watcher := startConfigWatcher(ctx, app, configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	waitForShutdown(app, watcher, sigCh)
}

// waitForShutdown waits for a signal and performs graceful shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, sigCh <-chan os.Signal) {
	sig := <-sigCh
	app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdown(shutdownCtx, app, watcher)
}

// shutdown stops every component. Readiness fails first so load balancers
// stop sending connections while open ones drain.
func shutdown(ctx context.Context, app *application, watcher *config.Watcher) {
	app.health.SetDraining(true)

	if watcher != nil {
		_ = watcher.Stop()
		app.reloadMetrics.configWatcherStatus.Set(0)
	}

	if err := app.server.Stop(ctx); err != nil {
		app.logger.Error("failed to stop TLS server gracefully", observability.Error(err))
	}

	if app.metricsServer != nil {
		app.logger.Info("stopping metrics server")
		if err := app.metricsServer.Shutdown(ctx); err != nil {
			app.logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	// The key log stays open until no connection can write to it.
	if acceptor := app.acceptors.Take(); acceptor != nil {
		if err := acceptor.Close(); err != nil {
			app.logger.Error("failed to close acceptor", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.logger.Info("avamitm stopped")
}
