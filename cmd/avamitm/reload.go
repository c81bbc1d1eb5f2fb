package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avamitm/internal/config"
	"github.com/vyrodovalexey/avamitm/internal/observability"
	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
)

// defaultDrainTimeout applies when the listener sets no drainTimeout.
const defaultDrainTimeout = 30 * time.Second

// reloadMetrics holds Prometheus metrics for configuration reloads. The
// reload counter itself lives in observability.Metrics.
type reloadMetrics struct {
	configReloadDuration       prometheus.Histogram
	configReloadLastSuccess    prometheus.Gauge
	configWatcherStatus        prometheus.Gauge
	configReloadComponentTotal *prometheus.CounterVec
}

// newReloadMetrics creates reload metrics registered on registerer.
func newReloadMetrics(namespace string, registerer prometheus.Registerer) *reloadMetrics {
	rm := &reloadMetrics{
		configReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		configReloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
		configWatcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
		configReloadComponentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_component_total",
				Help:      "Total number of component reload operations by component and result",
			},
			[]string{"component", "result"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			rm.configReloadDuration,
			rm.configReloadLastSuccess,
			rm.configWatcherStatus,
			rm.configReloadComponentTotal,
		)
	}

	return rm
}

func (rm *reloadMetrics) component(name string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	rm.configReloadComponentTotal.WithLabelValues(name, result).Inc()
}

// startConfigWatcher starts watching the configuration file and the
// material files it references.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	rm := app.reloadMetrics

	watcher, err := config.NewWatcher(configPath,
		func(newCfg *config.ProxyConfig) {
			app.logger.Info("configuration changed, reloading")
			_ = app.reload(ctx, newCfg)
		},
		config.WithLogger(app.logger),
		config.WithErrorCallback(func(error) {
			app.metrics.RecordConfigReload(false)
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		rm.configWatcherStatus.Set(0)
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		rm.configWatcherStatus.Set(0)
		return watcher
	}

	rm.configWatcherStatus.Set(1)
	return watcher
}

// reload applies newCfg. On failure the running acceptor stays installed.
func (app *application) reload(ctx context.Context, newCfg *config.ProxyConfig) error {
	start := time.Now()

	app.mu.Lock()
	defer app.mu.Unlock()

	err := app.applyConfig(ctx, newCfg)

	app.reloadMetrics.configReloadDuration.Observe(time.Since(start).Seconds())
	app.metrics.RecordConfigReload(err == nil)

	if err != nil {
		app.logger.Error("configuration reload failed, keeping the running acceptor",
			observability.Error(err),
		)
		return err
	}

	app.reloadMetrics.configReloadLastSuccess.SetToCurrentTime()
	app.logger.Info("configuration reloaded",
		observability.Duration("duration", time.Since(start)),
	)
	return nil
}

func (app *application) applyConfig(ctx context.Context, newCfg *config.ProxyConfig) error {
	rm := app.reloadMetrics
	old := app.config

	if newCfg.Spec.Listener.Address != old.Spec.Listener.Address {
		app.logger.Warn("listener address changed but is NOT hot-reloaded; restart to apply",
			observability.String("current", old.Spec.Listener.Address),
			observability.String("configured", newCfg.Spec.Listener.Address),
		)
	}
	if metricsSettingsChanged(old, newCfg) {
		app.logger.Warn("metrics server settings changed but are NOT hot-reloaded; restart to apply")
	}

	if err := app.refreshVaultClient(ctx, newCfg); err != nil {
		rm.component("vault", err)
		return err
	}

	acceptor, err := app.buildAcceptor(ctx, newCfg)
	if err != nil {
		rm.component("acceptor", err)
		return err
	}

	previous, err := app.acceptors.Swap(acceptor)
	if err != nil {
		_ = acceptor.Close()
		err = fmt.Errorf("failed to install acceptor: %w", err)
		rm.component("acceptor", err)
		return err
	}
	rm.component("acceptor", nil)
	app.retire(previous, newCfg.Spec.Listener.DrainTimeout.Duration())

	if err := observability.SetLevel(app.logger, newCfg.LogConfig().Level); err != nil {
		app.logger.Warn("failed to apply log level", observability.Error(err))
		rm.component("logging", err)
	} else {
		rm.component("logging", nil)
	}

	app.config = newCfg
	return nil
}

// retire closes a replaced acceptor once handshakes that started on it
// had time to finish.
func (app *application) retire(acceptor *tlspkg.AcceptorData, drain time.Duration) {
	if acceptor == nil {
		return
	}
	if drain <= 0 {
		drain = defaultDrainTimeout
	}

	time.AfterFunc(drain, func() {
		if err := acceptor.Close(); err != nil {
			app.logger.Warn("failed to close replaced acceptor", observability.Error(err))
		}
	})
}

func metricsSettingsChanged(old, newCfg *config.ProxyConfig) bool {
	oldEnabled, oldAddr, oldPath := old.MetricsEnabled()
	newEnabled, newAddr, newPath := newCfg.MetricsEnabled()
	return oldEnabled != newEnabled || oldAddr != newAddr || oldPath != newPath
}
