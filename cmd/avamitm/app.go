package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/vyrodovalexey/avamitm/internal/config"
	"github.com/vyrodovalexey/avamitm/internal/health"
	"github.com/vyrodovalexey/avamitm/internal/observability"
	"github.com/vyrodovalexey/avamitm/internal/server"
	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
	"github.com/vyrodovalexey/avamitm/internal/vault"
)

const (
	serviceName = "avamitm"

	vaultHealthCacheTTL = 10 * time.Second
)

// errVaultSealed is reported by the vault health check.
var errVaultSealed = errors.New("vault is sealed")

// application holds all application components.
type application struct {
	logger        observability.Logger
	metrics       *observability.Metrics
	tlsMetrics    *tlspkg.Metrics
	vaultMetrics  *vault.Metrics
	reloadMetrics *reloadMetrics
	tracer        *observability.Tracer
	health        *health.Handler
	acceptors     *server.AcceptorHolder
	server        *server.Server
	metricsServer *http.Server
	tlsOptions    []tlspkg.Option

	// mu serializes reloads.
	mu          sync.Mutex
	config      *config.ProxyConfig
	vaultClient *vault.Client
	vaultConfig *vault.Config
}

// initApplication builds every component from cfg and installs the first
// acceptor. Nothing is listening yet. tlsOptions are passed to every
// translation after the logger and metrics options.
func initApplication(
	ctx context.Context,
	cfg *config.ProxyConfig,
	logger observability.Logger,
	tlsOptions ...tlspkg.Option,
) (*application, error) {
	metrics := observability.NewMetrics(serviceName)
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := observability.NewTracer(ctx, cfg.TracerConfig(serviceName))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	app := &application{
		logger:        logger,
		metrics:       metrics,
		tlsMetrics:    tlspkg.NewMetrics(serviceName, tlspkg.WithRegistry(metrics.Registry())),
		vaultMetrics:  vault.NewMetrics(serviceName, metrics.Registry()),
		reloadMetrics: newReloadMetrics(serviceName, metrics.Registry()),
		tracer:        tracer,
		health: health.NewHandler(version,
			health.WithLogger(logger),
			health.WithMetrics(health.NewMetrics(serviceName, metrics.Registry())),
		),
		acceptors:  &server.AcceptorHolder{},
		tlsOptions: tlsOptions,
		config:     cfg,
	}

	if err := app.refreshVaultClient(ctx, cfg); err != nil {
		return nil, app.abortInit(ctx, err)
	}

	acceptor, err := app.buildAcceptor(ctx, cfg)
	if err != nil {
		return nil, app.abortInit(ctx, err)
	}
	if _, err := app.acceptors.Swap(acceptor); err != nil {
		_ = acceptor.Close()
		return nil, app.abortInit(ctx, fmt.Errorf("failed to install acceptor: %w", err))
	}

	app.health.AddCheck(health.NewDependencyCheck("acceptor", health.DependencyTypeAcceptor, app.checkAcceptor))

	app.server = server.New(serverConfig(cfg), app.acceptors,
		server.NewInspectionHandler(logger, metrics),
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)

	return app, nil
}

// abortInit releases what initApplication created before err and returns err.
func (app *application) abortInit(ctx context.Context, err error) error {
	if shutdownErr := app.tracer.Shutdown(ctx); shutdownErr != nil {
		app.logger.Warn("failed to shutdown tracer", observability.Error(shutdownErr))
	}
	return err
}

// serverConfig derives the TLS server configuration.
func serverConfig(cfg *config.ProxyConfig) *server.Config {
	sc := server.DefaultConfig()
	sc.Address = cfg.Spec.Listener.Address
	if sc.Address == "" {
		sc.Address = config.DefaultListenAddress
	}
	return sc
}

// buildAcceptor resolves the TLS material of cfg and translates it into a
// new acceptor.
func (app *application) buildAcceptor(ctx context.Context, cfg *config.ProxyConfig) (*tlspkg.AcceptorData, error) {
	var secrets config.SecretReader
	if app.vaultClient != nil {
		secrets = app.vaultClient
	}

	serverCfg, err := cfg.ToServerConfig(ctx, secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve TLS configuration: %w", err)
	}

	opts := append([]tlspkg.Option{
		tlspkg.WithLogger(app.logger),
		tlspkg.WithMetrics(app.tlsMetrics),
	}, app.tlsOptions...)

	acceptor, err := tlspkg.Translate(serverCfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build acceptor: %w", err)
	}

	info := acceptor.Info()
	app.logger.Info("acceptor built",
		observability.String("source", string(info.Source)),
		observability.Strings("alpn", info.ALPN),
		observability.Strings("protocolVersions", info.ProtocolVersions),
		observability.Bool("clientAuth", info.ClientAuth),
		observability.String("keyLog", info.KeyLog),
	)

	return acceptor, nil
}

// refreshVaultClient creates, replaces or drops the Vault client to match
// cfg. An unchanged Vault section keeps the existing client.
func (app *application) refreshVaultClient(ctx context.Context, cfg *config.ProxyConfig) error {
	if !cfg.UsesVault() {
		if app.vaultClient != nil {
			app.logger.Info("vault no longer referenced, dropping client")
		}
		app.vaultClient = nil
		app.vaultConfig = nil
		app.health.RemoveCheck("vault")
		return nil
	}

	if app.vaultClient != nil && reflect.DeepEqual(app.vaultConfig, cfg.Spec.Vault) {
		return nil
	}

	client, err := vault.New(cfg.Spec.Vault, app.logger, vault.WithMetrics(app.vaultMetrics))
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if err := client.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate with vault: %w", err)
	}

	app.vaultClient = client
	app.vaultConfig = cfg.Spec.Vault
	app.health.AddCheck(health.NewCachedHealthCheck(
		health.NewDependencyCheck("vault", health.DependencyTypeSecretStore, vaultCheck(client),
			health.WithCritical(false)),
		vaultHealthCacheTTL,
	))

	app.logger.Info("vault client ready",
		observability.String("address", cfg.Spec.Vault.Address),
		observability.String("authMethod", cfg.Spec.Vault.AuthMethod.String()),
	)
	return nil
}

func vaultCheck(client *vault.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		status, err := client.Health(ctx)
		if err != nil {
			return err
		}
		if status.Sealed {
			return errVaultSealed
		}
		return nil
	}
}

// checkAcceptor fails when no acceptor is installed or when issuance was
// disabled after a consistency violation.
func (app *application) checkAcceptor(context.Context) error {
	acceptor := app.acceptors.Load()
	if acceptor == nil {
		return server.ErrNoAcceptor
	}
	if src, ok := acceptor.Source().(*tlspkg.IssuingSource); ok && src.Disabled() {
		return tlspkg.ErrIssuanceDisabled
	}
	return nil
}
