package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/avamitm/internal/observability"
	"github.com/vyrodovalexey/avamitm/internal/retry"
)

// HealthStatus represents Vault health status.
type HealthStatus struct {
	Initialized bool
	Sealed      bool
	Standby     bool
	Version     string
	ClusterName string
}

// Client reads secrets from the KV v2 engine. It is safe for concurrent use
// once authenticated.
type Client struct {
	config  *Config
	api     *vaultapi.Client
	auth    Authenticator
	logger  observability.Logger
	metrics *Metrics

	authenticated atomic.Bool
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*Client)

// WithMetrics sets the metrics recorder for the client.
func WithMetrics(metrics *Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

// New creates a new Vault client. It returns ErrVaultDisabled when cfg
// does not enable Vault.
func New(cfg *Config, logger observability.Logger, opts ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, ErrVaultDisabled
	}

	apiConfig := vaultapi.DefaultConfig()
	if apiConfig.Error != nil {
		return nil, NewVaultError("init", "", apiConfig.Error)
	}
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.timeout()
	// Retries are handled by Client so they can be logged and bounded by ctx.
	apiConfig.MaxRetries = 0

	if cfg.TLS != nil {
		err := apiConfig.ConfigureTLS(&vaultapi.TLSConfig{
			CACert:     cfg.TLS.CACert,
			ClientCert: cfg.TLS.ClientCert,
			ClientKey:  cfg.TLS.ClientKey,
			Insecure:   cfg.TLS.SkipVerify,
		})
		if err != nil {
			return nil, NewVaultError("init", "", fmt.Errorf("configure TLS: %w", err))
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, NewVaultError("init", "", err)
	}
	api.ClearToken()
	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	c := &Client{
		config: cfg,
		api:    api,
		auth:   auth,
		logger: logger.With(observability.String("component", "vault")),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = NewMetrics("", nil)
	}

	return c, nil
}

// Authenticate logs in with the configured method.
func (c *Client) Authenticate(ctx context.Context) error {
	start := time.Now()

	err := c.withRetry(ctx, "authenticate", func(ctx context.Context) error {
		if _, err := c.auth.Authenticate(ctx, c.api); err != nil {
			return c.wrapError("authenticate", "", err)
		}
		return nil
	})

	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordRequest("authenticate", "error", duration)
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	c.metrics.RecordRequest("authenticate", "success", duration)
	c.authenticated.Store(true)
	c.logger.Info("authenticated with vault",
		observability.String("method", c.auth.Name()),
		observability.Duration("duration", duration),
	)

	return nil
}

// ReadKV returns the data of the latest version of the KV v2 secret at path.
func (c *Client) ReadKV(ctx context.Context, path string) (map[string]interface{}, error) {
	if !c.authenticated.Load() {
		return nil, ErrNotAuthenticated
	}

	path = strings.Trim(path, "/")
	if path == "" {
		return nil, NewVaultError("read", path, ErrInvalidPath)
	}
	fullPath := c.config.kvMount() + "/data/" + path

	start := time.Now()
	var data map[string]interface{}

	err := c.withRetry(ctx, "read", func(ctx context.Context) error {
		secret, err := c.api.Logical().ReadWithContext(ctx, fullPath)
		if err != nil {
			return c.wrapError("read", fullPath, err)
		}
		if secret == nil || secret.Data == nil {
			return NewVaultError("read", fullPath, ErrSecretNotFound)
		}

		// Deleted versions have null data.
		inner, ok := secret.Data["data"].(map[string]interface{})
		if !ok {
			return NewVaultError("read", fullPath, ErrSecretNotFound)
		}
		data = inner
		return nil
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRequest("read", status, time.Since(start))

	if err != nil {
		return nil, err
	}

	c.logger.Debug("vault secret read", observability.String("path", fullPath))
	return data, nil
}

// ReadField returns one string field of the KV v2 secret at path.
func (c *Client) ReadField(ctx context.Context, path, field string) ([]byte, error) {
	data, err := c.ReadKV(ctx, path)
	if err != nil {
		return nil, err
	}

	value, ok := data[field]
	if !ok {
		return nil, NewVaultError("read", path, fmt.Errorf("%w: %s", ErrFieldNotFound, field))
	}

	s, ok := value.(string)
	if !ok {
		return nil, NewVaultError("read", path, fmt.Errorf("%w: %s is %T, not a string", ErrFieldNotFound, field, value))
	}

	return []byte(s), nil
}

// Health returns Vault health status.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, c.wrapError("health", "", err)
	}

	return &HealthStatus{
		Initialized: resp.Initialized,
		Sealed:      resp.Sealed,
		Standby:     resp.Standby,
		Version:     resp.Version,
		ClusterName: resp.ClusterName,
	}, nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, c.config.Retry, fn, &retry.Options{
		ShouldRetry: IsRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			c.logger.Debug("retrying vault operation",
				observability.String("operation", op),
				observability.Int("attempt", attempt),
				observability.Duration("backoff", backoff),
				observability.Error(err),
			)
		},
	})
}

// wrapError records the HTTP status code of err, if any.
func (c *Client) wrapError(op, path string, err error) error {
	vaultErr := &VaultError{Op: op, Path: path, Err: err}

	var respErr *vaultapi.ResponseError
	if errors.As(err, &respErr) {
		vaultErr.Code = respErr.StatusCode
	}

	return vaultErr
}
