package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// Default timeout values for health checks.
const (
	// DefaultReadinessProbeTimeout is the default timeout for readiness probes.
	DefaultReadinessProbeTimeout = 5 * time.Second

	// DefaultLivenessProbeTimeout is the default timeout for liveness/health probes.
	DefaultLivenessProbeTimeout = 10 * time.Second
)

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
	StatusDraining = "draining"
)

// HandlerConfig holds configuration for the health handler.
type HandlerConfig struct {
	// ReadinessProbeTimeout is the timeout for readiness probe checks.
	ReadinessProbeTimeout time.Duration

	// LivenessProbeTimeout is the timeout for liveness/health probe checks.
	LivenessProbeTimeout time.Duration
}

// DefaultHandlerConfig returns a HandlerConfig with default values.
func DefaultHandlerConfig() *HandlerConfig {
	return &HandlerConfig{
		ReadinessProbeTimeout: DefaultReadinessProbeTimeout,
		LivenessProbeTimeout:  DefaultLivenessProbeTimeout,
	}
}

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Critical  bool      `json:"critical"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler handles health check requests.
type Handler struct {
	version   string
	logger    observability.Logger
	metrics   *Metrics
	config    *HandlerConfig
	startTime time.Time
	draining  atomic.Bool

	mu     sync.RWMutex
	checks []HealthCheck
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *Metrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = metrics
	}
}

// WithConfig sets the probe timeouts.
func WithConfig(config *HandlerConfig) HandlerOption {
	return func(h *Handler) {
		if config != nil {
			h.config = config
		}
	}
}

// NewHandler creates a new health handler.
func NewHandler(version string, opts ...HandlerOption) *Handler {
	h := &Handler{
		version:   version,
		logger:    observability.NopLogger(),
		config:    DefaultHandlerConfig(),
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(h)
	}

	if h.metrics == nil {
		h.metrics = NewMetrics("", nil)
	}

	return h
}

// AddCheck adds a health check, replacing any check with the same name.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, existing := range h.checks {
		if existing.Name() == check.Name() {
			h.checks[i] = check
			return
		}
	}
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a health check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// SetDraining marks the service as shutting down. Readiness fails while
// draining so load balancers stop sending new connections.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// IsDraining reports whether SetDraining(true) was called.
func (h *Handler) IsDraining() bool {
	return h.draining.Load()
}

func (h *Handler) readinessTimeout() time.Duration {
	if h.config.ReadinessProbeTimeout > 0 {
		return h.config.ReadinessProbeTimeout
	}
	return DefaultReadinessProbeTimeout
}

func (h *Handler) livenessTimeout() time.Duration {
	if h.config.LivenessProbeTimeout > 0 {
		return h.config.LivenessProbeTimeout
	}
	return DefaultLivenessProbeTimeout
}

// Liveness returns the liveness status. It runs no checks.
func (h *Handler) Liveness() *HealthStatus {
	h.metrics.recordProbe("liveness")
	return &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
	}
}

// Readiness runs all checks. A critical failure or draining makes the
// status non-OK; a non-critical failure degrades it.
func (h *Handler) Readiness(ctx context.Context) *HealthStatus {
	h.metrics.recordProbe("readiness")

	ctx, cancel := context.WithTimeout(ctx, h.readinessTimeout())
	defer cancel()

	status := h.runChecks(ctx)
	if h.IsDraining() {
		status.Status = StatusDraining
	}
	return status
}

// Health runs all checks and adds version and uptime.
func (h *Handler) Health(ctx context.Context) *HealthStatus {
	h.metrics.recordProbe("health")

	ctx, cancel := context.WithTimeout(ctx, h.livenessTimeout())
	defer cancel()

	status := h.runChecks(ctx)
	status.Version = h.version
	status.Uptime = time.Since(h.startTime).Round(time.Second).String()
	return status
}

// runChecks runs all health checks concurrently and returns the status.
func (h *Handler) runChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:    StatusOK,
				Duration:  duration.String(),
				Critical:  isCritical(c),
				Timestamp: time.Now().UTC(),
			}

			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()

				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.Bool("critical", result.Critical),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			h.metrics.setStatus(c.Name(), err == nil)

			mu.Lock()
			defer mu.Unlock()
			status.Checks[c.Name()] = result
			switch {
			case err == nil:
			case result.Critical:
				status.Status = StatusError
			case status.Status == StatusOK:
				status.Status = StatusDegraded
			}
		}(check)
	}

	wg.Wait()
	h.metrics.setStatus("overall", status.Status != StatusError)
	return status
}

// statusCode maps a status to an HTTP code. Degraded still serves traffic.
func statusCode(status *HealthStatus) int {
	switch status.Status {
	case StatusOK, StatusDegraded:
		return http.StatusOK
	default:
		return http.StatusServiceUnavailable
	}
}

// LivenessHandler returns a gin handler for liveness probes.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Liveness())
	}
}

// ReadinessHandler returns a gin handler for readiness probes.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Readiness(c.Request.Context())
		c.JSON(statusCode(status), status)
	}
}

// HealthHandler returns a gin handler for detailed health checks.
func (h *Handler) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Health(c.Request.Context())
		c.JSON(statusCode(status), status)
	}
}

// RegisterRoutes registers health check routes on a gin router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.HealthHandler())
	router.GET("/healthz", h.LivenessHandler())
	router.GET("/livez", h.LivenessHandler())
	router.GET("/readyz", h.ReadinessHandler())
	router.GET("/ready", h.ReadinessHandler())
}

// HTTPHandler returns a standard http.Handler for the detailed health
// endpoint.
func (h *Handler) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := h.Health(r.Context())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode(status))
		if err := json.NewEncoder(w).Encode(status); err != nil {
			h.logger.Error("failed to write health check response", observability.Error(err))
		}
	})
}
