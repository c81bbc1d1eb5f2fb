package health

import (
	"context"
	"sync"
	"time"
)

// DependencyType represents the type of dependency.
type DependencyType string

const (
	// DependencyTypeAcceptor is the TLS acceptor serving handshakes.
	DependencyTypeAcceptor DependencyType = "acceptor"
	// DependencyTypeSecretStore is a secret store such as Vault.
	DependencyTypeSecretStore DependencyType = "secret_store"
	// DependencyTypeCustom is a custom dependency.
	DependencyTypeCustom DependencyType = "custom"
)

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// DependencyCheck represents a dependency health check. A failing critical
// check makes the service unready; a failing non-critical one degrades it.
type DependencyCheck struct {
	name     string
	depType  DependencyType
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Type returns the dependency type.
func (d *DependencyCheck) Type() DependencyType {
	return d.depType
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	return d.checkFn(ctx)
}

// IsCritical returns true if the dependency is critical.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// DependencyCheckOption is a function that configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a new dependency check. Checks are critical
// unless WithCritical(false) is given.
func NewDependencyCheck(
	name string,
	depType DependencyType,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		depType:  depType,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CustomHealthCheck creates a custom health check.
func CustomHealthCheck(
	name string,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	return NewDependencyCheck(name, DependencyTypeCustom, checkFn, opts...)
}

// isCritical reports whether a failure of check fails readiness.
func isCritical(check HealthCheck) bool {
	if c, ok := check.(interface{ IsCritical() bool }); ok {
		return c.IsCritical()
	}
	return true
}

// CachedHealthCheck caches health check results so probes do not hit a
// remote dependency on every request.
type CachedHealthCheck struct {
	check    HealthCheck
	cacheTTL time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastResult error
}

// NewCachedHealthCheck creates a new cached health check.
func NewCachedHealthCheck(check HealthCheck, cacheTTL time.Duration) *CachedHealthCheck {
	return &CachedHealthCheck{
		check:    check,
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Name returns the name of the health check.
func (c *CachedHealthCheck) Name() string {
	return c.check.Name()
}

// IsCritical reports the criticality of the wrapped check.
func (c *CachedHealthCheck) IsCritical() bool {
	return isCritical(c.check)
}

// Check returns the cached result, refreshing it once it is older than the
// cache TTL.
func (c *CachedHealthCheck) Check(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastCheck.IsZero() && c.now().Sub(c.lastCheck) < c.cacheTTL {
		return c.lastResult
	}

	c.lastResult = c.check.Check(ctx)
	c.lastCheck = c.now()
	return c.lastResult
}
