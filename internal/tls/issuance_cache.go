package tls

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/avamitm/internal/address"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// Cache request results.
const (
	cacheResultHit     = "hit"
	cacheResultMiss    = "miss"
	cacheResultExpired = "expired"
	cacheResultShared  = "shared"
)

// FillFunc generates the certificate for a cache miss.
type FillFunc func() (*IssuedCertificate, error)

// IssuanceCache maps hosts to issued leaf certificates. Entries expire after
// a fixed TTL and the number of entries is bounded; the least recently used
// entry is evicted first. For each host at most one fill runs at a time and
// concurrent callers share its outcome. Errors are not cached.
type IssuanceCache struct {
	entries *lru.Cache
	group   singleflight.Group
	ttl     time.Duration
	now     func() time.Time

	logger  observability.Logger
	metrics MetricsRecorder
}

// CacheOption is a functional option for configuring the IssuanceCache.
type CacheOption func(*IssuanceCache)

// WithCacheLogger sets the logger for the cache.
func WithCacheLogger(logger observability.Logger) CacheOption {
	return func(c *IssuanceCache) {
		c.logger = logger
	}
}

// WithCacheMetrics sets the metrics recorder for the cache.
func WithCacheMetrics(metrics MetricsRecorder) CacheOption {
	return func(c *IssuanceCache) {
		c.metrics = metrics
	}
}

// WithCacheClock sets the time source used for expiry.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *IssuanceCache) {
		c.now = now
	}
}

// NewIssuanceCache creates a cache holding at most capacity entries for ttl
// each. Non-positive values select DefaultCacheSize and DefaultCacheTTL.
func NewIssuanceCache(capacity int, ttl time.Duration, opts ...CacheOption) (*IssuanceCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	c := &IssuanceCache{
		ttl:     ttl,
		now:     time.Now,
		logger:  observability.NopLogger(),
		metrics: NewNopMetrics(),
	}

	for _, opt := range opts {
		opt(c)
	}

	entries, err := lru.NewWithEvict(capacity, func(key, _ interface{}) {
		c.metrics.RecordCacheEviction()
		c.logger.Debug("issued certificate evicted", observability.Any("host", key))
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries

	return c, nil
}

// GetOrIssue returns the live entry for host, or runs fill once for all
// concurrent callers and caches the result. If ctx ends first the caller
// stops waiting with ctx.Err(); the fill still completes and is cached.
func (c *IssuanceCache) GetOrIssue(ctx context.Context, host address.Host, fill FillFunc) (*IssuedCertificate, error) {
	key := host.String()

	cert, result := c.lookup(key)
	c.metrics.RecordCacheRequest(result)
	if cert != nil {
		return cert, nil
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		// Another fill may have finished between the lookup and here.
		if cert, _ := c.lookup(key); cert != nil {
			return cert, nil
		}

		cert, err := fill()
		if err != nil {
			return nil, err
		}

		cert.ExpiresAt = c.now().Add(c.ttl)
		c.entries.Add(key, cert)
		c.metrics.SetCacheEntries(c.entries.Len())

		c.logger.Debug("issued certificate cached",
			observability.String("host", key),
			observability.Time("expiresAt", cert.ExpiresAt),
		)

		return cert, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordCacheRequest(cacheResultShared)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*IssuedCertificate), nil
	}
}

// lookup returns a live entry, or nil with the reason it was not found.
// Expired entries are left in place; they are replaced by the next fill for
// the same key or aged out by the LRU.
func (c *IssuanceCache) lookup(key string) (*IssuedCertificate, string) {
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, cacheResultMiss
	}

	cert := v.(*IssuedCertificate)
	if !c.now().Before(cert.ExpiresAt) {
		return nil, cacheResultExpired
	}

	return cert, cacheResultHit
}

// Len returns the number of cached entries, including expired ones not yet replaced.
func (c *IssuanceCache) Len() int {
	return c.entries.Len()
}

// Purge removes every entry.
func (c *IssuanceCache) Purge() {
	c.entries.Purge()
	c.metrics.SetCacheEntries(0)
}
