package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Retry defaults.
const (
	// DefaultMaxRetries is the number of retries after the first attempt.
	DefaultMaxRetries = 3

	// DefaultInitialBackoff is the wait before the first retry.
	DefaultInitialBackoff = 100 * time.Millisecond

	// DefaultMaxBackoff caps the wait between attempts.
	DefaultMaxBackoff = 5 * time.Second

	// DefaultJitterFactor is the fraction of the backoff added as random jitter.
	DefaultJitterFactor = 0.25
)

// Config configures Do.
type Config struct {
	MaxRetries     int           `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	InitialBackoff time.Duration `yaml:"initialBackoff,omitempty" json:"initialBackoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"maxBackoff,omitempty" json:"maxBackoff,omitempty"`
	JitterFactor   float64       `yaml:"jitterFactor,omitempty" json:"jitterFactor,omitempty"`
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:     DefaultMaxRetries,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		JitterFactor:   DefaultJitterFactor,
	}
}

func (c *Config) maxRetries() int {
	if c == nil || c.MaxRetries < 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c *Config) initialBackoff() time.Duration {
	if c == nil || c.InitialBackoff <= 0 {
		return DefaultInitialBackoff
	}
	return c.InitialBackoff
}

func (c *Config) maxBackoff() time.Duration {
	if c == nil || c.MaxBackoff <= 0 {
		return DefaultMaxBackoff
	}
	return c.MaxBackoff
}

func (c *Config) jitterFactor() float64 {
	if c == nil || c.JitterFactor < 0 {
		return DefaultJitterFactor
	}
	return math.Min(c.JitterFactor, 1)
}

// Options customizes Do.
type Options struct {
	// ShouldRetry reports whether err is transient. Nil retries every error.
	ShouldRetry func(err error) bool

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// permanentError stops Do regardless of ShouldRetry.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a non-retryable error, the retries
// are exhausted, or ctx ends. The last error from fn is returned unwrapped
// from Permanent.
func Do(ctx context.Context, cfg *Config, fn func(ctx context.Context) error, opts *Options) error {
	if opts == nil {
		opts = &Options{}
	}

	maxRetries := cfg.maxRetries()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(err) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}

		backoff := CalculateBackoff(attempt, cfg.initialBackoff(), cfg.maxBackoff(), cfg.jitterFactor())
		if opts.OnRetry != nil {
			opts.OnRetry(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CalculateBackoff returns the exponential backoff with jitter for attempt,
// counting from zero, capped at maxBackoff.
func CalculateBackoff(attempt int, initialBackoff, maxBackoff time.Duration, jitterFactor float64) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt))
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	return time.Duration(backoff)
}
