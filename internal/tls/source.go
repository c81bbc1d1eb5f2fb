package tls

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avamitm/internal/address"
	"github.com/vyrodovalexey/avamitm/internal/certgen"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// tracerName is the OpenTelemetry tracer name for certificate supply.
const tracerName = "avamitm/tls"

// Issuance kinds used as metric labels.
const (
	issueKindHost     = "host"
	issueKindFallback = "fallback"
)

// Issuance circuit breaker settings.
const (
	breakerName             = "certificate-issuer"
	breakerFailureThreshold = 5
	breakerOpenTimeout      = 30 * time.Second
)

// CertificateFactory generates CA and leaf certificates. *certgen.Factory
// implements it.
type CertificateFactory interface {
	GenerateCA(subject certgen.Subject) (*x509.Certificate, crypto.Signer, error)
	GenerateLeaf(
		subject certgen.Subject,
		caCert *x509.Certificate,
		caKey crypto.Signer,
	) (*x509.Certificate, crypto.Signer, error)
}

var _ CertificateFactory = (*certgen.Factory)(nil)

// IssuedCertificate is a leaf certificate with its key, issued for Host.
// ExpiresAt is when the cache stops reusing it; it is zero for certificates
// that were never cached.
type IssuedCertificate struct {
	Leaf      *x509.Certificate
	Key       crypto.Signer
	Host      address.Host
	ExpiresAt time.Time
}

// SourceKind names a certificate source variant.
type SourceKind string

// Source kinds.
const (
	SourceKindStatic  SourceKind = "static"
	SourceKindIssuing SourceKind = "issuing"
)

// CertificateSource supplies the server certificate. It is either a
// *StaticSource or an *IssuingSource.
type CertificateSource interface {
	Kind() SourceKind
	isCertificateSource()
}

// StaticSource serves one fixed key and chain for every handshake.
type StaticSource struct {
	key   crypto.Signer
	chain []*x509.Certificate
	ocsp  []byte
}

// newStaticSource checks that key matches the first certificate of chain.
func newStaticSource(key crypto.Signer, chain []*x509.Certificate, ocsp []byte) (*StaticSource, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	if err := checkKeyPair(key, chain[0]); err != nil {
		return nil, err
	}
	return &StaticSource{key: key, chain: chain, ocsp: ocsp}, nil
}

// Kind returns SourceKindStatic.
func (s *StaticSource) Kind() SourceKind { return SourceKindStatic }

func (s *StaticSource) isCertificateSource() {}

// Leaf returns the served leaf certificate.
func (s *StaticSource) Leaf() *x509.Certificate {
	return s.chain[0]
}

// IssuingSource issues a leaf per host, signed by one CA held for the
// lifetime of the source.
type IssuingSource struct {
	caCert  *x509.Certificate
	caKey   crypto.Signer
	factory CertificateFactory
	cache   *IssuanceCache

	breaker  *gobreaker.CircuitBreaker
	fallback *rate.Limiter
	disabled atomic.Bool

	logger  observability.Logger
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// newIssuingSource creates an issuing source. A nil limiter disables the
// no-SNI fallback.
func newIssuingSource(
	caCert *x509.Certificate,
	caKey crypto.Signer,
	factory CertificateFactory,
	cache *IssuanceCache,
	fallback *rate.Limiter,
	logger observability.Logger,
	metrics MetricsRecorder,
) *IssuingSource {
	s := &IssuingSource{
		caCert:   caCert,
		caKey:    caKey,
		factory:  factory,
		cache:    cache,
		fallback: fallback,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer(tracerName),
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("certificate issuer circuit breaker state change",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})

	return s
}

// Kind returns SourceKindIssuing.
func (s *IssuingSource) Kind() SourceKind { return SourceKindIssuing }

func (s *IssuingSource) isCertificateSource() {}

// CA returns the signing CA certificate.
func (s *IssuingSource) CA() *x509.Certificate {
	return s.caCert
}

// Cache returns the issuance cache.
func (s *IssuingSource) Cache() *IssuanceCache {
	return s.cache
}

// Disabled reports whether issuance was latched off.
func (s *IssuingSource) Disabled() bool {
	return s.disabled.Load()
}

// Resolve returns a leaf certificate for host. The zero host is served by
// a freshly issued, uncached certificate named after the CA, subject to the
// fallback throttle. Other hosts go through the issuance cache.
func (s *IssuingSource) Resolve(ctx context.Context, host address.Host) (*IssuedCertificate, error) {
	ctx, span := s.tracer.Start(ctx, "tls.Resolve",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tls.host", host.String())),
	)
	defer span.End()

	cert, err := s.resolve(ctx, host)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, newIssueError(host.String(), err)
	}

	return cert, nil
}

func (s *IssuingSource) resolve(ctx context.Context, host address.Host) (*IssuedCertificate, error) {
	if s.disabled.Load() {
		return nil, ErrIssuanceDisabled
	}

	if host.IsZero() {
		return s.resolveFallback(ctx)
	}

	// The fill outlives callers that give up waiting.
	fillCtx := context.WithoutCancel(ctx)
	subject := certgen.Subject{
		Organization: firstOrEmpty(s.caCert.Subject.Organization),
		CommonName:   host,
	}

	return s.cache.GetOrIssue(ctx, host, func() (*IssuedCertificate, error) {
		return s.issue(fillCtx, subject, host, issueKindHost)
	})
}

func (s *IssuingSource) resolveFallback(ctx context.Context) (*IssuedCertificate, error) {
	if s.fallback == nil || !s.fallback.Allow() {
		s.logger.Warn("certificate for handshake without SNI refused by fallback throttle")
		return nil, ErrFallbackRateLimited
	}

	subject := certgen.Subject{
		Organization: firstOrEmpty(s.caCert.Subject.Organization),
		CommonName:   address.Localhost,
	}
	if cn, err := address.ParseHost(s.caCert.Subject.CommonName); err == nil {
		subject.CommonName = cn
	}

	return s.issue(ctx, subject, address.Host{}, issueKindFallback)
}

// issue generates and checks one leaf through the circuit breaker. A leaf
// whose key does not match latches issuance off.
func (s *IssuingSource) issue(
	ctx context.Context,
	subject certgen.Subject,
	host address.Host,
	kind string,
) (*IssuedCertificate, error) {
	_, span := s.tracer.Start(ctx, "tls.Issue",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tls.issue.kind", kind),
			attribute.String("tls.issue.common_name", subject.CommonName.String()),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := s.breaker.Execute(func() (interface{}, error) {
		if s.disabled.Load() {
			return nil, ErrIssuanceDisabled
		}

		leaf, key, err := s.factory.GenerateLeaf(subject, s.caCert, s.caKey)
		if err != nil {
			return nil, err
		}
		if err := checkKeyPair(key, leaf); err != nil {
			return nil, err
		}

		return &IssuedCertificate{Leaf: leaf, Key: key, Host: host}, nil
	})
	duration := time.Since(start)

	if err != nil {
		s.metrics.RecordIssuance(kind, false, duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrIssuerUnavailable, err)
		}

		var consistencyErr *ConsistencyError
		if errors.As(err, &consistencyErr) {
			s.disabled.Store(true)
			s.logger.Error("issued certificate does not match its key, issuance disabled",
				observability.String("host", host.String()),
				observability.Error(err),
			)
		}

		return nil, err
	}

	cert := result.(*IssuedCertificate)
	s.metrics.RecordIssuance(kind, true, duration)
	s.logger.Debug("leaf certificate issued",
		observability.String("kind", kind),
		observability.String("commonName", cert.Leaf.Subject.CommonName),
		observability.String("serial", cert.Leaf.SerialNumber.String()),
		observability.Duration("duration", duration),
	)
	span.SetAttributes(attribute.String("tls.issue.serial", cert.Leaf.SerialNumber.String()))

	return cert, nil
}

// checkKeyPair returns a *ConsistencyError unless key matches cert.
func checkKeyPair(key crypto.Signer, cert *x509.Certificate) error {
	if cert == nil {
		return &ConsistencyError{}
	}
	if certgen.KeyMatchesCertificate(key, cert) {
		return nil
	}
	return &ConsistencyError{
		Subject: cert.Subject.String(),
		Serial:  cert.SerialNumber.String(),
	}
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
