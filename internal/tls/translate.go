package tls

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avamitm/internal/address"
	"github.com/vyrodovalexey/avamitm/internal/certgen"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// Option is a functional option for Translate.
type Option func(*translator)

// WithLogger sets the logger used by the acceptor and its sources.
func WithLogger(logger observability.Logger) Option {
	return func(t *translator) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics recorder used by the acceptor and its sources.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(t *translator) {
		t.metrics = metrics
	}
}

// WithFactory sets the certificate factory.
func WithFactory(factory CertificateFactory) Option {
	return func(t *translator) {
		t.factory = factory
	}
}

// WithClock sets the time source of the issuance cache.
func WithClock(now func() time.Time) Option {
	return func(t *translator) {
		t.now = now
	}
}

type translator struct {
	factory CertificateFactory
	logger  observability.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// Translate validates cfg and builds the immutable acceptor data for it.
// Self-signed modes generate their CA here. Any error leaves no acceptor.
func Translate(cfg *ServerConfig, opts ...Option) (*AcceptorData, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &translator{
		logger:  observability.NopLogger(),
		metrics: NewNopMetrics(),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.factory == nil {
		t.factory = certgen.New(certgen.WithClock(t.now))
	}

	source, err := t.source(cfg.ServerAuth)
	if err != nil {
		return nil, err
	}

	clientTrust, err := translateClientVerify(cfg.ClientVerifyMode)
	if err != nil {
		return nil, err
	}

	ac := &acceptorConfig{
		source:      source,
		alpn:        slices.Clone(cfg.ALPN),
		keyLog:      cfg.KeyLogger,
		versions:    slices.Clone(cfg.ProtocolVersions),
		clientTrust: clientTrust,
	}

	d := &AcceptorData{
		config:  ac,
		logger:  t.logger,
		metrics: t.metrics,
	}

	info := d.Info()
	t.logger.Info("TLS acceptor built",
		observability.String("source", string(info.Source)),
		observability.Bool("clientAuth", info.ClientAuth),
		observability.Any("alpn", info.ALPN),
		observability.Any("protocolVersions", info.ProtocolVersions),
		observability.String("keyLog", info.KeyLog),
	)

	return d, nil
}

func (t *translator) source(auth ServerAuth) (CertificateSource, error) {
	switch a := auth.(type) {
	case ServerAuthSelfSigned:
		return t.selfSignedSource(a.Data)
	case ServerAuthStatic:
		return t.staticSource(a.Data)
	case ServerAuthCertIssuer:
		return t.issuingSource(a)
	default:
		return nil, NewConfigurationError("serverAuth", fmt.Sprintf("unsupported server auth %T", auth))
	}
}

// selfSignedSource generates a CA and a single leaf and serves [leaf, CA].
func (t *translator) selfSignedSource(data SelfSignedData) (*StaticSource, error) {
	subject, err := translateSubject("serverAuth.selfSigned", data)
	if err != nil {
		return nil, err
	}

	caCert, caKey, err := t.factory.GenerateCA(subject)
	if err != nil {
		return nil, WrapError(err, "generate self-signed CA")
	}

	leaf, key, err := t.factory.GenerateLeaf(subject, caCert, caKey)
	if err != nil {
		return nil, WrapError(err, "generate self-signed leaf")
	}

	src, err := newStaticSource(key, []*x509.Certificate{leaf, caCert}, nil)
	if err != nil {
		return nil, err
	}

	t.metrics.UpdateCertificateExpiry(leaf, "server")
	t.logger.Info("self-signed certificate generated",
		observability.String("subject", leaf.Subject.String()),
		observability.String("serial", leaf.SerialNumber.String()),
	)

	return src, nil
}

// staticSource decodes configured material and checks it is consistent.
func (t *translator) staticSource(data ServerAuthData) (*StaticSource, error) {
	const field = "serverAuth.static"

	chain, key, err := decodeServerAuthData(field, data)
	if err != nil {
		return nil, err
	}

	if len(data.OCSP) > 0 {
		var issuer *x509.Certificate
		if len(chain) > 1 {
			issuer = chain[1]
		}
		if err := checkOCSPStaple(field+".ocsp", data.OCSP, chain[0], issuer); err != nil {
			return nil, err
		}
	}

	src, err := newStaticSource(key, chain, slices.Clone(data.OCSP))
	if err != nil {
		return nil, err
	}

	t.metrics.UpdateCertificateExpiry(chain[0], "server")

	return src, nil
}

// issuingSource obtains the CA and builds the cache and throttle around it.
func (t *translator) issuingSource(issuer ServerAuthCertIssuer) (*IssuingSource, error) {
	var (
		caCert *x509.Certificate
		caKey  crypto.Signer
		err    error
	)

	switch kind := issuer.Kind.(type) {
	case IssuerSelfSigned:
		subject, subjectErr := translateSubject("serverAuth.certIssuer.selfSigned", kind.Data)
		if subjectErr != nil {
			return nil, subjectErr
		}
		caCert, caKey, err = t.factory.GenerateCA(subject)
		if err != nil {
			return nil, WrapError(err, "generate issuer CA")
		}
		t.logger.Info("issuer CA generated",
			observability.String("subject", caCert.Subject.String()),
			observability.String("serial", caCert.SerialNumber.String()),
		)

	case IssuerStatic:
		caCert, caKey, err = decodeIssuerCA("serverAuth.certIssuer.static", kind.Data)
		if err != nil {
			return nil, err
		}
		if len(kind.Data.OCSP) > 0 {
			t.logger.Debug("OCSP response ignored for issuer CA")
		}

	default:
		return nil, NewConfigurationError("serverAuth.certIssuer",
			fmt.Sprintf("unsupported issuer kind %T", issuer.Kind))
	}

	cache, err := NewIssuanceCache(issuer.MaxCacheSize, issuer.CacheTTL,
		WithCacheLogger(t.logger),
		WithCacheMetrics(t.metrics),
		WithCacheClock(t.now),
	)
	if err != nil {
		return nil, WrapError(err, "create issuance cache")
	}

	t.metrics.UpdateCertificateExpiry(caCert, "ca")

	return newIssuingSource(caCert, caKey, t.factory, cache,
		fallbackLimiter(issuer.Fallback), t.logger, t.metrics), nil
}

// decodeServerAuthData decodes the chain and the key of data.
func decodeServerAuthData(field string, data ServerAuthData) ([]*x509.Certificate, crypto.Signer, error) {
	chain, err := decodeCertificates(field+".certChain", data.CertChain)
	if err != nil {
		return nil, nil, err
	}

	key, err := decodePrivateKey(field+".privateKey", data.PrivateKey)
	if err != nil {
		return nil, nil, err
	}

	return chain, key, nil
}

// decodeIssuerCA uses the last certificate of the chain as the CA. Any
// certificates before it are not used.
func decodeIssuerCA(field string, data ServerAuthData) (*x509.Certificate, crypto.Signer, error) {
	chain, key, err := decodeServerAuthData(field, data)
	if err != nil {
		return nil, nil, err
	}

	caCert := chain[len(chain)-1]
	if err := checkKeyPair(key, caCert); err != nil {
		return nil, nil, err
	}

	return caCert, key, nil
}

// translateSubject parses the names of data into a certgen subject.
func translateSubject(field string, data SelfSignedData) (certgen.Subject, error) {
	subject := certgen.Subject{Organization: data.OrganisationName}

	if data.CommonName != "" {
		cn, err := address.ParseHost(data.CommonName)
		if err != nil {
			return certgen.Subject{}, NewParseErrorWithCause(field+".commonName", "invalid host", err)
		}
		subject.CommonName = cn
	}

	for i, name := range data.SubjectAlternativeNames {
		h, err := address.ParseHost(name)
		if err != nil {
			return certgen.Subject{}, NewParseErrorWithCause(
				fmt.Sprintf("%s.subjectAlternativeNames[%d]", field, i), "invalid host", err)
		}
		subject.AltNames = append(subject.AltNames, h)
	}

	return subject, nil
}

// translateClientVerify returns the trusted client CAs, or nil when client
// certificates are not requested.
func translateClientVerify(mode ClientVerifyMode) ([]*x509.Certificate, error) {
	switch m := mode.(type) {
	case nil, ClientVerifyAuto, ClientVerifyDisable:
		return nil, nil
	case ClientVerifyClientAuth:
		return decodeCertificates("clientVerifyMode.clientAuth", m.Trust)
	default:
		return nil, NewConfigurationError("clientVerifyMode", fmt.Sprintf("unsupported mode %T", mode))
	}
}

// fallbackLimiter returns the no-SNI throttle, or nil when disabled.
func fallbackLimiter(limit *FallbackLimit) *rate.Limiter {
	if limit == nil {
		return rate.NewLimiter(rate.Limit(DefaultFallbackRate), DefaultFallbackBurst)
	}
	if limit.Rate == 0 {
		return nil
	}

	burst := limit.Burst
	if burst <= 0 {
		burst = DefaultFallbackBurst
	}
	return rate.NewLimiter(rate.Limit(limit.Rate), burst)
}
