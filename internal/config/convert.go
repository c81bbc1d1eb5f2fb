package config

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/vyrodovalexey/avamitm/internal/observability"
	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
)

// ErrNoSecretReader is returned when material references Vault but no
// reader was supplied.
var ErrNoSecretReader = errors.New("config: vault material requires a secret reader")

// SecretReader returns one field of a stored secret. *vault.Client
// implements it.
type SecretReader interface {
	ReadField(ctx context.Context, path, field string) ([]byte, error)
}

// ToServerConfig resolves every material source and returns the TLS server
// configuration. secrets may be nil when UsesVault is false.
func (c *ProxyConfig) ToServerConfig(ctx context.Context, secrets SecretReader) (*tlspkg.ServerConfig, error) {
	r := &resolver{ctx: ctx, secrets: secrets}
	cfg := &c.Spec.TLS

	serverAuth, err := r.serverAuth(&cfg.ServerAuth)
	if err != nil {
		return nil, err
	}

	clientVerify, err := r.clientVerify(cfg.ClientVerify)
	if err != nil {
		return nil, err
	}

	return &tlspkg.ServerConfig{
		ServerAuth:       serverAuth,
		ProtocolVersions: cfg.ProtocolVersions,
		ALPN:             cfg.ALPN,
		ClientVerifyMode: clientVerify,
		KeyLogger:        keyLogIntent(cfg.KeyLog),
	}, nil
}

// LogConfig returns the logger configuration, falling back to defaults.
func (c *ProxyConfig) LogConfig() observability.LogConfig {
	cfg := observability.DefaultLogConfig()
	if obs := c.Spec.Observability; obs != nil && obs.Logging != nil {
		if obs.Logging.Level != "" {
			cfg.Level = obs.Logging.Level
		}
		if obs.Logging.Format != "" {
			cfg.Format = obs.Logging.Format
		}
	}
	return cfg
}

// TracerConfig returns the tracer configuration. Tracing is disabled when
// not configured.
func (c *ProxyConfig) TracerConfig(serviceName string) observability.TracerConfig {
	cfg := observability.TracerConfig{ServiceName: serviceName}
	if obs := c.Spec.Observability; obs != nil && obs.Tracing != nil {
		t := obs.Tracing
		cfg.Enabled = t.Enabled
		cfg.OTLPEndpoint = t.OTLPEndpoint
		cfg.SamplingRate = t.SamplingRate
		cfg.Insecure = t.Insecure
		if t.ServiceName != "" {
			cfg.ServiceName = t.ServiceName
		}
	}
	return cfg
}

// MetricsEnabled reports whether the metrics server should run, with its
// address and path.
func (c *ProxyConfig) MetricsEnabled() (enabled bool, addr, path string) {
	obs := c.Spec.Observability
	if obs == nil || obs.Metrics == nil || !obs.Metrics.Enabled {
		return false, "", ""
	}

	addr = obs.Metrics.Address
	if addr == "" {
		addr = DefaultMetricsAddress
	}
	path = obs.Metrics.Path
	if path == "" {
		path = DefaultMetricsPath
	}
	return true, addr, path
}

type resolver struct {
	ctx     context.Context
	secrets SecretReader
}

func (r *resolver) serverAuth(auth *ServerAuthConfig) (tlspkg.ServerAuth, error) {
	switch {
	case auth.SelfSigned != nil:
		return tlspkg.ServerAuthSelfSigned{Data: selfSignedData(auth.SelfSigned)}, nil

	case auth.Static != nil:
		data, err := r.material(auth.Static, "spec.tls.serverAuth.static")
		if err != nil {
			return nil, err
		}
		return tlspkg.ServerAuthStatic{Data: data}, nil

	case auth.CertIssuer != nil:
		return r.certIssuer(auth.CertIssuer)

	default:
		return nil, &ValidationError{Path: "spec.tls.serverAuth", Message: "server auth is required"}
	}
}

func (r *resolver) certIssuer(issuer *CertIssuerConfig) (tlspkg.ServerAuth, error) {
	out := tlspkg.ServerAuthCertIssuer{
		MaxCacheSize: issuer.MaxCacheSize,
		CacheTTL:     issuer.CacheTTL.Duration(),
	}
	if issuer.Fallback != nil {
		out.Fallback = &tlspkg.FallbackLimit{
			Rate:  issuer.Fallback.Rate,
			Burst: issuer.Fallback.Burst,
		}
	}

	switch {
	case issuer.SelfSigned != nil:
		out.Kind = tlspkg.IssuerSelfSigned{Data: selfSignedData(issuer.SelfSigned)}
	case issuer.Static != nil:
		data, err := r.material(issuer.Static, "spec.tls.serverAuth.certIssuer.static")
		if err != nil {
			return nil, err
		}
		out.Kind = tlspkg.IssuerStatic{Data: data}
	default:
		return nil, &ValidationError{Path: "spec.tls.serverAuth.certIssuer", Message: "issuer kind is required"}
	}

	return out, nil
}

func (r *resolver) material(m *MaterialConfig, path string) (tlspkg.ServerAuthData, error) {
	key, err := r.source(&m.PrivateKey, path+".privateKey")
	if err != nil {
		return tlspkg.ServerAuthData{}, err
	}

	chain, err := r.source(&m.CertChain, path+".certChain")
	if err != nil {
		return tlspkg.ServerAuthData{}, err
	}

	data := tlspkg.ServerAuthData{PrivateKey: key, CertChain: chain}

	if m.OCSP != nil {
		// OCSP responses are raw DER, so PEM text is taken as bytes.
		enc, err := r.source(m.OCSP, path+".ocsp")
		if err != nil {
			return tlspkg.ServerAuthData{}, err
		}
		switch v := enc.(type) {
		case tlspkg.DER:
			data.OCSP = v
		case tlspkg.DERStack:
			data.OCSP = v[0]
		case tlspkg.PEM:
			data.OCSP = []byte(v)
		}
	}

	return data, nil
}

func (r *resolver) clientVerify(cv *ClientVerifyConfig) (tlspkg.ClientVerifyMode, error) {
	if cv == nil {
		return tlspkg.ClientVerifyAuto{}, nil
	}

	switch cv.Mode {
	case "", ClientVerifyModeAuto:
		return tlspkg.ClientVerifyAuto{}, nil
	case ClientVerifyModeDisable:
		return tlspkg.ClientVerifyDisable{}, nil
	case ClientVerifyModeClientAuth:
		if cv.Trust == nil {
			return nil, &ValidationError{Path: "spec.tls.clientVerify.trust", Message: "trust is required in clientAuth mode"}
		}
		trust, err := r.source(cv.Trust, "spec.tls.clientVerify.trust")
		if err != nil {
			return nil, err
		}
		return tlspkg.ClientVerifyClientAuth{Trust: trust}, nil
	default:
		return nil, &ValidationError{Path: "spec.tls.clientVerify.mode", Message: fmt.Sprintf("unknown mode %q", cv.Mode)}
	}
}

var pemHeader = []byte("-----BEGIN")

// source loads the data a SourceConfig points at without decoding it.
func (r *resolver) source(src *SourceConfig, path string) (tlspkg.DataEncoding, error) {
	switch {
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		// Files without a PEM header are taken as a single binary DER document.
		if !bytes.Contains(data, pemHeader) {
			return tlspkg.DER(data), nil
		}
		return tlspkg.PEM(data), nil

	case src.PEM != "":
		return tlspkg.PEM(src.PEM), nil

	case len(src.DER) > 0:
		docs := make([][]byte, 0, len(src.DER))
		for i, doc := range src.DER {
			der, err := base64.StdEncoding.DecodeString(doc)
			if err != nil {
				return nil, fmt.Errorf("%s.der[%d]: %w", path, i, err)
			}
			docs = append(docs, der)
		}
		if len(docs) == 1 {
			return tlspkg.DER(docs[0]), nil
		}
		return tlspkg.DERStack(docs), nil

	case src.Vault != nil:
		if r.secrets == nil {
			return nil, fmt.Errorf("%s: %w", path, ErrNoSecretReader)
		}
		data, err := r.secrets.ReadField(r.ctx, src.Vault.Path, src.Vault.Field)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return tlspkg.PEM(data), nil

	default:
		return nil, &ValidationError{Path: path, Message: "exactly one of file, pem, der or vault is required"}
	}
}

func selfSignedData(cfg *SelfSignedConfig) tlspkg.SelfSignedData {
	return tlspkg.SelfSignedData{
		OrganisationName:        cfg.OrganisationName,
		CommonName:              cfg.CommonName,
		SubjectAlternativeNames: cfg.SubjectAlternativeNames,
	}
}

func keyLogIntent(kl *KeyLogConfig) tlspkg.KeyLogIntent {
	if kl == nil {
		return tlspkg.KeyLogIntent{}
	}

	switch kl.Mode {
	case KeyLogModeEnvironment:
		return tlspkg.KeyLogIntent{Mode: tlspkg.KeyLogEnvironment}
	case KeyLogModeFile:
		return tlspkg.KeyLogIntent{Mode: tlspkg.KeyLogFile, Path: kl.Path}
	default:
		return tlspkg.KeyLogIntent{}
	}
}
