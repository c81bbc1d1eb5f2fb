package config

import (
	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
	"github.com/vyrodovalexey/avamitm/internal/vault"
)

// API version and kind accepted in configuration files.
const (
	APIVersionV1 = "avamitm.io/v1"
	KindProxy    = "Proxy"
)

// Defaults applied by DefaultConfig and by the converters.
const (
	DefaultListenAddress  = ":8443"
	DefaultMetricsAddress = ":9090"
	DefaultMetricsPath    = "/metrics"
	DefaultHealthPath     = "/health"
)

// ProxyConfig is the root configuration document.
type ProxyConfig struct {
	APIVersion string    `yaml:"apiVersion" json:"apiVersion"`
	Kind       string    `yaml:"kind" json:"kind"`
	Metadata   Metadata  `yaml:"metadata" json:"metadata"`
	Spec       ProxySpec `yaml:"spec" json:"spec"`
}

// Metadata contains configuration metadata.
type Metadata struct {
	Name   string            `yaml:"name" json:"name"`
	Labels map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
}

// ProxySpec contains the desired state of the proxy.
type ProxySpec struct {
	Listener      ListenerConfig       `yaml:"listener" json:"listener"`
	TLS           TLSConfig            `yaml:"tls" json:"tls"`
	Observability *ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
	Vault         *vault.Config        `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// ListenerConfig configures the TLS listener.
type ListenerConfig struct {
	// Address is the host:port to accept connections on.
	Address string `yaml:"address" json:"address"`

	// DrainTimeout is how long a replaced acceptor keeps its key log open.
	DrainTimeout Duration `yaml:"drainTimeout,omitempty" json:"drainTimeout,omitempty"`
}

// TLSConfig is the YAML form of the TLS server configuration.
type TLSConfig struct {
	ServerAuth       ServerAuthConfig             `yaml:"serverAuth" json:"serverAuth"`
	ProtocolVersions []tlspkg.ProtocolVersion     `yaml:"protocolVersions,omitempty" json:"protocolVersions,omitempty"`
	ALPN             []tlspkg.ApplicationProtocol `yaml:"alpn,omitempty" json:"alpn,omitempty"`
	ClientVerify     *ClientVerifyConfig          `yaml:"clientVerify,omitempty" json:"clientVerify,omitempty"`
	KeyLog           *KeyLogConfig                `yaml:"keyLog,omitempty" json:"keyLog,omitempty"`
}

// ServerAuthConfig selects the server certificate source. Exactly one field
// must be set.
type ServerAuthConfig struct {
	SelfSigned *SelfSignedConfig `yaml:"selfSigned,omitempty" json:"selfSigned,omitempty"`
	Static     *MaterialConfig   `yaml:"static,omitempty" json:"static,omitempty"`
	CertIssuer *CertIssuerConfig `yaml:"certIssuer,omitempty" json:"certIssuer,omitempty"`
}

// SelfSignedConfig names a generated certificate.
type SelfSignedConfig struct {
	OrganisationName        string   `yaml:"organisationName,omitempty" json:"organisationName,omitempty"`
	CommonName              string   `yaml:"commonName,omitempty" json:"commonName,omitempty"`
	SubjectAlternativeNames []string `yaml:"subjectAlternativeNames,omitempty" json:"subjectAlternativeNames,omitempty"`
}

// MaterialConfig is a private key with its certificate chain.
type MaterialConfig struct {
	PrivateKey SourceConfig  `yaml:"privateKey" json:"privateKey"`
	CertChain  SourceConfig  `yaml:"certChain" json:"certChain"`
	OCSP       *SourceConfig `yaml:"ocsp,omitempty" json:"ocsp,omitempty"`
}

// CertIssuerConfig configures per-host certificate issuance. Exactly one of
// SelfSigned and Static must be set.
type CertIssuerConfig struct {
	SelfSigned   *SelfSignedConfig    `yaml:"selfSigned,omitempty" json:"selfSigned,omitempty"`
	Static       *MaterialConfig      `yaml:"static,omitempty" json:"static,omitempty"`
	MaxCacheSize int                  `yaml:"maxCacheSize,omitempty" json:"maxCacheSize,omitempty"`
	CacheTTL     Duration             `yaml:"cacheTTL,omitempty" json:"cacheTTL,omitempty"`
	Fallback     *FallbackLimitConfig `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// FallbackLimitConfig throttles issuance for handshakes without SNI.
type FallbackLimitConfig struct {
	Rate  float64 `yaml:"rate" json:"rate"`
	Burst int     `yaml:"burst" json:"burst"`
}

// SourceConfig locates encoded key or certificate data. Exactly one field
// must be set.
type SourceConfig struct {
	// File is a path to a PEM file.
	File string `yaml:"file,omitempty" json:"file,omitempty"`

	// PEM is inline PEM text.
	PEM string `yaml:"pem,omitempty" json:"pem,omitempty"`

	// DER is a list of base64 encoded DER documents.
	DER []string `yaml:"der,omitempty" json:"der,omitempty"`

	// Vault reads PEM text from a KV v2 secret.
	Vault *VaultSourceConfig `yaml:"vault,omitempty" json:"vault,omitempty"`
}

// VaultSourceConfig references a field of a KV v2 secret.
type VaultSourceConfig struct {
	Path  string `yaml:"path" json:"path"`
	Field string `yaml:"field" json:"field"`
}

// Client verification modes.
const (
	ClientVerifyModeAuto       = "auto"
	ClientVerifyModeDisable    = "disable"
	ClientVerifyModeClientAuth = "clientAuth"
)

// ClientVerifyConfig configures client certificate verification.
type ClientVerifyConfig struct {
	Mode  string        `yaml:"mode" json:"mode"`
	Trust *SourceConfig `yaml:"trust,omitempty" json:"trust,omitempty"`
}

// Key log modes.
const (
	KeyLogModeDisabled    = "disabled"
	KeyLogModeEnvironment = "environment"
	KeyLogModeFile        = "file"
)

// KeyLogConfig configures TLS secret logging.
type KeyLogConfig struct {
	Mode string `yaml:"mode" json:"mode"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// ObservabilityConfig represents observability configuration.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
	Logging *LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// TracingConfig represents tracing configuration.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"samplingRate,omitempty" json:"samplingRate,omitempty"`
	OTLPEndpoint string  `yaml:"otlpEndpoint,omitempty" json:"otlpEndpoint,omitempty"`
	ServiceName  string  `yaml:"serviceName,omitempty" json:"serviceName,omitempty"`
	Insecure     bool    `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// DefaultConfig returns a configuration that issues certificates from a
// generated CA on DefaultListenAddress.
func DefaultConfig() *ProxyConfig {
	return &ProxyConfig{
		APIVersion: APIVersionV1,
		Kind:       KindProxy,
		Metadata: Metadata{
			Name: "default",
		},
		Spec: ProxySpec{
			Listener: ListenerConfig{
				Address: DefaultListenAddress,
			},
			TLS: TLSConfig{
				ServerAuth: ServerAuthConfig{
					CertIssuer: &CertIssuerConfig{
						SelfSigned: &SelfSignedConfig{
							OrganisationName: "avamitm",
							CommonName:       "ca.avamitm.local",
						},
					},
				},
				ALPN: []tlspkg.ApplicationProtocol{
					tlspkg.ApplicationProtocolHTTP2,
					tlspkg.ApplicationProtocolHTTP11,
				},
			},
			Observability: &ObservabilityConfig{
				Metrics: &MetricsConfig{
					Enabled: true,
					Address: DefaultMetricsAddress,
					Path:    DefaultMetricsPath,
				},
				Logging: &LoggingConfig{
					Level:  "info",
					Format: "json",
				},
			},
		},
	}
}

// UsesVault reports whether any configured material is read from Vault.
func (c *ProxyConfig) UsesVault() bool {
	for _, src := range c.sources() {
		if src != nil && src.Vault != nil {
			return true
		}
	}
	return false
}

// sources returns every SourceConfig in the TLS section, nil entries included.
func (c *ProxyConfig) sources() []*SourceConfig {
	var out []*SourceConfig

	addMaterial := func(m *MaterialConfig) {
		if m == nil {
			return
		}
		out = append(out, &m.PrivateKey, &m.CertChain, m.OCSP)
	}

	auth := c.Spec.TLS.ServerAuth
	addMaterial(auth.Static)
	if auth.CertIssuer != nil {
		addMaterial(auth.CertIssuer.Static)
	}
	if cv := c.Spec.TLS.ClientVerify; cv != nil {
		out = append(out, cv.Trust)
	}

	return out
}
