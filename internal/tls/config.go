package tls

import (
	"crypto/tls"
	"time"
)

// Issuance defaults.
const (
	// DefaultCacheTTL is how long an issued leaf certificate is reused.
	DefaultCacheTTL = 89 * 24 * time.Hour

	// DefaultCacheSize is the issuance cache capacity used when none is configured.
	DefaultCacheSize = 8096

	// DefaultFallbackRate is the number of no-SNI certificates issued per second.
	DefaultFallbackRate = 5.0

	// DefaultFallbackBurst is the burst size of the no-SNI fallback throttle.
	DefaultFallbackBurst = 10

	// keyLogEnvVar names the file the environment key-log mode writes to.
	keyLogEnvVar = "SSLKEYLOGFILE"
)

// ProtocolVersion represents a TLS protocol version.
type ProtocolVersion string

// Protocol version constants.
const (
	// ProtocolVersionTLS10 represents TLS 1.0.
	ProtocolVersionTLS10 ProtocolVersion = "TLS10"

	// ProtocolVersionTLS11 represents TLS 1.1.
	ProtocolVersionTLS11 ProtocolVersion = "TLS11"

	// ProtocolVersionTLS12 represents TLS 1.2.
	ProtocolVersionTLS12 ProtocolVersion = "TLS12"

	// ProtocolVersionTLS13 represents TLS 1.3.
	ProtocolVersionTLS13 ProtocolVersion = "TLS13"
)

// String returns the string representation of the protocol version.
func (v ProtocolVersion) String() string {
	return string(v)
}

// IsValid returns true if the protocol version is known.
func (v ProtocolVersion) IsValid() bool {
	return v.ToTLSVersion() != 0
}

// ToTLSVersion converts to the crypto/tls version constant, or 0 if unknown.
func (v ProtocolVersion) ToTLSVersion() uint16 {
	switch v {
	case ProtocolVersionTLS10:
		return tls.VersionTLS10
	case ProtocolVersionTLS11:
		return tls.VersionTLS11
	case ProtocolVersionTLS12:
		return tls.VersionTLS12
	case ProtocolVersionTLS13:
		return tls.VersionTLS13
	default:
		return 0
	}
}

// IsLegacy returns true if the protocol version is deprecated.
func (v ProtocolVersion) IsLegacy() bool {
	return v == ProtocolVersionTLS10 || v == ProtocolVersionTLS11
}

// ApplicationProtocol is an ALPN protocol identifier.
type ApplicationProtocol string

// Well known application protocols.
const (
	ApplicationProtocolHTTP2  ApplicationProtocol = "h2"
	ApplicationProtocolHTTP11 ApplicationProtocol = "http/1.1"
)

// DataEncoding is encoded key or certificate material. It is one of DER,
// DERStack or PEM.
type DataEncoding interface {
	isDataEncoding()
}

// DER is a single raw DER document.
type DER []byte

// DERStack is an ordered list of raw DER documents. For keys only the first
// element is used; for chains all elements are used, leaf first.
type DERStack [][]byte

// PEM is text holding one or more concatenated PEM blocks.
type PEM string

func (DER) isDataEncoding()      {}
func (DERStack) isDataEncoding() {}
func (PEM) isDataEncoding()      {}

// SelfSignedData names a generated certificate.
type SelfSignedData struct {
	// OrganisationName defaults to "Anonymous".
	OrganisationName string

	// CommonName is a domain name or IP literal. Defaults to "localhost".
	CommonName string

	// SubjectAlternativeNames are extra domain names or IP literals.
	SubjectAlternativeNames []string
}

// ServerAuthData is administrator-supplied key and certificate material.
// The private key must match the first certificate of the chain.
type ServerAuthData struct {
	PrivateKey DataEncoding
	CertChain  DataEncoding

	// OCSP is an optional DER encoded OCSP response stapled to handshakes.
	OCSP []byte
}

// ServerAuth selects how the server certificate is obtained. It is one of
// ServerAuthSelfSigned, ServerAuthStatic or ServerAuthCertIssuer.
type ServerAuth interface {
	isServerAuth()
}

// ServerAuthSelfSigned generates a CA and one leaf at startup and serves
// that leaf for every handshake.
type ServerAuthSelfSigned struct {
	Data SelfSignedData
}

// ServerAuthStatic serves a fixed key and chain.
type ServerAuthStatic struct {
	Data ServerAuthData
}

// ServerAuthCertIssuer issues a leaf per requested host, signed by a CA.
type ServerAuthCertIssuer struct {
	Kind CertIssuerKind

	// MaxCacheSize bounds the number of cached leaves. Zero means DefaultCacheSize.
	MaxCacheSize int

	// CacheTTL is how long an issued leaf is reused. Zero means DefaultCacheTTL.
	CacheTTL time.Duration

	// Fallback throttles issuance for handshakes without SNI. Nil means
	// DefaultFallbackRate and DefaultFallbackBurst.
	Fallback *FallbackLimit
}

func (ServerAuthSelfSigned) isServerAuth() {}
func (ServerAuthStatic) isServerAuth()     {}
func (ServerAuthCertIssuer) isServerAuth() {}

// FallbackLimit is a token bucket for no-SNI issuance. A zero Rate
// disables the fallback so handshakes without SNI fail.
type FallbackLimit struct {
	Rate  float64
	Burst int
}

// CertIssuerKind selects the CA used by ServerAuthCertIssuer. It is one of
// IssuerSelfSigned or IssuerStatic.
type CertIssuerKind interface {
	isCertIssuerKind()
}

// IssuerSelfSigned generates the CA at startup.
type IssuerSelfSigned struct {
	Data SelfSignedData
}

// IssuerStatic loads the CA from configured material. The last certificate
// of the chain is the CA.
type IssuerStatic struct {
	Data ServerAuthData
}

func (IssuerSelfSigned) isCertIssuerKind() {}
func (IssuerStatic) isCertIssuerKind()     {}

// ClientVerifyMode selects client certificate verification. A nil mode is
// ClientVerifyAuto.
type ClientVerifyMode interface {
	isClientVerifyMode()
}

// ClientVerifyAuto requests no client certificate.
type ClientVerifyAuto struct{}

// ClientVerifyDisable requests no client certificate.
type ClientVerifyDisable struct{}

// ClientVerifyClientAuth requires a client certificate issued by one of Trust.
type ClientVerifyClientAuth struct {
	Trust DataEncoding
}

func (ClientVerifyAuto) isClientVerifyMode()       {}
func (ClientVerifyDisable) isClientVerifyMode()    {}
func (ClientVerifyClientAuth) isClientVerifyMode() {}

// KeyLogMode selects where TLS session secrets are written.
type KeyLogMode int

// Key log modes.
const (
	// KeyLogDisabled writes no secrets.
	KeyLogDisabled KeyLogMode = iota

	// KeyLogEnvironment writes to the file named by SSLKEYLOGFILE, if set.
	KeyLogEnvironment

	// KeyLogFile writes to KeyLogIntent.Path.
	KeyLogFile
)

// String returns the string representation of the key log mode.
func (m KeyLogMode) String() string {
	switch m {
	case KeyLogEnvironment:
		return "environment"
	case KeyLogFile:
		return "file"
	default:
		return "disabled"
	}
}

// KeyLogIntent records where secrets should be logged. It is carried to the
// handshake adapter; nothing in the certificate path opens the file.
type KeyLogIntent struct {
	Mode KeyLogMode
	Path string
}

// ResolvePath returns the file to append secrets to, or "" if none.
func (k KeyLogIntent) ResolvePath(getenv func(string) string) string {
	switch k.Mode {
	case KeyLogEnvironment:
		return getenv(keyLogEnvVar)
	case KeyLogFile:
		return k.Path
	default:
		return ""
	}
}

// ServerConfig is the declarative TLS server configuration.
type ServerConfig struct {
	// ServerAuth is required.
	ServerAuth ServerAuth

	// ProtocolVersions restricts the offered versions. Empty means the
	// crypto/tls defaults.
	ProtocolVersions []ProtocolVersion

	// ALPN is the ordered list of protocols offered to clients.
	ALPN []ApplicationProtocol

	// ClientVerifyMode defaults to ClientVerifyAuto.
	ClientVerifyMode ClientVerifyMode

	// KeyLogger defaults to KeyLogDisabled.
	KeyLogger KeyLogIntent
}

// Validate checks the structural parts of the configuration that do not
// require decoding material.
func (c *ServerConfig) Validate() error {
	if c == nil || c.ServerAuth == nil {
		return NewConfigurationError("serverAuth", "server auth is required")
	}

	for _, v := range c.ProtocolVersions {
		if !v.IsValid() {
			return NewConfigurationError("protocolVersions", "unknown protocol version "+string(v))
		}
	}

	for _, p := range c.ALPN {
		if p == "" || len(p) > 255 {
			return NewConfigurationError("alpn", "protocol identifier must be 1 to 255 bytes")
		}
	}

	if issuer, ok := c.ServerAuth.(ServerAuthCertIssuer); ok {
		if issuer.Kind == nil {
			return NewConfigurationError("serverAuth.certIssuer", "issuer kind is required")
		}
		if issuer.MaxCacheSize < 0 {
			return NewConfigurationError("serverAuth.certIssuer.maxCacheSize", "must not be negative")
		}
		if issuer.CacheTTL < 0 {
			return NewConfigurationError("serverAuth.certIssuer.cacheTTL", "must not be negative")
		}
		if f := issuer.Fallback; f != nil && (f.Rate < 0 || f.Burst < 0) {
			return NewConfigurationError("serverAuth.certIssuer.fallback", "rate and burst must not be negative")
		}
	}

	if c.KeyLogger.Mode == KeyLogFile && c.KeyLogger.Path == "" {
		return NewConfigurationError("keyLogger.path", "path is required in file mode")
	}

	return nil
}

// versionRange returns the lowest and highest configured versions, or zeros
// when no versions are configured.
func versionRange(versions []ProtocolVersion) (minVersion, maxVersion uint16) {
	for _, v := range versions {
		tv := v.ToTLSVersion()
		if tv == 0 {
			continue
		}
		if minVersion == 0 || tv < minVersion {
			minVersion = tv
		}
		if tv > maxVersion {
			maxVersion = tv
		}
	}
	return minVersion, maxVersion
}
