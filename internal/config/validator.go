package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/vyrodovalexey/avamitm/internal/address"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// HasErrors returns true if there are validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates proxy configuration. Key and certificate material is
// not decoded here; that happens when the acceptor is built.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateConfig validates a proxy configuration.
func ValidateConfig(config *ProxyConfig) error {
	v := NewValidator()
	return v.Validate(config)
}

// Validate validates the configuration and returns any errors.
func (v *Validator) Validate(config *ProxyConfig) error {
	v.errors = make(ValidationErrors, 0)

	if config == nil {
		v.addError("", "configuration is nil")
		return v.errors
	}

	v.validateRoot(config)
	v.validateMetadata(&config.Metadata)
	v.validateListener(&config.Spec.Listener, "spec.listener")
	v.validateTLS(&config.Spec.TLS, "spec.tls")

	if config.Spec.Observability != nil {
		v.validateObservability(config.Spec.Observability, "spec.observability")
	}

	v.validateVault(config)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// validateRoot validates root-level fields.
func (v *Validator) validateRoot(config *ProxyConfig) {
	if config.APIVersion == "" {
		v.addError("apiVersion", "apiVersion is required")
	} else if !strings.HasPrefix(config.APIVersion, "avamitm.io/") {
		v.addError("apiVersion", "apiVersion must start with 'avamitm.io/'")
	}

	if config.Kind == "" {
		v.addError("kind", "kind is required")
	} else if config.Kind != KindProxy {
		v.addError("kind", "kind must be '"+KindProxy+"'")
	}
}

// validateMetadata validates metadata fields.
func (v *Validator) validateMetadata(metadata *Metadata) {
	if metadata.Name == "" {
		v.addError("metadata.name", "name is required")
	}
}

func (v *Validator) validateListener(listener *ListenerConfig, path string) {
	if listener.Address == "" {
		v.addError(path+".address", "address is required")
	} else if _, _, err := net.SplitHostPort(listener.Address); err != nil {
		v.addError(path+".address", fmt.Sprintf("invalid address: %v", err))
	}

	if listener.DrainTimeout < 0 {
		v.addError(path+".drainTimeout", "drainTimeout must not be negative")
	}
}

func (v *Validator) validateTLS(cfg *TLSConfig, path string) {
	v.validateServerAuth(&cfg.ServerAuth, path+".serverAuth")

	for i, version := range cfg.ProtocolVersions {
		if !version.IsValid() {
			v.addError(fmt.Sprintf("%s.protocolVersions[%d]", path, i),
				fmt.Sprintf("unknown protocol version %q", version))
		}
	}

	for i, proto := range cfg.ALPN {
		if proto == "" || len(proto) > 255 {
			v.addError(fmt.Sprintf("%s.alpn[%d]", path, i), "protocol identifier must be 1 to 255 bytes")
		}
	}

	if cfg.ClientVerify != nil {
		v.validateClientVerify(cfg.ClientVerify, path+".clientVerify")
	}

	if cfg.KeyLog != nil {
		v.validateKeyLog(cfg.KeyLog, path+".keyLog")
	}
}

func (v *Validator) validateServerAuth(auth *ServerAuthConfig, path string) {
	set := 0
	if auth.SelfSigned != nil {
		set++
		v.validateSelfSigned(auth.SelfSigned, path+".selfSigned")
	}
	if auth.Static != nil {
		set++
		v.validateMaterial(auth.Static, path+".static")
	}
	if auth.CertIssuer != nil {
		set++
		v.validateCertIssuer(auth.CertIssuer, path+".certIssuer")
	}

	if set != 1 {
		v.addError(path, "exactly one of selfSigned, static or certIssuer is required")
	}
}

func (v *Validator) validateCertIssuer(issuer *CertIssuerConfig, path string) {
	switch {
	case issuer.SelfSigned != nil && issuer.Static != nil:
		v.addError(path, "selfSigned and static are mutually exclusive")
	case issuer.SelfSigned != nil:
		v.validateSelfSigned(issuer.SelfSigned, path+".selfSigned")
	case issuer.Static != nil:
		v.validateMaterial(issuer.Static, path+".static")
	default:
		v.addError(path, "one of selfSigned or static is required")
	}

	if issuer.MaxCacheSize < 0 {
		v.addError(path+".maxCacheSize", "maxCacheSize must not be negative")
	}
	if issuer.CacheTTL < 0 {
		v.addError(path+".cacheTTL", "cacheTTL must not be negative")
	}
	if f := issuer.Fallback; f != nil {
		if f.Rate < 0 {
			v.addError(path+".fallback.rate", "rate must not be negative")
		}
		if f.Burst < 0 {
			v.addError(path+".fallback.burst", "burst must not be negative")
		}
	}
}

func (v *Validator) validateSelfSigned(cfg *SelfSignedConfig, path string) {
	if cfg.CommonName != "" {
		if _, err := address.ParseHost(cfg.CommonName); err != nil {
			v.addError(path+".commonName", fmt.Sprintf("invalid host: %v", err))
		}
	}

	for i, name := range cfg.SubjectAlternativeNames {
		if _, err := address.ParseHost(name); err != nil {
			v.addError(fmt.Sprintf("%s.subjectAlternativeNames[%d]", path, i), fmt.Sprintf("invalid host: %v", err))
		}
	}
}

func (v *Validator) validateMaterial(m *MaterialConfig, path string) {
	v.validateSource(&m.PrivateKey, path+".privateKey")
	v.validateSource(&m.CertChain, path+".certChain")
	if m.OCSP != nil {
		v.validateSource(m.OCSP, path+".ocsp")
	}
}

func (v *Validator) validateSource(src *SourceConfig, path string) {
	set := 0
	if src.File != "" {
		set++
	}
	if src.PEM != "" {
		set++
	}
	if len(src.DER) > 0 {
		set++
		for i, doc := range src.DER {
			if _, err := base64.StdEncoding.DecodeString(doc); err != nil {
				v.addError(fmt.Sprintf("%s.der[%d]", path, i), "invalid base64")
			}
		}
	}
	if src.Vault != nil {
		set++
		if src.Vault.Path == "" {
			v.addError(path+".vault.path", "path is required")
		}
		if src.Vault.Field == "" {
			v.addError(path+".vault.field", "field is required")
		}
	}

	if set != 1 {
		v.addError(path, "exactly one of file, pem, der or vault is required")
	}
}

func (v *Validator) validateClientVerify(cv *ClientVerifyConfig, path string) {
	switch cv.Mode {
	case "", ClientVerifyModeAuto, ClientVerifyModeDisable:
		if cv.Trust != nil {
			v.addError(path+".trust", "trust is only used in clientAuth mode")
		}
	case ClientVerifyModeClientAuth:
		if cv.Trust == nil {
			v.addError(path+".trust", "trust is required in clientAuth mode")
			return
		}
		v.validateSource(cv.Trust, path+".trust")
	default:
		v.addError(path+".mode", fmt.Sprintf("unknown mode %q", cv.Mode))
	}
}

func (v *Validator) validateKeyLog(kl *KeyLogConfig, path string) {
	switch kl.Mode {
	case "", KeyLogModeDisabled, KeyLogModeEnvironment:
	case KeyLogModeFile:
		if kl.Path == "" {
			v.addError(path+".path", "path is required in file mode")
		}
	default:
		v.addError(path+".mode", fmt.Sprintf("unknown mode %q", kl.Mode))
	}
}

func (v *Validator) validateObservability(obs *ObservabilityConfig, path string) {
	if obs.Logging != nil {
		switch strings.ToLower(obs.Logging.Level) {
		case "", "debug", "info", "warn", "error":
		default:
			v.addError(path+".logging.level", fmt.Sprintf("unknown level %q", obs.Logging.Level))
		}
		switch obs.Logging.Format {
		case "", "json", "console":
		default:
			v.addError(path+".logging.format", fmt.Sprintf("unknown format %q", obs.Logging.Format))
		}
	}

	if obs.Metrics != nil && obs.Metrics.Enabled && obs.Metrics.Path != "" {
		switch {
		case !strings.HasPrefix(obs.Metrics.Path, "/"):
			v.addError(path+".metrics.path", "path must start with '/'")
		case slices.Contains(reservedMetricsPaths, obs.Metrics.Path):
			v.addError(path+".metrics.path", fmt.Sprintf("path %q is reserved for health probes", obs.Metrics.Path))
		}
	}

	if obs.Tracing != nil && (obs.Tracing.SamplingRate < 0 || obs.Tracing.SamplingRate > 1) {
		v.addError(path+".tracing.samplingRate", "samplingRate must be between 0 and 1")
	}
}

func (v *Validator) validateVault(config *ProxyConfig) {
	vc := config.Spec.Vault
	if config.UsesVault() && (vc == nil || !vc.Enabled) {
		v.addError("spec.vault", "vault must be enabled when material is read from vault")
	}

	if vc != nil {
		if err := vc.Validate(); err != nil {
			v.addError("spec.vault", err.Error())
		}
	}
}

// reservedMetricsPaths are served by the health handler on the metrics
// server.
var reservedMetricsPaths = []string{"/health", "/healthz", "/livez", "/readyz", "/ready"}

// addError adds a validation error.
func (v *Validator) addError(path, message string) {
	v.errors = append(v.errors, ValidationError{
		Path:    path,
		Message: message,
	})
}
