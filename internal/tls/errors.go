package tls

import (
	"errors"
	"fmt"
)

// Common sentinel errors for TLS certificate supply.
var (
	// ErrParse indicates malformed key or certificate input.
	ErrParse = errors.New("parse error")

	// ErrEmptyChain indicates that a certificate list decoded to no certificates.
	ErrEmptyChain = errors.New("empty certificate chain")

	// ErrCertificateKeyMismatch indicates that the certificate and key do not match.
	ErrCertificateKeyMismatch = errors.New("certificate and key do not match")

	// ErrIssuanceDisabled indicates that issuance was latched off after an
	// internal consistency violation.
	ErrIssuanceDisabled = errors.New("certificate issuance disabled")

	// ErrFallbackRateLimited indicates that a certificate for a handshake
	// without SNI was refused by the fallback throttle.
	ErrFallbackRateLimited = errors.New("no-SNI fallback rate limited")

	// ErrIssuerUnavailable indicates that the issuance circuit breaker is open.
	ErrIssuerUnavailable = errors.New("certificate issuer unavailable")

	// ErrUnsupportedEncoding indicates a data encoding variant that is not known.
	ErrUnsupportedEncoding = errors.New("unsupported data encoding")

	// ErrUnsupportedKeyType indicates a private key type that cannot sign.
	ErrUnsupportedKeyType = errors.New("unsupported private key type")

	// ErrMaterialNotChecked indicates that handshake material was used
	// before its key was checked against the leaf certificate.
	ErrMaterialNotChecked = errors.New("private key not checked against certificate")

	// ErrConfigInvalid indicates that the server configuration is invalid.
	ErrConfigInvalid = errors.New("invalid TLS server configuration")
)

// ParseError is returned when configured key or certificate material
// cannot be decoded. Field names the configuration field that failed.
type ParseError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("parse error at %s: %s: %v", e.Field, e.Message, e.Cause)
	}
	return fmt.Sprintf("parse error at %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ParseError) Is(target error) bool {
	if target == ErrParse {
		return true
	}
	_, ok := target.(*ParseError)
	return ok
}

// NewParseError creates a new ParseError.
func NewParseError(field, message string) *ParseError {
	return &ParseError{Field: field, Message: message}
}

// NewParseErrorWithCause creates a new ParseError with a cause.
func NewParseErrorWithCause(field, message string, cause error) *ParseError {
	return &ParseError{Field: field, Message: message, Cause: cause}
}

// ConfigurationError represents an invalid server configuration.
type ConfigurationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("TLS config error at %s: %s", e.Field, e.Message)
}

// Is checks if the error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigurationError)
	return ok
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}

// ConsistencyError is returned when a private key does not match the
// public key of the certificate it is paired with.
type ConsistencyError struct {
	Subject string
	Serial  string
}

// Error implements the error interface.
func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("private key does not match certificate %q (serial %s)", e.Subject, e.Serial)
}

// Is checks if the error matches the target.
func (e *ConsistencyError) Is(target error) bool {
	if target == ErrCertificateKeyMismatch {
		return true
	}
	_, ok := target.(*ConsistencyError)
	return ok
}

// IssueError is returned when material for a single handshake cannot be
// resolved. Host is empty for handshakes without SNI.
type IssueError struct {
	Host  string
	Cause error
}

// Error implements the error interface.
func (e *IssueError) Error() string {
	host := e.Host
	if host == "" {
		host = "<no SNI>"
	}
	return fmt.Sprintf("issue certificate for %s: %v", host, e.Cause)
}

// Unwrap returns the underlying error.
func (e *IssueError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *IssueError) Is(target error) bool {
	_, ok := target.(*IssueError)
	return ok
}

func newIssueError(host string, cause error) error {
	var issueErr *IssueError
	if errors.As(cause, &issueErr) {
		return cause
	}
	return &IssueError{Host: host, Cause: cause}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
