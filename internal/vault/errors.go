// Package vault reads TLS key and certificate material from the HashiCorp
// Vault KV v2 secrets engine.
package vault

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors for Vault operations.
var (
	// ErrVaultDisabled indicates Vault integration is disabled.
	ErrVaultDisabled = errors.New("vault: integration disabled")

	// ErrNotAuthenticated indicates the client is not authenticated.
	ErrNotAuthenticated = errors.New("vault: client not authenticated")

	// ErrAuthenticationFailed indicates authentication failed.
	ErrAuthenticationFailed = errors.New("vault: authentication failed")

	// ErrSecretNotFound indicates the secret was not found.
	ErrSecretNotFound = errors.New("vault: secret not found")

	// ErrFieldNotFound indicates the secret has no such field.
	ErrFieldNotFound = errors.New("vault: secret field not found")

	// ErrInvalidPath indicates an invalid secret path.
	ErrInvalidPath = errors.New("vault: invalid secret path")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("vault: invalid configuration")
)

// VaultError represents a Vault-specific error with additional context.
type VaultError struct {
	Op   string // Operation that failed
	Path string // Secret path if applicable
	Err  error  // Underlying error
	Code int    // HTTP status code if applicable
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("vault %s on path %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("vault %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *VaultError) Unwrap() error {
	return e.Err
}

// NewVaultError creates a new VaultError.
func NewVaultError(op, path string, err error) *VaultError {
	return &VaultError{Op: op, Path: path, Err: err}
}

// IsRetryable returns true for server errors, rate limiting and transport
// failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		if vaultErr.Code >= http.StatusInternalServerError || vaultErr.Code == http.StatusTooManyRequests {
			return true
		}
		// A zero code means the request never got a response.
		return vaultErr.Code == 0 &&
			!errors.Is(err, ErrSecretNotFound) &&
			!errors.Is(err, ErrFieldNotFound) &&
			!errors.Is(err, ErrInvalidPath)
	}

	return false
}

// IsAuthError returns true if the error is an authentication error.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrAuthenticationFailed) {
		return true
	}

	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		return vaultErr.Code == http.StatusUnauthorized || vaultErr.Code == http.StatusForbidden
	}

	return false
}

// ConfigurationError represents a configuration error.
type ConfigurationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("vault configuration error: %s: %s", e.Field, e.Message)
	}
	return "vault configuration error: " + e.Message
}

// Is checks if the error matches the target.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(field, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: message}
}
