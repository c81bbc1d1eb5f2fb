package certgen

import (
	"errors"
	"fmt"
)

// Sentinel errors for factory failures.
var (
	// ErrKeyGeneration indicates that a keypair could not be generated.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrCertificateBuild indicates that a certificate could not be built or signed.
	ErrCertificateBuild = errors.New("certificate build failed")

	// ErrUnsupportedKeyType indicates a signing key type the factory cannot use.
	ErrUnsupportedKeyType = errors.New("unsupported key type")

	// ErrIssuerMissing indicates that no CA certificate or key was supplied.
	ErrIssuerMissing = errors.New("issuer certificate or key missing")
)

// KeyGenError is returned when generating a keypair fails.
type KeyGenError struct {
	Step  string
	Cause error
}

// Error implements the error interface.
func (e *KeyGenError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("key generation failed: %s: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("key generation failed: %s", e.Step)
}

// Unwrap returns the underlying error.
func (e *KeyGenError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *KeyGenError) Is(target error) bool {
	if target == ErrKeyGeneration {
		return true
	}
	_, ok := target.(*KeyGenError)
	return ok
}

// CertBuildError is returned when building, encoding or signing a certificate fails.
type CertBuildError struct {
	Step  string
	Cause error
}

// Error implements the error interface.
func (e *CertBuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("certificate build failed: %s: %v", e.Step, e.Cause)
	}
	return fmt.Sprintf("certificate build failed: %s", e.Step)
}

// Unwrap returns the underlying error.
func (e *CertBuildError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *CertBuildError) Is(target error) bool {
	if target == ErrCertificateBuild {
		return true
	}
	_, ok := target.(*CertBuildError)
	return ok
}

func keyGenError(step string, cause error) error {
	return &KeyGenError{Step: step, Cause: cause}
}

func certBuildError(step string, cause error) error {
	return &CertBuildError{Step: step, Cause: cause}
}
