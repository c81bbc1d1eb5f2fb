// Package certgen builds the CA and leaf X.509 certificates used for TLS
// interception. It holds no state beyond its options and performs no I/O.
package certgen

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"time"

	"github.com/vyrodovalexey/avamitm/internal/address"
)

// Defaults for generated certificates.
const (
	// DefaultKeyBits is the RSA modulus size of generated keys.
	DefaultKeyBits = 4096

	// DefaultValidity is the lifetime of generated certificates.
	DefaultValidity = 90 * 24 * time.Hour

	// DefaultOrganization is used when no organization name is given.
	DefaultOrganization = "Anonymous"
)

// Subject describes the naming of a certificate to generate.
type Subject struct {
	// Organization is the subject O attribute. Defaults to DefaultOrganization.
	Organization string

	// CommonName is the subject CN and the first subject alternative name.
	// The zero Host means address.Localhost.
	CommonName address.Host

	// AltNames are additional subject alternative names.
	AltNames []address.Host
}

func (s Subject) organization() string {
	if s.Organization == "" {
		return DefaultOrganization
	}
	return s.Organization
}

func (s Subject) commonName() address.Host {
	if s.CommonName.IsZero() {
		return address.Localhost
	}
	return s.CommonName
}

func (s Subject) pkixName() pkix.Name {
	return pkix.Name{
		Organization: []string{s.organization()},
		CommonName:   s.commonName().String(),
	}
}

// Factory generates CA and leaf certificates.
type Factory struct {
	keyBits  int
	validity time.Duration
	now      func() time.Time
}

// Option is a functional option for configuring the Factory.
type Option func(*Factory)

// WithKeyBits sets the RSA modulus size of generated keys.
func WithKeyBits(bits int) Option {
	return func(f *Factory) {
		f.keyBits = bits
	}
}

// WithValidity sets the lifetime of generated certificates.
func WithValidity(d time.Duration) Option {
	return func(f *Factory) {
		f.validity = d
	}
}

// WithClock sets the time source for the validity window.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) {
		f.now = now
	}
}

// New creates a new Factory.
func New(opts ...Option) *Factory {
	f := &Factory{
		keyBits:  DefaultKeyBits,
		validity: DefaultValidity,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Validity returns the lifetime of certificates generated by the factory.
func (f *Factory) Validity() time.Duration {
	return f.validity
}

// GenerateCA creates a fresh self-signed CA certificate and its RSA key.
func (f *Factory) GenerateCA(subject Subject) (*x509.Certificate, crypto.Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, f.keyBits)
	if err != nil {
		return nil, nil, keyGenError("generate CA RSA key", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, certBuildError("generate CA serial number", err)
	}

	ski, err := keyIdentifier(key.Public())
	if err != nil {
		return nil, nil, certBuildError("compute CA subject key identifier", err)
	}

	notBefore := f.now()
	name := subject.pkixName()

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		Issuer:                name,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(f.validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, nil, certBuildError("sign CA certificate", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, certBuildError("parse CA certificate", err)
	}

	return cert, key, nil
}

// GenerateLeaf creates a fresh RSA key and a server certificate for it,
// signed by caKey and naming caCert as issuer.
func (f *Factory) GenerateLeaf(
	subject Subject,
	caCert *x509.Certificate,
	caKey crypto.Signer,
) (*x509.Certificate, crypto.Signer, error) {
	if caCert == nil || caKey == nil {
		return nil, nil, certBuildError("load issuer", ErrIssuerMissing)
	}

	sigAlg, err := signatureAlgorithm(caKey.Public())
	if err != nil {
		return nil, nil, certBuildError("select signature algorithm", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, f.keyBits)
	if err != nil {
		return nil, nil, keyGenError("generate leaf RSA key", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, certBuildError("generate leaf serial number", err)
	}

	ski, err := keyIdentifier(key.Public())
	if err != nil {
		return nil, nil, certBuildError("compute leaf subject key identifier", err)
	}

	aki := caCert.SubjectKeyId
	if len(aki) == 0 {
		aki, err = keyIdentifier(caCert.PublicKey)
		if err != nil {
			return nil, nil, certBuildError("compute authority key identifier", err)
		}
	}

	notBefore := f.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject.pkixName(),
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(f.validity),
		KeyUsage:              x509.KeyUsageContentCommitment | x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		AuthorityKeyId:        aki,
		SignatureAlgorithm:    sigAlg,
	}
	addAltNames(template, subject)

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, key.Public(), caKey)
	if err != nil {
		return nil, nil, certBuildError("sign leaf certificate", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, certBuildError("parse leaf certificate", err)
	}

	return cert, key, nil
}

// addAltNames places the common name followed by the extra names into the
// SAN extension, as DNS or IP entries depending on the host kind.
func addAltNames(template *x509.Certificate, subject Subject) {
	seen := make(map[address.Host]struct{}, len(subject.AltNames)+1)
	hosts := append([]address.Host{subject.commonName()}, subject.AltNames...)

	for _, h := range hosts {
		if h.IsZero() {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}

		if h.IsIP() {
			template.IPAddresses = append(template.IPAddresses, net.IP(h.Addr().AsSlice()))
			continue
		}
		template.DNSNames = append(template.DNSNames, h.Name())
	}
}
