package tls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"slices"
)

// HandshakeMaterial is the certificate material and negotiation settings
// for one handshake. CheckPrivateKey must succeed before TLSCertificate
// hands the material out; changing the leaf or key resets the check.
type HandshakeMaterial struct {
	leaf    *x509.Certificate
	chain   []*x509.Certificate
	key     crypto.Signer
	checked bool
	ocsp    []byte

	clientTrust []*x509.Certificate
	alpn        []ApplicationProtocol
	versions    []ProtocolVersion
	keyLog      KeyLogIntent
}

// SetLeafCertificate sets the certificate presented to the client.
func (m *HandshakeMaterial) SetLeafCertificate(cert *x509.Certificate) {
	m.leaf = cert
	m.checked = false
}

// AppendChainCertificate appends an issuer certificate after the leaf.
func (m *HandshakeMaterial) AppendChainCertificate(cert *x509.Certificate) {
	m.chain = append(m.chain, cert)
}

// SetPrivateKey sets the key matching the leaf certificate.
func (m *HandshakeMaterial) SetPrivateKey(key crypto.Signer) {
	m.key = key
	m.checked = false
}

// CheckPrivateKey verifies that the private key matches the leaf certificate.
func (m *HandshakeMaterial) CheckPrivateKey() error {
	if err := checkKeyPair(m.key, m.leaf); err != nil {
		m.checked = false
		return err
	}
	m.checked = true
	return nil
}

// Leaf returns the leaf certificate.
func (m *HandshakeMaterial) Leaf() *x509.Certificate {
	return m.leaf
}

// Chain returns the leaf followed by its issuer certificates.
func (m *HandshakeMaterial) Chain() []*x509.Certificate {
	if m.leaf == nil {
		return slices.Clone(m.chain)
	}
	return append([]*x509.Certificate{m.leaf}, m.chain...)
}

// PrivateKey returns the private key.
func (m *HandshakeMaterial) PrivateKey() crypto.Signer {
	return m.key
}

// OCSPStaple returns the stapled OCSP response, if any.
func (m *HandshakeMaterial) OCSPStaple() []byte {
	return m.ocsp
}

// ClientTrust returns the trusted client CA certificates, or nil if client
// certificates are not requested.
func (m *HandshakeMaterial) ClientTrust() []*x509.Certificate {
	return m.clientTrust
}

// ALPN returns the offered application protocols in preference order.
func (m *HandshakeMaterial) ALPN() []ApplicationProtocol {
	return m.alpn
}

// ProtocolVersions returns the allowed protocol versions.
func (m *HandshakeMaterial) ProtocolVersions() []ProtocolVersion {
	return m.versions
}

// KeyLog returns the key log intent.
func (m *HandshakeMaterial) KeyLog() KeyLogIntent {
	return m.keyLog
}

// TLSCertificate converts the material for crypto/tls.
func (m *HandshakeMaterial) TLSCertificate() (*tls.Certificate, error) {
	if !m.checked {
		return nil, ErrMaterialNotChecked
	}

	chain := m.Chain()
	der := make([][]byte, 0, len(chain))
	for _, cert := range chain {
		der = append(der, cert.Raw)
	}

	return &tls.Certificate{
		Certificate: der,
		PrivateKey:  m.key,
		Leaf:        m.leaf,
		OCSPStaple:  m.ocsp,
	}, nil
}
