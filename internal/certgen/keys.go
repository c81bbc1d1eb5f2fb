package certgen

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // RFC 5280 section 4.2.1.2 method (1) key identifier
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// serialBits is the size of random certificate serial numbers. It stays
// below 160 bits so the DER INTEGER never exceeds 20 octets.
const serialBits = 159

// randomSerial returns a non-zero random serial number of serialBits bits.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	for {
		serial, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, err
		}
		if serial.Sign() > 0 {
			return serial, nil
		}
	}
}

// keyIdentifier computes the SHA-1 hash of the subjectPublicKey BIT STRING.
func keyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	spkiDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	var spki struct {
		Algorithm        asn1.RawValue
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spkiDER, &spki); err != nil {
		return nil, fmt.Errorf("unmarshal public key: %w", err)
	}

	sum := sha1.Sum(spki.SubjectPublicKey.Bytes) //nolint:gosec // key identifier, not a signature
	return sum[:], nil
}

// signatureAlgorithm returns the SHA-256 based signature algorithm for a signing key.
func signatureAlgorithm(pub crypto.PublicKey) (x509.SignatureAlgorithm, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return x509.SHA256WithRSA, nil
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256, nil
	case ed25519.PublicKey:
		return x509.PureEd25519, nil
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, pub)
	}
}

// KeyMatchesCertificate reports whether the public half of key is the
// public key certified by cert.
func KeyMatchesCertificate(key crypto.Signer, cert *x509.Certificate) bool {
	if key == nil || cert == nil || cert.PublicKey == nil {
		return false
	}

	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}
