package tls

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var pemBeginMarker = []byte("-----BEGIN")

// decodeCertificates decodes a certificate list. DER yields one
// certificate, DERStack and PEM yield every certificate in order. A PEM
// block that cannot be decoded fails the whole list.
func decodeCertificates(field string, enc DataEncoding) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	switch e := enc.(type) {
	case DER:
		cert, err := x509.ParseCertificate(e)
		if err != nil {
			return nil, NewParseErrorWithCause(field, "invalid DER certificate", err)
		}
		certs = append(certs, cert)

	case DERStack:
		for i, der := range e {
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, NewParseErrorWithCause(field,
					fmt.Sprintf("invalid DER certificate at index %d", i), err)
			}
			certs = append(certs, cert)
		}

	case PEM:
		rest := []byte(e)
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				if bytes.Contains(rest, pemBeginMarker) {
					return nil, NewParseError(field,
						fmt.Sprintf("invalid PEM block at index %d", len(certs)))
				}
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}

			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, NewParseErrorWithCause(field,
					fmt.Sprintf("invalid PEM certificate at index %d", len(certs)), err)
			}
			certs = append(certs, cert)
		}

	case nil:
		return nil, NewParseError(field, "value is required")

	default:
		return nil, NewParseErrorWithCause(field, fmt.Sprintf("encoding %T", enc), ErrUnsupportedEncoding)
	}

	if len(certs) == 0 {
		return nil, NewParseErrorWithCause(field, "no certificates found", ErrEmptyChain)
	}

	return certs, nil
}

// decodePrivateKey decodes a private key. DERStack uses its first element;
// PEM uses the first block whose type ends in "PRIVATE KEY".
func decodePrivateKey(field string, enc DataEncoding) (crypto.Signer, error) {
	var der []byte

	switch e := enc.(type) {
	case DER:
		der = e

	case DERStack:
		if len(e) == 0 {
			return nil, NewParseError(field, "no private key found")
		}
		der = e[0]

	case PEM:
		rest := []byte(e)
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if strings.HasSuffix(block.Type, "PRIVATE KEY") {
				der = block.Bytes
				break
			}
		}
		if der == nil {
			return nil, NewParseError(field, "no private key found in PEM data")
		}

	case nil:
		return nil, NewParseError(field, "value is required")

	default:
		return nil, NewParseErrorWithCause(field, fmt.Sprintf("encoding %T", enc), ErrUnsupportedEncoding)
	}

	key, err := parsePrivateKeyDER(der)
	if err != nil {
		return nil, NewParseErrorWithCause(field, "invalid private key", err)
	}

	return key, nil
}

// parsePrivateKeyDER accepts PKCS#8, PKCS#1 and SEC 1 encodings.
func parsePrivateKeyDER(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyType, key)
		}
		return signer, nil
	}

	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}

	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}

	return nil, errors.New("not a PKCS#8, PKCS#1 or SEC 1 private key")
}
