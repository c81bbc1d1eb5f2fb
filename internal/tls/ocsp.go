package tls

import (
	"crypto/x509"
	"fmt"

	"golang.org/x/crypto/ocsp"
)

// checkOCSPStaple parses an OCSP response and checks that it covers leaf.
// When issuer is known the response signature is verified against it.
func checkOCSPStaple(field string, raw []byte, leaf, issuer *x509.Certificate) error {
	var (
		resp *ocsp.Response
		err  error
	)

	if issuer != nil {
		resp, err = ocsp.ParseResponseForCert(raw, leaf, issuer)
	} else {
		resp, err = ocsp.ParseResponse(raw, nil)
	}
	if err != nil {
		return NewParseErrorWithCause(field, "invalid OCSP response", err)
	}

	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(leaf.SerialNumber) != 0 {
		return NewParseError(field,
			fmt.Sprintf("OCSP response is for serial %v, not leaf serial %v", resp.SerialNumber, leaf.SerialNumber))
	}

	if resp.Status == ocsp.Revoked {
		return NewParseError(field, "OCSP response reports the leaf certificate as revoked")
	}

	return nil
}
