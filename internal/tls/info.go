package tls

import (
	"crypto/x509"
)

// CertificateInfo contains metadata about a certificate.
type CertificateInfo struct {
	Subject      string   `json:"subject"`
	Issuer       string   `json:"issuer"`
	SerialNumber string   `json:"serialNumber"`
	NotBefore    string   `json:"notBefore"`
	NotAfter     string   `json:"notAfter"`
	DNSNames     []string `json:"dnsNames,omitempty"`
	IPAddresses  []string `json:"ipAddresses,omitempty"`
	IsCA         bool     `json:"isCA"`
}

// ExtractCertificateInfo extracts metadata from a certificate.
func ExtractCertificateInfo(cert *x509.Certificate) *CertificateInfo {
	if cert == nil {
		return nil
	}

	info := &CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore.UTC().Format("2006-01-02T15:04:05Z"),
		NotAfter:     cert.NotAfter.UTC().Format("2006-01-02T15:04:05Z"),
		IsCA:         cert.IsCA,
	}

	if len(cert.DNSNames) > 0 {
		info.DNSNames = make([]string, len(cert.DNSNames))
		copy(info.DNSNames, cert.DNSNames)
	}

	if len(cert.IPAddresses) > 0 {
		info.IPAddresses = make([]string, len(cert.IPAddresses))
		for i, ip := range cert.IPAddresses {
			info.IPAddresses[i] = ip.String()
		}
	}

	return info
}

// AcceptorInfo is a snapshot of an acceptor for inspection endpoints and logs.
type AcceptorInfo struct {
	Source           SourceKind       `json:"source"`
	Leaf             *CertificateInfo `json:"leaf,omitempty"`
	CA               *CertificateInfo `json:"ca,omitempty"`
	CacheEntries     int              `json:"cacheEntries"`
	IssuanceDisabled bool             `json:"issuanceDisabled"`
	ALPN             []string         `json:"alpn,omitempty"`
	ProtocolVersions []string         `json:"protocolVersions,omitempty"`
	ClientAuth       bool             `json:"clientAuth"`
	KeyLog           string           `json:"keyLog"`
}
