// Package tls supplies certificates to TLS handshakes terminated by the proxy.
//
// A declarative ServerConfig is translated once per configuration version
// into an immutable AcceptorData. For every accepted connection crypto/tls
// calls AcceptorData.GetCertificate, which resolves the handshake material
// from one of two certificate sources:
//
//   - StaticSource: a fixed key and chain, either configured or generated
//     at startup (self-signed mode)
//   - IssuingSource: a CA that signs one leaf per requested host
//
// # Server Auth Modes
//
//   - ServerAuthSelfSigned: generate a CA and one leaf, serve [leaf, CA]
//   - ServerAuthStatic: serve configured material; the key must match the leaf
//   - ServerAuthCertIssuer: issue per host from a generated (IssuerSelfSigned)
//     or configured (IssuerStatic) CA; for IssuerStatic the last certificate
//     of the chain is the CA
//
// Key and certificate material is accepted as DER, DERStack or PEM.
//
// # Issuance Cache
//
// Issued leaves are kept in an IssuanceCache keyed by host, for
// DefaultCacheTTL and up to DefaultCacheSize entries unless configured
// otherwise. Concurrent handshakes for the same uncached host share a single
// issuance. Failures are not cached.
//
// Handshakes without SNI get a fresh, uncached leaf named after the CA. This
// path is throttled by a token bucket (DefaultFallbackRate per second).
//
// # Example Usage
//
//	data, err := tls.Translate(&tls.ServerConfig{
//	    ServerAuth: tls.ServerAuthCertIssuer{
//	        Kind: tls.IssuerSelfSigned{Data: tls.SelfSignedData{
//	            OrganisationName: "Acme",
//	            CommonName:       "proxy.local",
//	        }},
//	    },
//	    ALPN: []tls.ApplicationProtocol{tls.ApplicationProtocolHTTP2, tls.ApplicationProtocolHTTP11},
//	}, tls.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer data.Close()
//
//	tlsConfig, err := data.TLSConfig()
//	if err != nil {
//	    return err
//	}
//	listener := tls.NewListener(inner, tlsConfig)
//
// # Metrics
//
//   - avamitm_tls_certificates_issued_total: issued leaves by kind and result
//   - avamitm_tls_issuance_duration_seconds: issuance latency
//   - avamitm_tls_cache_requests_total: cache lookups by result
//   - avamitm_tls_cache_evictions_total: evicted cache entries
//   - avamitm_tls_cache_entries: cached leaves
//   - avamitm_tls_materialize_errors_total: handshakes without a certificate by reason
//   - avamitm_tls_certificate_expiry_seconds: time until static or CA certificate expiry
package tls
