// Package server terminates client TLS connections with the certificate
// material of the current acceptor.
//
// An AcceptorHolder publishes one *tls.AcceptorData at a time. Every
// handshake reads the holder once, at ClientHello, so installing a new
// acceptor on configuration reload never disturbs handshakes in flight.
// After the handshake the connection is served by an http.Server
// (HTTP/1.1 or HTTP/2 by ALPN); NewInspectionHandler reports the
// negotiated session back to the client.
package server
