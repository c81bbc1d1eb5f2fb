package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/vyrodovalexey/avamitm/internal/address"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// Materialize error reasons used as metric labels.
const (
	reasonRateLimited = "fallback_rate_limited"
	reasonDisabled    = "issuance_disabled"
	reasonUnavailable = "issuer_unavailable"
	reasonMismatch    = "key_mismatch"
	reasonCanceled    = "canceled"
	reasonIssue       = "issue_failed"
)

// acceptorConfig is built once by Translate and never modified.
type acceptorConfig struct {
	source      CertificateSource
	alpn        []ApplicationProtocol
	keyLog      KeyLogIntent
	versions    []ProtocolVersion
	clientTrust []*x509.Certificate
}

// AcceptorData supplies handshake material for every connection accepted
// with one configuration version. It is safe for concurrent use.
type AcceptorData struct {
	config  *acceptorConfig
	logger  observability.Logger
	metrics MetricsRecorder

	keyLogMu sync.Mutex
	keyLog   io.WriteCloser
}

// Source returns the certificate source.
func (d *AcceptorData) Source() CertificateSource {
	return d.config.source
}

// Materialize resolves the certificate material for a handshake that
// requested host. The zero host means the client sent no SNI.
func (d *AcceptorData) Materialize(ctx context.Context, host address.Host) (*HandshakeMaterial, error) {
	m := &HandshakeMaterial{
		clientTrust: slices.Clone(d.config.clientTrust),
		alpn:        slices.Clone(d.config.alpn),
		versions:    slices.Clone(d.config.versions),
		keyLog:      d.config.keyLog,
	}

	switch src := d.config.source.(type) {
	case *StaticSource:
		m.SetLeafCertificate(src.chain[0])
		for _, cert := range src.chain[1:] {
			m.AppendChainCertificate(cert)
		}
		m.SetPrivateKey(src.key)
		m.ocsp = src.ocsp

	case *IssuingSource:
		issued, err := src.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		m.SetLeafCertificate(issued.Leaf)
		m.AppendChainCertificate(src.caCert)
		m.SetPrivateKey(issued.Key)

	default:
		return nil, newIssueError(host.String(), fmt.Errorf("unsupported certificate source %T", src))
	}

	if err := m.CheckPrivateKey(); err != nil {
		d.logger.Error("handshake material failed key check",
			observability.String("host", host.String()),
			observability.Error(err),
		)
		return nil, newIssueError(host.String(), err)
	}

	return m, nil
}

// GetCertificate is a crypto/tls GetCertificate callback. An SNI value that
// is not a valid host is treated as absent.
func (d *AcceptorData) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	var host address.Host
	if hello.ServerName != "" {
		h, err := address.ParseHost(hello.ServerName)
		if err != nil {
			d.logger.Warn("ignoring invalid SNI",
				observability.String("serverName", hello.ServerName),
				observability.Error(err),
			)
		} else {
			host = h
		}
	}

	ctx := hello.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := d.Materialize(ctx, host)
	if err != nil {
		d.metrics.RecordMaterializeError(materializeErrorReason(err))
		d.logger.Debug("no certificate for handshake",
			observability.String("serverName", hello.ServerName),
			observability.Error(err),
		)
		return nil, err
	}

	return m.TLSCertificate()
}

// TLSConfig builds a server *tls.Config backed by GetCertificate. When the
// key log intent names a file it is opened for appending and kept open
// until Close.
func (d *AcceptorData) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		GetCertificate: d.GetCertificate,
		NextProtos:     make([]string, 0, len(d.config.alpn)),
		MinVersion:     tls.VersionTLS12,
	}

	for _, p := range d.config.alpn {
		cfg.NextProtos = append(cfg.NextProtos, string(p))
	}

	if minVersion, maxVersion := versionRange(d.config.versions); minVersion != 0 {
		cfg.MinVersion = minVersion
		cfg.MaxVersion = maxVersion
	}

	if len(d.config.clientTrust) > 0 {
		pool := x509.NewCertPool()
		for _, cert := range d.config.clientTrust {
			pool.AddCert(cert)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	w, err := d.keyLogWriter()
	if err != nil {
		return nil, err
	}
	if w != nil {
		cfg.KeyLogWriter = w
		d.logger.Warn("TLS key logging enabled, session secrets are written to disk")
	}

	return cfg, nil
}

func (d *AcceptorData) keyLogWriter() (io.Writer, error) {
	d.keyLogMu.Lock()
	defer d.keyLogMu.Unlock()

	if d.keyLog != nil {
		return d.keyLog, nil
	}

	w, err := OpenKeyLog(d.config.keyLog)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, nil
	}

	d.keyLog = w
	return w, nil
}

// Close releases the key log file, if one was opened.
func (d *AcceptorData) Close() error {
	d.keyLogMu.Lock()
	defer d.keyLogMu.Unlock()

	if d.keyLog == nil {
		return nil
	}
	err := d.keyLog.Close()
	d.keyLog = nil
	return err
}

// Info returns a snapshot describing the acceptor.
func (d *AcceptorData) Info() AcceptorInfo {
	info := AcceptorInfo{
		Source:     d.config.source.Kind(),
		ClientAuth: len(d.config.clientTrust) > 0,
		KeyLog:     d.config.keyLog.Mode.String(),
	}

	for _, p := range d.config.alpn {
		info.ALPN = append(info.ALPN, string(p))
	}
	for _, v := range d.config.versions {
		info.ProtocolVersions = append(info.ProtocolVersions, v.String())
	}

	switch src := d.config.source.(type) {
	case *StaticSource:
		info.Leaf = ExtractCertificateInfo(src.Leaf())
		if len(src.chain) > 1 {
			info.CA = ExtractCertificateInfo(src.chain[len(src.chain)-1])
		}
	case *IssuingSource:
		info.CA = ExtractCertificateInfo(src.caCert)
		info.CacheEntries = src.cache.Len()
		info.IssuanceDisabled = src.Disabled()
	}

	return info
}

func materializeErrorReason(err error) string {
	switch {
	case errors.Is(err, ErrFallbackRateLimited):
		return reasonRateLimited
	case errors.Is(err, ErrIssuanceDisabled):
		return reasonDisabled
	case errors.Is(err, ErrIssuerUnavailable):
		return reasonUnavailable
	case errors.Is(err, ErrCertificateKeyMismatch):
		return reasonMismatch
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return reasonCanceled
	default:
		return reasonIssue
	}
}
