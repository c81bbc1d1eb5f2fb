package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamitm/internal/address"
)

func TestAcceptorData_GetCertificate_Issuing(t *testing.T) {
	t.Parallel()

	d, src := translateIssuer(t, newCountingFactory(), ServerAuthCertIssuer{})

	cert, err := d.GetCertificate(&tls.ClientHelloInfo{ServerName: "Example.COM"})
	require.NoError(t, err)

	require.Len(t, cert.Certificate, 2)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, []string{"example.com"}, cert.Leaf.DNSNames)
	assert.Equal(t, src.CA().Raw, cert.Certificate[1])
	assert.NotNil(t, cert.PrivateKey)
	assert.Equal(t, 1, src.Cache().Len())
}

func TestAcceptorData_GetCertificate_InvalidSNIUsesFallback(t *testing.T) {
	t.Parallel()

	d, src := translateIssuer(t, newCountingFactory(), ServerAuthCertIssuer{})

	cert, err := d.GetCertificate(&tls.ClientHelloInfo{ServerName: "bad host!"})
	require.NoError(t, err)
	assert.Equal(t, "proxy.local", cert.Leaf.Subject.CommonName)
	assert.Equal(t, 0, src.Cache().Len())
}

func TestAcceptorData_GetCertificate_RecordsErrors(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test_materialize", WithRegistry(prometheus.NewRegistry()))
	d, _ := translateIssuer(t, newCountingFactory(), ServerAuthCertIssuer{
		Fallback: &FallbackLimit{Rate: 0},
	}, WithMetrics(metrics))

	_, err := d.GetCertificate(&tls.ClientHelloInfo{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFallbackRateLimited)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.materializeErrors.WithLabelValues(reasonRateLimited)))
}

func TestAcceptorData_Handshake(t *testing.T) {
	t.Parallel()

	d, src := translateIssuer(t, newCountingFactory(), ServerAuthCertIssuer{})
	d.config.alpn = []ApplicationProtocol{ApplicationProtocolHTTP2, ApplicationProtocolHTTP11}

	serverCfg, err := d.TLSConfig()
	require.NoError(t, err)

	roots := x509.NewCertPool()
	roots.AddCert(src.CA())

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverErr := make(chan error, 1)
	go func() {
		srv := tls.Server(serverConn, serverCfg)
		serverErr <- srv.HandshakeContext(context.Background())
	}()

	client := tls.Client(clientConn, &tls.Config{
		ServerName: "shop.example",
		RootCAs:    roots,
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	})
	require.NoError(t, client.HandshakeContext(context.Background()))
	require.NoError(t, <-serverErr)

	state := client.ConnectionState()
	assert.Equal(t, "h2", state.NegotiatedProtocol)
	require.NotEmpty(t, state.PeerCertificates)
	assert.Equal(t, "shop.example", state.PeerCertificates[0].Subject.CommonName)
	assert.Equal(t, []string{"Acme"}, state.PeerCertificates[0].Subject.Organization)
}

func TestAcceptorData_TLSConfig(t *testing.T) {
	t.Parallel()

	pki := newTestPKI(t)

	d, err := Translate(&ServerConfig{
		ServerAuth: ServerAuthStatic{Data: ServerAuthData{
			CertChain:  PEM(certPEM(pki.leafCert, pki.caCert)),
			PrivateKey: PEM(keyPEM(t, pki.leafKey)),
		}},
		ProtocolVersions: []ProtocolVersion{ProtocolVersionTLS13, ProtocolVersionTLS12},
		ALPN:             []ApplicationProtocol{ApplicationProtocolHTTP11},
		ClientVerifyMode: ClientVerifyClientAuth{Trust: PEM(certPEM(pki.caCert))},
	})
	require.NoError(t, err)

	cfg, err := d.TLSConfig()
	require.NoError(t, err)

	assert.NotNil(t, cfg.GetCertificate)
	assert.Equal(t, []string{"http/1.1"}, cfg.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MaxVersion)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
	assert.Nil(t, cfg.KeyLogWriter)
}

func TestAcceptorData_TLSConfig_Defaults(t *testing.T) {
	t.Parallel()

	d, _ := translateIssuer(t, newCountingFactory(), ServerAuthCertIssuer{})

	cfg, err := d.TLSConfig()
	require.NoError(t, err)

	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Zero(t, cfg.MaxVersion)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	assert.Nil(t, cfg.ClientCAs)
	assert.Empty(t, cfg.NextProtos)
}

func TestAcceptorData_KeyLog(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name   string
		intent func(path string) KeyLogIntent
		setenv bool
	}{
		{
			name:   "file",
			intent: func(path string) KeyLogIntent { return KeyLogIntent{Mode: KeyLogFile, Path: path} },
		},
		{
			name:   "environment",
			intent: func(string) KeyLogIntent { return KeyLogIntent{Mode: KeyLogEnvironment} },
			setenv: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".keys")
			if tt.setenv {
				t.Setenv(keyLogEnvVar, path)
			}

			d, err := Translate(&ServerConfig{
				ServerAuth: ServerAuthSelfSigned{},
				KeyLogger:  tt.intent(path),
			}, WithFactory(newCountingFactory()))
			require.NoError(t, err)

			cfg, err := d.TLSConfig()
			require.NoError(t, err)
			require.NotNil(t, cfg.KeyLogWriter)

			// A second config shares the same writer.
			cfg2, err := d.TLSConfig()
			require.NoError(t, err)
			assert.Same(t, cfg.KeyLogWriter, cfg2.KeyLogWriter)

			_, err = cfg.KeyLogWriter.Write([]byte("CLIENT_RANDOM 00 00\n"))
			require.NoError(t, err)
			require.NoError(t, d.Close())
			require.NoError(t, d.Close())

			content, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, "CLIENT_RANDOM 00 00\n", string(content))
		})
	}
}

func TestAcceptorData_KeyLogEnvironmentUnset(t *testing.T) {
	t.Setenv(keyLogEnvVar, "")

	d, err := Translate(&ServerConfig{
		ServerAuth: ServerAuthSelfSigned{},
		KeyLogger:  KeyLogIntent{Mode: KeyLogEnvironment},
	}, WithFactory(newCountingFactory()))
	require.NoError(t, err)

	cfg, err := d.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg.KeyLogWriter)
}

func TestAcceptorData_Info(t *testing.T) {
	t.Parallel()

	d, src := translateIssuer(t, newCountingFactory(), ServerAuthCertIssuer{})

	_, err := src.Resolve(context.Background(), address.MustParseHost("info.example"))
	require.NoError(t, err)

	info := d.Info()
	assert.Equal(t, SourceKindIssuing, info.Source)
	require.NotNil(t, info.CA)
	assert.True(t, info.CA.IsCA)
	assert.Contains(t, info.CA.Subject, "proxy.local")
	assert.Nil(t, info.Leaf)
	assert.Equal(t, 1, info.CacheEntries)
	assert.False(t, info.IssuanceDisabled)
	assert.False(t, info.ClientAuth)
	assert.Equal(t, "disabled", info.KeyLog)

	pki := newTestPKI(t)
	static, err := Translate(&ServerConfig{
		ServerAuth: ServerAuthStatic{Data: ServerAuthData{
			CertChain:  DERStack{pki.leafCert.Raw, pki.caCert.Raw},
			PrivateKey: DER(pkcs8DER(t, pki.leafKey)),
		}},
		ProtocolVersions: []ProtocolVersion{ProtocolVersionTLS13},
	})
	require.NoError(t, err)

	staticInfo := static.Info()
	assert.Equal(t, SourceKindStatic, staticInfo.Source)
	require.NotNil(t, staticInfo.Leaf)
	assert.Equal(t, []string{"static.example"}, staticInfo.Leaf.DNSNames)
	require.NotNil(t, staticInfo.CA)
	assert.Equal(t, []string{"TLS13"}, staticInfo.ProtocolVersions)
}

func TestMaterializeErrorReason(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		reason string
	}{
		{err: newIssueError("", ErrFallbackRateLimited), reason: reasonRateLimited},
		{err: newIssueError("a", ErrIssuanceDisabled), reason: reasonDisabled},
		{err: newIssueError("a", ErrIssuerUnavailable), reason: reasonUnavailable},
		{err: newIssueError("a", &ConsistencyError{}), reason: reasonMismatch},
		{err: newIssueError("a", context.DeadlineExceeded), reason: reasonCanceled},
		{err: newIssueError("a", assert.AnError), reason: reasonIssue},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.reason, materializeErrorReason(tt.err))
		})
	}
}

func TestAcceptorData_MaterializeCanceled(t *testing.T) {
	t.Parallel()

	factory := newCountingFactory()
	factory.release = make(chan struct{})
	d, src := translateIssuer(t, factory, ServerAuthCertIssuer{})
	defer close(factory.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Materialize(ctx, address.MustParseHost("slow.example"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, src.Cache().Len())
}
