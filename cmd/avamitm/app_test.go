package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/vyrodovalexey/avamitm/internal/address"
	"github.com/vyrodovalexey/avamitm/internal/certgen"
	"github.com/vyrodovalexey/avamitm/internal/config"
	"github.com/vyrodovalexey/avamitm/internal/health"
	"github.com/vyrodovalexey/avamitm/internal/observability"
	"github.com/vyrodovalexey/avamitm/internal/retry"
	"github.com/vyrodovalexey/avamitm/internal/server"
	tlspkg "github.com/vyrodovalexey/avamitm/internal/tls"
	"github.com/vyrodovalexey/avamitm/internal/vault"
)

const testVaultToken = "s.test-token"

func init() {
	gin.SetMode(gin.TestMode)
}

func testFactory() *certgen.Factory {
	return certgen.New(certgen.WithKeyBits(2048))
}

func testConfig(caName string) *config.ProxyConfig {
	cfg := config.DefaultConfig()
	cfg.Spec.Listener.Address = "127.0.0.1:0"
	cfg.Spec.Listener.DrainTimeout = config.Duration(10 * time.Millisecond)
	cfg.Spec.TLS.ServerAuth.CertIssuer.SelfSigned.CommonName = caName
	cfg.Spec.Observability.Metrics.Enabled = false
	return cfg
}

func newTestApplication(t *testing.T, cfg *config.ProxyConfig) *application {
	t.Helper()

	app, err := initApplication(context.Background(), cfg, observability.NopLogger(),
		tlspkg.WithFactory(testFactory()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if acceptor := app.acceptors.Take(); acceptor != nil {
			_ = acceptor.Close()
		}
	})
	return app
}

func startApplication(t *testing.T, app *application) {
	t.Helper()

	require.NoError(t, app.server.Start(context.Background()))
	t.Cleanup(func() { _ = app.server.Stop(context.Background()) })
}

func issuingCA(t *testing.T, app *application) *x509.Certificate {
	t.Helper()

	src, ok := app.acceptors.Load().Source().(*tlspkg.IssuingSource)
	require.True(t, ok)
	return src.CA()
}

// dialLeaf completes a handshake against the application and returns the
// served leaf certificate.
func dialLeaf(t *testing.T, app *application, roots *x509.Certificate, serverName string) (*x509.Certificate, error) {
	t.Helper()

	pool := x509.NewCertPool()
	pool.AddCert(roots)

	conn, err := tls.Dial("tcp", app.server.Addr().String(), &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.ConnectionState().PeerCertificates[0], nil
}

func TestInitApplication(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.init.test"))

	require.NotNil(t, app.acceptors.Load())
	assert.Nil(t, app.vaultClient)
	assert.NoError(t, app.checkAcceptor(context.Background()))

	status := app.health.Readiness(context.Background())
	assert.Equal(t, health.StatusOK, status.Status)
	assert.Contains(t, status.Checks, "acceptor")
	assert.NotContains(t, status.Checks, "vault")

	assert.Equal(t, "127.0.0.1:0", serverConfig(app.config).Address)
}

func TestInitApplication_FailureShutsDownTracer(t *testing.T) {
	cfg := testConfig("ca.abort.test")
	cfg.Spec.Observability.Tracing = &config.TracingConfig{Enabled: true, SamplingRate: 1.0}
	cfg.Spec.TLS.ServerAuth = config.ServerAuthConfig{
		Static: &config.MaterialConfig{
			PrivateKey: config.SourceConfig{PEM: "not a key"},
			CertChain:  config.SourceConfig{PEM: "not a certificate"},
		},
	}

	app, err := initApplication(context.Background(), cfg, observability.NopLogger(),
		tlspkg.WithFactory(testFactory()))
	require.Error(t, err)
	assert.Nil(t, app)

	provider, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok, "tracing was enabled, so the SDK provider is installed")

	_, span := provider.Tracer("test").Start(context.Background(), "after-abort")
	defer span.End()
	assert.False(t, span.IsRecording())
}

func TestServerConfig_DefaultAddress(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Spec.Listener.Address = ""

	assert.Equal(t, config.DefaultListenAddress, serverConfig(cfg).Address)
}

func TestApplication_ServesIssuedCertificate(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.serve.test"))
	startApplication(t, app)

	leaf, err := dialLeaf(t, app, issuingCA(t, app), "api.example.com")
	require.NoError(t, err)

	assert.Equal(t, "api.example.com", leaf.Subject.CommonName)
	assert.Equal(t, "ca.serve.test", leaf.Issuer.CommonName)
}

func TestApplication_ReloadSwapsAcceptor(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.before.test"))
	startApplication(t, app)

	oldCA := issuingCA(t, app)

	newCfg := testConfig("ca.after.test")
	newCfg.Spec.Observability.Logging.Level = "debug"
	require.NoError(t, app.reload(context.Background(), newCfg))

	newCA := issuingCA(t, app)
	assert.Equal(t, "ca.after.test", newCA.Subject.CommonName)
	assert.Same(t, newCfg, app.config)

	_, err := dialLeaf(t, app, oldCA, "api.example.com")
	assert.Error(t, err, "handshakes after the swap must not use the retired CA")

	leaf, err := dialLeaf(t, app, newCA, "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "ca.after.test", leaf.Issuer.CommonName)

	rm := app.reloadMetrics
	assert.Equal(t, float64(1), testutil.ToFloat64(rm.configReloadComponentTotal.WithLabelValues("acceptor", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rm.configReloadComponentTotal.WithLabelValues("logging", "success")))
	assert.Positive(t, testutil.ToFloat64(rm.configReloadLastSuccess))
}

func TestApplication_FailedReloadKeepsAcceptor(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.keep.test"))
	before := app.acceptors.Load()
	oldCfg := app.config

	badCfg := testConfig("ca.keep.test")
	badCfg.Spec.TLS.ServerAuth = config.ServerAuthConfig{
		Static: &config.MaterialConfig{
			PrivateKey: config.SourceConfig{PEM: "not a key"},
			CertChain:  config.SourceConfig{PEM: "not a certificate"},
		},
	}

	err := app.reload(context.Background(), badCfg)
	require.Error(t, err)

	assert.Same(t, before, app.acceptors.Load())
	assert.Same(t, oldCfg, app.config)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		app.reloadMetrics.configReloadComponentTotal.WithLabelValues("acceptor", "error")))
	assert.Equal(t, float64(0), testutil.ToFloat64(app.reloadMetrics.configReloadLastSuccess))
}

func TestApplication_Shutdown(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.shutdown.test"))
	startApplication(t, app)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	shutdown(ctx, app, nil)

	assert.True(t, app.health.IsDraining())
	assert.False(t, app.server.IsRunning())
	assert.Nil(t, app.acceptors.Take())
	assert.ErrorIs(t, app.checkAcceptor(context.Background()), server.ErrNoAcceptor)
}

func TestWaitForShutdown(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.signal.test"))
	startApplication(t, app)

	sigCh := make(chan os.Signal, 1)
	sigCh <- syscall.SIGTERM

	done := make(chan struct{})
	go func() {
		waitForShutdown(app, nil, sigCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("waitForShutdown did not return")
	}
	assert.True(t, app.health.IsDraining())
}

func TestMetricsSettingsChanged(t *testing.T) {
	base := testConfig("ca.metrics.test")

	tests := []struct {
		name     string
		mutate   func(*config.ProxyConfig)
		expected bool
	}{
		{name: "unchanged", mutate: func(*config.ProxyConfig) {}},
		{name: "enabled", mutate: func(c *config.ProxyConfig) { c.Spec.Observability.Metrics.Enabled = true }, expected: true},
		{name: "path", mutate: func(c *config.ProxyConfig) {
			c.Spec.Observability.Metrics.Enabled = true
			c.Spec.Observability.Metrics.Path = "/prom"
		}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("ca.metrics.test")
			tt.mutate(cfg)
			assert.Equal(t, tt.expected, metricsSettingsChanged(base, cfg))
		})
	}
}

func TestCreateMetricsServer(t *testing.T) {
	app := newTestApplication(t, testConfig("ca.probe.test"))

	srv := createMetricsServer(":0", config.DefaultMetricsPath, app.metrics, app.health, app.logger)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	tests := []struct {
		path     string
		contains string
	}{
		{path: "/metrics", contains: "avamitm_build_info"},
		{path: "/readyz", contains: `"status":"ok"`},
		{path: "/livez", contains: `"status":"ok"`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

// fakeVault serves token lookups and KV v2 reads for a single secret.
func fakeVault(t *testing.T, secrets map[string]map[string]interface{}) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/token/lookup-self", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != testVaultToken {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": testVaultToken}})
	})
	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		data, ok := secrets[strings.TrimPrefix(r.URL.Path, "/v1/secret/data/")]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"errors": []string{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"data": map[string]interface{}{
				"data":     data,
				"metadata": map[string]interface{}{"version": 1},
			},
		})
	})
	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"initialized": true, "sealed": false})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestApplication_StaticMaterialFromVault(t *testing.T) {
	factory := testFactory()
	caCert, caKey, err := factory.GenerateCA(certgen.Subject{Organization: "vault test", CommonName: address.MustParseHost("ca.vault.test")})
	require.NoError(t, err)
	leaf, leafKey, err := factory.GenerateLeaf(certgen.Subject{CommonName: address.MustParseHost("static.example.com")}, caCert, caKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(leafKey)
	require.NoError(t, err)

	vaultSrv := fakeVault(t, map[string]map[string]interface{}{
		"avamitm/tls": {
			"key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
			"cert": string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leaf.Raw})),
		},
	})

	cfg := testConfig("unused")
	cfg.Spec.Vault = &vault.Config{
		Enabled:    true,
		Address:    vaultSrv.URL,
		AuthMethod: vault.AuthMethodToken,
		Token:      testVaultToken,
		Timeout:    2 * time.Second,
		Retry: &retry.Config{
			MaxRetries:     1,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}
	cfg.Spec.TLS.ServerAuth = config.ServerAuthConfig{
		Static: &config.MaterialConfig{
			PrivateKey: config.SourceConfig{Vault: &config.VaultSourceConfig{Path: "avamitm/tls", Field: "key"}},
			CertChain:  config.SourceConfig{Vault: &config.VaultSourceConfig{Path: "avamitm/tls", Field: "cert"}},
		},
	}
	require.True(t, cfg.UsesVault())

	app := newTestApplication(t, cfg)
	require.NotNil(t, app.vaultClient)
	startApplication(t, app)

	_, isStatic := app.acceptors.Load().Source().(*tlspkg.StaticSource)
	assert.True(t, isStatic)

	served, err := dialLeaf(t, app, caCert, "static.example.com")
	require.NoError(t, err)
	assert.Equal(t, leaf.Raw, served.Raw)

	status := app.health.Readiness(context.Background())
	assert.Equal(t, health.StatusOK, status.Status)
	assert.Contains(t, status.Checks, "vault")

	// Dropping the Vault reference on reload drops the client and its check.
	require.NoError(t, app.reload(context.Background(), testConfig("ca.novault.test")))
	assert.Nil(t, app.vaultClient)
	assert.NotContains(t, app.health.Readiness(context.Background()).Checks, "vault")
}
