package vault

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamitm/internal/retry"
)

const testToken = "s.test-token"

type fakeVault struct {
	secrets    map[string]map[string]interface{}
	readFails  int32
	readCalls  atomic.Int32
	loginCalls atomic.Int32
}

func (f *fakeVault) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/auth/token/lookup-self", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != testToken {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": map[string]interface{}{"id": testToken}})
	})

	mux.HandleFunc("/v1/auth/approle/login", func(w http.ResponseWriter, r *http.Request) {
		f.loginCalls.Add(1)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["role_id"] != "role" || body["secret_id"] != "secret" {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": []string{"invalid role or secret ID"}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"auth": map[string]interface{}{"client_token": testToken},
		})
	})

	mux.HandleFunc("/v1/secret/data/", func(w http.ResponseWriter, r *http.Request) {
		n := f.readCalls.Add(1)
		if n <= f.readFails {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"errors": []string{"internal error"}})
			return
		}
		if r.Header.Get("X-Vault-Token") != testToken {
			writeJSON(w, http.StatusForbidden, map[string]interface{}{"errors": []string{"permission denied"}})
			return
		}

		path := r.URL.Path[len("/v1/secret/data/"):]
		data, ok := f.secrets[path]
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

	mux.HandleFunc("/v1/sys/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"initialized":  true,
			"sealed":       false,
			"standby":      false,
			"version":      "1.15.0",
			"cluster_name": "vault-test",
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestServer(t *testing.T, f *fakeVault) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(f.handler())
	t.Cleanup(server.Close)
	return server
}

func testRetryConfig() *retry.Config {
	return &retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, address string, mutate func(*Config)) *Client {
	t.Helper()

	cfg := &Config{
		Enabled:    true,
		Address:    address,
		AuthMethod: AuthMethodToken,
		Token:      testToken,
		Timeout:    2 * time.Second,
		Retry:      testRetryConfig(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	client, err := New(cfg, nil)
	require.NoError(t, err)
	return client
}

func TestNew(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		client, err := New(&Config{}, nil)
		assert.Nil(t, client)
		assert.ErrorIs(t, err, ErrVaultDisabled)
	})

	t.Run("invalid", func(t *testing.T) {
		client, err := New(&Config{Enabled: true, AuthMethod: AuthMethodToken, Token: "x"}, nil)
		assert.Nil(t, client)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestClient_Authenticate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name: "token",
		},
		{
			name:    "bad token",
			mutate:  func(c *Config) { c.Token = "s.wrong" },
			wantErr: true,
		},
		{
			name: "approle",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodAppRole
				c.Token = ""
				c.AppRole = &AppRoleAuthConfig{RoleID: "role", SecretID: "secret"}
			},
		},
		{
			name: "approle bad secret",
			mutate: func(c *Config) {
				c.AuthMethod = AuthMethodAppRole
				c.AppRole = &AppRoleAuthConfig{RoleID: "role", SecretID: "nope"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeVault{}
			server := newTestServer(t, f)
			client := newTestClient(t, server.URL, tt.mutate)

			err := client.Authenticate(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrAuthenticationFailed)
				assert.True(t, IsAuthError(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestClient_Authenticate_NoRetryOnClientError(t *testing.T) {
	f := &fakeVault{}
	server := newTestServer(t, f)
	client := newTestClient(t, server.URL, func(c *Config) {
		c.AuthMethod = AuthMethodAppRole
		c.AppRole = &AppRoleAuthConfig{RoleID: "role", SecretID: "nope"}
	})

	require.Error(t, client.Authenticate(context.Background()))
	assert.Equal(t, int32(1), f.loginCalls.Load())
}

func TestClient_ReadKV(t *testing.T) {
	f := &fakeVault{
		secrets: map[string]map[string]interface{}{
			"tls/proxy": {"cert": "CERT", "key": "KEY"},
		},
	}
	server := newTestServer(t, f)
	client := newTestClient(t, server.URL, nil)
	ctx := context.Background()

	_, err := client.ReadKV(ctx, "tls/proxy")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, client.Authenticate(ctx))

	data, err := client.ReadKV(ctx, "/tls/proxy/")
	require.NoError(t, err)
	assert.Equal(t, "CERT", data["cert"])
	assert.Equal(t, "KEY", data["key"])

	_, err = client.ReadKV(ctx, "tls/missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
	assert.False(t, IsRetryable(err))

	_, err = client.ReadKV(ctx, "/")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestClient_ReadField(t *testing.T) {
	f := &fakeVault{
		secrets: map[string]map[string]interface{}{
			"tls/proxy": {"cert": "CERT", "version": 3},
		},
	}
	server := newTestServer(t, f)
	client := newTestClient(t, server.URL, nil)
	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx))

	tests := []struct {
		name    string
		field   string
		want    []byte
		wantErr error
	}{
		{name: "string field", field: "cert", want: []byte("CERT")},
		{name: "missing field", field: "key", wantErr: ErrFieldNotFound},
		{name: "non-string field", field: "version", wantErr: ErrFieldNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.ReadField(ctx, "tls/proxy", tt.field)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClient_ReadKV_RetriesServerErrors(t *testing.T) {
	tests := []struct {
		name      string
		readFails int32
		wantCalls int32
		wantErr   bool
	}{
		{name: "recovers", readFails: 2, wantCalls: 3},
		{name: "exhausted", readFails: 10, wantCalls: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeVault{
				readFails: tt.readFails,
				secrets:   map[string]map[string]interface{}{"app": {"k": "v"}},
			}
			server := newTestServer(t, f)
			client := newTestClient(t, server.URL, nil)
			require.NoError(t, client.Authenticate(context.Background()))

			_, err := client.ReadKV(context.Background(), "app")
			if tt.wantErr {
				require.Error(t, err)
				var vaultErr *VaultError
				require.True(t, errors.As(err, &vaultErr))
				assert.Equal(t, http.StatusInternalServerError, vaultErr.Code)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, f.readCalls.Load())
		})
	}
}

func TestClient_Metrics(t *testing.T) {
	f := &fakeVault{secrets: map[string]map[string]interface{}{"app": {"k": "v"}}}
	server := newTestServer(t, f)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics("test", registry)

	cfg := &Config{
		Enabled:    true,
		Address:    server.URL,
		AuthMethod: AuthMethodToken,
		Token:      testToken,
		Retry:      testRetryConfig(),
	}
	client, err := New(cfg, nil, WithMetrics(metrics))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Authenticate(ctx))
	_, err = client.ReadKV(ctx, "app")
	require.NoError(t, err)
	_, err = client.ReadKV(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("authenticate", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("read", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.requestsTotal.WithLabelValues("read", "error")))
}

func TestClient_Health(t *testing.T) {
	f := &fakeVault{}
	server := newTestServer(t, f)
	client := newTestClient(t, server.URL, nil)

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Initialized)
	assert.False(t, status.Sealed)
	assert.Equal(t, "1.15.0", status.Version)
	assert.Equal(t, "vault-test", status.ClusterName)
}

func TestClient_ReadKV_ContextCanceled(t *testing.T) {
	f := &fakeVault{readFails: 100}
	server := newTestServer(t, f)
	client := newTestClient(t, server.URL, func(c *Config) {
		c.Retry = &retry.Config{MaxRetries: 100, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}
	})
	require.NoError(t, client.Authenticate(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.ReadKV(ctx, "app")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
