package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamitm/internal/config"
	"github.com/vyrodovalexey/avamitm/internal/observability"
)

// captureExit replaces exitFunc for the duration of the test and returns a
// pointer to the last exit code, -1 when exitFunc was never called.
func captureExit(t *testing.T) *int {
	t.Helper()

	code := -1
	orig := exitFunc
	exitFunc = func(c int) { code = c }
	t.Cleanup(func() { exitFunc = orig })
	return &code
}

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		set        bool
		value      string
		defaultVal string
		expected   string
	}{
		{name: "unset uses default", defaultVal: "fallback", expected: "fallback"},
		{name: "set overrides default", set: true, value: "custom", defaultVal: "fallback", expected: "custom"},
		{name: "empty uses default", set: true, value: "", defaultVal: "fallback", expected: "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := "AVAMITM_TEST_ENV_VALUE"
			if tt.set {
				t.Setenv(key, tt.value)
			} else {
				t.Setenv(key, "")
				require.NoError(t, os.Unsetenv(key))
			}

			assert.Equal(t, tt.expected, getEnvOrDefault(key, tt.defaultVal))
		})
	}
}

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("AVAMITM_CONFIG_PATH", "")
		t.Setenv("AVAMITM_LOG_LEVEL", "")
		t.Setenv("AVAMITM_LOG_FORMAT", "")

		flags, err := parseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, "configs/avamitm.yaml", flags.configPath)
		assert.Equal(t, "info", flags.logLevel)
		assert.Equal(t, "json", flags.logFormat)
		assert.False(t, flags.showVersion)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("AVAMITM_CONFIG_PATH", "/etc/avamitm/config.yaml")
		t.Setenv("AVAMITM_LOG_LEVEL", "debug")
		t.Setenv("AVAMITM_LOG_FORMAT", "console")

		flags, err := parseFlags(nil)
		require.NoError(t, err)
		assert.Equal(t, "/etc/avamitm/config.yaml", flags.configPath)
		assert.Equal(t, "debug", flags.logLevel)
		assert.Equal(t, "console", flags.logFormat)
	})

	t.Run("arguments override environment", func(t *testing.T) {
		t.Setenv("AVAMITM_LOG_LEVEL", "debug")

		flags, err := parseFlags([]string{"-config", "other.yaml", "-log-level", "warn", "-version"})
		require.NoError(t, err)
		assert.Equal(t, "other.yaml", flags.configPath)
		assert.Equal(t, "warn", flags.logLevel)
		assert.True(t, flags.showVersion)
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := parseFlags([]string{"-no-such-flag"})
		assert.Error(t, err)
	})
}

func TestInitLogger(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		code := captureExit(t)

		logger := initLogger(cliFlags{logLevel: "debug", logFormat: "console"})
		require.NotNil(t, logger)
		assert.Equal(t, -1, *code)
	})

	t.Run("invalid level exits", func(t *testing.T) {
		code := captureExit(t)

		logger := initLogger(cliFlags{logLevel: "loud", logFormat: "json"})
		assert.Nil(t, logger)
		assert.Equal(t, 1, *code)
	})
}

func TestFatalWithSync(t *testing.T) {
	code := captureExit(t)

	fatalWithSync(observability.NopLogger(), "boom")

	assert.Equal(t, 1, *code)
}

func TestLoadAndValidateConfig(t *testing.T) {
	t.Run("valid file", func(t *testing.T) {
		code := captureExit(t)

		path := filepath.Join(t.TempDir(), "avamitm.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`apiVersion: avamitm.io/v1
kind: Proxy
metadata:
  name: from-file
spec:
  listener:
    address: "127.0.0.1:0"
  tls:
    serverAuth:
      certIssuer:
        selfSigned:
          organisationName: test
          commonName: ca.test.local
`), 0o600))

		cfg := loadAndValidateConfig(path, observability.NopLogger())
		require.NotNil(t, cfg)
		assert.Equal(t, -1, *code)
		assert.Equal(t, "from-file", cfg.Metadata.Name)
		assert.Equal(t, "certIssuer", serverAuthKind(cfg))
	})

	t.Run("missing file exits", func(t *testing.T) {
		code := captureExit(t)

		cfg := loadAndValidateConfig(filepath.Join(t.TempDir(), "missing.yaml"), observability.NopLogger())
		assert.Nil(t, cfg)
		assert.Equal(t, 1, *code)
	})
}

func TestServerAuthKind(t *testing.T) {
	tests := []struct {
		name     string
		auth     config.ServerAuthConfig
		expected string
	}{
		{name: "none", expected: "none"},
		{name: "self signed", auth: config.ServerAuthConfig{SelfSigned: &config.SelfSignedConfig{}}, expected: "selfSigned"},
		{name: "static", auth: config.ServerAuthConfig{Static: &config.MaterialConfig{}}, expected: "static"},
		{name: "cert issuer", auth: config.ServerAuthConfig{CertIssuer: &config.CertIssuerConfig{}}, expected: "certIssuer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.ProxyConfig{}
			cfg.Spec.TLS.ServerAuth = tt.auth
			assert.Equal(t, tt.expected, serverAuthKind(cfg))
		})
	}
}
