package tls

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version ProtocolVersion
		tls     uint16
		valid   bool
		legacy  bool
	}{
		{ProtocolVersionTLS10, tls.VersionTLS10, true, true},
		{ProtocolVersionTLS11, tls.VersionTLS11, true, true},
		{ProtocolVersionTLS12, tls.VersionTLS12, true, false},
		{ProtocolVersionTLS13, tls.VersionTLS13, true, false},
		{ProtocolVersion("SSL3"), 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.version.String(), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.tls, tt.version.ToTLSVersion())
			assert.Equal(t, tt.valid, tt.version.IsValid())
			assert.Equal(t, tt.legacy, tt.version.IsLegacy())
		})
	}
}

func TestVersionRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		versions []ProtocolVersion
		min, max uint16
	}{
		{name: "empty"},
		{
			name:     "single",
			versions: []ProtocolVersion{ProtocolVersionTLS12},
			min:      tls.VersionTLS12,
			max:      tls.VersionTLS12,
		},
		{
			name:     "unordered",
			versions: []ProtocolVersion{ProtocolVersionTLS13, ProtocolVersionTLS11, ProtocolVersionTLS12},
			min:      tls.VersionTLS11,
			max:      tls.VersionTLS13,
		},
		{
			name:     "unknown skipped",
			versions: []ProtocolVersion{"bogus", ProtocolVersionTLS13},
			min:      tls.VersionTLS13,
			max:      tls.VersionTLS13,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			minVersion, maxVersion := versionRange(tt.versions)
			assert.Equal(t, tt.min, minVersion)
			assert.Equal(t, tt.max, maxVersion)
		})
	}
}

func TestKeyLogIntent_ResolvePath(t *testing.T) {
	t.Parallel()

	getenv := func(key string) string {
		if key == keyLogEnvVar {
			return "/tmp/env.keys"
		}
		return ""
	}

	tests := []struct {
		intent KeyLogIntent
		want   string
	}{
		{intent: KeyLogIntent{}, want: ""},
		{intent: KeyLogIntent{Mode: KeyLogDisabled, Path: "/tmp/ignored"}, want: ""},
		{intent: KeyLogIntent{Mode: KeyLogEnvironment}, want: "/tmp/env.keys"},
		{intent: KeyLogIntent{Mode: KeyLogFile, Path: "/tmp/file.keys"}, want: "/tmp/file.keys"},
	}

	for _, tt := range tests {
		t.Run(tt.intent.Mode.String(), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, tt.intent.ResolvePath(getenv))
		})
	}
}

func TestServerConfig_ValidateAccepts(t *testing.T) {
	t.Parallel()

	cfg := &ServerConfig{
		ServerAuth: ServerAuthCertIssuer{
			Kind:         IssuerSelfSigned{},
			MaxCacheSize: 10,
			Fallback:     &FallbackLimit{Rate: 0},
		},
		ProtocolVersions: []ProtocolVersion{ProtocolVersionTLS12, ProtocolVersionTLS13},
		ALPN:             []ApplicationProtocol{ApplicationProtocolHTTP2},
		KeyLogger:        KeyLogIntent{Mode: KeyLogEnvironment},
	}
	assert.NoError(t, cfg.Validate())
}
