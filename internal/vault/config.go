package vault

import (
	"time"

	"github.com/vyrodovalexey/avamitm/internal/retry"
)

// AuthMethod specifies the Vault authentication method.
type AuthMethod string

// Authentication method constants.
const (
	// AuthMethodToken uses direct token authentication.
	AuthMethodToken AuthMethod = "token"

	// AuthMethodAppRole uses AppRole authentication with RoleID and SecretID.
	AuthMethodAppRole AuthMethod = "approle"
)

// DefaultKVMount is the mount path of the KV v2 engine used when none is configured.
const DefaultKVMount = "secret"

// DefaultTimeout is the request timeout used when none is configured.
const DefaultTimeout = 10 * time.Second

// String returns the string representation of the auth method.
func (m AuthMethod) String() string {
	return string(m)
}

// IsValid returns true if the auth method is valid.
func (m AuthMethod) IsValid() bool {
	switch m {
	case AuthMethodToken, AuthMethodAppRole:
		return true
	default:
		return false
	}
}

// Config represents Vault client configuration.
type Config struct {
	// Enabled enables Vault integration.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Address is the Vault server address.
	Address string `yaml:"address" json:"address"`

	// Namespace is the Vault namespace (Enterprise feature).
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`

	// AuthMethod specifies the authentication method.
	AuthMethod AuthMethod `yaml:"authMethod" json:"authMethod"`

	// Token for token authentication.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`

	// AppRole auth configuration.
	AppRole *AppRoleAuthConfig `yaml:"appRole,omitempty" json:"appRole,omitempty"`

	// TLS configuration for the Vault connection.
	TLS *TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// KVMount is the mount path of the KV v2 engine. Defaults to "secret".
	KVMount string `yaml:"kvMount,omitempty" json:"kvMount,omitempty"`

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Retry configures retries of transient failures.
	Retry *retry.Config `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// AppRoleAuthConfig configures AppRole authentication.
type AppRoleAuthConfig struct {
	// RoleID is the AppRole role ID.
	RoleID string `yaml:"roleId" json:"roleId"`

	// SecretID is the AppRole secret ID.
	SecretID string `yaml:"secretId" json:"secretId"`

	// MountPath is the mount path for the AppRole auth method.
	// Defaults to "approle".
	MountPath string `yaml:"mountPath,omitempty" json:"mountPath,omitempty"`
}

// TLSConfig configures TLS for the Vault connection.
type TLSConfig struct {
	// CACert is the path to the CA certificate file.
	CACert string `yaml:"caCert,omitempty" json:"caCert,omitempty"`

	// ClientCert is the path to the client certificate file.
	ClientCert string `yaml:"clientCert,omitempty" json:"clientCert,omitempty"`

	// ClientKey is the path to the client private key file.
	ClientKey string `yaml:"clientKey,omitempty" json:"clientKey,omitempty"`

	// SkipVerify skips TLS certificate verification (insecure).
	SkipVerify bool `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`
}

// Validate validates the Vault configuration.
func (c *Config) Validate() error {
	if c == nil {
		return NewConfigurationError("", "configuration is nil")
	}

	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return NewConfigurationError("address", "vault address is required")
	}

	switch c.AuthMethod {
	case AuthMethodToken:
		if c.Token == "" {
			return NewConfigurationError("token", "token is required for token authentication")
		}
	case AuthMethodAppRole:
		if c.AppRole == nil {
			return NewConfigurationError("appRole", "appRole configuration is required")
		}
		if c.AppRole.RoleID == "" {
			return NewConfigurationError("appRole.roleId", "role ID is required")
		}
		if c.AppRole.SecretID == "" {
			return NewConfigurationError("appRole.secretId", "secret ID is required")
		}
	default:
		return NewConfigurationError("authMethod", "unsupported auth method: "+string(c.AuthMethod))
	}

	if c.Timeout < 0 {
		return NewConfigurationError("timeout", "timeout must not be negative")
	}

	return nil
}

func (c *Config) kvMount() string {
	if c.KVMount == "" {
		return DefaultKVMount
	}
	return c.KVMount
}

func (c *Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}
