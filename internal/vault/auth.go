package vault

import (
	"context"
	"errors"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// DefaultAppRoleMountPath is the default mount path for AppRole auth.
const DefaultAppRoleMountPath = "approle"

// Authenticator logs in to Vault and sets the client token.
type Authenticator interface {
	// Authenticate authenticates with Vault and returns the auth secret.
	Authenticate(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error)

	// Name returns the name of the authentication method.
	Name() string
}

// newAuthenticator returns the Authenticator for cfg.AuthMethod.
func newAuthenticator(cfg *Config) (Authenticator, error) {
	switch cfg.AuthMethod {
	case AuthMethodToken:
		return NewTokenAuth(cfg.Token)
	case AuthMethodAppRole:
		if cfg.AppRole == nil {
			return nil, NewConfigurationError("appRole", "appRole configuration is required")
		}
		return NewAppRoleAuth(cfg.AppRole.RoleID, cfg.AppRole.SecretID, cfg.AppRole.MountPath)
	default:
		return nil, NewConfigurationError("authMethod", "unsupported auth method: "+string(cfg.AuthMethod))
	}
}

// TokenAuth implements token-based authentication for Vault.
type TokenAuth struct {
	token string
}

// NewTokenAuth creates a new token authentication method.
func NewTokenAuth(token string) (*TokenAuth, error) {
	if token == "" {
		return nil, NewConfigurationError("token", "token is required")
	}
	return &TokenAuth{token: token}, nil
}

// Authenticate sets the token and verifies it with a self lookup.
func (a *TokenAuth) Authenticate(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	if client == nil {
		return nil, errors.New("token auth failed: vault client is nil")
	}

	client.SetToken(a.token)

	if _, err := client.Auth().Token().LookupSelfWithContext(ctx); err != nil {
		return nil, fmt.Errorf("token auth failed: %w", err)
	}

	return &vaultapi.Secret{
		Auth: &vaultapi.SecretAuth{ClientToken: a.token},
	}, nil
}

// Name implements Authenticator.
func (a *TokenAuth) Name() string {
	return "token"
}

// AppRoleAuth implements AppRole authentication for Vault.
type AppRoleAuth struct {
	roleID    string
	secretID  string
	mountPath string
}

// NewAppRoleAuth creates a new AppRole authentication method.
func NewAppRoleAuth(roleID, secretID, mountPath string) (*AppRoleAuth, error) {
	if roleID == "" {
		return nil, NewConfigurationError("appRole.roleId", "role ID is required")
	}
	if secretID == "" {
		return nil, NewConfigurationError("appRole.secretId", "secret ID is required")
	}
	if mountPath == "" {
		mountPath = DefaultAppRoleMountPath
	}

	return &AppRoleAuth{
		roleID:    roleID,
		secretID:  secretID,
		mountPath: mountPath,
	}, nil
}

// Authenticate logs in with the role and secret IDs and sets the returned token.
func (a *AppRoleAuth) Authenticate(ctx context.Context, client *vaultapi.Client) (*vaultapi.Secret, error) {
	if client == nil {
		return nil, errors.New("approle auth failed: vault client is nil")
	}

	path := fmt.Sprintf("auth/%s/login", a.mountPath)
	secret, err := client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"role_id":   a.roleID,
		"secret_id": a.secretID,
	})
	if err != nil {
		return nil, fmt.Errorf("approle auth failed: %w", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return nil, errors.New("approle auth failed: no client token in response")
	}

	client.SetToken(secret.Auth.ClientToken)
	return secret, nil
}

// Name implements Authenticator.
func (a *AppRoleAuth) Name() string {
	return "approle"
}
