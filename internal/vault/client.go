package vault

import (
	"context"
	"fmt"
	"sync"

	"topstep-gateway/config"

	"github.com/hashicorp/vault/api"
)

// Credentials is the broker credential set stored in Vault
type Credentials struct {
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

// Client wraps the HashiCorp Vault client for broker credential lookup.
// When Vault is disabled it serves credentials from the local config only.
type Client struct {
	client *api.Client
	config config.VaultConfig

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// GetCredentials retrieves the broker credentials from Vault, falling back to
// the provided defaults when Vault is disabled or the secret is absent.
func (c *Client) GetCredentials(ctx context.Context, fallback Credentials) (Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := *c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		if fallback.Username == "" || fallback.APIKey == "" {
			return Credentials{}, fmt.Errorf("broker credentials not configured and vault is disabled")
		}
		return fallback, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, fmt.Errorf("no credentials found at vault path %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret format at vault path %s", path)
	}

	creds := Credentials{}
	if v, ok := data["username"].(string); ok {
		creds.Username = v
	}
	if v, ok := data["api_key"].(string); ok {
		creds.APIKey = v
	}
	if creds.Username == "" || creds.APIKey == "" {
		return Credentials{}, fmt.Errorf("incomplete credentials at vault path %s", path)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()

	return creds, nil
}

// StoreCredentials writes the broker credentials to Vault
func (c *Client) StoreCredentials(ctx context.Context, creds Credentials) error {
	if !c.config.Enabled {
		c.mu.Lock()
		c.cached = &creds
		c.mu.Unlock()
		return nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"username": creds.Username,
			"api_key":  creds.APIKey,
		},
	}

	if _, err := c.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		return fmt.Errorf("failed to store credentials in vault: %w", err)
	}

	c.mu.Lock()
	c.cached = &creds
	c.mu.Unlock()

	return nil
}

// InvalidateCache clears the cached credentials, forcing the next read to hit Vault
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}
