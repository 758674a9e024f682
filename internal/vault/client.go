// Package vault reads connection secrets from HashiCorp Vault so endpoint
// URLs and credentials can stay out of the environment in shared deployments.
// A disabled client is a no-op and the process falls back to plain env vars.
package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"solana-wallet-tracker/config"
)

// ConnectionSecrets holds the connection values a deployment may keep in
// Vault instead of the environment. Empty fields mean "not stored here".
type ConnectionSecrets struct {
	SolanaRPCURL  string `json:"solana_rpc_url"`
	DatabaseURL   string `json:"database_url"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
}

// Overlay fills empty config fields from the secrets. Environment values
// already present win over Vault.
func (s *ConnectionSecrets) Overlay(cfg *config.Config) {
	if cfg.RPC.URL == "" && s.SolanaRPCURL != "" {
		cfg.RPC.URL = s.SolanaRPCURL
	}
	if cfg.Database.URL == "" && s.DatabaseURL != "" {
		cfg.Database.URL = s.DatabaseURL
	}
	if s.RedisAddr != "" {
		cfg.Redis.Address = s.RedisAddr
	}
	if s.RedisPassword != "" {
		cfg.Redis.Password = s.RedisPassword
	}
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client. When Vault is disabled the returned
// client performs no network calls.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// ConnectionSecrets reads the KV-v2 secret holding connection values.
// A missing secret is not an error; all fields come back empty.
func (c *Client) ConnectionSecrets(ctx context.Context) (*ConnectionSecrets, error) {
	if !c.config.Enabled {
		return &ConnectionSecrets{}, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection secrets: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return &ConnectionSecrets{}, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	return &ConnectionSecrets{
		SolanaRPCURL:  getString(data, "solana_rpc_url"),
		DatabaseURL:   getString(data, "database_url"),
		RedisAddr:     getString(data, "redis_addr"),
		RedisPassword: getString(data, "redis_password"),
	}, nil
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
