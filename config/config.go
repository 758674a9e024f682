package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment with
// optional overlay from Vault (see internal/vault).
type Config struct {
	RPC      RPCConfig      `json:"rpc"`
	Database DatabaseConfig `json:"database"`
	Server   ServerConfig   `json:"server"`
	Monitor  MonitorConfig  `json:"monitor"`
	Redis    RedisConfig    `json:"redis"`
	Vault    VaultConfig    `json:"vault"`
	Logging  LoggingConfig  `json:"logging"`
}

// RPCConfig holds Solana RPC endpoint configuration
type RPCConfig struct {
	URL         string        `json:"url"`
	Timeout     time.Duration `json:"timeout"`
	MaxInflight int           `json:"max_inflight"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL string `json:"url"`
}

// ServerConfig holds the HTTP and WebSocket listener configuration
type ServerConfig struct {
	Port            int `json:"port"`
	WSPort          int `json:"ws_port"`
	ShutdownTimeout int `json:"shutdown_timeout"` // seconds
}

// MonitorConfig holds wallet monitor tuning.
// The cycle period and signature fetch limits are fixed by the pipeline
// design and live as constants in internal/monitor; only resource knobs
// are configurable here.
type MonitorConfig struct {
	ScanConcurrency int `json:"scan_concurrency"`
}

// RedisConfig holds the optional Redis cache tier configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds the optional HashiCorp Vault secret source configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
}

type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
	JSON  bool   `json:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Validation is separate so a Vault overlay can fill required
// values before Validate runs.
func Load() *Config {
	// Missing .env is fine; containerized deployments set real env vars.
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.RPC.URL = getEnvOrDefault("SOLANA_RPC_URL", "")
	cfg.RPC.Timeout = getEnvDurationOrDefault("RPC_TIMEOUT", 30*time.Second)
	cfg.RPC.MaxInflight = getEnvIntOrDefault("RPC_MAX_INFLIGHT", 8)

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", "")

	cfg.Server.Port = getEnvIntOrDefault("PORT", 3000)
	cfg.Server.WSPort = getEnvIntOrDefault("WS_PORT", 8080)
	cfg.Server.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", 30)

	cfg.Monitor.ScanConcurrency = getEnvIntOrDefault("WALLET_SCAN_CONCURRENCY", 4)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", false)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", 0)
	cfg.Redis.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", 10)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", false)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", "")
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "wallet-tracker/connections")

	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.Logging.JSON = getEnvBoolOrDefault("LOG_JSON", true)

	return cfg
}

// Validate checks required settings. Called after the optional Vault
// overlay so secrets sourced there count.
func (c *Config) Validate() error {
	if c.RPC.URL == "" {
		return fmt.Errorf("SOLANA_RPC_URL is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Server.Port)
	}
	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		return fmt.Errorf("WS_PORT out of range: %d", c.Server.WSPort)
	}
	if c.Server.Port == c.Server.WSPort {
		return fmt.Errorf("PORT and WS_PORT must differ, both %d", c.Server.Port)
	}
	if c.Vault.Enabled && c.Vault.Token == "" {
		return fmt.Errorf("VAULT_TOKEN is required when VAULT_ENABLED is true")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
