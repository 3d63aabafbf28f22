// Package config loads the application configuration from an optional
// YAML file overlaid with environment variables. Environment always wins
// so deployments can override a checked-in file ad hoc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ml-tooling/contaxy/pkg/auth"
	"github.com/ml-tooling/contaxy/pkg/observability"
	"github.com/ml-tooling/contaxy/pkg/sso"
)

// Store backend types.
const (
	StoreTypeMemory = "memory"
	StoreTypeRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Auth          AuthConfig          `yaml:"auth"`
	Cache         CacheConfig         `yaml:"cache"`
	OIDC          OIDCConfig          `yaml:"oidc"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Type     string `yaml:"type"`
	RedisURL string `yaml:"redis_url"`
}

// AuthConfig holds token signing and retention settings.
type AuthConfig struct {
	// JWTSecret signs session tokens. No default: the process refuses to
	// start without it.
	JWTSecret       string        `yaml:"jwt_secret"`
	SessionTokenTTL time.Duration `yaml:"session_token_ttl"`
	// RetentionSchedule is a cron expression for the expired-token sweep.
	RetentionSchedule string `yaml:"retention_schedule"`
}

// CacheConfig sizes and toggles the authorization caches.
type CacheConfig struct {
	VerifyAccessEnabled bool          `yaml:"verify_access_enabled"`
	VerifyAccessSize    int           `yaml:"verify_access_size"`
	VerifyAccessTTL     time.Duration `yaml:"verify_access_ttl"`

	TokenEnabled bool          `yaml:"token_enabled"`
	TokenSize    int           `yaml:"token_size"`
	TokenTTL     time.Duration `yaml:"token_ttl"`

	ResourcePermissionsEnabled bool          `yaml:"resource_permissions_enabled"`
	ResourcePermissionsSize    int           `yaml:"resource_permissions_size"`
	ResourcePermissionsTTL     time.Duration `yaml:"resource_permissions_ttl"`
}

// OIDCConfig holds the external identity provider settings.
type OIDCConfig struct {
	Enabled      bool   `yaml:"enabled"`
	IssuerURL    string `yaml:"issuer_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// LoadConfig builds the configuration: defaults, then the YAML file named
// by CONTAXY_CONFIG_FILE (if any), then environment variables.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := getEnv("CONTAXY_CONFIG_FILE", ""); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	cacheDefaults := auth.DefaultCacheConfig()
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Store: StoreConfig{Type: StoreTypeMemory},
		Auth: AuthConfig{
			SessionTokenTTL:   auth.DefaultSessionTokenTTL,
			RetentionSchedule: "@hourly",
		},
		Cache: CacheConfig{
			VerifyAccessEnabled: cacheDefaults.VerifyAccessEnabled,
			VerifyAccessSize:    cacheDefaults.VerifyAccessSize,
			VerifyAccessTTL:     cacheDefaults.VerifyAccessTTL,

			TokenEnabled: cacheDefaults.TokenEnabled,
			TokenSize:    cacheDefaults.TokenSize,
			TokenTTL:     cacheDefaults.TokenTTL,

			ResourcePermissionsEnabled: cacheDefaults.ResourcePermissionsEnabled,
			ResourcePermissionsSize:    cacheDefaults.ResourcePermissionsSize,
			ResourcePermissionsTTL:     cacheDefaults.ResourcePermissionsTTL,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() {
	c.Server.Host = getEnv("CONTAXY_HOST", c.Server.Host)
	c.Server.Port = getEnv("CONTAXY_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("CONTAXY_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("CONTAXY_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("CONTAXY_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("CONTAXY_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.HealthPort = getEnv("CONTAXY_HEALTH_PORT", c.Server.HealthPort)

	c.Store.Type = getEnv("CONTAXY_STORE_TYPE", c.Store.Type)
	c.Store.RedisURL = getEnv("CONTAXY_REDIS_URL", c.Store.RedisURL)

	c.Auth.JWTSecret = getEnv("CONTAXY_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.SessionTokenTTL = getEnvDuration("CONTAXY_SESSION_TOKEN_TTL", c.Auth.SessionTokenTTL)
	c.Auth.RetentionSchedule = getEnv("CONTAXY_TOKEN_RETENTION_SCHEDULE", c.Auth.RetentionSchedule)

	c.Cache.VerifyAccessEnabled = getEnvBool("CONTAXY_CACHE_VERIFY_ACCESS_ENABLED", c.Cache.VerifyAccessEnabled)
	c.Cache.VerifyAccessSize = getEnvInt("CONTAXY_CACHE_VERIFY_ACCESS_SIZE", c.Cache.VerifyAccessSize)
	c.Cache.VerifyAccessTTL = getEnvDuration("CONTAXY_CACHE_VERIFY_ACCESS_TTL", c.Cache.VerifyAccessTTL)
	c.Cache.TokenEnabled = getEnvBool("CONTAXY_CACHE_TOKEN_ENABLED", c.Cache.TokenEnabled)
	c.Cache.TokenSize = getEnvInt("CONTAXY_CACHE_TOKEN_SIZE", c.Cache.TokenSize)
	c.Cache.TokenTTL = getEnvDuration("CONTAXY_CACHE_TOKEN_TTL", c.Cache.TokenTTL)
	c.Cache.ResourcePermissionsEnabled = getEnvBool("CONTAXY_CACHE_RESOURCE_PERMISSIONS_ENABLED", c.Cache.ResourcePermissionsEnabled)
	c.Cache.ResourcePermissionsSize = getEnvInt("CONTAXY_CACHE_RESOURCE_PERMISSIONS_SIZE", c.Cache.ResourcePermissionsSize)
	c.Cache.ResourcePermissionsTTL = getEnvDuration("CONTAXY_CACHE_RESOURCE_PERMISSIONS_TTL", c.Cache.ResourcePermissionsTTL)

	c.OIDC.Enabled = getEnvBool("CONTAXY_OIDC_ENABLED", c.OIDC.Enabled)
	c.OIDC.IssuerURL = getEnv("CONTAXY_OIDC_ISSUER_URL", c.OIDC.IssuerURL)
	c.OIDC.ClientID = getEnv("CONTAXY_OIDC_CLIENT_ID", c.OIDC.ClientID)
	c.OIDC.ClientSecret = getEnv("CONTAXY_OIDC_CLIENT_SECRET", c.OIDC.ClientSecret)
	c.OIDC.RedirectURL = getEnv("CONTAXY_OIDC_REDIRECT_URL", c.OIDC.RedirectURL)

	c.Observability.LogLevel = getEnv("CONTAXY_LOG_LEVEL", c.Observability.LogLevel)
	c.Observability.MetricsEnabled = getEnvBool("CONTAXY_METRICS_ENABLED", c.Observability.MetricsEnabled)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Store.Type {
	case StoreTypeMemory:
	case StoreTypeRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis store")
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be memory or redis)", c.Store.Type)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT secret is required")
	}
	if c.Auth.SessionTokenTTL <= 0 {
		return fmt.Errorf("session token TTL must be positive")
	}

	if c.OIDC.Enabled {
		if c.OIDC.IssuerURL == "" || c.OIDC.ClientID == "" || c.OIDC.ClientSecret == "" || c.OIDC.RedirectURL == "" {
			return fmt.Errorf("issuer URL, client ID, client secret, and redirect URL are required when OIDC is enabled")
		}
	}

	return nil
}

// AuthCacheConfig converts the cache section to the auth package's form.
func (c *Config) AuthCacheConfig() auth.CacheConfig {
	return auth.CacheConfig{
		VerifyAccessEnabled: c.Cache.VerifyAccessEnabled,
		VerifyAccessSize:    c.Cache.VerifyAccessSize,
		VerifyAccessTTL:     c.Cache.VerifyAccessTTL,

		TokenEnabled: c.Cache.TokenEnabled,
		TokenSize:    c.Cache.TokenSize,
		TokenTTL:     c.Cache.TokenTTL,

		ResourcePermissionsEnabled: c.Cache.ResourcePermissionsEnabled,
		ResourcePermissionsSize:    c.Cache.ResourcePermissionsSize,
		ResourcePermissionsTTL:     c.Cache.ResourcePermissionsTTL,
	}
}

// SSOConfig converts the OIDC section to the sso package's form.
func (c *Config) SSOConfig() sso.Config {
	return sso.Config{
		Enabled:      c.OIDC.Enabled,
		IssuerURL:    c.OIDC.IssuerURL,
		ClientID:     c.OIDC.ClientID,
		ClientSecret: c.OIDC.ClientSecret,
		RedirectURL:  c.OIDC.RedirectURL,
	}
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() observability.LogLevel {
	switch strings.ToLower(c.Observability.LogLevel) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
