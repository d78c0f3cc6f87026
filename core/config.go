package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	EnvironmentSandbox    = "sandbox"
	EnvironmentProduction = "production"
)

type OAuthConfig struct {
	ClientID      string   `koanf:"client_id" mapstructure:"client_id"`
	ClientSecret  string   `koanf:"client_secret" mapstructure:"client_secret"`
	RedirectURI   string   `koanf:"redirect_uri" mapstructure:"redirect_uri"`
	DefaultScopes []string `koanf:"default_scopes" mapstructure:"default_scopes"`
}

// Validate ensures client credentials are present. Consent initiation calls
// this as well: credentials can be rotated out from under a running process.
func (c OAuthConfig) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return NewConfigurationError("core: oauth client_id is required")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		return NewConfigurationError("core: oauth client_secret is required")
	}
	if strings.TrimSpace(c.RedirectURI) == "" {
		return NewConfigurationError("core: oauth redirect_uri is required")
	}
	return nil
}

type CertificateConfig struct {
	CertFile string `koanf:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `koanf:"key_file" mapstructure:"key_file"`
}

func (c CertificateConfig) Configured() bool {
	return strings.TrimSpace(c.CertFile) != "" && strings.TrimSpace(c.KeyFile) != ""
}

type SyncConfig struct {
	BalanceIntervalMinutes          int `koanf:"balance_interval_minutes" mapstructure:"balance_interval_minutes"`
	TransactionIntervalHours        int `koanf:"transaction_interval_hours" mapstructure:"transaction_interval_hours"`
	TokenRefreshBeforeExpiryMinutes int `koanf:"token_refresh_before_expiration_minutes" mapstructure:"token_refresh_before_expiration_minutes"`
	MaxRetryAttempts                int `koanf:"max_retry_attempts" mapstructure:"max_retry_attempts"`
	RetryDelayMs                    int `koanf:"retry_delay_ms" mapstructure:"retry_delay_ms"`
}

func (c SyncConfig) BalanceInterval() time.Duration {
	return time.Duration(c.BalanceIntervalMinutes) * time.Minute
}

func (c SyncConfig) TransactionInterval() time.Duration {
	return time.Duration(c.TransactionIntervalHours) * time.Hour
}

func (c SyncConfig) TokenRefreshLead() time.Duration {
	return time.Duration(c.TokenRefreshBeforeExpiryMinutes) * time.Minute
}

func (c SyncConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

type RegistryConfig struct {
	Endpoint             string `koanf:"endpoint" mapstructure:"endpoint"`
	RefreshIntervalHours int    `koanf:"refresh_interval_hours" mapstructure:"refresh_interval_hours"`
	// AutoRefresh is a pointer so config layering can tell an explicit
	// false apart from an unset value.
	AutoRefresh *bool `koanf:"auto_refresh" mapstructure:"auto_refresh"`
}

func (c RegistryConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalHours) * time.Hour
}

func (c RegistryConfig) AutoRefreshEnabled() bool {
	return c.AutoRefresh != nil && *c.AutoRefresh
}

// Bool returns a pointer to v for optional config fields.
func Bool(v bool) *bool {
	return &v
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Environment string            `koanf:"environment" mapstructure:"environment"`
	OAuth       OAuthConfig       `koanf:"oauth" mapstructure:"oauth"`
	Certificate CertificateConfig `koanf:"certificate" mapstructure:"certificate"`
	Sync        SyncConfig        `koanf:"sync" mapstructure:"sync"`
	Registry    RegistryConfig    `koanf:"registry" mapstructure:"registry"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "openfinance",
		Environment: EnvironmentSandbox,
		Sync: SyncConfig{
			BalanceIntervalMinutes:          15,
			TransactionIntervalHours:        6,
			TokenRefreshBeforeExpiryMinutes: 5,
			MaxRetryAttempts:                3,
			RetryDelayMs:                    500,
		},
		Registry: RegistryConfig{
			RefreshIntervalHours: 24,
			AutoRefresh:          Bool(true),
		},
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("core: config is nil")
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	environment := strings.ToLower(strings.TrimSpace(c.Environment))
	if environment != EnvironmentSandbox && environment != EnvironmentProduction {
		return fmt.Errorf("core: environment must be %q or %q", EnvironmentSandbox, EnvironmentProduction)
	}
	if c.Sync.BalanceIntervalMinutes <= 0 {
		return fmt.Errorf("core: sync.balance_interval_minutes must be positive")
	}
	if c.Sync.TransactionIntervalHours <= 0 {
		return fmt.Errorf("core: sync.transaction_interval_hours must be positive")
	}
	if c.Sync.TokenRefreshBeforeExpiryMinutes <= 0 {
		return fmt.Errorf("core: sync.token_refresh_before_expiration_minutes must be positive")
	}
	if c.Sync.MaxRetryAttempts < 1 {
		return fmt.Errorf("core: sync.max_retry_attempts must be at least 1")
	}
	if c.Sync.RetryDelayMs < 0 {
		return fmt.Errorf("core: sync.retry_delay_ms must not be negative")
	}
	if c.Registry.AutoRefreshEnabled() && c.Registry.RefreshIntervalHours <= 0 {
		return fmt.Errorf("core: registry.refresh_interval_hours must be positive when auto_refresh is enabled")
	}
	return nil
}
