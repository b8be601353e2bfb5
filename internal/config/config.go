// Package config loads and validates the SDK configuration from a YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	vd "github.com/bytedance/go-tagexpr/v2/validator"
	"gopkg.in/yaml.v3"
)

func init() {
	vd.SetErrorFactory(func(failPath, msg string) error {
		return fmt.Errorf(`"validation failed: %s","msg": "%s"`, failPath, msg)
	})
}

// Environment selects which backend environment the SDK targets
type Environment string

const (
	EnvProduction Environment = "production"
	EnvSandbox    Environment = "sandbox"
)

const (
	SDKName    = "purchasekit"
	SDKVersion = "1.4.0"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "1h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a standard time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RedisConfig configures the optional Redis secure-storage backend
type RedisConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	Password string `yaml:"password,omitempty" json:"password,omitempty" vd:"-"`
	DB       int    `yaml:"db,omitempty" json:"db,omitempty"`
}

// PostgresConfig configures the optional Postgres secure-storage backend
type PostgresConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     string `yaml:"port" json:"port"`
	DBName   string `yaml:"dbname" json:"dbname"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password,omitempty" json:"password,omitempty" vd:"-"`
}

// NATSConfig configures the optional NATS lifecycle/event bridge
type NATSConfig struct {
	Host             string `yaml:"host" json:"host"`
	Port             string `yaml:"port" json:"port"`
	Username         string `yaml:"username,omitempty" json:"username,omitempty"`
	Password         string `yaml:"password,omitempty" json:"password,omitempty" vd:"-"`
	LifecycleSubject string `yaml:"lifecycleSubject,omitempty" json:"lifecycleSubject,omitempty"`
	EventSubject     string `yaml:"eventSubject,omitempty" json:"eventSubject,omitempty"`
}

// Config is the full SDK configuration
type Config struct {
	AppID   string `yaml:"appId" json:"appId" vd:"len($)>0;msg:sprintf('invalid parameter: %v;appId must satisfy the expr: len($)>0',$)"`
	APIKey  string `yaml:"apiKey" json:"apiKey" vd:"len($)>0;msg:sprintf('invalid parameter: %v;apiKey must satisfy the expr: len($)>0',$)"`
	BaseURL string `yaml:"baseUrl" json:"baseUrl" vd:"len($)>0;msg:sprintf('invalid parameter: %v;baseUrl must satisfy the expr: len($)>0',$)"`

	Environment Environment `yaml:"environment,omitempty" json:"environment,omitempty"`
	Platform    string      `yaml:"platform,omitempty" json:"platform,omitempty"`
	OSVersion   string      `yaml:"osVersion,omitempty" json:"osVersion,omitempty"`

	// RequestTimeout bounds every backend round trip; restore completion is
	// additionally bounded by the adapter's own timeout.
	RequestTimeout Duration `yaml:"requestTimeout,omitempty" json:"requestTimeout,omitempty"`
	// CacheTTL is the default refresh interval for cached entitlements
	CacheTTL Duration `yaml:"cacheTtl,omitempty" json:"cacheTtl,omitempty"`

	// StorageKey enables at-rest encryption of the secure key-value store
	// when non-empty; must be 32 bytes once decoded
	StorageKey string `yaml:"storageKey,omitempty" json:"storageKey,omitempty" vd:"-"`

	Redis    *RedisConfig    `yaml:"redis,omitempty" json:"redis,omitempty" vd:"?"`
	Postgres *PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty" vd:"?"`
	NATS     *NATSConfig     `yaml:"nats,omitempty" json:"nats,omitempty" vd:"?"`
}

// GetEnvOrDefault gets environment variable or returns default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Default returns a config with the defaults applied.
func Default() *Config {
	return &Config{
		Environment:    EnvProduction,
		Platform:       "ios",
		RequestTimeout: Duration(8 * time.Second),
		CacheTTL:       Duration(24 * time.Hour),
	}
}

// Load reads a YAML config file, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with environment variables when set.
func (c *Config) applyEnv() {
	c.AppID = GetEnvOrDefault("PURCHASEKIT_APP_ID", c.AppID)
	c.APIKey = GetEnvOrDefault("PURCHASEKIT_API_KEY", c.APIKey)
	c.BaseURL = GetEnvOrDefault("PURCHASEKIT_BASE_URL", c.BaseURL)
	c.Platform = GetEnvOrDefault("PURCHASEKIT_PLATFORM", c.Platform)
	c.OSVersion = GetEnvOrDefault("PURCHASEKIT_OS_VERSION", c.OSVersion)
	if env := os.Getenv("PURCHASEKIT_ENVIRONMENT"); env != "" {
		c.Environment = Environment(env)
	}
	c.StorageKey = GetEnvOrDefault("PURCHASEKIT_STORAGE_KEY", c.StorageKey)
}

// Validate checks the config against its declared constraints.
func (c *Config) Validate() error {
	if err := vd.Validate(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Environment != EnvProduction && c.Environment != EnvSandbox {
		return fmt.Errorf("invalid config: environment must be production or sandbox, got %q", c.Environment)
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(8 * time.Second)
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = Duration(24 * time.Hour)
	}
	return nil
}
