// Package config provides configuration management for Sellerdesk.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Sellerdesk.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Marketplace  MarketplaceConfig  `mapstructure:"marketplace"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backing store: "sqlite" (default, local) or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN builds the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// NATSConfig holds the optional event relay configuration.
// An empty URL disables the relay; coordination never depends on it.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MarketplaceConfig holds credentials and limits for marketplace clients.
type MarketplaceConfig struct {
	LWAAppID          string         `mapstructure:"lwaAppId"`
	LWAClientSecret   string         `mapstructure:"lwaClientSecret"`
	SPAPIRefreshToken string         `mapstructure:"spApiRefreshToken"`
	MarketplaceID     string         `mapstructure:"marketplaceId"`
	Endpoint          string         `mapstructure:"endpoint"`
	TokenTTLMinutes   int            `mapstructure:"tokenTtlMinutes"`
	MaxRetries        int            `mapstructure:"maxRetries"`
	CategoryLimits    map[string]int `mapstructure:"categoryLimits"`
}

// LLMConfig holds the LLM adapter configuration.
type LLMConfig struct {
	Provider    string `mapstructure:"provider"`
	Model       string `mapstructure:"model"`
	APIKey      string `mapstructure:"apiKey"`
	BaseURL     string `mapstructure:"baseUrl"`
	MaxTokens   int    `mapstructure:"maxTokens"`
	TimeoutSecs int    `mapstructure:"timeoutSecs"`
}

// CoordinationConfig holds tunables for the coordination runtime.
type CoordinationConfig struct {
	HealthCheckInterval   int    `mapstructure:"healthCheckInterval"`   // seconds, agent registry health loop
	DeadlineCheckInterval int    `mapstructure:"deadlineCheckInterval"` // seconds, task deadline monitor
	BusQueueSize          int    `mapstructure:"busQueueSize"`          // per-subscription queue depth
	PingTimeout           int    `mapstructure:"pingTimeout"`           // seconds, health ping wait
	StageTimeout          int    `mapstructure:"stageTimeout"`          // seconds, default pipeline stage timeout
	TemplateDir           string `mapstructure:"templateDir"`           // optional YAML pipeline templates
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HealthCheckIntervalDuration returns the health loop interval as a time.Duration.
func (c *CoordinationConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// DeadlineCheckIntervalDuration returns the deadline monitor interval as a time.Duration.
func (c *CoordinationConfig) DeadlineCheckIntervalDuration() time.Duration {
	return time.Duration(c.DeadlineCheckInterval) * time.Second
}

// PingTimeoutDuration returns the health ping wait as a time.Duration.
func (c *CoordinationConfig) PingTimeoutDuration() time.Duration {
	return time.Duration(c.PingTimeout) * time.Second
}

// TokenTTL returns the marketplace token cache TTL.
func (m *MarketplaceConfig) TokenTTL() time.Duration {
	return time.Duration(m.TokenTTLMinutes) * time.Minute
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SELLERDESK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "sellerdesk.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sellerdesk")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "sellerdesk")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means no relay, in-memory bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subjectPrefix", "sellerdesk")
	v.SetDefault("nats.maxReconnects", 10)

	// Marketplace defaults
	v.SetDefault("marketplace.endpoint", "https://sellingpartnerapi-na.amazon.com")
	v.SetDefault("marketplace.tokenTtlMinutes", 50)
	v.SetDefault("marketplace.maxRetries", 3)
	v.SetDefault("marketplace.categoryLimits", map[string]int{
		"catalog":   5,
		"inventory": 2,
		"pricing":   1,
		"orders":    3,
		"listings":  2,
	})

	// LLM defaults
	v.SetDefault("llm.provider", "stub")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.maxTokens", 2048)
	v.SetDefault("llm.timeoutSecs", 60)

	// Coordination defaults
	v.SetDefault("coordination.healthCheckInterval", 60)
	v.SetDefault("coordination.deadlineCheckInterval", 30)
	v.SetDefault("coordination.busQueueSize", 1024)
	v.SetDefault("coordination.pingTimeout", 5)
	v.SetDefault("coordination.stageTimeout", 60)
	v.SetDefault("coordination.templateDir", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service", "sellerdesk")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SELLERDESK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/sellerdesk/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SELLERDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The marketplace credential env vars follow the Amazon LWA naming contract,
	// not the SELLERDESK_ prefix, so they need explicit bindings.
	_ = v.BindEnv("marketplace.lwaAppId", "LWA_APP_ID")
	_ = v.BindEnv("marketplace.lwaClientSecret", "LWA_CLIENT_SECRET")
	_ = v.BindEnv("marketplace.spApiRefreshToken", "SP_API_REFRESH_TOKEN")
	_ = v.BindEnv("marketplace.marketplaceId", "MARKETPLACE_ID")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sellerdesk/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks configuration for fatal misconfiguration. Failures here
// abort startup; everything else degrades at runtime.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if cfg.Coordination.BusQueueSize <= 0 {
		return fmt.Errorf("coordination.busQueueSize must be positive")
	}
	return nil
}
