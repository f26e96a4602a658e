package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plexus/pkg/observability"
	"github.com/platinummonkey/plexus/pkg/security"
)

// Registry drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Event bus backends
const (
	EventsMemory = "memory"
	EventsRedis  = "redis"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Registry      RegistryConfig
	Events        EventsConfig
	Security      SecurityConfig
	Runtime       RuntimeConfig
	Observability ObservabilityConfig
}

// ServerConfig holds the ops HTTP server configuration
type ServerConfig struct {
	Host            string
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RegistryConfig selects where extensions are stored
type RegistryConfig struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// EventsConfig selects the event bus
type EventsConfig struct {
	Backend       string
	RedisURL      string
	RedisPassword string
	RedisDB       int
	ChannelPrefix string
}

// SecurityConfig holds the validation pipeline settings
type SecurityConfig struct {
	MaxMemoryMB       int
	MaxCPUPercent     int
	MaxFileSizeMB     int
	TrustedCAs        []string
	MaxSignatureAge   time.Duration
	CacheTTL          time.Duration
	CacheSize         int
	VulnerabilityFile string
}

// RuntimeConfig holds dispatcher, manifest and monitor settings
type RuntimeConfig struct {
	ManifestRoot   string
	HandlerTimeout time.Duration
	HealthSchedule string
	SampleSchedule string
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Registry:      loadRegistryConfig(),
		Events:        loadEventsConfig(),
		Security:      loadSecurityConfig(),
		Runtime:       loadRuntimeConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLEXUS_HOST", "0.0.0.0"),
		HealthPort:      getEnv("PLEXUS_HEALTH_PORT", "9090"),
		ReadTimeout:     getEnvDuration("PLEXUS_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLEXUS_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PLEXUS_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLEXUS_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Driver:       strings.ToLower(getEnv("PLEXUS_REGISTRY_DRIVER", DriverMemory)),
		DSN:          getEnv("PLEXUS_REGISTRY_DSN", ""),
		MaxOpenConns: getEnvInt("PLEXUS_REGISTRY_MAX_CONNS", 10),
	}
}

func loadEventsConfig() EventsConfig {
	return EventsConfig{
		Backend:       strings.ToLower(getEnv("PLEXUS_EVENTS_BACKEND", EventsMemory)),
		RedisURL:      getEnv("PLEXUS_REDIS_URL", ""),
		RedisPassword: getEnv("PLEXUS_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("PLEXUS_REDIS_DB", 0),
		ChannelPrefix: getEnv("PLEXUS_EVENTS_CHANNEL_PREFIX", "plexus.events."),
	}
}

// loadSecurityConfig starts from the pipeline defaults
func loadSecurityConfig() SecurityConfig {
	defaults := security.DefaultOptions()

	cfg := SecurityConfig{
		MaxMemoryMB:       getEnvInt("PLEXUS_MAX_MEMORY_MB", defaults.Limits.MaxMemoryMB),
		MaxCPUPercent:     getEnvInt("PLEXUS_MAX_CPU_PERCENT", defaults.Limits.MaxCPUPercent),
		MaxFileSizeMB:     getEnvInt("PLEXUS_MAX_FILE_SIZE_MB", defaults.Limits.MaxFileSizeMB),
		TrustedCAs:        defaults.TrustedCAs,
		MaxSignatureAge:   getEnvDuration("PLEXUS_MAX_SIGNATURE_AGE", defaults.MaxSignatureAge),
		CacheTTL:          getEnvDuration("PLEXUS_VALIDATION_CACHE_TTL", defaults.CacheTTL),
		CacheSize:         getEnvInt("PLEXUS_VALIDATION_CACHE_SIZE", defaults.CacheSize),
		VulnerabilityFile: getEnv("PLEXUS_VULNERABILITY_DB", ""),
	}
	if cas := getEnvList("PLEXUS_TRUSTED_CAS"); len(cas) > 0 {
		cfg.TrustedCAs = cas
	}
	return cfg
}

func loadRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		ManifestRoot:   getEnv("PLEXUS_MANIFEST_ROOT", "."),
		HandlerTimeout: getEnvDuration("PLEXUS_HANDLER_TIMEOUT", 5*time.Second),
		HealthSchedule: getEnv("PLEXUS_HEALTH_SCHEDULE", "@every 30s"),
		SampleSchedule: getEnv("PLEXUS_SAMPLE_SCHEDULE", "@every 5s"),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       strings.ToLower(getEnv("PLEXUS_LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("PLEXUS_LOG_FORMAT", observability.FormatText)),
		MetricsEnabled: getEnvBool("PLEXUS_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}

	switch c.Registry.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Registry.DSN == "" {
			return fmt.Errorf("registry DSN is required for %s registry", c.Registry.Driver)
		}
	default:
		return fmt.Errorf("invalid registry driver: %s (must be memory, sqlite3, or postgres)", c.Registry.Driver)
	}

	switch c.Events.Backend {
	case EventsMemory:
	case EventsRedis:
		if c.Events.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis event bus")
		}
	default:
		return fmt.Errorf("invalid events backend: %s (must be memory or redis)", c.Events.Backend)
	}

	if c.Security.MaxMemoryMB <= 0 || c.Security.MaxCPUPercent <= 0 || c.Security.MaxFileSizeMB <= 0 {
		return fmt.Errorf("security resource maxima must be positive")
	}
	if c.Security.MaxCPUPercent > 100 {
		return fmt.Errorf("max CPU percent cannot exceed 100")
	}
	if len(c.Security.TrustedCAs) == 0 {
		return fmt.Errorf("at least one trusted CA is required")
	}

	if c.Runtime.HandlerTimeout <= 0 {
		return fmt.Errorf("handler timeout must be positive")
	}

	if _, err := logrus.ParseLevel(c.Observability.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Observability.LogLevel)
	}
	if c.Observability.LogFormat != observability.FormatText && c.Observability.LogFormat != observability.FormatJSON {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Observability.LogFormat)
	}

	return nil
}

// SecurityOptions converts the security settings into pipeline options.
// The vulnerability database is loaded from VulnerabilityFile when set.
func (c *Config) SecurityOptions() (security.Options, error) {
	opts := security.DefaultOptions()
	opts.Limits = security.Limits{
		MaxMemoryMB:   c.Security.MaxMemoryMB,
		MaxCPUPercent: c.Security.MaxCPUPercent,
		MaxFileSizeMB: c.Security.MaxFileSizeMB,
	}
	opts.TrustedCAs = c.Security.TrustedCAs
	opts.MaxSignatureAge = c.Security.MaxSignatureAge
	opts.CacheTTL = c.Security.CacheTTL
	opts.CacheSize = c.Security.CacheSize

	if c.Security.VulnerabilityFile != "" {
		db, err := security.LoadVulnerabilityDatabase(c.Security.VulnerabilityFile)
		if err != nil {
			return opts, err
		}
		opts.Vulnerabilities = db
	}
	return opts, nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
