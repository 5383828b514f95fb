// ABOUTME: Configuration loading and parsing for messaging-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete messaging-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Messaging MessagingConfig `yaml:"messaging"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MessagingConfig holds delivery and connection tuning
type MessagingConfig struct {
	MaxBodyBytes int `yaml:"max_body_bytes"`
	QueueSize    int `yaml:"queue_size"`
	ReplayLimit  int `yaml:"replay_limit"`
	DedupeSize   int `yaml:"dedupe_size"`

	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	DedupeTTL         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	DedupeTTLRaw         string `yaml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for optional messaging settings
const (
	DefaultQueueSize         = 256
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 60 * time.Second
	DefaultDedupeTTL         = 5 * time.Minute
	DefaultDedupeSize        = 10000
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in optional messaging settings left unset.
func (c *Config) applyDefaults() {
	if c.Messaging.QueueSize <= 0 {
		c.Messaging.QueueSize = DefaultQueueSize
	}
	if c.Messaging.HeartbeatInterval <= 0 {
		c.Messaging.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Messaging.HeartbeatTimeout <= 0 {
		c.Messaging.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Messaging.DedupeTTL <= 0 {
		c.Messaging.DedupeTTL = DefaultDedupeTTL
	}
	if c.Messaging.DedupeSize <= 0 {
		c.Messaging.DedupeSize = DefaultDedupeSize
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	// A heartbeat timeout at or below the send interval would sweep healthy
	// connections between heartbeats
	if c.Messaging.HeartbeatTimeout <= c.Messaging.HeartbeatInterval {
		return fmt.Errorf("messaging.heartbeat_timeout must be greater than heartbeat_interval")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Messaging.HeartbeatIntervalRaw != "" {
		cfg.Messaging.HeartbeatInterval, err = time.ParseDuration(cfg.Messaging.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Messaging.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Messaging.HeartbeatTimeoutRaw != "" {
		cfg.Messaging.HeartbeatTimeout, err = time.ParseDuration(cfg.Messaging.HeartbeatTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_timeout %q: %w", cfg.Messaging.HeartbeatTimeoutRaw, err)
		}
	}

	if cfg.Messaging.DedupeTTLRaw != "" {
		cfg.Messaging.DedupeTTL, err = time.ParseDuration(cfg.Messaging.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Messaging.DedupeTTLRaw, err)
		}
	}

	return nil
}
