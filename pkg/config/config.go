package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the supervisor configuration
type Config struct {
	// API Keys
	AnthropicKey string `yaml:"anthropic_key"`

	// Server Configuration
	Server ServerConfig `yaml:"server"`

	// Storage Configuration
	Storage StorageConfig `yaml:"storage"`

	// Adapters Configuration
	Adapters AdaptersConfig `yaml:"adapters"`

	// Permissions Configuration
	Permissions PermissionsConfig `yaml:"permissions"`

	// Maintenance Configuration
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// Observability Configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr          string `yaml:"addr"`
	AuthToken     string `yaml:"auth_token"`
	RateLimit     int    `yaml:"rate_limit"`
	RateBurst     int    `yaml:"rate_burst"`
	EventQueueCap int    `yaml:"event_queue_cap"`
}

// StorageConfig selects and configures the session storage backend
type StorageConfig struct {
	Provider      string        `yaml:"provider"` // file, redis
	Dir           string        `yaml:"dir"`
	MaxEventBytes int64         `yaml:"max_event_bytes"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

// AdaptersConfig holds per-adapter configuration
type AdaptersConfig struct {
	Subprocess SubprocessConfig `yaml:"subprocess"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Sidecar    SidecarConfig    `yaml:"sidecar"`
}

// SubprocessConfig configures the worker-process adapter
type SubprocessConfig struct {
	Enabled    bool     `yaml:"enabled"`
	WorkerPath string   `yaml:"worker_path"`
	WorkerArgs []string `yaml:"worker_args"`
}

// AnthropicConfig configures the direct API adapter
type AnthropicConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
	System    string `yaml:"system"`
}

// SidecarConfig configures the remote sidecar adapter
type SidecarConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
}

// PermissionsConfig configures the approval coordinator
type PermissionsConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// MaintenanceConfig configures background pruning and idle interrupts
type MaintenanceConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Schedule    string        `yaml:"schedule"`
	Retention   time.Duration `yaml:"retention"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	MaxSessions int           `yaml:"max_sessions"`
}

// ObservabilityConfig configures metrics, health, and tracing
type ObservabilityConfig struct {
	Addr           string `yaml:"addr"`
	EnableTracing  bool   `yaml:"enable_tracing"`
	TracingBackend string `yaml:"tracing_backend"` // stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
}

// LoadConfig loads configuration from a YAML file. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator flags
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Apply defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 50
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 100
	}
	if cfg.Storage.Provider == "" {
		cfg.Storage.Provider = "file"
	}
	if cfg.Storage.RedisAddr == "" {
		cfg.Storage.RedisAddr = "localhost:6379"
	}
	if cfg.Permissions.Timeout == 0 {
		cfg.Permissions.Timeout = 300 * time.Second
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = "@every 5m"
	}
	if cfg.Maintenance.Retention == 0 {
		cfg.Maintenance.Retention = 30 * 24 * time.Hour
	}
	if cfg.Maintenance.IdleTimeout == 0 {
		cfg.Maintenance.IdleTimeout = 2 * time.Hour
	}
	if cfg.Adapters.Anthropic.Model == "" {
		cfg.Adapters.Anthropic.Model = "claude-3-5-sonnet-20241022"
	}
	if cfg.Adapters.Anthropic.MaxTokens == 0 {
		cfg.Adapters.Anthropic.MaxTokens = 4096
	}
	if cfg.Observability.Addr == "" {
		cfg.Observability.Addr = ":9090"
	}
	if cfg.Observability.TracingBackend == "" {
		cfg.Observability.TracingBackend = "stdout"
	}

	// Load secrets from environment if not in config
	if cfg.AnthropicKey == "" {
		cfg.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.Server.AuthToken == "" {
		cfg.Server.AuthToken = os.Getenv("LEASH_AUTH_TOKEN")
	}
	if cfg.Adapters.Sidecar.Token == "" {
		cfg.Adapters.Sidecar.Token = os.Getenv("LEASH_SIDECAR_TOKEN")
	}

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}

	if !c.Adapters.Subprocess.Enabled && !c.Adapters.Anthropic.Enabled && !c.Adapters.Sidecar.Enabled {
		return fmt.Errorf("at least one adapter must be enabled")
	}
	if c.Adapters.Subprocess.Enabled && c.Adapters.Subprocess.WorkerPath == "" {
		return fmt.Errorf("subprocess adapter requires worker_path")
	}
	if c.Adapters.Anthropic.Enabled && c.AnthropicKey == "" {
		return fmt.Errorf("anthropic adapter requires an API key")
	}
	if c.Adapters.Sidecar.Enabled && c.Adapters.Sidecar.URL == "" {
		return fmt.Errorf("sidecar adapter requires url")
	}

	return nil
}
