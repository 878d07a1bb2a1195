// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Tasks     TasksConfig     `yaml:"tasks" toml:"tasks"`
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Delivery  DeliveryConfig  `yaml:"delivery" toml:"delivery"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr    string   `yaml:"grpc_addr" toml:"grpc_addr"` // optional gRPC health endpoint
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// AgentConfig describes the external agent CLI
type AgentConfig struct {
	CLIPath        string        `yaml:"cli_path" toml:"cli_path"`
	ExtraArgs      []string      `yaml:"extra_args" toml:"extra_args"`
	WorkDir        string        `yaml:"work_dir" toml:"work_dir"`
	Timeout        time.Duration `yaml:"-" toml:"-"`
	HealthInterval time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw        string `yaml:"timeout" toml:"timeout"`
	HealthIntervalRaw string `yaml:"health_interval" toml:"health_interval"`
}

// TasksConfig holds worker pool and retry configuration
type TasksConfig struct {
	Workers           int           `yaml:"workers" toml:"workers"`
	QueueSize         int           `yaml:"queue_size" toml:"queue_size"`
	MaxRetries        int           `yaml:"max_retries" toml:"max_retries"`
	MaxTasksPerWorker int           `yaml:"max_tasks_per_worker" toml:"max_tasks_per_worker"`
	RetryDelay        time.Duration `yaml:"-" toml:"-"`
	TimeLimit         time.Duration `yaml:"-" toml:"-"`

	RetryDelayRaw string `yaml:"retry_delay" toml:"retry_delay"`
	TimeLimitRaw  string `yaml:"time_limit" toml:"time_limit"`
}

// WebSocketConfig holds duplex endpoint configuration
type WebSocketConfig struct {
	MaxConnections    int           `yaml:"max_connections" toml:"max_connections"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes" toml:"max_message_bytes"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// SessionsConfig controls how chat frames are checked against session records
type SessionsConfig struct {
	// VerifyOwnership rejects chat frames for sessions the participant does not own.
	// Pointer so an absent key can default to true.
	VerifyOwnership *bool `yaml:"verify_ownership" toml:"verify_ownership"`
}

// DeliveryConfig controls how task results are pushed to live connections
type DeliveryConfig struct {
	Mode           string `yaml:"mode" toml:"mode"` // "broadcast" or "submitter"
	RenderMarkdown bool   `yaml:"render_markdown" toml:"render_markdown"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Delivery modes
const (
	DeliveryBroadcast = "broadcast"
	DeliverySubmitter = "submitter"
)

// Defaults mirror the values the relay has always shipped with.
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultCLIPath           = "opencode"
	DefaultAgentTimeout      = 120 * time.Second
	DefaultHealthInterval    = 30 * time.Second
	DefaultWorkers           = 4
	DefaultQueueSize         = 256
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = 60 * time.Second
	DefaultMaxTasksPerWorker = 50
	DefaultMaxConnections    = 1000
	DefaultMaxMessageBytes   = 64 * 1024
	DefaultHeartbeat         = 30 * time.Second
	DefaultTokenTTL          = 30 * time.Minute
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. isTOML selects the TOML decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Agent.CLIPath == "" {
		c.Agent.CLIPath = DefaultCLIPath
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}
	if c.Agent.HealthInterval <= 0 {
		c.Agent.HealthInterval = DefaultHealthInterval
	}
	if c.Tasks.Workers == 0 {
		c.Tasks.Workers = DefaultWorkers
	}
	if c.Tasks.QueueSize == 0 {
		c.Tasks.QueueSize = DefaultQueueSize
	}
	if c.Tasks.MaxRetries == 0 {
		c.Tasks.MaxRetries = DefaultMaxRetries
	}
	if c.Tasks.RetryDelay == 0 {
		c.Tasks.RetryDelay = DefaultRetryDelay
	}
	if c.Tasks.MaxTasksPerWorker == 0 {
		c.Tasks.MaxTasksPerWorker = DefaultMaxTasksPerWorker
	}
	if c.WebSocket.MaxConnections == 0 {
		c.WebSocket.MaxConnections = DefaultMaxConnections
	}
	if c.WebSocket.MaxMessageBytes == 0 {
		c.WebSocket.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.WebSocket.HeartbeatInterval <= 0 {
		c.WebSocket.HeartbeatInterval = DefaultHeartbeat
	}
	if c.Sessions.VerifyOwnership == nil {
		verify := true
		c.Sessions.VerifyOwnership = &verify
	}
	if c.Delivery.Mode == "" {
		c.Delivery.Mode = DeliveryBroadcast
	}
}

// DatabasePath returns the SQLite database path. COVEN_RELAY_DB_PATH, when
// set, overrides database.path.
func (c *Config) DatabasePath() string {
	if envPath := os.Getenv("COVEN_RELAY_DB_PATH"); envPath != "" {
		return envPath
	}
	return c.Database.Path
}

// VerifySessionOwnership reports whether chat frames must reference a session owned by the sender.
func (c *Config) VerifySessionOwnership() bool {
	return c.Sessions.VerifyOwnership == nil || *c.Sessions.VerifyOwnership
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Tasks.Workers < 0 {
		return fmt.Errorf("tasks.workers must not be negative")
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative")
	}

	switch c.Delivery.Mode {
	case DeliveryBroadcast, DeliverySubmitter:
	default:
		return fmt.Errorf("delivery.mode must be %q or %q, got %q", DeliveryBroadcast, DeliverySubmitter, c.Delivery.Mode)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"agent.health_interval", cfg.Agent.HealthIntervalRaw, &cfg.Agent.HealthInterval},
		{"tasks.retry_delay", cfg.Tasks.RetryDelayRaw, &cfg.Tasks.RetryDelay},
		{"tasks.time_limit", cfg.Tasks.TimeLimitRaw, &cfg.Tasks.TimeLimit},
		{"websocket.heartbeat_interval", cfg.WebSocket.HeartbeatIntervalRaw, &cfg.WebSocket.HeartbeatInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
