package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Handoff  HandoffConfig  `yaml:"handoff"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
	// AllowedOrigins restricts WebSocket and CORS origins. Empty allows
	// same-host origins only; "*" allows any.
	AllowedOrigins []string      `yaml:"allowed_origins"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	AllowedMIME    []string      `yaml:"allowed_mime_types"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	SendBuffer     int           `yaml:"send_buffer"`
	// MaxSessions caps concurrently connected sessions. Zero means no cap.
	MaxSessions int `yaml:"max_sessions"`
	// AuthToken guards /health details and /metrics. Empty leaves them open.
	AuthToken string `yaml:"auth_token"`
}

type UpstreamConfig struct {
	BaseURL    string  `yaml:"base_url"`
	Database   string  `yaml:"database"`
	Login      string  `yaml:"login"`
	Password   string  `yaml:"password"`
	ChannelIDs []int64 `yaml:"channel_ids"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	LongPollTimeout time.Duration `yaml:"long_poll_timeout"`
	Retry           RetryConfig   `yaml:"retry"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	PageSize        int           `yaml:"page_size"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// BridgeConfig holds the event source settings. These are the only settings
// applied without a restart.
type BridgeConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	LongPoll         bool          `yaml:"long_poll"`
	LongPollCooldown time.Duration `yaml:"long_poll_cooldown"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type HandoffConfig struct {
	// Reply is sent to the visitor while a human operator is requested.
	Reply string `yaml:"reply"`
	// OfflineReply is sent when no channel accepts the visitor.
	OfflineReply string `yaml:"offline_reply"`
	// EndNotice is posted to the conversation when the visitor leaves.
	EndNotice string `yaml:"end_notice"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "0.0.0.0",
			MaxUploadBytes: 10 << 20,
			AllowedMIME: []string{
				"image/jpeg", "image/png", "image/gif", "image/webp",
				"application/pdf", "text/plain",
				"application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
				"application/vnd.ms-excel",
				"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			},
			WriteTimeout: 10 * time.Second,
			PingInterval: 30 * time.Second,
			SendBuffer:   64,
		},
		Upstream: UpstreamConfig{
			RequestTimeout:  15 * time.Second,
			LongPollTimeout: 50 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 200 * time.Millisecond,
				Multiplier:     2,
				MaxBackoff:     5 * time.Second,
			},
			RateBurst: 10,
			PageSize:  100,
		},
		Bridge: BridgeConfig{
			PollInterval:     3 * time.Second,
			LongPoll:         true,
			LongPollCooldown: 30 * time.Second,
			FailureThreshold: 5,
		},
		Handoff: HandoffConfig{
			Reply:        "Connecting you with a support agent. Please wait a moment.",
			OfflineReply: "All our agents are currently offline. Please try again later.",
			EndNotice:    "The visitor has left the conversation.",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides upstream credentials, the admin token and the listen
// port from CHATBRIDGE_* variables. lookup is os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CHATBRIDGE_UPSTREAM_URL"); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := lookup("CHATBRIDGE_UPSTREAM_DATABASE"); ok {
		c.Upstream.Database = v
	}
	if v, ok := lookup("CHATBRIDGE_UPSTREAM_LOGIN"); ok {
		c.Upstream.Login = v
	}
	if v, ok := lookup("CHATBRIDGE_UPSTREAM_PASSWORD"); ok {
		c.Upstream.Password = v
	}
	if v, ok := lookup("CHATBRIDGE_CHANNEL_IDS"); ok {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("CHATBRIDGE_CHANNEL_IDS: %w", err)
		}
		c.Upstream.ChannelIDs = ids
	}
	if v, ok := lookup("CHATBRIDGE_AUTH_TOKEN"); ok {
		c.Server.AuthToken = v
	}
	if v, ok := lookup("CHATBRIDGE_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHATBRIDGE_PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate reports every impossible value at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Server.MaxSessions < 0 {
		errs = append(errs, errors.New("server.max_sessions must not be negative"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("server.send_buffer must be positive"))
	}
	if c.Upstream.BaseURL == "" {
		errs = append(errs, errors.New("upstream.base_url is required"))
	}
	if len(c.Upstream.ChannelIDs) == 0 {
		errs = append(errs, errors.New("upstream.channel_ids needs at least one channel"))
	}
	if c.Upstream.RequestTimeout <= 0 {
		errs = append(errs, errors.New("upstream.request_timeout must be positive"))
	}
	if c.Upstream.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("upstream.retry.max_attempts must be at least 1"))
	}
	if c.Upstream.Retry.Multiplier != 0 && c.Upstream.Retry.Multiplier < 1 {
		errs = append(errs, errors.New("upstream.retry.multiplier must be at least 1"))
	}
	if err := c.Bridge.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func (b BridgeConfig) Validate() error {
	var errs []error
	if b.PollInterval <= 0 {
		errs = append(errs, errors.New("bridge.poll_interval must be positive"))
	}
	if b.FailureThreshold < 1 {
		errs = append(errs, errors.New("bridge.failure_threshold must be at least 1"))
	}
	if b.LongPoll && b.LongPollCooldown <= 0 {
		errs = append(errs, errors.New("bridge.long_poll_cooldown must be positive when long_poll is on"))
	}
	return errors.Join(errs...)
}
