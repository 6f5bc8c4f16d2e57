// Package config loads the agentbridge process configuration from a YAML or
// TOML file. Values may reference environment variables as ${VAR_NAME};
// durations are written as Go duration strings ("90s", "5m").
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/agentbridge/session"
)

// Config represents the complete agentbridge configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	OpenAI  OpenAIConfig  `yaml:"openai" toml:"openai"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Auth    AuthConfig    `yaml:"auth" toml:"auth"`
	Run     RunConfig     `yaml:"run" toml:"run"`
	Tools   ToolsConfig   `yaml:"tools" toml:"tools"`
	SignIn  SignInConfig  `yaml:"signin" toml:"signin"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
	// PublicURL is the externally reachable base URL, used for sign-in and
	// file download links.
	PublicURL string `yaml:"public_url" toml:"public_url"`
	// ReplyURL, when set, receives replies of resumed or expired turns as a
	// JSON POST.
	ReplyURL string `yaml:"reply_url" toml:"reply_url"`
}

// OpenAIConfig holds the agent backend configuration
type OpenAIConfig struct {
	APIKey      string `yaml:"api_key" toml:"api_key"`
	BaseURL     string `yaml:"base_url" toml:"base_url"`
	AssistantID string `yaml:"assistant_id" toml:"assistant_id"`
	MaxRetries  int    `yaml:"max_retries" toml:"max_retries"`
}

// StoreConfig selects the session state backend
type StoreConfig struct {
	Driver        string        `yaml:"driver" toml:"driver"`
	DSN           string        `yaml:"dsn" toml:"dsn"`
	RedisAddress  string        `yaml:"redis_address" toml:"redis_address"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix" toml:"key_prefix"`
	TTL           time.Duration `yaml:"-" toml:"-"`
	TTLRaw        string        `yaml:"ttl" toml:"ttl"`
}

// AuthConfig holds the sign-in gate configuration
type AuthConfig struct {
	StateSecret   string        `yaml:"state_secret" toml:"state_secret"`
	SignInURL     string        `yaml:"signin_url" toml:"signin_url"`
	Timeout       time.Duration `yaml:"-" toml:"-"`
	TokenLifetime time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw       string `yaml:"timeout" toml:"timeout"`
	TokenLifetimeRaw string `yaml:"token_lifetime" toml:"token_lifetime"`
}

// RunConfig bounds a single agent run
type RunConfig struct {
	MaxRoundTrips    int           `yaml:"max_round_trips" toml:"max_round_trips"`
	MaxParallelTools int           `yaml:"max_parallel_tools" toml:"max_parallel_tools"`
	Timeout          time.Duration `yaml:"-" toml:"-"`
	PollInterval     time.Duration `yaml:"-" toml:"-"`
	ToolTimeout      time.Duration `yaml:"-" toml:"-"`
	LaneWait         time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
	ToolTimeoutRaw  string `yaml:"tool_timeout" toml:"tool_timeout"`
	LaneWaitRaw     string `yaml:"lane_wait" toml:"lane_wait"`
}

// ToolsConfig configures the tool registry
type ToolsConfig struct {
	// Dir holds declarative tool descriptors (*.json, *.yaml).
	Dir               string   `yaml:"dir" toml:"dir"`
	WebSearchKey      string   `yaml:"web_search_key" toml:"web_search_key"`
	WebSearchEndpoint string   `yaml:"web_search_endpoint" toml:"web_search_endpoint"`
	DirectoryURL      string   `yaml:"directory_url" toml:"directory_url"`
	Hosted            []string `yaml:"hosted" toml:"hosted"`
}

// SignInConfig configures the optional queue sign-in completions arrive on
type SignInConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"`
	Queue    string `yaml:"queue" toml:"queue"`
	Prefetch int    `yaml:"prefetch" toml:"prefetch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used for every value the file omits.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":3978"},
		Store:  StoreConfig{Driver: "memory", KeyPrefix: "agentbridge:session:"},
		Auth: AuthConfig{
			TimeoutRaw:       "5m",
			TokenLifetimeRaw: "1h",
		},
		Run: RunConfig{
			MaxRoundTrips:   10,
			TimeoutRaw:      "2m",
			PollIntervalRaw: "500ms",
			ToolTimeoutRaw:  "30s",
		},
		Tools:   ToolsConfig{Dir: "tools"},
		SignIn:  SignInConfig{Queue: "agentbridge.signin", Prefetch: 8},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the file extension: .toml for TOML, anything else YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes raw configuration content over the defaults.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value; unset
// variables expand to the empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.OpenAI.AssistantID == "" {
		return errors.New("openai.assistant_id is required")
	}

	switch c.Store.Driver {
	case "", "memory":
	case "sqlite", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	case "redis":
		if c.Store.RedisAddress == "" {
			return errors.New("store.redis_address is required for driver redis")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, mysql, redis", c.Store.Driver)
	}

	if c.Run.MaxRoundTrips < 0 {
		return errors.New("run.max_round_trips must not be negative")
	}
	if c.Run.Timeout <= 0 {
		return errors.New("run.timeout must be positive")
	}
	if c.Auth.Timeout <= 0 {
		return errors.New("auth.timeout must be positive")
	}

	for _, h := range c.Tools.Hosted {
		if h != "code_interpreter" && h != "file_search" {
			return fmt.Errorf("tools.hosted entry %q is not one of code_interpreter, file_search", h)
		}
	}

	switch c.Logging.Format {
	case "", "json", "text", "color":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text, color", c.Logging.Format)
	}
	return nil
}

// SessionConfig maps the store section onto session.Open's configuration.
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Driver:        c.Store.Driver,
		DSN:           c.Store.DSN,
		RedisAddress:  c.Store.RedisAddress,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		KeyPrefix:     c.Store.KeyPrefix,
		TTL:           c.Store.TTL,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"store.ttl", cfg.Store.TTLRaw, &cfg.Store.TTL},
		{"auth.timeout", cfg.Auth.TimeoutRaw, &cfg.Auth.Timeout},
		{"auth.token_lifetime", cfg.Auth.TokenLifetimeRaw, &cfg.Auth.TokenLifetime},
		{"run.timeout", cfg.Run.TimeoutRaw, &cfg.Run.Timeout},
		{"run.poll_interval", cfg.Run.PollIntervalRaw, &cfg.Run.PollInterval},
		{"run.tool_timeout", cfg.Run.ToolTimeoutRaw, &cfg.Run.ToolTimeout},
		{"run.lane_wait", cfg.Run.LaneWaitRaw, &cfg.Run.LaneWait},
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
