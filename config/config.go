// Package config loads server settings from compiled defaults, an optional
// YAML or TOML file and the environment. Command-line flags are applied on
// top by the caller before Validate.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/claudego/server/agent"
	"github.com/claudego/server/keystroke"
)

type Config struct {
	Port      int    `yaml:"port" toml:"port"`
	AuthToken string `yaml:"auth_token" toml:"auth_token"`
	DataDir   string `yaml:"data_dir" toml:"data_dir"`
	DevMode   bool   `yaml:"dev_mode" toml:"dev_mode"`
	LogLevel  string `yaml:"log_level" toml:"log_level"`

	// ServerURL is where the client commands (inject, pending, hook) reach
	// a running server.
	ServerURL string `yaml:"server_url" toml:"server_url"`

	Backend      agent.BackendType `yaml:"backend" toml:"backend"`
	TargetPrefix string            `yaml:"target_prefix" toml:"target_prefix"`

	// TranscriptsDir holds the agent's <sessionId>.jsonl transcripts.
	// Empty disables tailing.
	TranscriptsDir string `yaml:"transcripts_dir" toml:"transcripts_dir"`

	ReapInterval time.Duration `yaml:"reap_interval" toml:"reap_interval"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	PollAttempts int           `yaml:"poll_attempts" toml:"poll_attempts"`
	HookTimeout  time.Duration `yaml:"hook_timeout" toml:"hook_timeout"`

	Keys      keystroke.KeyMap `yaml:"keys" toml:"keys"`
	Sentinels []string         `yaml:"sentinels" toml:"sentinels"`
}

// Default returns the compiled defaults.
func Default() *Config {
	return &Config{
		Port:         8080,
		DataDir:      ".claudego",
		LogLevel:     "info",
		ServerURL:    "http://localhost:8080",
		Backend:      agent.Default,
		TargetPrefix: "claude-",
		ReapInterval: 5 * time.Second,
		PollInterval: keystroke.DefaultPollInterval,
		PollAttempts: keystroke.DefaultPollAttempts,
		HookTimeout:  10 * time.Minute,
		Keys:         keystroke.DefaultKeyMap(),
		Sentinels:    append([]string(nil), keystroke.DefaultSentinels...),
	}
}

// Load returns the defaults overlaid with the file at path (if not empty)
// and then the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays the settings present in a .yaml, .yml or .toml file.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".toml":
		_, err = toml.Decode(string(data), c)
	default:
		return fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables. Malformed values are errors
// rather than silently ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.int("SERVER_PORT", &c.Port)
	e.str("AUTH_TOKEN", &c.AuthToken)
	e.str("DATA_DIR", &c.DataDir)
	e.bool("DEV_MODE", &c.DevMode)
	e.str("LOG_LEVEL", &c.LogLevel)
	e.str("SERVER_URL", &c.ServerURL)
	if v, ok := lookup("BACKEND"); ok && v != "" {
		c.Backend = agent.BackendType(v)
	}
	e.str("TARGET_PREFIX", &c.TargetPrefix)
	e.str("TRANSCRIPTS_DIR", &c.TranscriptsDir)
	e.duration("REAP_INTERVAL", &c.ReapInterval)
	e.duration("POLL_INTERVAL", &c.PollInterval)
	e.int("POLL_ATTEMPTS", &c.PollAttempts)
	e.duration("HOOK_TIMEOUT", &c.HookTimeout)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = i
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.AuthToken == "" {
		return errors.New("auth token is required (use --auth-token flag or AUTH_TOKEN env)")
	}
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if !c.Backend.IsValid() {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("reap interval must be positive, got %s", c.ReapInterval)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.PollAttempts < 1 {
		return fmt.Errorf("poll attempts must be at least 1, got %d", c.PollAttempts)
	}
	if c.HookTimeout <= 0 {
		return fmt.Errorf("hook timeout must be positive, got %s", c.HookTimeout)
	}
	if err := c.Keys.Validate(); err != nil {
		return err
	}
	if len(c.Sentinels) == 0 {
		return errors.New("at least one sentinel is required")
	}
	for _, s := range c.Sentinels {
		if _, err := regexp.Compile(s); err != nil {
			return fmt.Errorf("sentinel %q: %w", s, err)
		}
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Resolve makes DataDir and TranscriptsDir absolute.
func (c *Config) Resolve() error {
	abs, err := filepath.Abs(c.DataDir)
	if err != nil {
		return fmt.Errorf("resolve data directory: %w", err)
	}
	c.DataDir = abs

	if c.TranscriptsDir != "" {
		abs, err := filepath.Abs(c.TranscriptsDir)
		if err != nil {
			return fmt.Errorf("resolve transcripts directory: %w", err)
		}
		c.TranscriptsDir = abs
	}
	return nil
}
