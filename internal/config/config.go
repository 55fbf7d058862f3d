// ABOUTME: Configuration loading and parsing for jobagent
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

// Default values applied when a field is left empty.
const (
	DefaultPort           = 8883
	DefaultKeepAlive      = 6 * time.Second
	DefaultMaxAttempts    = 5
	DefaultMinDelay       = 1 * time.Second
	DefaultMaxDelay       = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultRecentTTL      = 10 * time.Minute
	DefaultShutdownGrace  = 30 * time.Second
)

// Config represents the complete jobagent configuration
type Config struct {
	Device  DeviceConfig            `yaml:"device" toml:"device"`
	Broker  BrokerConfig            `yaml:"broker" toml:"broker"`
	Connect ConnectConfig           `yaml:"connect" toml:"connect"`
	Jobs    JobsConfig              `yaml:"jobs" toml:"jobs"`
	Actions map[string]ActionConfig `yaml:"actions" toml:"actions"`
	Journal JournalConfig           `yaml:"journal" toml:"journal"`
	Health  HealthConfig            `yaml:"health" toml:"health"`
	Logging LoggingConfig           `yaml:"logging" toml:"logging"`
}

// DeviceConfig identifies this device to the coordination service
type DeviceConfig struct {
	// ThingName is the stable device identifier that scopes every job topic.
	ThingName string `yaml:"thing_name" toml:"thing_name"`
}

// BrokerConfig holds the MQTT endpoint and credential material
type BrokerConfig struct {
	Endpoint     string `yaml:"endpoint" toml:"endpoint"`
	Port         int    `yaml:"port" toml:"port"`
	CAFile       string `yaml:"ca_file" toml:"ca_file"`
	CertFile     string `yaml:"cert_file" toml:"cert_file"`
	KeyFile      string `yaml:"key_file" toml:"key_file"`
	CleanSession bool   `yaml:"clean_session" toml:"clean_session"`

	KeepAlive time.Duration `yaml:"-" toml:"-"`

	KeepAliveRaw string `yaml:"keep_alive" toml:"keep_alive"`
}

// ConnectConfig controls how connection attempts are retried
type ConnectConfig struct {
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts"`

	MinDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	MinDelayRaw string `yaml:"min_delay" toml:"min_delay"`
	MaxDelayRaw string `yaml:"max_delay" toml:"max_delay"`
}

// JobsConfig holds job protocol timing
type JobsConfig struct {
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	RecentTTL      time.Duration `yaml:"-" toml:"-"`
	ShutdownGrace  time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	RecentTTLRaw      string `yaml:"recent_ttl" toml:"recent_ttl"`
	ShutdownGraceRaw  string `yaml:"shutdown_grace" toml:"shutdown_grace"`
}

// ActionConfig configures the default handler for one action name
type ActionConfig struct {
	// Command is run for the action; when empty the action is only logged.
	Command []string `yaml:"command" toml:"command"`
	// DeferCompletion leaves the job IN_PROGRESS after the command returns
	// during continuous processing; completion is reported out-of-band.
	// It has no effect without a Command.
	DeferCompletion bool `yaml:"defer_completion" toml:"defer_completion"`
}

// JournalConfig holds execution journal configuration
type JournalConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// HealthConfig holds the local gRPC health endpoint configuration
type HealthConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(string(data), filepath.Ext(path))
}

// Parse decodes configuration content. ext selects the format (".toml" or YAML otherwise).
func Parse(content, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(content)

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Device.ThingName == "" {
		return fmt.Errorf("device.thing_name is required")
	}
	if strings.ContainsAny(c.Device.ThingName, "/+#") {
		return fmt.Errorf("device.thing_name %q must not contain topic separators or wildcards", c.Device.ThingName)
	}

	if c.Broker.Endpoint == "" {
		return fmt.Errorf("broker.endpoint is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port %d is out of range", c.Broker.Port)
	}
	// Client certificate and key travel together
	if (c.Broker.CertFile == "") != (c.Broker.KeyFile == "") {
		return fmt.Errorf("broker.cert_file and broker.key_file must be set together")
	}

	if c.Connect.MaxAttempts < 1 {
		return fmt.Errorf("connect.max_attempts must be at least 1")
	}
	if c.Connect.MinDelay > c.Connect.MaxDelay {
		return fmt.Errorf("connect.min_delay (%s) exceeds connect.max_delay (%s)", c.Connect.MinDelay, c.Connect.MaxDelay)
	}

	for name, action := range c.Actions {
		if len(action.Command) > 0 && action.Command[0] == "" {
			return fmt.Errorf("actions.%s.command has an empty program name", name)
		}
	}

	return nil
}

// applyDefaults fills in zero values that have a sensible default.
func (c *Config) applyDefaults() {
	if c.Broker.Port == 0 {
		c.Broker.Port = DefaultPort
	}
	if c.Broker.KeepAliveRaw == "" {
		c.Broker.KeepAlive = DefaultKeepAlive
	}
	if c.Connect.MaxAttempts == 0 {
		c.Connect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Connect.MinDelayRaw == "" {
		c.Connect.MinDelay = DefaultMinDelay
	}
	if c.Connect.MaxDelayRaw == "" {
		c.Connect.MaxDelay = DefaultMaxDelay
	}
	if c.Jobs.RequestTimeoutRaw == "" {
		c.Jobs.RequestTimeout = DefaultRequestTimeout
	}
	if c.Jobs.RecentTTLRaw == "" {
		c.Jobs.RecentTTL = DefaultRecentTTL
	}
	if c.Jobs.ShutdownGraceRaw == "" {
		c.Jobs.ShutdownGrace = DefaultShutdownGrace
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.keep_alive", cfg.Broker.KeepAliveRaw, &cfg.Broker.KeepAlive},
		{"connect.min_delay", cfg.Connect.MinDelayRaw, &cfg.Connect.MinDelay},
		{"connect.max_delay", cfg.Connect.MaxDelayRaw, &cfg.Connect.MaxDelay},
		{"jobs.request_timeout", cfg.Jobs.RequestTimeoutRaw, &cfg.Jobs.RequestTimeout},
		{"jobs.recent_ttl", cfg.Jobs.RecentTTLRaw, &cfg.Jobs.RecentTTL},
		{"jobs.shutdown_grace", cfg.Jobs.ShutdownGraceRaw, &cfg.Jobs.ShutdownGrace},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s %q must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
