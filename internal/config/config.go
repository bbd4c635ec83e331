// Package config loads the agentd configuration: a YAML file with ${VAR}
// expansion, then environment overrides, then defaults.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	Socket   SocketConfig   `yaml:"socket"`
	Backend  BackendConfig  `yaml:"backend"`
	Database DatabaseConfig `yaml:"database"`
	Receipts ReceiptsConfig `yaml:"receipts"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// AgentConfig identifies the human operator this daemon acts for.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
}

func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

type SocketConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	BackoffMin  time.Duration `yaml:"-"`
	BackoffMax  time.Duration `yaml:"-"`
	StableAfter time.Duration `yaml:"-"`

	BackoffMinRaw  string `yaml:"backoff_min"`
	BackoffMaxRaw  string `yaml:"backoff_max"`
	StableAfterRaw string `yaml:"stable_after"`
}

// BackendConfig points at the HTTP collaborator. An empty URL selects the
// built-in simulated backend.
type BackendConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DatabaseConfig enables the durable outbox journal when URL is set.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ReceiptsConfig struct {
	Threshold float64 `yaml:"threshold"`

	Dwell    time.Duration `yaml:"-"`
	DwellRaw string        `yaml:"dwell"`
}

type OutboxConfig struct {
	FlushQPS   float64 `yaml:"flush_qps"`
	FlushBurst int     `yaml:"flush_burst"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads path, which may be empty, and returns the effective config.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
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

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or nothing.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) error {
	str := map[string]*string{
		"AGENTD_AGENT_ID":        &cfg.Agent.ID,
		"AGENTD_AGENT_NAME":      &cfg.Agent.Name,
		"HOST":                   &cfg.Server.Host,
		"PORT":                   &cfg.Server.Port,
		"AGENTD_SOCKET_URL":      &cfg.Socket.URL,
		"AGENTD_SOCKET_TOKEN":    &cfg.Socket.Token,
		"AGENTD_BACKEND_URL":     &cfg.Backend.URL,
		"AGENTD_BACKEND_TOKEN":   &cfg.Backend.Token,
		"AGENTD_BACKEND_TIMEOUT": &cfg.Backend.TimeoutRaw,
		"AGENTD_RECEIPT_DWELL":   &cfg.Receipts.DwellRaw,
		"DATABASE_URL":           &cfg.Database.URL,
		"LOG_LEVEL":              &cfg.Logging.Level,
		"LOG_FORMAT":             &cfg.Logging.Format,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("AGENTD_FLUSH_QPS"); v != "" {
		qps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("AGENTD_FLUSH_QPS %q: %w", v, err)
		}
		cfg.Outbox.FlushQPS = qps
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"socket.backoff_min", cfg.Socket.BackoffMinRaw, &cfg.Socket.BackoffMin},
		{"socket.backoff_max", cfg.Socket.BackoffMaxRaw, &cfg.Socket.BackoffMax},
		{"socket.stable_after", cfg.Socket.StableAfterRaw, &cfg.Socket.StableAfter},
		{"backend.timeout", cfg.Backend.TimeoutRaw, &cfg.Backend.Timeout},
		{"receipts.dwell", cfg.Receipts.DwellRaw, &cfg.Receipts.Dwell},
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

func (c *Config) applyDefaults() {
	def := func(s *string, v string) {
		if *s == "" {
			*s = v
		}
	}
	defDur := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&c.Server.Host, "0.0.0.0")
	def(&c.Server.Port, "8080")
	def(&c.Agent.Name, c.Agent.ID)
	def(&c.Logging.Level, "info")
	def(&c.Logging.Format, "text")
	defDur(&c.Socket.BackoffMin, 500*time.Millisecond)
	defDur(&c.Socket.BackoffMax, 30*time.Second)
	defDur(&c.Socket.StableAfter, time.Minute)
	defDur(&c.Backend.Timeout, 15*time.Second)
	defDur(&c.Receipts.Dwell, 1500*time.Millisecond)
	if c.Receipts.Threshold == 0 {
		c.Receipts.Threshold = 0.5
	}
}

// Validate reports the first missing or out of range setting.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Socket.URL == "" {
		return fmt.Errorf("socket.url is required")
	}
	if c.Receipts.Threshold <= 0 || c.Receipts.Threshold > 1 {
		return fmt.Errorf("receipts.threshold must be in (0, 1], got %v", c.Receipts.Threshold)
	}
	if c.Socket.BackoffMin > c.Socket.BackoffMax {
		return fmt.Errorf("socket.backoff_min %s exceeds backoff_max %s", c.Socket.BackoffMin, c.Socket.BackoffMax)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}
