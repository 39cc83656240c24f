// ABOUTME: Configuration loading and parsing for the council server and CLI
// ABOUTME: Supports YAML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-council/internal/agent"
)

// Defaults applied to fields left empty.
const (
	DefaultHTTPAddr           = "127.0.0.1:8090"
	DefaultGRPCAddr           = "127.0.0.1:50061"
	DefaultModel              = "gemini-2.5-flash"
	DefaultRequestsPerMinute  = 60
	DefaultBurst              = 5
	DefaultStepDelay          = 1200 * time.Millisecond
	DefaultMaxDiscussionTurns = 5
	DefaultSummaryThreshold   = 250
	DefaultTurnTimeout        = 5 * time.Minute
)

// Config represents the complete council configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Logging      LoggingConfig      `yaml:"logging"`
	Model        ModelConfig        `yaml:"model"`
	Moderator    ModeratorConfig    `yaml:"moderator"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// AgentsFile names the TOML roster, relative to the config file.
	AgentsFile string `yaml:"agents_file"`

	// Agents is an inline roster used when AgentsFile is empty.
	Agents []*agent.Profile `yaml:"agents"`
}

// ServerConfig holds server address configuration. An empty GRPCAddr
// disables the gRPC health listener.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ModelConfig holds the shared model backend settings
type ModelConfig struct {
	APIKey            string `yaml:"api_key"`
	DefaultModel      string `yaml:"default_model"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	Burst             int    `yaml:"burst"`
}

// ModeratorConfig holds the moderator's credential and persona.
// An empty APIKey falls back to model.api_key.
type ModeratorConfig struct {
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Instruction string `yaml:"instruction"`
}

// OrchestratorConfig holds turn pacing and bounds
type OrchestratorConfig struct {
	StepDelay          time.Duration `yaml:"-"`
	TurnTimeout        time.Duration `yaml:"-"`
	MaxDiscussionTurns int           `yaml:"max_discussion_turns"`
	SummaryThreshold   int           `yaml:"summary_threshold"`

	// Raw string values for YAML unmarshaling
	StepDelayRaw   string `yaml:"step_delay"`
	TurnTimeoutRaw string `yaml:"turn_timeout"`
}

// ModeratorCredential returns the key the moderator should use.
func (c *Config) ModeratorCredential() string {
	if c.Moderator.APIKey != "" {
		return c.Moderator.APIKey
	}
	return c.Model.APIKey
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Relative paths are resolved against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if cfg.AgentsFile != "" && !filepath.IsAbs(cfg.AgentsFile) {
		cfg.AgentsFile = filepath.Join(dir, cfg.AgentsFile)
	}
	return cfg, nil
}

// Parse parses, defaults and validates raw YAML.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	cfg.Database.Path = expandHome(cfg.Database.Path)

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
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataPath(), "council.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Model.DefaultModel == "" {
		c.Model.DefaultModel = DefaultModel
	}
	if c.Model.RequestsPerMinute == 0 {
		c.Model.RequestsPerMinute = DefaultRequestsPerMinute
	}
	if c.Model.Burst == 0 {
		c.Model.Burst = DefaultBurst
	}
	if c.Orchestrator.StepDelayRaw == "" {
		c.Orchestrator.StepDelay = DefaultStepDelay
	}
	if c.Orchestrator.TurnTimeoutRaw == "" {
		c.Orchestrator.TurnTimeout = DefaultTurnTimeout
	}
	if c.Orchestrator.MaxDiscussionTurns == 0 {
		c.Orchestrator.MaxDiscussionTurns = DefaultMaxDiscussionTurns
	}
	if c.Orchestrator.SummaryThreshold == 0 {
		c.Orchestrator.SummaryThreshold = DefaultSummaryThreshold
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
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format)
	}
	if c.Model.RequestsPerMinute < 0 {
		return fmt.Errorf("model.requests_per_minute must not be negative")
	}
	if c.Model.Burst < 0 {
		return fmt.Errorf("model.burst must not be negative")
	}
	if c.Orchestrator.MaxDiscussionTurns < 1 {
		return fmt.Errorf("orchestrator.max_discussion_turns must be at least 1")
	}
	if c.Orchestrator.StepDelay < 0 {
		return fmt.Errorf("orchestrator.step_delay must not be negative")
	}
	if c.Orchestrator.TurnTimeout < 0 {
		return fmt.Errorf("orchestrator.turn_timeout must not be negative")
	}
	if err := validateProfiles(c.Agents); err != nil {
		return fmt.Errorf("agents: %w", err)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Orchestrator.StepDelayRaw != "" {
		cfg.Orchestrator.StepDelay, err = time.ParseDuration(cfg.Orchestrator.StepDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing step_delay %q: %w", cfg.Orchestrator.StepDelayRaw, err)
		}
	}

	if cfg.Orchestrator.TurnTimeoutRaw != "" {
		cfg.Orchestrator.TurnTimeout, err = time.ParseDuration(cfg.Orchestrator.TurnTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing turn_timeout %q: %w", cfg.Orchestrator.TurnTimeoutRaw, err)
		}
	}

	return nil
}
