package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full server configuration.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":8080".
	Addr string `yaml:"addr"`

	// Backend selects the conversational backend: scripted, openai or anthropic.
	Backend string `yaml:"backend"`

	// Model is the model id passed to the openai or anthropic backend.
	Model string `yaml:"model"`

	// DefinitionsFile is an optional YAML catalog of agents and flows
	// loaded into the store at startup.
	DefinitionsFile string `yaml:"definitions_file"`

	// DefaultStrategy overrides the inferred routing strategy for new
	// sessions when set.
	DefaultStrategy string `yaml:"default_strategy"`

	AttachTimeout time.Duration `yaml:"attach_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ReapInterval  time.Duration `yaml:"reap_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:            ":8080",
		Backend:         "scripted",
		AttachTimeout:   10 * time.Second,
		IdleTimeout:     30 * time.Minute,
		ReapInterval:    time.Minute,
		LogLevel:        "info",
		LogFormat:       "text",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and FLOWMESH_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case "scripted", "openai", "anthropic":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.AttachTimeout <= 0 {
		return fmt.Errorf("attach_timeout must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Addr, "FLOWMESH_ADDR")
	setString(&cfg.Backend, "FLOWMESH_BACKEND")
	setString(&cfg.Model, "FLOWMESH_MODEL")
	setString(&cfg.DefinitionsFile, "FLOWMESH_DEFINITIONS_FILE")
	setString(&cfg.DefaultStrategy, "FLOWMESH_DEFAULT_STRATEGY")
	setString(&cfg.LogLevel, "FLOWMESH_LOG_LEVEL")
	setString(&cfg.LogFormat, "FLOWMESH_LOG_FORMAT")
	setDuration(&cfg.AttachTimeout, "FLOWMESH_ATTACH_TIMEOUT")
	setDuration(&cfg.IdleTimeout, "FLOWMESH_IDLE_TIMEOUT")
	setDuration(&cfg.ReapInterval, "FLOWMESH_REAP_INTERVAL")
	setDuration(&cfg.ShutdownTimeout, "FLOWMESH_SHUTDOWN_TIMEOUT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
