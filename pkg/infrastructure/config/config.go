package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/TheEntropyCollective/fluxgate/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/fluxgate/pkg/multipart"
	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

// Config holds all FluxGate configuration
type Config struct {
	// Server Configuration
	Server ServerConfig `json:"server"`

	// Parser limits
	Limits multipart.Limits `json:"limits"`

	// Logging Configuration
	Logging LoggingConfig `json:"logging"`

	// Plugin chain: validators and transformers run in listed order,
	// storage entries fan out.
	Validators   []PluginConfig `json:"validators"`
	Transformers []PluginConfig `json:"transformers"`
	Storage      []PluginConfig `json:"storage"`
}

// ServerConfig holds demo server configuration
type ServerConfig struct {
	Host            string `json:"host"`
	Port            int    `json:"port"`
	MaxConnections  int    `json:"max_connections"`
	ShutdownTimeout int    `json:"shutdown_timeout_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
	File   string `json:"file"`
}

// PluginConfig names a registered plugin and carries its raw options.
type PluginConfig struct {
	Type    string         `json:"type"`
	Options map[string]any `json:"options,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			MaxConnections:  256,
			ShutdownTimeout: 30,
		},
		Limits: multipart.DefaultLimits(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Storage: []PluginConfig{
			{Type: "local", Options: map[string]any{"base_dir": "./uploads"}},
		},
	}
}

// LoadConfig loads configuration from a file, falling back to defaults
// when the file does not exist. Environment overrides apply last.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a file
func (c *Config) SaveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive")
	}
	if _, err := logging.ParseLogLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("invalid limits: %w", err)
	}
	if len(c.Storage) == 0 {
		return fmt.Errorf("at least one storage backend is required")
	}
	for _, p := range append(append(append([]PluginConfig{}, c.Validators...), c.Transformers...), c.Storage...) {
		if p.Type == "" {
			return fmt.Errorf("plugin entry missing type")
		}
	}
	return nil
}

// applyEnvOverrides applies FLUXGATE_* environment variables on top of
// the file configuration.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FLUXGATE_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("FLUXGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("FLUXGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FLUXGATE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FLUXGATE_MAX_FILE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Limits.FileSize = size
		}
	}
	if v := os.Getenv("FLUXGATE_MAX_FILES"); v != "" {
		if count, err := strconv.Atoi(v); err == nil {
			c.Limits.Files = count
		}
	}
}

// BuildLogger constructs the logger the configuration describes.
func (c *Config) BuildLogger() (*logging.Logger, error) {
	level, err := logging.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	lcfg := logging.DefaultConfig()
	lcfg.Level = level
	if c.Logging.Format == "json" {
		lcfg.Format = logging.JSONFormat
	}
	switch c.Logging.Output {
	case "", "stdout":
	case "stderr":
		lcfg.Output = os.Stderr
	case "file":
		out, err := logging.CreateFileOutput(c.Logging.File)
		if err != nil {
			return nil, err
		}
		lcfg.Output = out
	default:
		return nil, fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}
	return logging.NewLogger(lcfg), nil
}

// BuildChain instantiates the configured plugin chain through the
// registry.
func (c *Config) BuildChain() ([]pipeline.Plugin, []pipeline.Plugin, []pipeline.StoragePlugin, error) {
	var validators []pipeline.Plugin
	for _, p := range c.Validators {
		plugin, err := pipeline.CreatePlugin(pipeline.KindValidator, p.Type, p.Options)
		if err != nil {
			return nil, nil, nil, err
		}
		validators = append(validators, plugin)
	}

	var transformers []pipeline.Plugin
	for _, p := range c.Transformers {
		plugin, err := pipeline.CreatePlugin(pipeline.KindTransformer, p.Type, p.Options)
		if err != nil {
			return nil, nil, nil, err
		}
		transformers = append(transformers, plugin)
	}

	var storage []pipeline.StoragePlugin
	for _, p := range c.Storage {
		sink, err := pipeline.CreateStoragePlugin(p.Type, p.Options)
		if err != nil {
			return nil, nil, nil, err
		}
		storage = append(storage, sink)
	}

	return validators, transformers, storage, nil
}
