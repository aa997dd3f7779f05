package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fpt/klein-relay/internal/infra"
	"github.com/fpt/klein-relay/internal/relay"
	"github.com/fpt/klein-relay/internal/repository"
	"github.com/fpt/klein-relay/pkg/agent"
	pkgLogger "github.com/fpt/klein-relay/pkg/logger"
)

// Config is the relay configuration file
type Config struct {
	LogLevel    string             `yaml:"log_level"`
	Tick        time.Duration      `yaml:"tick"`
	StopTimeout time.Duration      `yaml:"stop_timeout"`
	Plugins     []relay.PluginSpec `yaml:"plugins"`

	// Repository for persistence (nil for in-memory only)
	configRepository repository.ConfigRepository `yaml:"-"`
}

// DefaultConfigPath returns ~/.klein/relay/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".klein", "relay", "config.yaml")
	}
	return filepath.Join(home, ".klein", "relay", "config.yaml")
}

// GetDefaultConfig returns a console-only relay with the basic commands
func GetDefaultConfig() *Config {
	console := []string{relay.DefaultChannel}
	return &Config{
		LogLevel:    string(pkgLogger.LogLevelMessage),
		Tick:        agent.DefaultTick,
		StopTimeout: relay.DefaultStopTimeout,
		Plugins: []relay.PluginSpec{
			{Type: "console", Channels: console},
			{Type: "listplugins", Channels: console},
			{Type: "reload", Channels: console},
			{Type: "kill", Channels: console},
		},
	}
}

// NewConfigWithRepository creates default config bound to a repository
func NewConfigWithRepository(repo repository.ConfigRepository) *Config {
	cfg := GetDefaultConfig()
	cfg.configRepository = repo
	return cfg
}

// Source is the path the config was loaded from, or "".
func (c *Config) Source() string {
	if c.configRepository == nil {
		return ""
	}
	return c.configRepository.Path()
}

// Load reads, decodes and validates the config from its repository
func (c *Config) Load() error {
	if c.configRepository == nil {
		return fmt.Errorf("no config repository configured")
	}

	data, err := c.configRepository.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	parsed.configRepository = c.configRepository
	*c = *parsed
	return nil
}

// Save writes the config to its repository
func (c *Config) Save() error {
	if c.configRepository == nil {
		return fmt.Errorf("no config repository configured")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return c.configRepository.Save(data)
}

// LoadConfig loads the relay config from path. An empty path means the
// default location, where a default config is written if none exists yet.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return createConfigFileAtPath(path)
		}
	}

	cfg := NewConfigWithRepository(infra.NewFileConfigRepository(path))
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a config document strictly and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in missing fields with default values
func applyDefaults(cfg *Config) {
	defaults := GetDefaultConfig()

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.Tick == 0 {
		cfg.Tick = defaults.Tick
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = defaults.StopTimeout
	}
}

// ValidateConfig checks the relay-level settings and that every plugin
// entry has a type and a unique instance name.
func ValidateConfig(cfg *Config) error {
	if _, err := pkgLogger.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.Tick < 0 {
		return fmt.Errorf("tick must not be negative, got %v", cfg.Tick)
	}
	if cfg.StopTimeout < 0 {
		return fmt.Errorf("stop_timeout must not be negative, got %v", cfg.StopTimeout)
	}

	seen := make(map[string]int, len(cfg.Plugins))
	for i, spec := range cfg.Plugins {
		if spec.Type == "" {
			return fmt.Errorf("plugin #%d: type is required", i+1)
		}
		name := spec.InstanceName()
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("plugin #%d: name %q already used by plugin #%d", i+1, name, prev)
		}
		seen[name] = i + 1
	}
	return nil
}

// createConfigFileAtPath writes the default config to path
func createConfigFileAtPath(path string) (*Config, error) {
	cfg := NewConfigWithRepository(infra.NewFileConfigRepository(path))
	if err := cfg.Save(); err != nil {
		// Return defaults without repository if saving fails
		return GetDefaultConfig(), nil
	}

	log := pkgLogger.NewComponentLogger("config")
	log.Message("Created default relay config", "path", path)
	log.Message("You can edit this file to add transports and plugins")
	return cfg, nil
}

// CoreConfig returns the Core parameters this config describes.
func (c *Config) CoreConfig() relay.CoreConfig {
	return relay.CoreConfig{
		ConfigSource: c.Source(),
		Tick:         c.Tick,
		StopTimeout:  c.StopTimeout,
	}
}

// Build constructs every configured plugin whose instance name does not
// match skip. Nothing is added to parent. The first failure is returned
// as a *relay.ConfigurationError.
func Build(parent relay.Parent, reg *relay.Registry, cfg *Config, skip SkipList) ([]relay.Plugin, error) {
	plugins := make([]relay.Plugin, 0, len(cfg.Plugins))
	for _, spec := range cfg.Plugins {
		if skip.Match(spec.InstanceName()) {
			continue
		}
		p, err := reg.Build(parent, spec)
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, p)
	}
	return plugins, nil
}
