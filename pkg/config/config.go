// Package config provides configuration loading and management for fitsproc.
// It handles loading configuration from YAML files, applies environment
// overrides and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration loaded from YAML
type Config struct {
	// Listen is the UDP endpoint the command listener binds
	Listen struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"listen"`

	Paths struct {
		// ProcessedRoot holds one directory per observing date
		ProcessedRoot string `yaml:"processedRoot"`

		// RepositoryRoot is the flat shared directory with the pointer files
		RepositoryRoot string `yaml:"repositoryRoot"`

		LogDir string `yaml:"logDir"`
	} `yaml:"paths"`

	// Stages enable or disable each processing step
	Stages struct {
		Geometry      bool `yaml:"geometry"`
		Time          bool `yaml:"time"`
		Temperature   bool `yaml:"temperature"`
		Miscellaneous bool `yaml:"miscellaneous"`
		Mosaic        bool `yaml:"mosaic"`
	} `yaml:"stages"`

	Mosaic struct {
		// OverscanSkip is the number of overscan columns next to the data
		// excluded from the bias estimate
		OverscanSkip int `yaml:"overscanSkip"`

		// RowMargin rows are excluded at the top and bottom of the overscan
		RowMargin int `yaml:"rowMargin"`
	} `yaml:"mosaic"`

	Workers struct {
		// MaxConcurrent bounds the number of running workers; 0 is unbounded
		MaxConcurrent int `yaml:"maxConcurrent"`

		// DrainOnStop makes stop wait for in-flight workers, up to DrainTimeout
		DrainOnStop  bool          `yaml:"drainOnStop"`
		DrainTimeout time.Duration `yaml:"drainTimeout"`
	} `yaml:"workers"`

	// MQTT publication of outcomes is disabled when Broker is empty
	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"clientId"`
		Topic    string `yaml:"topic"`
		QoS      byte   `yaml:"qos"`
	} `yaml:"mqtt"`

	Debug bool `yaml:"debug"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Listen.Host = "127.0.0.1"
	cfg.Listen.Port = 6543

	cfg.Paths.ProcessedRoot = "/data/processed"
	cfg.Paths.RepositoryRoot = "/data/repository"
	cfg.Paths.LogDir = "/var/log/fitsproc"

	cfg.Stages.Geometry = true
	cfg.Stages.Time = true
	cfg.Stages.Temperature = true
	cfg.Stages.Miscellaneous = true
	cfg.Stages.Mosaic = true

	cfg.Mosaic.OverscanSkip = 2
	cfg.Mosaic.RowMargin = 4

	cfg.Workers.MaxConcurrent = 0
	cfg.Workers.DrainOnStop = false
	cfg.Workers.DrainTimeout = 30 * time.Second

	cfg.MQTT.ClientID = "fitsproc"
	cfg.MQTT.Topic = "fitsproc/outcomes"
	cfg.MQTT.QoS = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file, then applies overrides
// from envFile (when it exists) and the process environment.
// If the YAML file doesn't exist, the defaults are used.
func LoadConfig(configPath, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("error reading config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := ApplyEnv(cfg, envFile); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from FITSPROC_* variables. Variables in envFile
// are loaded first without replacing ones already set.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	strVars := map[string]*string{
		"FITSPROC_HOST":            &cfg.Listen.Host,
		"FITSPROC_PROCESSED_ROOT":  &cfg.Paths.ProcessedRoot,
		"FITSPROC_REPOSITORY_ROOT": &cfg.Paths.RepositoryRoot,
		"FITSPROC_LOG_DIR":         &cfg.Paths.LogDir,
		"FITSPROC_MQTT_BROKER":     &cfg.MQTT.Broker,
	}
	for name, dst := range strVars {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("FITSPROC_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("FITSPROC_PORT: %w", err)
		}
		cfg.Listen.Port = port
	}
	if v, ok := os.LookupEnv("FITSPROC_DEBUG"); ok {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FITSPROC_DEBUG: %w", err)
		}
		cfg.Debug = debug
	}
	return nil
}

// Validate checks the values the server cannot start without.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Paths.ProcessedRoot == "" {
		return fmt.Errorf("paths.processedRoot is required")
	}
	if c.Paths.RepositoryRoot == "" {
		return fmt.Errorf("paths.repositoryRoot is required")
	}
	if c.Mosaic.OverscanSkip < 0 || c.Mosaic.RowMargin < 0 {
		return fmt.Errorf("mosaic.overscanSkip and mosaic.rowMargin must be >= 0")
	}
	if c.Workers.MaxConcurrent < 0 {
		return fmt.Errorf("workers.maxConcurrent must be >= 0")
	}
	if c.Workers.DrainOnStop && c.Workers.DrainTimeout <= 0 {
		return fmt.Errorf("workers.drainTimeout must be > 0 when drainOnStop is set")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic is required when mqtt.broker is set")
	}
	return nil
}

// Address is the listen endpoint as host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
