package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/marmos91/pipeserv/pkg/server"
)

// Config represents the complete pipeserv configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (PIPESERV_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values
//
// Handler Configuration Pattern:
// Each handler defines its own configuration type. The Handler section holds
// one options map per handler type and only the map matching the selected
// type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Server contains the listener and pipeline settings.
	// Uses the server.Config type directly to avoid duplication.
	Server server.Config `mapstructure:"server" yaml:"server" json:"server"`

	// Metrics controls the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Handler selects the connection handler and its options
	Handler HandlerConfig `mapstructure:"handler" yaml:"handler" json:"handler"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" json:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json" json:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required" json:"output"`
}

// MetricsConfig controls the metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns on Prometheus collection and the /metrics endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Port is the metrics HTTP port
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535" json:"port"`
}

// HandlerConfig selects the handler run on poll_in workers.
type HandlerConfig struct {
	// Type specifies which handler to run
	// Valid values: echo, static
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=echo static" json:"type"`

	// Echo contains echo handler options
	// Only used when Type = "echo"
	Echo map[string]any `mapstructure:"echo" yaml:"echo" json:"echo,omitempty"`

	// Static contains static file handler options
	// Only used when Type = "static"
	Static map[string]any `mapstructure:"static" yaml:"static" json:"static,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// A missing config file is not an error: defaults and environment
// variables are used instead.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use PIPESERV_ prefix and underscores
	// Example: PIPESERV_SERVER_PORT=9000
	v.SetEnvPrefix("PIPESERV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	// Default location: $XDG_CONFIG_HOME/pipeserv/config.{yaml,toml}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "pipeserv")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "pipeserv")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for init command).
func GetConfigDir() string {
	return getConfigDir()
}
