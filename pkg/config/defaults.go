package config

import (
	"strings"
)

// DefaultMetricsPort is the metrics HTTP port used when none is configured.
const DefaultMetricsPort = 9090

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Zero values are replaced with defaults; explicit values are preserved.
// Handler option maps are filled for every handler type so a generated
// config file documents all of them.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	cfg.Server.ApplyDefaults()
	applyMetricsDefaults(&cfg.Metrics)
	applyHandlerDefaults(&cfg.Handler)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// applyHandlerDefaults sets handler defaults.
func applyHandlerDefaults(cfg *HandlerConfig) {
	if cfg.Type == "" {
		cfg.Type = "echo"
	}

	if cfg.Echo == nil {
		cfg.Echo = make(map[string]any)
	}
	if cfg.Static == nil {
		cfg.Static = make(map[string]any)
	}

	if _, ok := cfg.Echo["quit"]; !ok {
		cfg.Echo["quit"] = "quit"
	}
	if _, ok := cfg.Static["root"]; !ok {
		cfg.Static["root"] = "/var/www/pipeserv"
	}
	if _, ok := cfg.Static["index"]; !ok {
		cfg.Static["index"] = "index.html"
	}
	if _, ok := cfg.Static["directory_listing"]; !ok {
		cfg.Static["directory_listing"] = false
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is used by InitConfig to generate a starter config file.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
