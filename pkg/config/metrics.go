package config

import (
	"github.com/marmos91/pipeserv/pkg/metrics"
	promMetrics "github.com/marmos91/pipeserv/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// PipelineMetrics is the collector handed to the server and its stages
	// (never nil, uses noop if disabled)
	PipelineMetrics metrics.PipelineMetrics
}

// InitializeMetrics creates the metrics components based on configuration.
//
// If metrics are enabled the global Prometheus registry is initialized and
// a metrics HTTP server and Prometheus-backed collectors are created.
// Otherwise the server is nil and the collectors are no-ops.
func InitializeMetrics(cfg *Config) *MetricsResult {
	if !cfg.Metrics.Enabled {
		return &MetricsResult{
			PipelineMetrics: metrics.NewNoopPipelineMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port: cfg.Metrics.Port,
	})

	return &MetricsResult{
		Server:          server,
		PipelineMetrics: promMetrics.NewPipelineMetrics(),
	}
}
