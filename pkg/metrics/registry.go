// Package metrics defines the pipeline metrics interface, its no-op
// implementation and the HTTP endpoint that exposes them.
//
// Collection is off until InitRegistry runs. Before that every constructor in
// pkg/metrics/prometheus hands back the no-op recorder, and a server built
// with nil metrics behaves the same way.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry creates the process-wide registry. Later calls do nothing.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the process-wide registry, or nil while collection is
// off.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has run.
func IsEnabled() bool {
	return GetRegistry() != nil
}
