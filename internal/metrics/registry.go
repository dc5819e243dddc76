// Package metrics provides optional Prometheus metrics for the metadata
// engine. Components accept the interfaces defined here and treat nil as
// "metrics disabled".
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry initializes the global Prometheus registry. Subsequent calls
// are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// GetRegistry returns the global registry, or nil when metrics are disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// IsEnabled returns true if InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
