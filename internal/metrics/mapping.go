package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mapping outcomes
const (
	OutcomeHole         = "hole"
	OutcomeMapped       = "mapped"
	OutcomeResident     = "resident"
	OutcomeAllocated    = "allocated"
	OutcomeBoundaryRead = "boundary_read"
)

// MappingMetrics observes the block-mapping engine.
type MappingMetrics interface {
	// RecordMapping counts one resolved offset by outcome and context
	RecordMapping(outcome, context string)

	// RecordAllocationFailure counts a failed cluster allocation
	RecordAllocationFailure()
}

type mappingMetrics struct {
	mappings           *prometheus.CounterVec
	allocationFailures prometheus.Counter
}

// NewMappingMetrics creates mapping metrics on the global registry. It
// returns nil when metrics are disabled.
func NewMappingMetrics() MappingMetrics {
	if !IsEnabled() {
		return nil
	}
	return NewMappingMetricsWith(GetRegistry())
}

// NewMappingMetricsWith creates mapping metrics on reg.
func NewMappingMetricsWith(reg prometheus.Registerer) MappingMetrics {
	return &mappingMetrics{
		mappings: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntfs_block_mappings_total",
				Help: "Total number of resolved block mappings by outcome",
			},
			[]string{"outcome", "context"},
		),
		allocationFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ntfs_cluster_allocation_failures_total",
				Help: "Total number of failed cluster allocations",
			},
		),
	}
}

func (m *mappingMetrics) RecordMapping(outcome, context string) {
	m.mappings.WithLabelValues(outcome, context).Inc()
}

func (m *mappingMetrics) RecordAllocationFailure() {
	m.allocationFailures.Inc()
}
