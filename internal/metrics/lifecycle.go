package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LifecycleMetrics observes record creation, linking and loading.
type LifecycleMetrics interface {
	// RecordCreate counts a completed creation by file kind
	RecordCreate(kind string)

	// RecordRollback counts an aborted creation by the step that failed
	RecordRollback(step string)

	// RecordLink counts a new hard link
	RecordLink()

	// RecordUnlink counts a removed name
	RecordUnlink()

	// RecordMaterializeFailure counts a failed inode load by error kind
	RecordMaterializeFailure(kind string)
}

type lifecycleMetrics struct {
	creates     *prometheus.CounterVec
	rollbacks   *prometheus.CounterVec
	links       prometheus.Counter
	unlinks     prometheus.Counter
	loadFailure *prometheus.CounterVec
}

// NewLifecycleMetrics creates lifecycle metrics on the global registry. It
// returns nil when metrics are disabled.
func NewLifecycleMetrics() LifecycleMetrics {
	if !IsEnabled() {
		return nil
	}
	return NewLifecycleMetricsWith(GetRegistry())
}

// NewLifecycleMetricsWith creates lifecycle metrics on reg.
func NewLifecycleMetricsWith(reg prometheus.Registerer) LifecycleMetrics {
	return &lifecycleMetrics{
		creates: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntfs_inode_creates_total",
				Help: "Total number of created records by kind",
			},
			[]string{"kind"},
		),
		rollbacks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntfs_inode_create_rollbacks_total",
				Help: "Total number of rolled back creations by failed step",
			},
			[]string{"step"},
		),
		links: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ntfs_links_total",
				Help: "Total number of hard links added",
			},
		),
		unlinks: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "ntfs_unlinks_total",
				Help: "Total number of names removed",
			},
		),
		loadFailure: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "ntfs_materialize_failures_total",
				Help: "Total number of failed inode loads by error kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *lifecycleMetrics) RecordCreate(kind string) {
	m.creates.WithLabelValues(kind).Inc()
}

func (m *lifecycleMetrics) RecordRollback(step string) {
	m.rollbacks.WithLabelValues(step).Inc()
}

func (m *lifecycleMetrics) RecordLink() {
	m.links.Inc()
}

func (m *lifecycleMetrics) RecordUnlink() {
	m.unlinks.Inc()
}

func (m *lifecycleMetrics) RecordMaterializeFailure(kind string) {
	m.loadFailure.WithLabelValues(kind).Inc()
}
