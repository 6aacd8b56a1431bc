// Package metrics holds the host's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Merge reasons.
const (
	MergeStaleBase    = "stale_base"
	MergePendingDraft = "pending_draft"
	MergeBroadcast    = "broadcast"
)

// Metrics is one registry plus the collectors registered on it. Each host
// owns its own so tests can run in parallel.
type Metrics struct {
	Registry *prometheus.Registry

	// SavesTotal counts save outcomes per tier (cloud | local) and status
	// (ok | error | conflict).
	SavesTotal *prometheus.CounterVec
	// MergesTotal counts merge notifications sent to editors.
	MergesTotal *prometheus.CounterVec
	// EditorsConnected is the number of live editor connections.
	EditorsConnected prometheus.Gauge
	// CommitDuration times cloud tier commits.
	CommitDuration prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		SavesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blocksync_saves_total",
				Help: "Save outcomes by storage tier and status.",
			},
			[]string{"tier", "status"},
		),
		MergesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blocksync_merges_total",
				Help: "Merge notifications sent to editors.",
			},
			[]string{"reason"},
		),
		EditorsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blocksync_editors_connected",
			Help: "Editors currently connected.",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "blocksync_commit_duration_seconds",
			Help:    "Cloud tier commit latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.Registry.MustRegister(m.SavesTotal, m.MergesTotal, m.EditorsConnected, m.CommitDuration)
	return m
}

func (m *Metrics) Save(tier, status string) {
	m.SavesTotal.WithLabelValues(tier, status).Inc()
}

func (m *Metrics) Merge(reason string) {
	m.MergesTotal.WithLabelValues(reason).Inc()
}

// ObserveCommit records the time since start.
func (m *Metrics) ObserveCommit(start time.Time) {
	m.CommitDuration.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
