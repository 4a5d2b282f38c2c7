// Package metrics exposes dispatcher counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "organ_dispatch"

// Metrics holds the dispatcher collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Launches         *prometheus.CounterVec
	Completions      *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
	Batches          *prometheus.CounterVec
	SubtasksFinal    *prometheus.CounterVec
	Recoveries       *prometheus.CounterVec
	CompletionNotice prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Worker launch attempts by provider and result.",
		}, []string{"provider", "result"}),
		Completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_completions_total",
			Help:      "Worker runs finished, by resulting job status.",
		}, []string{"status"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Worker runs currently in flight.",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Delegated batches by department and outcome.",
		}, []string{"department", "outcome"}),
		SubtasksFinal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtasks_finalized_total",
			Help:      "Subtasks moved to a terminal status by batch reconciliation.",
		}, []string{"status"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Orphaned delegation anchors reconciled by the watchdog.",
		}, []string{"action"}),
		CompletionNotice: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "all_subtasks_complete_notices_total",
			Help:      "Parents announced as having every subtask finished.",
		}),
	}
	m.registry.MustRegister(
		m.Launches,
		m.Completions,
		m.ActiveRuns,
		m.Batches,
		m.SubtasksFinal,
		m.Recoveries,
		m.CompletionNotice,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordLaunch(provider string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		m.ActiveRuns.Inc()
	}
	m.Launches.WithLabelValues(provider, result).Inc()
}

// RecordRunEnded pairs with a successful RecordLaunch.
func (m *Metrics) RecordRunEnded() {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
}

func (m *Metrics) RecordCompletion(status string) {
	if m == nil {
		return
	}
	m.Completions.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordBatch(department, outcome string) {
	if m == nil {
		return
	}
	m.Batches.WithLabelValues(department, outcome).Inc()
}

func (m *Metrics) RecordFinalized(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SubtasksFinal.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) RecordRecovery(action string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordCompletionNotice() {
	if m == nil {
		return
	}
	m.CompletionNotice.Inc()
}
