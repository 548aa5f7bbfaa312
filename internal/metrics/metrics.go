// Package metrics exposes dispatcher and orchestrator counters to
// Prometheus.
//
// Collectors are registered on an injected Registerer rather than the
// global default so tests and embedders can isolate them. A nil *Metrics
// is valid and records nothing.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the collectors.
type Metrics struct {
	JobsTotal          *prometheus.CounterVec
	QuotaExceededTotal *prometheus.CounterVec
	StageSkippedTotal  *prometheus.CounterVec
	BatchActive        prometheus.Gauge
	ChunkDuration      prometheus.Histogram
}

// New creates the collectors and registers them on reg. reg may be nil to
// get unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "govern_jobs_total",
				Help: "Jobs that reached a terminal state, by strategy and state.",
			},
			[]string{"strategy", "state"},
		),
		QuotaExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "govern_quota_exceeded_total",
				Help: "Units of work aborted by an exhausted quota, by resource and mode.",
			},
			[]string{"resource", "mode"},
		),
		StageSkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "govern_stage_skipped_total",
				Help: "Stages skipped by the recursion guard, by stage.",
			},
			[]string{"stage"},
		),
		BatchActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "govern_batch_active",
				Help: "Chunked-batch jobs currently holding an execution slot.",
			},
		),
		ChunkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "govern_batch_chunk_seconds",
				Help:    "Wall time of one chunk execution, in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.JobsTotal, m.QuotaExceededTotal, m.StageSkippedTotal, m.BatchActive, m.ChunkDuration)
	}
	return m
}

// JobFinished counts a terminal job.
func (m *Metrics) JobFinished(strategy, state string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(strategy, state).Inc()
}

// QuotaExceeded counts an aborted unit of work.
func (m *Metrics) QuotaExceeded(resource, mode string) {
	if m == nil {
		return
	}
	m.QuotaExceededTotal.WithLabelValues(resource, mode).Inc()
}

// StageSkipped counts a guard denial.
func (m *Metrics) StageSkipped(stage string) {
	if m == nil {
		return
	}
	m.StageSkippedTotal.WithLabelValues(stage).Inc()
}

// BatchStarted and BatchStopped track active batch slots.
func (m *Metrics) BatchStarted() {
	if m == nil {
		return
	}
	m.BatchActive.Inc()
}

func (m *Metrics) BatchStopped() {
	if m == nil {
		return
	}
	m.BatchActive.Dec()
}

// ChunkObserved records one chunk's duration in seconds.
func (m *Metrics) ChunkObserved(seconds float64) {
	if m == nil {
		return
	}
	m.ChunkDuration.Observe(seconds)
}
