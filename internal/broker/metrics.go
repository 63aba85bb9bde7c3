package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values for completed jobs.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics holds the broker's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	JobsDispatched prometheus.Counter
	JobsCompleted  *prometheus.CounterVec
	ResultsDropped prometheus.Counter
	JobsInFlight   prometheus.Gauge
	QueueDepth     prometheus.Gauge
	ParseDuration  prometheus.Histogram
	WorkersSpawned prometheus.Counter
}

// NewMetrics creates the broker collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "jobs_dispatched_total",
			Help:      "Parse jobs accepted by Dispatch.",
		}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "jobs_completed_total",
			Help:      "Parse jobs that delivered a result, by outcome.",
		}, []string{"outcome"}),
		ResultsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "results_dropped_total",
			Help:      "Results with no outstanding job, or with no reader during close.",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "jobs_in_flight",
			Help:      "Parse jobs currently running on a worker.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Parse jobs waiting for a free worker.",
		}),
		ParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "parse_duration_seconds",
			Help:      "Time a worker spent on one parse job.",
			Buckets:   prometheus.DefBuckets,
		}),
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "midst",
			Subsystem: "broker",
			Name:      "workers_spawned_total",
			Help:      "Worker handles obtained from the spawner.",
		}),
	}

	collectors := []prometheus.Collector{
		m.JobsDispatched, m.JobsCompleted, m.ResultsDropped,
		m.JobsInFlight, m.QueueDepth, m.ParseDuration, m.WorkersSpawned,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) dispatched(queueDepth int) {
	if m == nil {
		return
	}
	m.JobsDispatched.Inc()
	m.QueueDepth.Set(float64(queueDepth))
}

func (m *Metrics) started(queueDepth int) {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
	m.QueueDepth.Set(float64(queueDepth))
}

func (m *Metrics) finished(seconds float64) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.ParseDuration.Observe(seconds)
}

func (m *Metrics) completed(ok bool) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeFailure
	}
	m.JobsCompleted.WithLabelValues(outcome).Inc()
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.ResultsDropped.Inc()
}

func (m *Metrics) spawned() {
	if m == nil {
		return
	}
	m.WorkersSpawned.Inc()
}
