package governor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the governor's statistics (spec §4.3) as a fixed,
// process-wide set of Prometheus collectors shared by every job's
// Governor, the way tphakala-birdnet-go keeps one stable metric set
// instead of minting collectors per entity. A per-job job_id const label
// would grow without bound as jobs churn; aggregating here keeps
// cardinality constant regardless of how many jobs the service has run.
type Metrics struct {
	mu sync.Mutex

	outcomes            *prometheus.CounterVec
	concurrency         prometheus.Gauge
	peakConcurrency     prometheus.Gauge
	degradedActivations prometheus.Counter
	avgDurationMS       prometheus.Gauge
	degradedMS          prometheus.Counter

	current     int64
	peak        int64
	durationSum float64
	durationObs uint64
}

// NewMetrics registers the governor's process-wide collectors against reg
// and returns the shared handle every job's Governor should be built with.
// reg may be nil, in which case NewMetrics returns nil and governors skip
// instrumentation entirely.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	factory := promauto.With(reg)

	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "transcript_engine_governor_outcomes_total",
			Help: "Count of governor request outcomes by kind, across all jobs.",
		}, []string{"outcome"}),
		concurrency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcript_engine_governor_concurrency",
			Help: "Current number of in-flight governor requests, summed across all jobs.",
		}),
		peakConcurrency: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcript_engine_governor_peak_concurrency",
			Help: "Highest aggregate concurrency observed across all jobs since startup.",
		}),
		degradedActivations: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcript_engine_governor_degraded_activations_total",
			Help: "Number of times any job's governor entered degraded mode.",
		}),
		avgDurationMS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "transcript_engine_governor_avg_duration_ms",
			Help: "Incrementally updated average request duration across all jobs, in milliseconds.",
		}),
		degradedMS: factory.NewCounter(prometheus.CounterOpts{
			Name: "transcript_engine_governor_degraded_ms_total",
			Help: "Cumulative time spent in degraded mode across all jobs, in milliseconds.",
		}),
	}
}

// addConcurrency adjusts the aggregate in-flight count by delta and bumps
// the peak-concurrency gauge if a new high was reached.
func (m *Metrics) addConcurrency(delta int64) {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current += delta
	m.concurrency.Set(float64(m.current))

	if m.current > m.peak {
		m.peak = m.current
		m.peakConcurrency.Set(float64(m.peak))
	}
}

// recordOutcome increments the outcome counter and folds duration into the
// process-wide running average.
func (m *Metrics) recordOutcome(o outcome, duration time.Duration) {
	if m == nil {
		return
	}

	m.outcomes.WithLabelValues(o.label()).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.durationObs++
	m.durationSum += float64(duration.Milliseconds())
	m.avgDurationMS.Set(m.durationSum / float64(m.durationObs))
}

func (m *Metrics) incDegradedActivations() {
	if m == nil {
		return
	}

	m.degradedActivations.Inc()
}

func (m *Metrics) addDegradedMS(ms float64) {
	if m == nil {
		return
	}

	m.degradedMS.Add(ms)
}
