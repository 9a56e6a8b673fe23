package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	mismatches *prometheus.CounterVec
	alerts     *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddMismatches increments the reconcile mismatch counter for the tenant.
func (m *Metrics) AddMismatches(tenantID string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.mismatches.WithLabelValues(tenantLabel(tenantID)).Add(float64(count))
}

// AddAlert counts a low-stock alert by level ("low" or "out").
func (m *Metrics) AddAlert(tenantID, level string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(tenantLabel(tenantID), level).Inc()
}

func tenantLabel(id string) string {
	if id == "" {
		return "unknown"
	}
	return id
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	mismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_reconcile_mismatches_total",
		Help: "Audit trail reconciliation mismatches grouped by tenant.",
	}, []string{"tenant"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_low_stock_alerts_total",
		Help: "Low-stock alerts processed grouped by tenant and level.",
	}, []string{"tenant", "level"})
	registerer.MustRegister(runs, failures, duration, mismatches, alerts)
	return &Metrics{runs: runs, failures: failures, duration: duration, mismatches: mismatches, alerts: alerts}
}
