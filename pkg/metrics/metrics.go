package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// UnitsTotal counts loaded units by kind and coarse ActiveState, refreshed
	// by the manager's metrics collector every 15 seconds.
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coreinit_units_total",
			Help: "Total number of loaded units by kind and active state",
		},
		[]string{"kind", "active_state"},
	)

	UnitsFailedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coreinit_units_failed_total",
			Help: "Total number of units currently latched into the failed state",
		},
	)

	// JobsActive tracks the runner's queue depth, split by state, so an
	// operator can see a stuck or thrashing transaction before it times out.
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coreinit_jobs_active",
			Help: "Number of installed jobs currently waiting or running",
		},
		[]string{"state"},
	)

	JobsInstalledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coreinit_jobs_installed_total",
			Help: "Total number of jobs installed, by job type",
		},
		[]string{"type"},
	)

	JobResultTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coreinit_job_result_total",
			Help: "Total number of jobs reaching a terminal result, by type and result",
		},
		[]string{"type", "result"},
	)

	JobLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coreinit_job_latency_seconds",
			Help:    "Time from job installation to terminal result",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// SpawnsTotal and SpawnFailuresTotal cover the exec pipeline, split by
	// the SpawnPhase a failure occurred in so an operator can tell a
	// namespace setup failure from a plain ENOENT.
	SpawnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coreinit_spawns_total",
			Help: "Total number of process spawn attempts",
		},
	)

	SpawnFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coreinit_spawn_failures_total",
			Help: "Total number of spawn failures, by phase",
		},
		[]string{"phase"},
	)

	// CgroupAttachFailuresTotal counts RtErrCgroupAttach occurrences.
	CgroupAttachFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coreinit_cgroup_attach_failures_total",
			Help: "Total number of failed cgroup attach attempts",
		},
	)

	// FDStoreEntries tracks how many descriptors the manager is currently
	// holding open on behalf of units, the thing a leak would show up in.
	FDStoreEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coreinit_fdstore_entries",
			Help: "Number of file descriptors currently held in the fd store",
		},
	)

	// ReexecTotal/ReexecFailuresTotal and ReexecGeneration cover the
	// binary-replacement path. ReexecGeneration mirrors
	// storage.Meta.ReexecGeneration as the metrics collector reads it;
	// nothing in the manager increments that field.
	ReexecTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coreinit_reexec_total",
			Help: "Total number of re-exec attempts started",
		},
	)

	ReexecFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coreinit_reexec_failures_total",
			Help: "Total number of re-exec attempts that rolled back before execve()",
		},
	)

	ReexecGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "coreinit_reexec_generation",
			Help: "Re-exec generation recorded in the manager's durable meta record",
		},
	)
)

func init() {
	prometheus.MustRegister(
		UnitsTotal,
		UnitsFailedTotal,
		JobsActive,
		JobsInstalledTotal,
		JobResultTotal,
		JobLatencySeconds,
		SpawnsTotal,
		SpawnFailuresTotal,
		CgroupAttachFailuresTotal,
		FDStoreEntries,
		ReexecTotal,
		ReexecFailuresTotal,
		ReexecGeneration,
	)
}

// Handler returns the HTTP handler the manager mounts for Prometheus
// scraping, normally under /metrics on its debug listener.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation and reports its duration to a
// histogram vec on Observe.
type Timer struct {
	start time.Time
	vec   *prometheus.HistogramVec
}

// NewTimer starts timing against vec; call Observe with the label values
// once the operation completes.
func NewTimer(vec *prometheus.HistogramVec) *Timer {
	return &Timer{start: time.Now(), vec: vec}
}

// Observe records the elapsed duration under the given label values.
func (t *Timer) Observe(labelValues ...string) {
	t.vec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time without recording it, for callers that
// need the value for logging as well as for the histogram.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
