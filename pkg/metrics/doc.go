/*
Package metrics defines and registers the manager's Prometheus
instrumentation: unit/job counts, spawn and cgroup-attach failures, fd
store size, and re-exec counters, exposed over HTTP for scraping.

# Metric catalog

coreinit_units_total{kind, active_state}:
  - Gauge. Set from the unit graph by manager.MetricsCollector on each
    collection pass (every 15 seconds once started).

coreinit_units_failed_total:
  - Gauge. Units currently latched into ActiveFailed.

coreinit_jobs_active{state}:
  - Gauge. Runner queue depth, split by waiting/running.

coreinit_jobs_installed_total{type}:
  - Counter. Incremented once per job on Install.

coreinit_job_result_total{type, result}:
  - Counter. Incremented once a job reaches a terminal JobResult.

coreinit_job_latency_seconds{type}:
  - Histogram. Install-to-terminal-result latency.

coreinit_spawns_total / coreinit_spawn_failures_total{phase}:
  - Counters around execpipeline.Pipeline.Spawn, the latter labeled by
    the types.SpawnPhase the failure occurred in.

coreinit_cgroup_attach_failures_total:
  - Counter. Incremented on RtErrCgroupAttach.

coreinit_fdstore_entries:
  - Gauge. Current size of the fd store, the thing a leak shows up in.

coreinit_reexec_total / coreinit_reexec_failures_total / coreinit_reexec_generation:
  - Counters and a gauge around the re-exec coordinator: attempts
    started, attempts that rolled back before execve(), and the
    generation count read from storage.Meta, which the manager does not
    increment.

coreinit_component_healthy{component}:
  - Gauge. 1 if the named subsystem last reported healthy via
    RegisterComponent/UpdateComponent, 0 otherwise. Mirrors the
    /health and /ready JSON endpoints for alerting that doesn't want to
    scrape JSON.

# Usage

	import "github.com/cuemby/coreinit/pkg/metrics"

	metrics.JobsInstalledTotal.WithLabelValues(string(job.Type)).Inc()

	timer := metrics.NewTimer(metrics.JobLatencySeconds)
	// ... job runs to completion ...
	timer.Observe(string(job.Type))

	http.Handle("/metrics", metrics.Handler())

# Registration

Every metric is registered in this package's init(), so MustRegister
panics immediately on a duplicate name rather than failing a later
scrape. Callers never construct their own collectors; they update the
package-level vars directly.
*/
package metrics
