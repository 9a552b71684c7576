package job

import (
	"time"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/rs/zerolog"
)

// Executor carries out one job's concrete effect (spawning/signalling a
// unit's process tree, re-reading a mount, etc.) and reports its result.
// The runner never blocks on Execute; implementations return immediately
// and report completion later via Complete.
type Executor interface {
	// Execute starts carrying out job asynchronously. Returning an error
	// here means the job could not even be started (unit missing, pipeline
	// refused) and is treated as an immediate ResultFailed.
	Execute(job *types.Job) error
}

// Runner holds the installed-job queue and drains every job that becomes
// runnable, in the single-threaded style of the manager's event loop: one
// goroutine, no internal locking, ticked by the caller.
//
// A ticker-driven run loop whose per-cycle body logs and continues rather
// than aborting on a single failure.
type Runner struct {
	executor Executor
	logger   zerolog.Logger

	counter types.JobID
	jobs    map[types.JobID]*types.Job
	results map[types.JobID]types.JobResult
	running map[types.JobID]bool

	onJobChanged func(*types.Job)
}

// NewRunner constructs an empty Runner. onJobChanged, if non-nil, is
// invoked whenever a job's State or Result changes, for the manager's
// Subscribe fan-out.
func NewRunner(executor Executor, onJobChanged func(*types.Job)) *Runner {
	return &Runner{
		executor:     executor,
		logger:       ulog.WithComponent("job-runner"),
		jobs:         make(map[types.JobID]*types.Job),
		results:      make(map[types.JobID]types.JobResult),
		running:      make(map[types.JobID]bool),
		onJobChanged: onJobChanged,
	}
}

// Counter exposes the shared JobID allocator for the Builder.
func (r *Runner) Counter() *types.JobID { return &r.counter }

// JobForUnit returns the installed job (waiting or running) targeting
// unitID, if any, for the Builder's merge-with-installed step. A unit
// carries at most one in-flight job, so a linear scan is adequate; the
// runner's own queue is small and bounded by the number of units.
func (r *Runner) JobForUnit(unitID string) (*types.Job, bool) {
	for _, j := range r.jobs {
		if j.Unit == unitID && j.State != types.JobDone {
			return j, true
		}
	}
	return nil, false
}

// Install adds every job of a committed transaction to the queue. A job
// marked RedirectsTo (it collapsed into an already-installed job during
// merge-with-installed) is skipped entirely; a job marked Supersedes first
// cancels the job it displaces, so a unit never carries two concurrent
// jobs.
func (r *Runner) Install(tx *types.Transaction) {
	for _, j := range tx.Jobs {
		if j.RedirectsTo != 0 {
			continue
		}
		if j.Supersedes != 0 {
			r.Cancel(j.Supersedes)
		}
		j.InstalledAt = time.Now()
		r.jobs[j.ID] = j
		r.notify(j)
	}
}

// Cancel marks a waiting job canceled, e.g. when a later transaction
// replaces it via coalescing before it ever ran.
func (r *Runner) Cancel(id types.JobID) {
	j, ok := r.jobs[id]
	if !ok || j.State == types.JobDone {
		return
	}
	r.finish(j, types.ResultCanceled)
}

// Drain runs one pass over the queue, starting every job whose
// dependencies (OrderedAfter) are satisfied and that is not already
// running. It records no executor results itself — Complete does that as
// the executor reports back — except that a waiting job whose predecessor
// finished with a result its type does not tolerate is finished here with
// ResultDependency. Drain is safe to call on every event-loop tick.
func (r *Runner) Drain() {
	for id, j := range r.jobs {
		if j.State != types.JobWaiting || r.running[id] {
			continue
		}
		if !r.runnable(j) {
			continue
		}
		r.start(j)
	}
}

func (r *Runner) runnable(j *types.Job) bool {
	for predID := range j.OrderedAfter {
		res, done := r.results[predID]
		if !done {
			return false
		}
		if res != types.ResultDone && !tolerates(j.Type, res) {
			r.finish(j, types.ResultDependency)
			return false
		}
	}
	return true
}

// tolerates reports whether job jobType proceeds even though a predecessor
// finished with result (e.g. a Stop proceeds regardless of what came
// before it; a Start does not proceed past a failed dependency start).
func tolerates(jobType types.JobType, result types.JobResult) bool {
	if jobType == types.JobStop {
		return true
	}
	return false
}

func (r *Runner) start(j *types.Job) {
	j.State = types.JobRunning
	r.running[j.ID] = true
	r.notify(j)

	if err := r.executor.Execute(j); err != nil {
		logger := ulog.WithJob(r.logger, uint64(j.ID))
		logger.Error().Err(err).Str("unit", j.Unit).Msg("job execution failed to start")
		r.finish(j, types.ResultFailed)
	}
}

// Complete is called by the executor (directly or via the event loop) once
// job has reached a terminal outcome.
func (r *Runner) Complete(id types.JobID, result types.JobResult) {
	j, ok := r.jobs[id]
	if !ok {
		return
	}
	r.finish(j, result)
}

func (r *Runner) finish(j *types.Job, result types.JobResult) {
	j.State = types.JobDone
	j.Result = result
	r.results[j.ID] = result
	delete(r.running, j.ID)
	r.notify(j)
}

// Pending reports whether any installed job has not yet reached JobDone.
func (r *Runner) Pending() bool {
	for _, j := range r.jobs {
		if j.State != types.JobDone {
			return true
		}
	}
	return false
}

// List returns a snapshot of every installed job, for the ListJobs IPC
// surface. Completed jobs are pruned by the caller once delivered.
func (r *Runner) List() []*types.Job {
	out := make([]*types.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// Prune removes every job in JobDone state, called periodically by the
// event loop once results have been delivered to subscribers.
func (r *Runner) Prune() {
	for id, j := range r.jobs {
		if j.State == types.JobDone {
			delete(r.jobs, id)
			delete(r.results, id)
		}
	}
}

func (r *Runner) notify(j *types.Job) {
	if r.onJobChanged != nil {
		r.onJobChanged(j)
	}
}
