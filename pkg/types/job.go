package types

import "time"

// JobType is the operation a Job intends to carry out on its unit.
type JobType string

const (
	JobStart        JobType = "start"
	JobStop         JobType = "stop"
	JobRestart      JobType = "restart"
	JobReload       JobType = "reload"
	JobVerifyActive JobType = "verify-active"
	JobTryRestart   JobType = "try-restart"
	JobTryReload    JobType = "try-reload"
	JobNop          JobType = "nop"
)

// Mode selects the conflict-resolution and side-effect policy for the
// transaction an anchor job seeds.
type Mode string

const (
	ModeFail                Mode = "fail"
	ModeReplace             Mode = "replace"
	ModeReplaceIrreversibly Mode = "replace-irreversibly"
	ModeIsolate             Mode = "isolate"
	ModeIgnoreDependencies  Mode = "ignore-dependencies"
	ModeFlush               Mode = "flush"
)

// JobState tracks a job's own lifecycle, independent of its result.
type JobState string

const (
	JobWaiting JobState = "waiting"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
)

// JobResult is the terminal outcome recorded once a job reaches JobDone.
type JobResult string

const (
	ResultNone       JobResult = ""
	ResultDone       JobResult = "done"
	ResultCanceled   JobResult = "canceled"
	ResultTimeout    JobResult = "timeout"
	ResultFailed     JobResult = "failed"
	ResultDependency JobResult = "dependency"
	ResultSkipped    JobResult = "skipped"
)

// JobID is a monotonically increasing job identifier.
type JobID uint64

// Job is a pending or running intent to move a unit toward a target state.
type Job struct {
	ID     JobID
	Unit   string // unit ID
	Type   JobType
	Mode   Mode
	State  JobState
	Result JobResult

	// Anchor marks the job that originated its transaction; preserved
	// through cycle relaxation.
	Anchor bool

	// Irreversible jobs win unit-level coalescing conflicts against
	// installed jobs.
	Irreversible bool

	// RedirectsTo is set when this job collapsed into an already-installed
	// job of the same unit during merge-with-installed (CoalesceKeepExisting):
	// the caller should treat RedirectsTo as the job actually tracking this
	// unit's work and never install this one.
	RedirectsTo JobID

	// Supersedes is set when installing this job must first cancel an
	// already-installed job on the same unit (CoalesceReplace,
	// CoalesceMergeToRestart, or a non-fatal CoalesceConflict resolved in
	// this job's favor).
	Supersedes JobID

	OrderedAfter  map[JobID]bool
	OrderedBefore map[JobID]bool

	InstalledAt time.Time
	Deadline    time.Time

	// Reason is a short human-readable string recorded at every
	// transition.
	Reason string
}

// Runnable reports whether every predecessor in OrderedAfter has completed
// with a result this job's type tolerates.
func (j *Job) Runnable(results map[JobID]JobResult, tolerates func(predType JobType, result JobResult) bool, predTypes map[JobID]JobType) bool {
	for pid := range j.OrderedAfter {
		res, done := results[pid]
		if !done {
			return false
		}
		if res != ResultDone && !tolerates(predTypes[pid], res) {
			return false
		}
	}
	return true
}

// CoalesceOutcome is the result of merging two job types requested for the
// same unit.
type CoalesceOutcome int

const (
	CoalesceKeepExisting CoalesceOutcome = iota
	CoalesceReplace
	CoalesceMergeToRestart
	CoalesceConflict
)

// Coalesce implements the fixed merge matrix: Start∪Restart=Restart,
// Start∪Stop=conflict, identical types collapse to the existing job, and a
// few natural absorptions (nop never needs to run when anything concrete
// is already queued).
func Coalesce(existing, incoming JobType) CoalesceOutcome {
	if existing == incoming {
		return CoalesceKeepExisting
	}
	switch {
	case incoming == JobNop:
		return CoalesceKeepExisting
	case existing == JobNop:
		return CoalesceReplace
	case (existing == JobStart && incoming == JobRestart) || (existing == JobRestart && incoming == JobStart):
		return CoalesceMergeToRestart
	case (existing == JobStart && incoming == JobStop) || (existing == JobStop && incoming == JobStart):
		return CoalesceConflict
	case (existing == JobStop && incoming == JobRestart) || (existing == JobRestart && incoming == JobStop):
		return CoalesceConflict
	case existing == JobReload && incoming == JobStart:
		return CoalesceReplace
	case existing == JobVerifyActive:
		return CoalesceReplace
	default:
		return CoalesceReplace
	}
}

// Transaction is a proposed atomic bundle of jobs being built, not yet
// installed. It is disposable: nothing in the unit graph is mutated
// until the job runner installs it.
type Transaction struct {
	Jobs   map[string]*Job // keyed by unit ID, at most one job per unit in a transaction
	Anchor string          // unit ID of the anchor job
	nextID *JobID

	// AnchorJobID is set by merge-with-installed when the anchor job itself
	// collapsed into an already-installed job (RedirectsTo): callers that
	// report a job ID back to the requester should prefer this over the
	// anchor job's own (unreachable) ID.
	AnchorJobID JobID
}

// NewTransaction starts an empty transaction whose job IDs are allocated
// from the given counter (shared with already-installed jobs so IDs never
// collide).
func NewTransaction(counter *JobID) *Transaction {
	return &Transaction{Jobs: make(map[string]*Job), nextID: counter}
}

func (t *Transaction) allocID() JobID {
	*t.nextID++
	return *t.nextID
}

// AddJob inserts or returns the existing job for unit, allocating an ID if
// this is the first job proposed for that unit in this transaction.
func (t *Transaction) AddJob(unit string, jobType JobType, mode Mode) *Job {
	if j, ok := t.Jobs[unit]; ok {
		return j
	}
	j := &Job{
		ID:            t.allocID(),
		Unit:          unit,
		Type:          jobType,
		Mode:          mode,
		State:         JobWaiting,
		OrderedAfter:  make(map[JobID]bool),
		OrderedBefore: make(map[JobID]bool),
	}
	t.Jobs[unit] = j
	return j
}
