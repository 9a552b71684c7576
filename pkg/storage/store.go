package storage

import "github.com/cuemby/coreinit/pkg/types"

// Store defines the interface for durable manager state: the unit graph
// and job queue, persisted so the manager can recover its last-known
// supervision state after a crash (as opposed to a clean re-exec, which
// hands state across live via the re-exec coordinator's memfd snapshot
// instead of round-tripping through here). Callers include the re-exec
// FSM, which runs on raft's apply goroutine, and the metrics collector;
// nothing here does its own locking beyond the transaction isolation the
// underlying database provides.
type Store interface {
	// Units
	SaveUnit(unit *types.Unit) error
	GetUnit(id string) (*types.Unit, error)
	ListUnits() ([]*types.Unit, error)
	DeleteUnit(id string) error

	// Jobs
	SaveJob(job *types.Job) error
	GetJob(id types.JobID) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	DeleteJob(id types.JobID) error

	// Manager-wide metadata: the job ID counter and the re-exec generation
	// count, small enough to not warrant their own bucket-per-field.
	SaveMeta(meta Meta) error
	GetMeta() (Meta, error)

	Close() error
}

// Meta holds the handful of scalar counters that must survive a restart
// alongside the unit/job records themselves.
type Meta struct {
	NextJobID        types.JobID
	ReexecGeneration uint64
}
