package reexec

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/coreinit/pkg/storage"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/hashicorp/raft"
)

// Command is one mutation proposed to the single-voter raft group: every
// SaveUnit/DeleteUnit/SaveJob/DeleteJob the manager performs goes through
// Apply so the write-ahead log gives the manager a crash-consistent record
// of unit/job mutations independent of whether the next restart is a clean
// re-exec or an unplanned crash.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

const (
	opSaveUnit   = "save_unit"
	opDeleteUnit = "delete_unit"
	opSaveJob    = "save_job"
	opDeleteJob  = "delete_job"
	opSaveMeta   = "save_meta"
)

// FSM applies committed log entries to the durable store and produces the
// snapshots raft periodically compacts its log against. Because the raft
// group here has exactly one voter, Apply always runs on the same node
// that proposed the command; the log still gives crash-consistency even
// without replication.
type FSM struct {
	mu    sync.Mutex
	store storage.Store
}

// NewFSM constructs an FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opSaveUnit:
		var unit types.Unit
		if err := json.Unmarshal(cmd.Data, &unit); err != nil {
			return err
		}
		return f.store.SaveUnit(&unit)

	case opDeleteUnit:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteUnit(id)

	case opSaveJob:
		var job types.Job
		if err := json.Unmarshal(cmd.Data, &job); err != nil {
			return err
		}
		return f.store.SaveJob(&job)

	case opDeleteJob:
		var id types.JobID
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteJob(id)

	case opSaveMeta:
		var meta storage.Meta
		if err := json.Unmarshal(cmd.Data, &meta); err != nil {
			return err
		}
		return f.store.SaveMeta(meta)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot implements raft.FSM: a point-in-time copy of every unit, job,
// and the scalar meta record, used both for raft's own log compaction and
// (via Manager.Reexecute) as the seed for the re-exec memfd payload.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	units, err := f.store.ListUnits()
	if err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	jobs, err := f.store.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	meta, err := f.store.GetMeta()
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}

	return &Snapshot{Units: units, Jobs: jobs, Meta: meta}, nil
}

// Restore implements raft.FSM, replacing the store's contents wholesale
// from a previously persisted snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, unit := range snap.Units {
		if err := f.store.SaveUnit(unit); err != nil {
			return fmt.Errorf("restore unit %s: %w", unit.ID, err)
		}
	}
	for _, job := range snap.Jobs {
		if err := f.store.SaveJob(job); err != nil {
			return fmt.Errorf("restore job %d: %w", job.ID, err)
		}
	}
	if err := f.store.SaveMeta(snap.Meta); err != nil {
		return fmt.Errorf("restore meta: %w", err)
	}
	return nil
}

// Snapshot is a point-in-time copy of manager state: every unit, every
// job still tracked, and the scalar counters. It doubles as the JSON
// payload embedded in the re-exec memfd, since the shape a clean
// re-exec needs to hand to its successor is exactly what raft's own
// snapshot/restore cycle already needs.
type Snapshot struct {
	Units []*types.Unit
	Jobs  []*types.Job
	Meta  storage.Meta
}

// Persist implements raft.FSMSnapshot.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

// Release implements raft.FSMSnapshot; nothing to free.
func (s *Snapshot) Release() {}
