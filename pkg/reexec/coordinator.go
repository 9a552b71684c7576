package reexec

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cuemby/coreinit/pkg/fdstore"
	"github.com/cuemby/coreinit/pkg/storage"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// StateFDEnvVar is the well-known environment variable a re-executed
// manager binary reads to find its inherited state memfd.
const StateFDEnvVar = "COREINIT_STATE_FD"

// ListenFDsStartEnvVar conveys the first fd number of the contiguous range
// of FDStore-owned descriptors inherited across re-exec, and FDCountEnvVar
// how many there are; the child rebuilds its FDSet from exactly that range.
const (
	ListenFDsStartEnvVar = "COREINIT_FDSTORE_BASE"
	FDCountEnvVar        = "COREINIT_FDSTORE_COUNT"
)

// Config configures a single-voter raft group used purely for its
// FSM/Snapshot/Restore lifecycle and crash-consistent write-ahead log,
// not for any cross-host consensus.
type Config struct {
	NodeID  string
	DataDir string
}

// Coordinator implements the re-exec sequence: pause new job installation
// (running transitions are not waited for), snapshot every unit/job/fd, execve() the
// same binary, and have the new instance pick the snapshot back up from a
// well-known fd.
type Coordinator struct {
	nodeID string

	raft *raft.Raft
	fsm  *FSM
	fds  *fdstore.Store

	quiescing atomic.Bool
	logger    zerolog.Logger
}

// New constructs a Coordinator and bootstraps (or rejoins, on restart) a
// single-voter raft group rooted at cfg.DataDir. The transport is
// in-memory: this group never has a second voter, so no real network
// listener is needed.
func New(cfg Config, store storage.Store, fds *fdstore.Store) (*Coordinator, error) {
	fsm := NewFSM(store)

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 500 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr := raft.ServerAddress(net.JoinHostPort("127.0.0.1", "0"))
	_, transport := raft.NewInmemTransport(addr)

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "reexec-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "reexec-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	if len(r.GetConfiguration().Configuration().Servers) == 0 {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("bootstrap single-voter group: %w", err)
		}
	}

	return &Coordinator{
		nodeID: cfg.NodeID,
		raft:   r,
		fsm:    fsm,
		fds:    fds,
		logger: ulog.WithComponent("reexec"),
	}, nil
}

// Propose applies a command through the raft log, giving the manager a
// crash-consistent record of the mutation before it is considered durable.
// Because the group has one voter, this completes as soon as the local
// disk fsync backing the log store returns.
func (c *Coordinator) Propose(op string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}
	cmd := Command{Op: op, Data: payload}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	future := c.raft.Apply(raw, 5*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply %s: %w", op, err)
	}
	if resp := future.Response(); resp != nil {
		if applyErr, ok := resp.(error); ok {
			return fmt.Errorf("apply %s: %w", op, applyErr)
		}
	}
	return nil
}

// ProposeSaveUnit routes a unit mutation through the raft log before it is
// considered durable, the manager's sole path for persisting unit state.
func (c *Coordinator) ProposeSaveUnit(u *types.Unit) error {
	return c.Propose(opSaveUnit, u)
}

// ProposeSaveJob routes a job mutation through the raft log, the manager's
// sole path for persisting job state.
func (c *Coordinator) ProposeSaveJob(j *types.Job) error {
	return c.Propose(opSaveJob, j)
}

// Quiescing reports whether a re-exec is in flight; the manager checks
// this before building new transactions, since new job installation must
// pause for the duration of a re-exec.
func (c *Coordinator) Quiescing() bool { return c.quiescing.Load() }

// payload is the exact shape written into the re-exec memfd: the FSM
// snapshot (units, jobs, meta) plus the FDStore's serialized text record.
type payload struct {
	Manager *Snapshot `json:"manager"`
	FDStore string    `json:"fdstore"`
	FDCount int       `json:"fdstore_count"`
}

// Reexecute performs the full re-exec sequence: snapshot state, open a
// memfd, write the payload, renumber every FDStore-owned descriptor into a
// contiguous range starting after the memfd, clear FD_CLOEXEC on exactly
// those fds, and execve() binaryPath with args, passing the memfd and
// fdstore range through well-known environment variables. On success this
// call never returns; on failure it clears the quiescing flag and returns
// the error so the caller can roll back.
func (c *Coordinator) Reexecute(binaryPath string, args []string) error {
	c.quiescing.Store(true)
	rollback := true
	defer func() {
		if rollback {
			c.quiescing.Store(false)
		}
	}()

	if future := c.raft.Snapshot(); future.Error() != nil {
		c.logger.Warn().Err(future.Error()).Msg("raft log snapshot before re-exec failed, continuing with re-exec")
	}

	snapIface, err := c.fsm.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot manager state: %w", err)
	}
	snap := snapIface.(*Snapshot)

	entries := c.fds.List()
	fdText, origFDs, err := fdstore.Serialize(entries)
	if err != nil {
		return fmt.Errorf("serialize fdstore entries: %w", err)
	}

	data, err := json.Marshal(payload{Manager: snap, FDStore: fdText, FDCount: len(origFDs)})
	if err != nil {
		return fmt.Errorf("marshal re-exec payload: %w", err)
	}

	memfd, err := unix.MemfdCreate("coreinit-state", 0)
	if err != nil {
		return fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(memfd), "coreinit-state")
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write state memfd: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return fmt.Errorf("rewind state memfd: %w", err)
	}
	if err := clearCloexec(memfd); err != nil {
		f.Close()
		return fmt.Errorf("clear FD_CLOEXEC on state memfd: %w", err)
	}

	base := memfd + 1
	for i, srcFD := range origFDs {
		target := base + i
		if err := unix.Dup2(srcFD, target); err != nil {
			return fmt.Errorf("dup2 fdstore entry %d to %d: %w", i, target, err)
		}
		if err := clearCloexec(target); err != nil {
			return fmt.Errorf("clear FD_CLOEXEC on fdstore entry %d: %w", i, err)
		}
	}

	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%d", StateFDEnvVar, memfd),
		fmt.Sprintf("%s=%d", ListenFDsStartEnvVar, base),
		fmt.Sprintf("%s=%d", FDCountEnvVar, len(origFDs)),
	)

	return unix.Exec(binaryPath, args, env)
}

// clearCloexec removes FD_CLOEXEC from fd so it survives execve(); Go sets
// O_CLOEXEC on every fd it opens by default, which must be undone for
// exactly the handful of fds this process intends to hand to its
// successor.
func clearCloexec(fd int) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags&^unix.FD_CLOEXEC)
	return err
}

// RestoreFromEnv checks whether the process was launched as the target of
// a Reexecute call, and if so, reads back the memfd payload and rebuilds
// the FDStore range. It is a no-op (ok=false) for a manager's first,
// non-re-exec startup.
func RestoreFromEnv(fds *fdstore.Store) (snap *Snapshot, ok bool, err error) {
	fdEnv := os.Getenv(StateFDEnvVar)
	if fdEnv == "" {
		return nil, false, nil
	}
	var stateFD int
	if _, err := fmt.Sscanf(fdEnv, "%d", &stateFD); err != nil {
		return nil, false, fmt.Errorf("parse %s=%q: %w", StateFDEnvVar, fdEnv, err)
	}

	f := os.NewFile(uintptr(stateFD), "coreinit-state")
	defer f.Close()

	var p payload
	if err := json.NewDecoder(f).Decode(&p); err != nil {
		return nil, false, fmt.Errorf("decode state memfd: %w", err)
	}

	base, count := 0, 0
	fmt.Sscanf(os.Getenv(ListenFDsStartEnvVar), "%d", &base)
	fmt.Sscanf(os.Getenv(FDCountEnvVar), "%d", &count)

	if count > 0 {
		fdRange := make([]int, count)
		for i := range fdRange {
			fdRange[i] = base + i
		}
		entries, err := fdstore.Deserialize(p.FDStore, fdRange)
		if err != nil {
			return nil, false, fmt.Errorf("deserialize fdstore payload: %w", err)
		}
		fds.Restore(entries)
	}

	return p.Manager, true, nil
}

// Shutdown releases the raft group's resources cleanly, used on a planned
// exit that is not itself a re-exec.
func (c *Coordinator) Shutdown() error {
	return c.raft.Shutdown().Error()
}
