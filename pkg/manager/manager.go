package manager

import (
	"fmt"
	"sync"
	"time"

	cgroup2 "github.com/containerd/cgroups/v2/cgroup2"
	"github.com/cuemby/coreinit/pkg/cgroup"
	"github.com/cuemby/coreinit/pkg/eventloop"
	"github.com/cuemby/coreinit/pkg/execpipeline"
	"github.com/cuemby/coreinit/pkg/fdstore"
	"github.com/cuemby/coreinit/pkg/graph"
	"github.com/cuemby/coreinit/pkg/job"
	"github.com/cuemby/coreinit/pkg/metrics"
	"github.com/cuemby/coreinit/pkg/reexec"
	"github.com/cuemby/coreinit/pkg/storage"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/cuemby/coreinit/pkg/unitfsm"
	"github.com/rs/zerolog"
)

// Config collects the manager's startup knobs. Unit-file parsing itself is
// out of scope, so cfg.Loader is supplied by the caller (normally a
// directory-scanning collaborator living outside this module).
type Config struct {
	DataDir    string
	CgroupRoot string
	NodeID     string
	BinaryPath string
	Loader     graph.Loader
}

// EventKind distinguishes the two notification shapes Subscribe delivers.
type EventKind string

const (
	EventUnitChanged EventKind = "unit-changed"
	EventJobChanged  EventKind = "job-changed"
)

// Event is one change notification delivered to a Subscribe channel.
// Exactly one of Unit or Job is set, selected by Kind.
type Event struct {
	Kind EventKind
	Unit *types.Unit
	Job  *types.Job
}

// Manager is the single-host unit supervision core: it owns the only
// write path to unit and job state and is the sole implementer of
// job.Executor and eventloop.ChildReaper. Every mutation happens on the
// event loop goroutine; other goroutines (an IPC listener, a signal
// handler) reach in only through loop.Post or the thread-safe accessors
// below.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	graph       *graph.Graph
	builder     *job.Builder
	runner      *job.Runner
	loop        *eventloop.Loop
	store       storage.Store
	fds         *fdstore.Store
	cgroups     *cgroup.Controller
	pipeline    *execpipeline.Pipeline
	coordinator *reexec.Coordinator

	// Per-kind runtime machines, keyed by unit ID. Accessed only from the
	// event loop goroutine.
	serviceMachines map[string]*unitfsm.ServiceMachine
	socketMachines  map[string]*unitfsm.SocketMachine
	mountMachines   map[string]*unitfsm.MountMachine
	timerMachines   map[string]*unitfsm.TimerMachine
	pathMachines    map[string]*unitfsm.PathMachine
	simpleMachines  map[string]*unitfsm.SimpleMachine

	cgroupHandles  map[string]*cgroup2.Manager
	pidToUnit      map[int]string
	notifyChannels map[string]*execpipeline.NotifyChannel

	paths        *pathWatcher
	mounts       *mountWatcher
	jobInstalled map[types.JobID]time.Time

	subsMu  sync.Mutex
	subs    map[uint64]chan Event
	nextSub uint64
}

// New wires every collaborator together and restores prior state: from a
// re-exec memfd if COREINIT_STATE_FD is set in the environment, otherwise
// from the durable store, otherwise a cold start.
func New(cfg Config) (*Manager, error) {
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	fds := fdstore.New()
	g := graph.New(cfg.Loader)

	m := &Manager{
		cfg:             cfg,
		logger:          ulog.WithComponent("manager"),
		graph:           g,
		store:           store,
		fds:             fds,
		cgroups:         cgroup.New(cfg.CgroupRoot),
		pipeline:        execpipeline.New(),
		serviceMachines: make(map[string]*unitfsm.ServiceMachine),
		socketMachines:  make(map[string]*unitfsm.SocketMachine),
		mountMachines:   make(map[string]*unitfsm.MountMachine),
		timerMachines:   make(map[string]*unitfsm.TimerMachine),
		pathMachines:    make(map[string]*unitfsm.PathMachine),
		simpleMachines:  make(map[string]*unitfsm.SimpleMachine),
		cgroupHandles:   make(map[string]*cgroup2.Manager),
		pidToUnit:       make(map[int]string),
		notifyChannels:  make(map[string]*execpipeline.NotifyChannel),
		jobInstalled:    make(map[types.JobID]time.Time),
		subs:            make(map[uint64]chan Event),
	}

	m.runner = job.NewRunner(m, m.onJobChanged)
	m.builder = job.NewBuilder(g, m.runner, m.runner.Counter())
	m.loop = eventloop.New(m, m.runner.Drain)
	m.mounts = newMountWatcher(m)

	if pw, err := newPathWatcher(m); err != nil {
		m.logger.Warn().Err(err).Msg("path watcher unavailable, Path units will not fire")
	} else {
		m.paths = pw
	}

	coordinator, err := reexec.New(reexec.Config{NodeID: cfg.NodeID, DataDir: cfg.DataDir}, store, fds)
	if err != nil {
		return nil, fmt.Errorf("start re-exec coordinator: %w", err)
	}
	m.coordinator = coordinator
	metrics.RegisterComponent("storage", true, "")
	metrics.RegisterComponent("reexec", true, "")

	if snap, ok, err := reexec.RestoreFromEnv(fds); err != nil {
		m.logger.Error().Err(err).Msg("restore from re-exec memfd failed, falling back to durable store")
	} else if ok {
		g.Restore(snap.Units)
		m.rehydrateMachines(snap.Units)
		m.logger.Info().Int("units", len(snap.Units)).Int("jobs", len(snap.Jobs)).Msg("restored state across re-exec")
	} else if units, err := store.ListUnits(); err == nil && len(units) > 0 {
		g.Restore(units)
		m.rehydrateMachines(units)
		m.logger.Info().Int("units", len(units)).Msg("restored state from durable storage")
	}

	return m, nil
}

// rehydrateMachines reconstructs the per-kind runtime machine for every
// restored unit from its last observed ActiveState/SubState, so a
// restarted manager does not forget a unit was already running.
func (m *Manager) rehydrateMachines(units []*types.Unit) {
	for _, u := range units {
		switch u.Kind {
		case types.KindService:
			sm := unitfsm.NewServiceMachine(u.ID, u.Config.Service)
			sm.Sub = unitfsm.ServiceSubState(u.SubState)
			m.serviceMachines[u.ID] = sm
		case types.KindSocket:
			m.socketMachines[u.ID] = unitfsm.NewSocketMachine(u.ID)
		case types.KindMount:
			m.mountMachines[u.ID] = unitfsm.NewMountMachine(u.ID, u.Config.Mount)
		case types.KindTimer:
			m.timerMachines[u.ID] = unitfsm.NewTimerMachine(u.ID, u.Config.Timer)
		case types.KindPath:
			m.pathMachines[u.ID] = unitfsm.NewPathMachine(u.ID, u.Config.Path)
			if m.paths != nil && u.Config.Path != nil {
				m.paths.Watch(u.ID, u.Config.Path)
			}
		case types.KindTarget, types.KindSlice, types.KindScope:
			sm := unitfsm.NewSimpleMachine(u.ID)
			sm.State = u.ActiveState
			m.simpleMachines[u.ID] = sm
		}
	}
}

// Run blocks until Stop is called, driving the event loop. The path and
// mount watchers run on their own goroutines since they are I/O sources
// external to the loop's native channel set; both only ever mutate state
// by posting onto the loop.
func (m *Manager) Run() {
	if m.paths != nil {
		go m.paths.run()
	}
	go m.mounts.run()
	metrics.RegisterComponent("eventloop", true, "")
	m.loop.Run()
}

// Stop shuts the manager down cleanly: the watchers, the event loop, the
// re-exec coordinator's raft group, and the durable store, in that order.
func (m *Manager) Stop() {
	m.mounts.Stop()
	if m.paths != nil {
		m.paths.Close()
	}
	m.loop.Stop()
	metrics.UpdateComponent("eventloop", false, "stopped")
	if err := m.coordinator.Shutdown(); err != nil {
		m.logger.Warn().Err(err).Msg("re-exec coordinator shutdown")
		metrics.UpdateComponent("reexec", false, err.Error())
	} else {
		metrics.UpdateComponent("reexec", false, "stopped")
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn().Err(err).Msg("storage close")
		metrics.UpdateComponent("storage", false, err.Error())
	} else {
		metrics.UpdateComponent("storage", false, "stopped")
	}
}

// enqueue builds and installs a transaction for unitID/jobType/mode,
// returning the anchor job's ID. Every public start/stop/restart/reload
// entry point funnels through here so coalescing and ordering are always
// applied.
func (m *Manager) enqueue(unitID string, jobType types.JobType, mode types.Mode) (types.JobID, error) {
	if m.coordinator.Quiescing() {
		return 0, fmt.Errorf("manager is quiescing for re-exec, job installation is paused")
	}

	var (
		id  types.JobID
		err error
	)
	done := make(chan struct{})
	m.loop.Post(func() {
		defer close(done)
		tx, buildErr := m.builder.Build(unitID, jobType, mode)
		if buildErr != nil {
			err = buildErr
			return
		}
		m.runner.Install(tx)
		if tx.AnchorJobID != 0 {
			id = tx.AnchorJobID
		} else {
			id = tx.Jobs[unitID].ID
		}
		for _, j := range tx.Jobs {
			if j.RedirectsTo != 0 {
				continue
			}
			metrics.JobsInstalledTotal.WithLabelValues(string(j.Type)).Inc()
			m.jobInstalled[j.ID] = time.Now()
		}
	})
	<-done
	return id, err
}

// StartUnit requests a Start transaction anchored on unitID.
func (m *Manager) StartUnit(unitID string, mode types.Mode) (types.JobID, error) {
	return m.enqueue(unitID, types.JobStart, mode)
}

// StopUnit requests a Stop transaction anchored on unitID.
func (m *Manager) StopUnit(unitID string, mode types.Mode) (types.JobID, error) {
	return m.enqueue(unitID, types.JobStop, mode)
}

// RestartUnit requests a Restart transaction anchored on unitID.
func (m *Manager) RestartUnit(unitID string, mode types.Mode) (types.JobID, error) {
	return m.enqueue(unitID, types.JobRestart, mode)
}

// ReloadUnit requests a Reload transaction anchored on unitID.
func (m *Manager) ReloadUnit(unitID string, mode types.Mode) (types.JobID, error) {
	return m.enqueue(unitID, types.JobReload, mode)
}

// ReloadOrRestart requests a reload if the unit's current configuration
// supports one, falling back to a full restart otherwise; for kinds other
// than service this is equivalent to Restart, since only services define
// an ExecReload command list.
func (m *Manager) ReloadOrRestart(unitID string, mode types.Mode) (types.JobID, error) {
	u, ok := m.graph.Lookup(unitID)
	if ok && u.Kind == types.KindService && u.Config.Service != nil && len(u.Config.Service.ExecReload) > 0 {
		return m.enqueue(unitID, types.JobReload, mode)
	}
	return m.enqueue(unitID, types.JobRestart, mode)
}

// ResetFailed clears a unit's latched failure, the only way a unit leaves
// ActiveFailed back to ActiveInactive short of a successful start.
func (m *Manager) ResetFailed(unitID string) error {
	done := make(chan error, 1)
	m.loop.Post(func() {
		u, ok := m.graph.Lookup(unitID)
		if !ok {
			done <- fmt.Errorf("unit not loaded: %s", unitID)
			return
		}
		u.FailedLatched = false
		if u.ActiveState == types.ActiveFailed {
			u.ActiveState = types.ActiveInactive
		}
		if sm, ok := m.serviceMachines[unitID]; ok {
			sm.ClearFailed()
			if sm.Sub == unitfsm.SvcFailed {
				sm.Sub = unitfsm.SvcDead
			}
		}
		m.publishUnit(u)
		done <- nil
	})
	return <-done
}

// ListUnits returns a snapshot of every loaded unit, safe to call from any
// goroutine.
func (m *Manager) ListUnits() []*types.Unit {
	return m.graph.Snapshot()
}

// ListJobs returns a snapshot of every installed job, taken on the event
// loop goroutine since job.Runner does no locking of its own.
func (m *Manager) ListJobs() []*types.Job {
	var jobs []*types.Job
	done := make(chan struct{})
	m.loop.Post(func() {
		defer close(done)
		jobs = m.runner.List()
	})
	<-done
	return jobs
}

// Subscribe registers a channel that receives every unit and job change
// notification from now on. The returned cancel function must be called
// to release the channel.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.nextSub++
	id := m.nextSub
	ch := make(chan Event, 64)
	m.subs[id] = ch
	return ch, func() { m.unsubscribe(id) }
}

func (m *Manager) unsubscribe(id uint64) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[id]; ok {
		close(ch)
		delete(m.subs, id)
	}
}

func (m *Manager) publish(ev Event) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn().Msg("subscriber channel full, dropping event")
		}
	}
}

func (m *Manager) publishUnit(u *types.Unit) {
	if err := m.persistUnit(u); err != nil {
		m.logger.Warn().Err(err).Str("unit", u.ID).Msg("persist unit")
	}
	m.publish(Event{Kind: EventUnitChanged, Unit: u})
}

// persistUnit routes a unit mutation through the raft log when a
// coordinator is available, so it is only considered durable once Apply has
// run; with no coordinator (reexec disabled) it falls back to writing the
// store directly.
func (m *Manager) persistUnit(u *types.Unit) error {
	if m.coordinator != nil {
		return m.coordinator.ProposeSaveUnit(u)
	}
	return m.store.SaveUnit(u)
}

// onJobChanged is the runner's notification hook, wired at construction. It
// also maintains Unit.JobID, the data model's record of which job (if any)
// currently has a unit in flight.
func (m *Manager) onJobChanged(j *types.Job) {
	if err := m.persistJob(j); err != nil {
		m.logger.Warn().Err(err).Uint64("job", uint64(j.ID)).Msg("persist job")
	}
	if u, ok := m.graph.Lookup(j.Unit); ok {
		if j.State == types.JobDone {
			if u.JobID == int64(j.ID) {
				u.JobID = 0
			}
		} else {
			u.JobID = int64(j.ID)
		}
	}
	if j.State == types.JobDone {
		metrics.JobResultTotal.WithLabelValues(string(j.Type), string(j.Result)).Inc()
		if installed, ok := m.jobInstalled[j.ID]; ok {
			metrics.JobLatencySeconds.WithLabelValues(string(j.Type)).Observe(time.Since(installed).Seconds())
			delete(m.jobInstalled, j.ID)
		}
	}
	m.publish(Event{Kind: EventJobChanged, Job: j})
}

// persistJob routes a job mutation through the raft log when a coordinator
// is available; see persistUnit.
func (m *Manager) persistJob(j *types.Job) error {
	if m.coordinator != nil {
		return m.coordinator.ProposeSaveJob(j)
	}
	return m.store.SaveJob(j)
}

// Reload re-runs unit-file discovery for every already-loaded unit via
// cfg.Loader, the daemon-reload equivalent. Parsing itself stays the
// loader's responsibility; this entry point only refreshes the Config
// each already-loaded unit holds.
func (m *Manager) Reload() error {
	done := make(chan error, 1)
	m.loop.Post(func() {
		for _, u := range m.graph.Snapshot() {
			cfg, err := m.cfg.Loader.Load(u.ID)
			if err != nil {
				m.logger.Warn().Err(err).Str("unit", u.ID).Msg("reload: load failed, keeping last-known configuration")
				continue
			}
			u.Config = cfg
		}
		done <- nil
	})
	return <-done
}

// Reexecute pauses new job installation, snapshots every unit/job/fd and
// execve()s binaryPath with args. It never returns on success.
func (m *Manager) Reexecute(binaryPath string, args []string) error {
	metrics.ReexecTotal.Inc()
	err := m.coordinator.Reexecute(binaryPath, args)
	if err != nil {
		metrics.ReexecFailuresTotal.Inc()
	}
	return err
}
