package manager

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/cuemby/coreinit/pkg/cgroup"
	"github.com/cuemby/coreinit/pkg/execpipeline"
	"github.com/cuemby/coreinit/pkg/metrics"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/unitfsm"
	"github.com/google/uuid"
	mobysignal "github.com/moby/sys/signal"
)

// Execute implements job.Executor. It dispatches on the target unit's kind
// and reports a synchronous outcome back to the runner; only a service's
// main process continuing to run after a successful start is observed
// asynchronously, through Reaped once it exits.
func (m *Manager) Execute(j *types.Job) error {
	u, ok := m.graph.Lookup(j.Unit)
	if !ok {
		return fmt.Errorf("execute: unit not loaded: %s", j.Unit)
	}

	var err error
	switch u.Kind {
	case types.KindService:
		err = m.executeService(u, j)
	case types.KindSocket:
		err = m.executeSocket(u, j)
	case types.KindMount:
		err = m.executeMount(u, j)
	case types.KindTimer:
		err = m.executeTimer(u, j)
	case types.KindPath:
		err = m.executePath(u, j)
	case types.KindTarget, types.KindSlice, types.KindScope:
		err = m.executeSimple(u, j)
	default:
		err = fmt.Errorf("execute: unsupported unit kind: %s", u.Kind)
	}

	if err != nil {
		m.runner.Complete(j.ID, types.ResultFailed)
	}
	return err
}

// Reaped implements eventloop.ChildReaper: a SIGCHLD reap is the
// authoritative "this process tree changed" signal for a service's main
// process. Children that are not recorded as a service's current main
// process are reaped here too and simply ignored.
func (m *Manager) Reaped(pid int, status syscall.WaitStatus) {
	unitID, ok := m.pidToUnit[pid]
	if !ok {
		return
	}
	delete(m.pidToUnit, pid)

	u, ok := m.graph.Lookup(unitID)
	if !ok {
		return
	}
	sm := m.serviceMachines[unitID]
	if sm == nil || sm.MainPID != pid {
		return
	}

	sm.Transition(unitfsm.EventMainExited)

	exitedCleanly := status.Exited() && status.ExitStatus() == 0
	if !exitedCleanly && sm.Sub != unitfsm.SvcStop && sm.Sub != unitfsm.SvcStopPost {
		sm.Transition(unitfsm.EventPhaseFailed)
	}

	u.ActiveState = sm.ActiveState()
	u.SubState = string(sm.Sub)
	if sm.Sub == unitfsm.SvcFailed {
		u.FailedLatched = true
	}

	if handle, ok := m.cgroupHandles[unitID]; ok {
		if empty, _ := m.cgroups.IsEmpty(handle); empty {
			m.cgroups.Destroy(handle)
			delete(m.cgroupHandles, unitID)
		}
	}

	m.publishUnit(u)
}

func (m *Manager) executeService(u *types.Unit, j *types.Job) error {
	sm := m.serviceMachines[u.ID]
	if sm == nil {
		sm = unitfsm.NewServiceMachine(u.ID, u.Config.Service)
		m.serviceMachines[u.ID] = sm
	}

	switch j.Type {
	case types.JobStart, types.JobTryRestart:
		return m.startService(u, sm, j)
	case types.JobStop:
		return m.stopService(u, sm, j)
	case types.JobRestart:
		if err := m.stopService(u, sm, j); err != nil {
			return err
		}
		sm2 := unitfsm.NewServiceMachine(u.ID, u.Config.Service)
		m.serviceMachines[u.ID] = sm2
		return m.startService(u, sm2, j)
	case types.JobReload:
		return m.reloadService(u, sm, j)
	case types.JobVerifyActive:
		result := types.ResultDone
		if !sm.ActiveState().IsLive() {
			result = types.ResultFailed
		}
		m.runner.Complete(j.ID, result)
		return nil
	case types.JobNop:
		m.runner.Complete(j.ID, types.ResultDone)
		return nil
	default:
		return fmt.Errorf("unsupported job type %s for service unit", j.Type)
	}
}

// startService creates the unit's cgroup, then drives the service
// machine's start ladder (start-pre, start, start-post) by running each
// phase's commands in turn; runPhase joins every spawned process to the
// cgroup.
func (m *Manager) startService(u *types.Unit, sm *unitfsm.ServiceMachine, j *types.Job) error {
	action := sm.Transition(unitfsm.EventStartRequested)

	groupPath := cgroup.GroupPath(u.ID, sliceOf(u))
	mgr, cgErr := m.cgroups.Create(groupPath, cgroup.Resources{MemoryMax: -1, CPUQuotaUs: -1})
	if cgErr != nil {
		metrics.CgroupAttachFailuresTotal.Inc()
		sm.Transition(unitfsm.EventPhaseFailed)
		return m.settleService(u, sm, j, cgErr)
	}
	m.cgroupHandles[u.ID] = mgr
	u.CgroupPath = groupPath

	for i := 0; i < 8 && action.Kind == unitfsm.ActionRunCommands; i++ {
		pid, spawnErr := m.runPhase(u, action.Commands)
		if spawnErr != nil {
			metrics.SpawnFailuresTotal.WithLabelValues(string(spawnErr.Phase)).Inc()
			action = sm.Transition(unitfsm.EventPhaseFailed)
			return m.settleService(u, sm, j, spawnErr)
		}
		if pid > 0 {
			sm.MainPID = pid
			m.pidToUnit[pid] = u.ID
		}
		action = sm.Transition(unitfsm.EventPhaseSucceeded)
	}

	return m.settleService(u, sm, j, nil)
}

func (m *Manager) stopService(u *types.Unit, sm *unitfsm.ServiceMachine, j *types.Job) error {
	action := sm.Transition(unitfsm.EventStopRequested)

	for i := 0; i < 4 && action.Kind == unitfsm.ActionRunCommands; i++ {
		m.runPhase(u, action.Commands)
		action = sm.Transition(unitfsm.EventPhaseSucceeded)
	}
	if action.Kind == unitfsm.ActionSendSignal && sm.MainPID > 0 {
		sig, err := mobysignal.ParseSignal(action.Signal)
		if err != nil {
			m.logger.Warn().Err(err).Str("unit", u.ID).Str("signal", action.Signal).Msg("unknown stop signal, defaulting to SIGTERM")
			sig = syscall.SIGTERM
		}
		syscall.Kill(sm.MainPID, sig)
	}
	sm.Transition(unitfsm.EventStopComplete)

	if nc, ok := m.notifyChannels[u.ID]; ok {
		nc.Close()
		delete(m.notifyChannels, u.ID)
	}

	return m.settleService(u, sm, j, nil)
}

func (m *Manager) reloadService(u *types.Unit, sm *unitfsm.ServiceMachine, j *types.Job) error {
	action := sm.Transition(unitfsm.EventReloadRequested)
	if action.Kind == unitfsm.ActionRunCommands {
		if _, spawnErr := m.runPhase(u, action.Commands); spawnErr != nil {
			sm.Transition(unitfsm.EventPhaseFailed)
			return m.settleService(u, sm, j, spawnErr)
		}
	}
	sm.Transition(unitfsm.EventPhaseSucceeded)
	return m.settleService(u, sm, j, nil)
}

func (m *Manager) settleService(u *types.Unit, sm *unitfsm.ServiceMachine, j *types.Job, cause error) error {
	u.ActiveState = sm.ActiveState()
	u.SubState = string(sm.Sub)
	if sm.Sub == unitfsm.SvcFailed {
		u.FailedLatched = true
	}
	m.publishUnit(u)

	result := types.ResultDone
	if sm.Sub == unitfsm.SvcFailed {
		result = types.ResultFailed
	}
	m.runner.Complete(j.ID, result)
	if cause != nil {
		return cause
	}
	return nil
}

// runPhase spawns every command of one phase in sequence, joining each to
// the unit's cgroup, and returns the pid of the last command started (the
// one whose exit the caller should track as the phase's main process).
func (m *Manager) runPhase(u *types.Unit, commands []types.ExecCommand) (int, *types.SpawnError) {
	var lastPID int
	cfg := u.Config.Service

	var notifySocket string
	if cfg.Type == types.ServiceNotify {
		if nc, err := execpipeline.OpenNotifyChannel(context.Background(), u.ID); err != nil {
			m.logger.Warn().Err(err).Str("unit", u.ID).Msg("notify channel unavailable, READY=1 will not be observed")
		} else {
			notifySocket = nc.Path()
			m.notifyChannels[u.ID] = nc
		}
	}

	runtime := &types.ExecRuntime{UnitID: u.ID, CreatedAt: time.Now()}
	if cfg.Context.RootImage != "" {
		runtime.EphemeralImageID = uuid.NewString()
	}

	for _, cmd := range commands {
		metrics.SpawnsTotal.Inc()
		params := &types.ExecParameters{Command: cmd, Phase: "start", CgroupPath: u.CgroupPath, NotifySocket: notifySocket}
		handle, spawnErr := m.pipeline.Spawn(&cfg.Context, params, runtime)
		if spawnErr != nil {
			if cmd.IgnoreFailure {
				continue
			}
			return 0, spawnErr
		}
		if mh, ok := m.cgroupHandles[u.ID]; ok {
			if err := m.cgroups.Attach(mh, handle.PID); err != nil {
				metrics.CgroupAttachFailuresTotal.Inc()
				m.logger.Warn().Err(err).Str("unit", u.ID).Msg("cgroup attach failed, process runs unsupervised")
			}
		}
		lastPID = handle.PID
	}
	return lastPID, nil
}

func sliceOf(u *types.Unit) string {
	for target := range u.Dependencies[types.DepSlice] {
		return target
	}
	return ""
}

func (m *Manager) executeSocket(u *types.Unit, j *types.Job) error {
	sm := m.socketMachines[u.ID]
	if sm == nil {
		sm = unitfsm.NewSocketMachine(u.ID)
		m.socketMachines[u.ID] = sm
	}
	switch j.Type {
	case types.JobStart:
		if err := sm.Bind(); err != nil {
			return err
		}
	case types.JobStop:
		m.fds.DropUnit(u.ID)
		sm.Release()
	}
	u.ActiveState = sm.ActiveState()
	m.publishUnit(u)
	m.runner.Complete(j.ID, types.ResultDone)
	return nil
}

func (m *Manager) executeMount(u *types.Unit, j *types.Job) error {
	sm := m.mountMachines[u.ID]
	if sm == nil {
		sm = unitfsm.NewMountMachine(u.ID, u.Config.Mount)
		m.mountMachines[u.ID] = sm
	}
	switch j.Type {
	case types.JobStart:
		sm.Sub = unitfsm.MountMounting
	case types.JobStop:
		sm.Sub = unitfsm.MountUnmounting
	}
	u.ActiveState = sm.ActiveState()
	u.SubState = string(sm.Sub)
	m.publishUnit(u)
	m.runner.Complete(j.ID, types.ResultDone)
	return nil
}

func (m *Manager) executeTimer(u *types.Unit, j *types.Job) error {
	sm := m.timerMachines[u.ID]
	if sm == nil {
		sm = unitfsm.NewTimerMachine(u.ID, u.Config.Timer)
		m.timerMachines[u.ID] = sm
	}
	switch j.Type {
	case types.JobStart:
		sm.Arm()
	case types.JobStop:
		sm.Disarm()
	}
	u.ActiveState = sm.ActiveState()
	m.publishUnit(u)
	m.runner.Complete(j.ID, types.ResultDone)
	return nil
}

func (m *Manager) executePath(u *types.Unit, j *types.Job) error {
	sm := m.pathMachines[u.ID]
	if sm == nil {
		sm = unitfsm.NewPathMachine(u.ID, u.Config.Path)
		m.pathMachines[u.ID] = sm
		if m.paths != nil && u.Config.Path != nil {
			m.paths.Watch(u.ID, u.Config.Path)
		}
	}
	switch j.Type {
	case types.JobStart:
		sm.Arm()
	case types.JobStop:
		sm.Disarm()
	}
	u.ActiveState = sm.ActiveState()
	m.publishUnit(u)
	m.runner.Complete(j.ID, types.ResultDone)
	return nil
}

func (m *Manager) executeSimple(u *types.Unit, j *types.Job) error {
	sm := m.simpleMachines[u.ID]
	if sm == nil {
		sm = unitfsm.NewSimpleMachine(u.ID)
		m.simpleMachines[u.ID] = sm
	}
	switch j.Type {
	case types.JobStart:
		sm.Start()
	case types.JobStop:
		sm.Stop()
	case types.JobRestart:
		sm.Stop()
		sm.Start()
	}
	u.ActiveState = sm.State
	m.publishUnit(u)
	m.runner.Complete(j.ID, types.ResultDone)
	return nil
}
