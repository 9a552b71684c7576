package unitfsm

import (
	"time"

	"github.com/cuemby/coreinit/pkg/types"
)

// ServiceSubState is the closed set of sub-phases a service unit moves
// through, refining its coarse ActiveState.
type ServiceSubState string

const (
	SvcDead            ServiceSubState = "dead"
	SvcConditionFailed ServiceSubState = "condition-failed"
	SvcStartPre        ServiceSubState = "start-pre"
	SvcStart           ServiceSubState = "start"
	SvcStartPost       ServiceSubState = "start-post"
	SvcRunning         ServiceSubState = "running"
	SvcExited          ServiceSubState = "exited" // RemainAfterExit oneshot
	SvcReload          ServiceSubState = "reload"
	SvcStop            ServiceSubState = "stop"
	SvcStopWatchdog    ServiceSubState = "stop-watchdog"
	SvcStopSigterm     ServiceSubState = "stop-sigterm"
	SvcStopSigkill     ServiceSubState = "stop-sigkill"
	SvcStopPost        ServiceSubState = "stop-post"
	SvcFinalSigterm    ServiceSubState = "final-sigterm"
	SvcFinalSigkill    ServiceSubState = "final-sigkill"
	SvcFailed          ServiceSubState = "failed"
	SvcAutoRestart     ServiceSubState = "auto-restart"
	SvcCleaning        ServiceSubState = "cleaning"
)

// activeStateOf maps a service sub-state to its coarse ActiveState, the
// projection every other unit's dependency logic actually reasons about.
var activeStateOf = map[ServiceSubState]types.ActiveState{
	SvcDead:            types.ActiveInactive,
	SvcConditionFailed: types.ActiveInactive,
	SvcStartPre:        types.ActiveActivating,
	SvcStart:           types.ActiveActivating,
	SvcStartPost:       types.ActiveActivating,
	SvcRunning:         types.ActiveActive,
	SvcExited:          types.ActiveActive,
	SvcReload:          types.ActiveReloading,
	SvcStop:            types.ActiveDeactivating,
	SvcStopWatchdog:    types.ActiveDeactivating,
	SvcStopSigterm:     types.ActiveDeactivating,
	SvcStopSigkill:     types.ActiveDeactivating,
	SvcStopPost:        types.ActiveDeactivating,
	SvcFinalSigterm:    types.ActiveDeactivating,
	SvcFinalSigkill:    types.ActiveDeactivating,
	SvcFailed:          types.ActiveFailed,
	SvcAutoRestart:     types.ActiveActivating,
	SvcCleaning:        types.ActiveDeactivating,
}

// ServiceEvent is an external input the service machine reacts to.
type ServiceEvent string

const (
	EventStartRequested    ServiceEvent = "start-requested"
	EventStopRequested     ServiceEvent = "stop-requested"
	EventReloadRequested   ServiceEvent = "reload-requested"
	EventConditionFailed   ServiceEvent = "condition-failed"
	EventPhaseSucceeded    ServiceEvent = "phase-succeeded"
	EventPhaseFailed       ServiceEvent = "phase-failed"
	EventMainExited        ServiceEvent = "main-exited"
	EventNotifyReady       ServiceEvent = "notify-ready"
	EventTimeout           ServiceEvent = "timeout"
	EventWatchdogExpired   ServiceEvent = "watchdog-expired"
	EventSignalEscalate    ServiceEvent = "signal-escalate"
	EventStopComplete      ServiceEvent = "stop-complete"
	EventRestartTimerFired ServiceEvent = "restart-timer-fired"
	EventCleaningDone      ServiceEvent = "cleaning-done"
)

// ServiceMachine is the per-unit runtime state holder for a service unit.
// It does not itself spawn processes; it emits Action values that the
// manager's event loop carries out via the exec pipeline and cgroup
// controller, and feeds results back in as events.
type ServiceMachine struct {
	UnitID string
	Cfg    *types.ServiceConfig
	Sub    ServiceSubState

	MainPID int
	ExitAt  time.Time

	failedLatched bool
	restartCount  int

	// pendingFailAfterCleanup marks a SvcStopPost entered because a
	// start-phase command failed: once the cleanup commands finish, the
	// machine fails rather than settling back to dead.
	pendingFailAfterCleanup bool
}

// NewServiceMachine constructs a machine in the dead state for a freshly
// loaded service unit.
func NewServiceMachine(unitID string, cfg *types.ServiceConfig) *ServiceMachine {
	return &ServiceMachine{UnitID: unitID, Cfg: cfg, Sub: SvcDead}
}

// ActiveState projects the current sub-state to the coarse ActiveState
// other units' dependency logic observes.
func (m *ServiceMachine) ActiveState() types.ActiveState {
	return activeStateOf[m.Sub]
}

// Action is an effect the machine wants the caller to perform. Exactly one
// of its fields is meaningful, selected by Kind.
type Action struct {
	Kind     ActionKind
	Commands []types.ExecCommand
	Signal   string
	Timeout  time.Duration
}

type ActionKind string

const (
	ActionNone         ActionKind = "none"
	ActionRunCommands  ActionKind = "run-commands"
	ActionSendSignal   ActionKind = "send-signal"
	ActionArmTimer     ActionKind = "arm-timer"
	ActionArmWatchdog  ActionKind = "arm-watchdog"
	ActionArmRestart   ActionKind = "arm-restart"
	ActionRunCleanup   ActionKind = "run-cleanup"
	ActionNotifyFailed ActionKind = "notify-failed"
)

// Transition advances the machine for one event and returns the action
// the caller must now perform.
func (m *ServiceMachine) Transition(ev ServiceEvent) Action {
	switch m.Sub {
	case SvcDead, SvcFailed:
		return m.fromIdle(ev)
	case SvcConditionFailed:
		if ev == EventStartRequested {
			return m.enter(SvcStartPre, m.Cfg.ExecStartPre)
		}
		return Action{Kind: ActionNone}
	case SvcStartPre:
		if ev == EventStopRequested {
			return m.enterStopPostSkippingStop()
		}
		return m.fromPhase(ev, SvcStart, m.Cfg.ExecStart)
	case SvcStart:
		if ev == EventStopRequested {
			return m.enterStopPostSkippingStop()
		}
		return m.fromStartPhase(ev)
	case SvcStartPost:
		if ev == EventStopRequested {
			return m.enterStopPostSkippingStop()
		}
		return m.fromPhase(ev, SvcRunning, nil)
	case SvcRunning, SvcExited:
		return m.fromRunning(ev)
	case SvcReload:
		if ev == EventPhaseSucceeded || ev == EventPhaseFailed {
			m.Sub = SvcRunning
			return Action{Kind: ActionNone}
		}
		return Action{Kind: ActionNone}
	case SvcStop:
		if ev == EventPhaseSucceeded || ev == EventPhaseFailed {
			return m.enterStop(SvcStopSigterm)
		}
		return Action{Kind: ActionNone}
	case SvcStopWatchdog:
		if ev == EventWatchdogExpired {
			return m.enterStop(SvcStopSigterm)
		}
		return Action{Kind: ActionNone}
	case SvcStopSigterm:
		if ev == EventTimeout || ev == EventSignalEscalate {
			m.Sub = SvcStopSigkill
			return Action{Kind: ActionSendSignal, Signal: "SIGKILL", Timeout: 5 * time.Second}
		}
		if ev == EventMainExited {
			return m.enter(SvcStopPost, m.Cfg.ExecStopPost)
		}
		return Action{Kind: ActionNone}
	case SvcStopSigkill:
		if ev == EventMainExited || ev == EventTimeout {
			return m.enter(SvcStopPost, m.Cfg.ExecStopPost)
		}
		return Action{Kind: ActionNone}
	case SvcStopPost:
		if ev == EventPhaseSucceeded || ev == EventPhaseFailed {
			if m.pendingFailAfterCleanup {
				m.pendingFailAfterCleanup = false
				return m.fail()
			}
			return m.finishStop(ev == EventPhaseFailed)
		}
		return Action{Kind: ActionNone}
	case SvcFinalSigterm:
		if ev == EventTimeout {
			m.Sub = SvcFinalSigkill
			return Action{Kind: ActionSendSignal, Signal: "SIGKILL", Timeout: 5 * time.Second}
		}
		if ev == EventMainExited {
			return m.finishStop(true)
		}
		return Action{Kind: ActionNone}
	case SvcFinalSigkill:
		if ev == EventMainExited || ev == EventTimeout {
			return m.finishStop(true)
		}
		return Action{Kind: ActionNone}
	case SvcAutoRestart:
		if ev == EventRestartTimerFired {
			return m.enter(SvcStartPre, m.Cfg.ExecStartPre)
		}
		if ev == EventStopRequested {
			m.Sub = SvcDead
			return Action{Kind: ActionNone}
		}
		return Action{Kind: ActionNone}
	case SvcCleaning:
		if ev == EventCleaningDone {
			m.Sub = SvcDead
		}
		return Action{Kind: ActionNone}
	default:
		return Action{Kind: ActionNone}
	}
}

func (m *ServiceMachine) fromIdle(ev ServiceEvent) Action {
	switch ev {
	case EventStartRequested:
		return m.enter(SvcStartPre, m.Cfg.ExecStartPre)
	case EventConditionFailed:
		m.Sub = SvcConditionFailed
		return Action{Kind: ActionNone}
	default:
		return Action{Kind: ActionNone}
	}
}

func (m *ServiceMachine) enter(sub ServiceSubState, cmds []types.ExecCommand) Action {
	m.Sub = sub
	if len(cmds) == 0 {
		// empty phase: treat as immediate success, caller should re-drive
		// with EventPhaseSucceeded on the next tick.
		return Action{Kind: ActionRunCommands, Commands: nil}
	}
	return Action{Kind: ActionRunCommands, Commands: cmds, Timeout: m.Cfg.TimeoutStartSec}
}

func (m *ServiceMachine) enterStop(sub ServiceSubState) Action {
	m.Sub = sub
	return Action{Kind: ActionSendSignal, Signal: "SIGTERM", Timeout: m.Cfg.TimeoutStopSec}
}

// enterStopPostSkippingStop handles a stop arriving while a unit is still
// in start-pre/start/start-post: ExecStop never ran (the main process may
// not exist yet), so the machine goes straight to stop-post instead of
// sending a signal first.
func (m *ServiceMachine) enterStopPostSkippingStop() Action {
	return m.enter(SvcStopPost, m.Cfg.ExecStopPost)
}

// failFromStart handles a command failure during start-pre, start, or
// start-post: stop-post still runs (to undo whatever the failed phase set
// up) but stop itself is skipped, since the unit never reached running.
// Once stop-post completes, the machine fails via the normal restart-policy
// path.
func (m *ServiceMachine) failFromStart() Action {
	m.pendingFailAfterCleanup = true
	return m.enter(SvcStopPost, m.Cfg.ExecStopPost)
}

// fromPhase handles the common "this ExecXPre/Post phase finished" shape:
// success advances to next, IgnoreFailure-tolerant failure also advances,
// a hard failure fails the unit.
func (m *ServiceMachine) fromPhase(ev ServiceEvent, onSuccess ServiceSubState, nextCmds []types.ExecCommand) Action {
	switch ev {
	case EventPhaseSucceeded:
		if onSuccess == SvcRunning && m.Cfg.Type == types.ServiceOneshot {
			m.Sub = SvcExited
			return Action{Kind: ActionNone}
		}
		return m.enter(onSuccess, nextCmds)
	case EventPhaseFailed:
		return m.failFromStart()
	default:
		return Action{Kind: ActionNone}
	}
}

// fromStartPhase handles the ExecStart phase, whose completion semantics
// depend on ServiceType: simple/exec consider
// the process itself the readiness signal (advance immediately to
// start-post once spawned), notify/dbus wait for an external readiness
// event, forking waits for the parent to exit, oneshot waits for exit 0.
func (m *ServiceMachine) fromStartPhase(ev ServiceEvent) Action {
	switch m.Cfg.Type {
	case types.ServiceNotify, types.ServiceDBus:
		if ev == EventNotifyReady {
			return m.enter(SvcStartPost, m.Cfg.ExecStartPost)
		}
		if ev == EventTimeout {
			return m.failFromStart()
		}
		if ev == EventMainExited {
			return m.failFromStart()
		}
		return Action{Kind: ActionNone}
	case types.ServiceForking, types.ServiceOneshot:
		if ev == EventMainExited {
			return m.enter(SvcStartPost, m.Cfg.ExecStartPost)
		}
		if ev == EventTimeout {
			return m.failFromStart()
		}
		return Action{Kind: ActionNone}
	default: // simple, exec
		if ev == EventPhaseSucceeded {
			return m.enter(SvcStartPost, m.Cfg.ExecStartPost)
		}
		if ev == EventMainExited || ev == EventPhaseFailed {
			return m.failFromStart()
		}
		return Action{Kind: ActionNone}
	}
}

func (m *ServiceMachine) fromRunning(ev ServiceEvent) Action {
	switch ev {
	case EventStopRequested:
		m.Sub = SvcStop
		return m.enter(SvcStop, m.Cfg.ExecStop)
	case EventReloadRequested:
		if len(m.Cfg.ExecReload) == 0 {
			return Action{Kind: ActionNone}
		}
		m.Sub = SvcReload
		return Action{Kind: ActionRunCommands, Commands: m.Cfg.ExecReload, Timeout: m.Cfg.TimeoutStopSec}
	case EventMainExited:
		return m.mainExited()
	case EventWatchdogExpired:
		m.Sub = SvcStopWatchdog
		return Action{Kind: ActionSendSignal, Signal: m.Cfg.KillSignal, Timeout: m.Cfg.TimeoutStopSec}
	default:
		return Action{Kind: ActionNone}
	}
}

// mainExited decides, from RestartPolicy, whether an unrequested exit
// should restart the unit or fail it.
func (m *ServiceMachine) mainExited() Action {
	m.ExitAt = time.Now()
	switch m.Cfg.Restart {
	case types.RestartAlways, types.RestartOnFailure, types.RestartOnSuccess:
		m.restartCount++
		m.Sub = SvcAutoRestart
		return Action{Kind: ActionArmRestart, Timeout: m.Cfg.RestartSec}
	default:
		m.Sub = SvcDead
		return Action{Kind: ActionRunCleanup}
	}
}

func (m *ServiceMachine) fail() Action {
	m.failedLatched = true
	if m.Cfg.Restart == types.RestartAlways {
		m.restartCount++
		m.Sub = SvcAutoRestart
		return Action{Kind: ActionArmRestart, Timeout: m.Cfg.RestartSec}
	}
	m.Sub = SvcFailed
	return Action{Kind: ActionNotifyFailed}
}

func (m *ServiceMachine) finishStop(failed bool) Action {
	if failed {
		return m.fail()
	}
	m.Sub = SvcDead
	return Action{Kind: ActionNone}
}

// FailedLatched reports whether the unit has ever failed since it was last
// explicitly cleared by reset-failed.
func (m *ServiceMachine) FailedLatched() bool { return m.failedLatched }

// ClearFailed resets the latch, per reset-failed.
func (m *ServiceMachine) ClearFailed() {
	m.failedLatched = false
	if m.Sub == SvcFailed {
		m.Sub = SvcDead
	}
}
