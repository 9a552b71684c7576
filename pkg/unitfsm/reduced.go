package unitfsm

import "github.com/cuemby/coreinit/pkg/types"

// SimpleMachine is the reduced two/three-state machine shared by unit kinds
// whose lifecycle has no elaborate phase list: target, slice, scope.
// Start, Stop and Fail set active, inactive or failed directly, with no
// activating or deactivating step in between.
type SimpleMachine struct {
	UnitID string
	State  types.ActiveState
}

// NewSimpleMachine constructs a reduced machine in the inactive state.
func NewSimpleMachine(unitID string) *SimpleMachine {
	return &SimpleMachine{UnitID: unitID, State: types.ActiveInactive}
}

func (m *SimpleMachine) Start() { m.State = types.ActiveActive }
func (m *SimpleMachine) Stop()  { m.State = types.ActiveInactive }
func (m *SimpleMachine) Fail()  { m.State = types.ActiveFailed }

// SocketSubState refines a socket unit's ActiveState.
type SocketSubState string

const (
	SockDead      SocketSubState = "dead"
	SockListening SocketSubState = "listening"
	SockRunning   SocketSubState = "running" // accepted connection spawned paired service
	SockFailed    SocketSubState = "failed"
)

// SocketMachine tracks a socket unit's listening fds and its paired
// service's activation (Accept=no: the fds are handed to the service at
// start; Accept=yes, per-connection instancing, is out of scope).
type SocketMachine struct {
	UnitID string
	Sub    SocketSubState
}

func NewSocketMachine(unitID string) *SocketMachine {
	return &SocketMachine{UnitID: unitID, Sub: SockDead}
}

func (m *SocketMachine) Bind() error {
	m.Sub = SockListening
	return nil
}

func (m *SocketMachine) TriggerService() { m.Sub = SockRunning }
func (m *SocketMachine) Release()        { m.Sub = SockDead }

func (m *SocketMachine) ActiveState() types.ActiveState {
	switch m.Sub {
	case SockListening, SockRunning:
		return types.ActiveActive
	case SockFailed:
		return types.ActiveFailed
	default:
		return types.ActiveInactive
	}
}

// MountSubState refines a mount unit's ActiveState, driven by observed
// /proc/self/mountinfo entries rather than by a command it runs itself.
type MountSubState string

const (
	MountDead       MountSubState = "dead"
	MountMounting   MountSubState = "mounting"
	MountMounted    MountSubState = "mounted"
	MountRemounting MountSubState = "remounting"
	MountUnmounting MountSubState = "unmounting"
	MountFailed     MountSubState = "failed"
)

// MountMachine reconciles a mount unit's state against kernel-reported
// mount presence.
type MountMachine struct {
	UnitID string
	Sub    MountSubState
	Cfg    *types.MountConfig
}

func NewMountMachine(unitID string, cfg *types.MountConfig) *MountMachine {
	return &MountMachine{UnitID: unitID, Sub: MountDead, Cfg: cfg}
}

// Observe reconciles the machine against whether Where currently appears
// mounted, per the mountinfo-derived boolean the caller observed.
func (m *MountMachine) Observe(isMounted bool) {
	switch m.Sub {
	case MountMounting:
		if isMounted {
			m.Sub = MountMounted
		}
	case MountUnmounting:
		if !isMounted {
			m.Sub = MountDead
		}
	case MountDead:
		if isMounted {
			// mounted out-of-band (e.g. by fstab/another mount tool)
			m.Sub = MountMounted
		}
	case MountMounted:
		if !isMounted {
			m.Sub = MountDead
		}
	}
}

func (m *MountMachine) ActiveState() types.ActiveState {
	switch m.Sub {
	case MountMounted:
		return types.ActiveActive
	case MountMounting, MountRemounting:
		return types.ActiveActivating
	case MountUnmounting:
		return types.ActiveDeactivating
	case MountFailed:
		return types.ActiveFailed
	default:
		return types.ActiveInactive
	}
}

// TimerSubState refines a timer unit's ActiveState.
type TimerSubState string

const (
	TimerDead    TimerSubState = "dead"
	TimerWaiting TimerSubState = "waiting"
	TimerRunning TimerSubState = "running" // paired service triggered, waiting for it to finish
	TimerElapsed TimerSubState = "elapsed"
)

// TimerMachine records whether a timer unit is dead, waiting or running. It
// holds no fire time itself and starts nothing.
type TimerMachine struct {
	UnitID string
	Sub    TimerSubState
	Cfg    *types.TimerConfig
}

func NewTimerMachine(unitID string, cfg *types.TimerConfig) *TimerMachine {
	return &TimerMachine{UnitID: unitID, Sub: TimerDead, Cfg: cfg}
}

func (m *TimerMachine) Arm()    { m.Sub = TimerWaiting }
func (m *TimerMachine) Fire()   { m.Sub = TimerRunning }
func (m *TimerMachine) Settle() { m.Sub = TimerWaiting }
func (m *TimerMachine) Disarm() { m.Sub = TimerDead }

func (m *TimerMachine) ActiveState() types.ActiveState {
	switch m.Sub {
	case TimerWaiting, TimerRunning:
		return types.ActiveActive
	default:
		return types.ActiveInactive
	}
}

// PathSubState refines a path unit's ActiveState.
type PathSubState string

const (
	PathDead    PathSubState = "dead"
	PathWaiting PathSubState = "waiting"
	PathRunning PathSubState = "running"
)

// PathMachine records whether a path unit is dead, waiting or running. It
// does not touch the filesystem; the manager's path watcher feeds it events
// and starts the paired unit.
type PathMachine struct {
	UnitID string
	Sub    PathSubState
	Cfg    *types.PathConfig
}

func NewPathMachine(unitID string, cfg *types.PathConfig) *PathMachine {
	return &PathMachine{UnitID: unitID, Sub: PathDead, Cfg: cfg}
}

func (m *PathMachine) Arm()     { m.Sub = PathWaiting }
func (m *PathMachine) Trigger() { m.Sub = PathRunning }
func (m *PathMachine) Settle()  { m.Sub = PathWaiting }
func (m *PathMachine) Disarm()  { m.Sub = PathDead }

func (m *PathMachine) ActiveState() types.ActiveState {
	if m.Sub == PathDead {
		return types.ActiveInactive
	}
	return types.ActiveActive
}
