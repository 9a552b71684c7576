package types

import "time"

// Kind identifies the behavioral family of a unit.
type Kind string

const (
	KindService   Kind = "service"
	KindSocket    Kind = "socket"
	KindMount     Kind = "mount"
	KindSwap      Kind = "swap"
	KindTarget    Kind = "target"
	KindPath      Kind = "path"
	KindTimer     Kind = "timer"
	KindSlice     Kind = "slice"
	KindScope     Kind = "scope"
	KindDevice    Kind = "device"
	KindAutomount Kind = "automount"
)

// LoadState reflects whether a unit's configuration was found and parsed.
type LoadState string

const (
	LoadStub       LoadState = "stub"
	LoadLoaded     LoadState = "loaded"
	LoadNotFound   LoadState = "not-found"
	LoadBadSetting LoadState = "bad-setting"
	LoadError      LoadState = "error"
	LoadMasked     LoadState = "masked"
	LoadMerged     LoadState = "merged"
)

// ActiveState is the coarse, kind-independent lifecycle phase.
type ActiveState string

const (
	ActiveInactive     ActiveState = "inactive"
	ActiveActivating   ActiveState = "activating"
	ActiveActive       ActiveState = "active"
	ActiveReloading    ActiveState = "reloading"
	ActiveDeactivating ActiveState = "deactivating"
	ActiveFailed       ActiveState = "failed"
	ActiveMaintenance  ActiveState = "maintenance"
)

// IsLive reports whether a is a member of its slice's live set.
func (a ActiveState) IsLive() bool {
	return a == ActiveActive || a == ActiveActivating || a == ActiveReloading
}

// DependencyKind is the closed set of edges a unit may hold on another.
type DependencyKind string

const (
	DepRequires             DependencyKind = "Requires"
	DepRequiredBy           DependencyKind = "RequiredBy"
	DepRequisite            DependencyKind = "Requisite"
	DepRequisiteOf          DependencyKind = "RequisiteOf"
	DepWants                DependencyKind = "Wants"
	DepWantedBy             DependencyKind = "WantedBy"
	DepBindsTo              DependencyKind = "BindsTo"
	DepBoundBy              DependencyKind = "BoundBy"
	DepPartOf               DependencyKind = "PartOf"
	DepConsistsOf           DependencyKind = "ConsistsOf"
	DepConflicts            DependencyKind = "Conflicts"
	DepConflictedBy         DependencyKind = "ConflictedBy"
	DepBefore               DependencyKind = "Before"
	DepAfter                DependencyKind = "After"
	DepOnFailure            DependencyKind = "OnFailure"
	DepOnFailureOf          DependencyKind = "OnFailureOf"
	DepPropagatesReloadTo   DependencyKind = "PropagatesReloadTo"
	DepReloadPropagatedFrom DependencyKind = "ReloadPropagatedFrom"
	DepStopTo               DependencyKind = "StopTo"
	DepStoppedFrom          DependencyKind = "StoppedFrom"
	DepSlice                DependencyKind = "Slice"
)

// inverses maps every DependencyKind to its mirror edge: for every edge
// (A,kind,B) there is exactly one mirror (B,inverse(kind),A).
var inverses = map[DependencyKind]DependencyKind{
	DepRequires:             DepRequiredBy,
	DepRequiredBy:           DepRequires,
	DepRequisite:            DepRequisiteOf,
	DepRequisiteOf:          DepRequisite,
	DepWants:                DepWantedBy,
	DepWantedBy:             DepWants,
	DepBindsTo:              DepBoundBy,
	DepBoundBy:              DepBindsTo,
	DepPartOf:               DepConsistsOf,
	DepConsistsOf:           DepPartOf,
	DepConflicts:            DepConflictedBy,
	DepConflictedBy:         DepConflicts,
	DepBefore:               DepAfter,
	DepAfter:                DepBefore,
	DepOnFailure:            DepOnFailureOf,
	DepOnFailureOf:          DepOnFailure,
	DepPropagatesReloadTo:   DepReloadPropagatedFrom,
	DepReloadPropagatedFrom: DepPropagatesReloadTo,
	DepStopTo:               DepStoppedFrom,
	DepStoppedFrom:          DepStopTo,
	DepSlice:                DepConsistsOf,
}

// Inverse returns the mirror dependency kind, and false for an unknown kind.
func (k DependencyKind) Inverse() (DependencyKind, bool) {
	inv, ok := inverses[k]
	return inv, ok
}

// ActivationImplying reports whether starting A along this edge kind also
// schedules a Start of B. Before/After are ordering-only.
func (k DependencyKind) ActivationImplying() bool {
	switch k {
	case DepRequires, DepWants, DepBindsTo:
		return true
	default:
		return false
	}
}

// EdgeReason records why a dependency edge exists, for selective rollback
// on config reload.
type EdgeReason string

const (
	ReasonFile     EdgeReason = "file"
	ReasonImplicit EdgeReason = "implicit"
	ReasonDefault  EdgeReason = "default"
	ReasonRuntime  EdgeReason = "runtime"
)

// ReasonMask is a bitset of EdgeReason values used to select edges for
// removal (remove_dependency(from, kind, to, reason_mask)).
type ReasonMask uint8

const (
	MaskFile ReasonMask = 1 << iota
	MaskImplicit
	MaskDefault
	MaskRuntime
	MaskAll = MaskFile | MaskImplicit | MaskDefault | MaskRuntime
)

func (r EdgeReason) Mask() ReasonMask {
	switch r {
	case ReasonFile:
		return MaskFile
	case ReasonImplicit:
		return MaskImplicit
	case ReasonDefault:
		return MaskDefault
	case ReasonRuntime:
		return MaskRuntime
	default:
		return 0
	}
}

// Edge is one outgoing dependency from a unit, with the reason it exists.
type Edge struct {
	Kind   DependencyKind
	Target string // unit ID
	Reason EdgeReason
}

// UnitConfig is the immutable, already-validated configuration record a
// collaborator (unit-file loader) produces for a unit. The core treats it
// as opaque beyond the fields it needs to build the graph and exec
// pipeline; it never parses unit files itself.
type UnitConfig struct {
	ID      string
	Kind    Kind
	Aliases []string

	// Static dependency declarations as read from the unit file, prior to
	// implicit/default edges being added by the loader.
	Edges []Edge

	IgnoreOnIsolate bool

	// Service-specific configuration (nil for other kinds).
	Service *ServiceConfig

	// Socket-specific configuration.
	Socket *SocketConfig

	// Mount-specific configuration.
	Mount *MountConfig

	// Timer-specific configuration.
	Timer *TimerConfig

	// Path-specific configuration.
	Path *PathConfig
}

// ServiceType controls the service state machine's readiness predicate:
// when a unit of this type is considered started.
type ServiceType string

const (
	ServiceSimple  ServiceType = "simple"
	ServiceExec    ServiceType = "exec"
	ServiceForking ServiceType = "forking"
	ServiceNotify  ServiceType = "notify"
	ServiceDBus    ServiceType = "dbus"
	ServiceOneshot ServiceType = "oneshot"
)

// RestartPolicy controls auto-restart after an abnormal exit.
type RestartPolicy string

const (
	RestartNo         RestartPolicy = "no"
	RestartOnSuccess  RestartPolicy = "on-success"
	RestartOnFailure  RestartPolicy = "on-failure"
	RestartAlways     RestartPolicy = "always"
	RestartOnWatchdog RestartPolicy = "on-watchdog"
)

// ServiceConfig holds the exec commands and policy knobs for a service unit.
type ServiceConfig struct {
	Type            ServiceType
	RemainAfterExit bool
	ExecStartPre    []ExecCommand
	ExecStart       []ExecCommand
	ExecStartPost   []ExecCommand
	ExecReload      []ExecCommand
	ExecStop        []ExecCommand
	ExecStopPost    []ExecCommand
	Restart         RestartPolicy
	RestartSec      time.Duration
	TimeoutStartSec time.Duration
	TimeoutStopSec  time.Duration
	WatchdogSec     time.Duration
	FinalKillSignal string
	KillSignal      string
	Context         ExecContext
}

// SocketConfig describes a socket unit's listen addresses and paired service.
type SocketConfig struct {
	ListenStream []string
	ListenDgram  []string
	Service      string // paired service unit ID, empty = Accept-style pairing by name
	BacklogSize  int
}

// MountConfig describes a mount unit's target path and mount options.
type MountConfig struct {
	What    string
	Where   string
	FSType  string
	Options []string
}

// ClockKind selects the clock domain a timer fires against.
type ClockKind string

const (
	ClockMonotonic ClockKind = "monotonic"
	ClockRealtime  ClockKind = "realtime"
)

// TimerConfig describes a timer unit's schedule and the service it starts.
type TimerConfig struct {
	Clock      ClockKind
	Interval   time.Duration // for monotonic relative timers (OnUnitActiveSec etc.)
	OnCalendar string        // opaque calendar spec, interpreted by the timer fsm
	Unit       string        // paired service unit ID, empty = "<stem>.service"
	Persistent bool
}

// PathConfig describes a path unit's watched paths and triggered service.
type PathConfig struct {
	PathExists        []string
	PathChanged       []string
	DirectoryNotEmpty []string
	Unit              string
}

// Unit is a supervised object: the central node type of the graph.
type Unit struct {
	ID      string
	Aliases map[string]bool
	Kind    Kind

	LoadState   LoadState
	ActiveState ActiveState
	SubState    string // kind-specific refinement, see unitfsm package

	// Dependencies, keyed by kind, value set of target unit IDs.
	Dependencies        map[DependencyKind]map[string]bool
	ReverseDependencies map[DependencyKind]map[string]bool
	EdgeReasons         map[string]EdgeReason // keyed by EdgeKey(kind, target)

	JobID int64 // 0 = no in-flight job

	Config *UnitConfig

	CgroupPath string
	Refs       int // held-open references preventing GC

	FailedLatched bool // latched until reset-failed or successful start

	CreatedAt time.Time
}

// EdgeKey builds the EdgeReasons map key for an edge of kind targeting
// target, shared by the graph package so both sides of an edge mutation
// agree on the lookup key.
func EdgeKey(kind DependencyKind, target string) string {
	return string(kind) + "\x00" + target
}

// NewUnit constructs a stub unit ready for loading.
func NewUnit(id string, kind Kind) *Unit {
	return &Unit{
		ID:                  id,
		Aliases:             make(map[string]bool),
		Kind:                kind,
		LoadState:           LoadStub,
		ActiveState:         ActiveInactive,
		Dependencies:        make(map[DependencyKind]map[string]bool),
		ReverseDependencies: make(map[DependencyKind]map[string]bool),
		EdgeReasons:         make(map[string]EdgeReason),
		CreatedAt:           time.Now(),
	}
}

// HasDependency reports whether the unit holds an edge of kind to target.
func (u *Unit) HasDependency(kind DependencyKind, target string) bool {
	set, ok := u.Dependencies[kind]
	return ok && set[target]
}

// IsTemplate reports whether id names a template (an "@" with no instance).
// Templates are never themselves startable.
func IsTemplate(id string) bool {
	at := -1
	for i, r := range id {
		if r == '@' {
			at = i
			break
		}
	}
	if at < 0 || at+1 >= len(id) {
		return false
	}
	return id[at+1] == '.'
}

// GCEligible reports whether the unit may be removed by garbage_collect:
// inactive, no job, no refs, no dependents requiring its presence.
func (u *Unit) GCEligible(hasDependents bool) bool {
	return u.ActiveState == ActiveInactive && u.JobID == 0 && u.Refs == 0 && !hasDependents
}
