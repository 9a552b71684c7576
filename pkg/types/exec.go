package types

import (
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ExecCommand is a single command line of an Exec{Start,Stop,Reload,...}=
// list entry. Multiple ExecStartPre= lines accumulate.
type ExecCommand struct {
	Path          string
	Args          []string
	IgnoreFailure bool // "-" prefix: exit code does not fail the phase
}

// ExecContext is the full declarative environment for a service-like unit,
// immutable once the unit is loaded. It is expressed directly in terms
// of OCI runtime-spec structures, which already model exactly the axes the
// spec calls out: namespaces, capabilities, rlimits, mounts, seccomp.
type ExecContext struct {
	User  string
	Group string

	WorkingDirectory string
	Environment      []string // KEY=VALUE, accumulating across Environment= lines

	// Namespaces to unshare/join, subset of specs.LinuxNamespaceType.
	Namespaces []specs.LinuxNamespace

	// RootImage, when set, names a disk image dissected for the root
	// filesystem (verity-protected), mounted read-only unless RootImageRW.
	RootImage   string
	RootImageRW bool

	// Static mount view additions, applied in a fixed ordering invariant:
	// outermost roots first, inaccessible-path shadowing last.
	ReadOnlyPaths     []string
	InaccessiblePaths []string
	BindPaths         []specs.Mount
	TempDirs          []string // private, auto-cleaned tmpfs mounts

	CapabilityBoundingSet []string
	AmbientCapabilities   []string
	NoNewPrivileges       bool

	Rlimits []specs.POSIXRlimit

	OOMScoreAdjust int

	// SchedulingPolicy is one of the SCHED_* names (SCHED_OTHER, SCHED_FIFO, ...).
	SchedulingPolicy   string
	SchedulingPriority int

	DeviceAllow []string // cgroup device allow-list entries

	SeccompProfile  string // profile selector name, resolved by a collaborator
	SELinuxLabel    string
	AppArmorProfile string

	TTYPath string

	StandardInput  string // "null", "tty", "socket", "fd:<name>"
	StandardOutput string // "journal", "null", "tty", "socket", "fd:<name>"
	StandardError  string

	// CredentialDescriptors name credential files to be mounted read-only
	// into a per-invocation credentials directory (LoadCredential=-style).
	CredentialDescriptors map[string]string // name -> source path

	NotifyAccess bool // whether the unit may use NOTIFY_SOCKET
}

// ExecRuntime is the mutable, per-invocation state that persists across a
// unit's successive invocations: namespace-backing sockets, ephemeral image
// state, credential mount handles.
type ExecRuntime struct {
	UnitID string

	TempDirs []string // allocated at first start, removed when ExecRuntime drops

	// NetNSFD/IPCNSFD, when non-zero, are fds pinning namespaces shared
	// across successive invocations of the same unit.
	NetNSFD int
	IPCNSFD int

	CredentialMountDir string

	EphemeralImageID string // identifier of a dissected ephemeral overlay, if any

	CreatedAt time.Time
}

// ExecParameters carries the per-start invocation parameters that are not
// part of the immutable ExecContext: which command list phase is running,
// the FDs to inherit, and the cgroup the child should join.
type ExecParameters struct {
	Command      ExecCommand
	Phase        string // "start-pre","start","start-post","stop","stop-post","reload"
	InheritedFDs []int
	FDNames      []string // parallel to InheritedFDs, for LISTEN_FDNAMES
	CgroupPath   string
	NotifySocket string
	WatchdogUsec uint64
}

// SpawnPhase enumerates the setup steps that happen before execve(), used
// to tag a SpawnError with where it occurred.
type SpawnPhase string

const (
	PhaseCgroupJoin   SpawnPhase = "cgroup-join"
	PhaseResourceCtl  SpawnPhase = "resource-control"
	PhaseCredentials  SpawnPhase = "credentials"
	PhaseNamespaces   SpawnPhase = "namespaces"
	PhaseMounts       SpawnPhase = "mounts"
	PhaseCapabilities SpawnPhase = "capabilities"
	PhaseFDRenumber   SpawnPhase = "fd-renumber"
	PhaseExecve       SpawnPhase = "execve"
)

// SpawnError is the typed error carried over the dedicated pipe from the
// fork/exec setup child when a step before execve() fails.
type SpawnError struct {
	Phase  SpawnPhase
	Errno  int
	Detail string
}

func (e *SpawnError) Error() string {
	return string(e.Phase) + ": " + e.Detail
}
