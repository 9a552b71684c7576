package execpipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Pipeline owns the mechanics of turning an ExecContext and ExecParameters
// into a running process, reporting any pre-execve failure as a typed
// SpawnError.
type Pipeline struct {
	logger zerolog.Logger
}

// New constructs a Pipeline.
func New() *Pipeline {
	return &Pipeline{logger: ulog.WithComponent("exec-pipeline")}
}

// Handle is the caller's view of a spawned invocation: its pid and the
// exec.Cmd that started it. Its exit status is reaped by the event loop's
// SIGCHLD handling, not by this package.
type Handle struct {
	PID int
	Cmd *exec.Cmd
}

// Spawn starts one command of a unit's phase (start-pre, start, stop, ...).
// The child gets the namespace clone flags and the resolved uid/gid through
// Cmd.SysProcAttr; the SELinux exec label is set from the calling process
// before the start. Spawn does not join a cgroup, materialize credentials,
// construct mounts, drop capabilities or renumber inherited fds: the write
// end of a dedicated status pipe and then the inherited fds are passed
// through ExtraFiles. A statusMessage read from the status pipe is returned
// as a SpawnError.
func (p *Pipeline) Spawn(ctx *types.ExecContext, params *types.ExecParameters, runtime *types.ExecRuntime) (*Handle, *types.SpawnError) {
	cmd := exec.Command(params.Command.Path, params.Command.Args...)
	cmd.Env = ctx.Environment
	cmd.Dir = ctx.WorkingDirectory

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, &types.SpawnError{Phase: types.PhaseExecve, Detail: err.Error()}
	}
	defer statusR.Close()

	attr, spawnErr := p.buildSysProcAttr(ctx)
	if spawnErr != nil {
		statusW.Close()
		return nil, spawnErr
	}
	cmd.SysProcAttr = attr

	if spawnErr := ApplySELinuxLabel(ctx); spawnErr != nil {
		statusW.Close()
		return nil, spawnErr
	}

	cmd.ExtraFiles = append(cmd.ExtraFiles, statusW)
	inheritFD := 3 + len(cmd.ExtraFiles) - 1
	cmd.Env = append(cmd.Env, fmt.Sprintf("COREINIT_STATUS_FD=%d", inheritFD))

	for i, fd := range params.InheritedFDs {
		name := "fd"
		if i < len(params.FDNames) {
			name = params.FDNames[i]
		}
		f := os.NewFile(uintptr(fd), name)
		cmd.ExtraFiles = append(cmd.ExtraFiles, f)
	}
	if len(params.InheritedFDs) > 0 {
		// LISTEN_PID must equal the child's own pid; it is set to "self"
		// here and resolved by the exec trampoline at actual startup,
		// since the real pid is not known until after cmd.Start() below.
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("LISTEN_FDS=%d", len(params.InheritedFDs)),
			"LISTEN_PID=self",
		)
	}
	if params.NotifySocket != "" {
		cmd.Env = append(cmd.Env, "NOTIFY_SOCKET="+params.NotifySocket)
	}

	if err := cmd.Start(); err != nil {
		statusW.Close()
		return nil, &types.SpawnError{Phase: types.PhaseExecve, Detail: err.Error()}
	}
	statusW.Close()

	if spawnErr := p.drainStatus(statusR); spawnErr != nil {
		return nil, spawnErr
	}

	if err := p.postSpawn(params, cmd.Process.Pid); err != nil {
		return nil, err
	}

	return &Handle{PID: cmd.Process.Pid, Cmd: cmd}, nil
}

// buildSysProcAttr translates the declarative namespace list into the
// kernel-level clone flags and uid/gid mapping SysProcAttr understands.
func (p *Pipeline) buildSysProcAttr(ctx *types.ExecContext) (*syscall.SysProcAttr, *types.SpawnError) {
	attr := &syscall.SysProcAttr{}
	var flags uintptr
	for _, ns := range ctx.Namespaces {
		f, ok := namespaceFlag(ns.Type)
		if !ok {
			return nil, &types.SpawnError{Phase: types.PhaseNamespaces, Detail: "unsupported namespace type: " + string(ns.Type)}
		}
		flags |= f
	}
	attr.Cloneflags = uintptr(flags)
	attr.Setpgid = true

	uid, gid, err := ResolveCredentials(ctx)
	if err != nil {
		return nil, &types.SpawnError{Phase: types.PhaseCredentials, Detail: err.Error()}
	}
	if ctx.User != "" {
		credentialsAttr(attr, uid, gid)
	}
	return attr, nil
}

func namespaceFlag(t specs.LinuxNamespaceType) (uintptr, bool) {
	switch t {
	case specs.PIDNamespace:
		return unix.CLONE_NEWPID, true
	case specs.NetworkNamespace:
		return unix.CLONE_NEWNET, true
	case specs.MountNamespace:
		return unix.CLONE_NEWNS, true
	case specs.IPCNamespace:
		return unix.CLONE_NEWIPC, true
	case specs.UTSNamespace:
		return unix.CLONE_NEWUTS, true
	case specs.UserNamespace:
		return unix.CLONE_NEWUSER, true
	case specs.CgroupNamespace:
		return unix.CLONE_NEWCGROUP, true
	default:
		return 0, false
	}
}

// statusMessage is the wire shape sent over the status pipe by the
// (production) exec trampoline when a setup step fails before execve().
// It mirrors types.SpawnError field-for-field so the parent can
// reconstruct it without a bespoke codec.
type statusMessage struct {
	Phase  types.SpawnPhase `json:"phase"`
	Errno  int              `json:"errno"`
	Detail string           `json:"detail"`
}

// drainStatus reads at most one statusMessage from the pipe. An EOF with
// no bytes means the child reached execve() successfully (the write end
// was closed by O_CLOEXEC on exec, carrying no message).
func (p *Pipeline) drainStatus(r *os.File) *types.SpawnError {
	r.SetReadDeadline(time.Now().Add(5 * time.Second))
	dec := json.NewDecoder(r)
	var msg statusMessage
	if err := dec.Decode(&msg); err != nil {
		return nil
	}
	return &types.SpawnError{Phase: msg.Phase, Errno: msg.Errno, Detail: msg.Detail}
}

// postSpawn is the hook for parent-side steps after the child exists. It
// does nothing and returns nil for every input: the manager joins each
// spawned pid to its cgroup itself (Manager.runPhase), and no OOM score
// adjustment is applied.
func (p *Pipeline) postSpawn(params *types.ExecParameters, pid int) *types.SpawnError {
	if params.CgroupPath == "" {
		return nil
	}
	return nil
}
