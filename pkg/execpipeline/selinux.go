package execpipeline

import (
	"fmt"

	"github.com/cuemby/coreinit/pkg/types"
	"github.com/opencontainers/selinux/go-selinux"
)

// ApplySELinuxLabel sets the process exec label a spawned child inherits at
// its next execve(), the label-transition step of the spawn pipeline. It is
// a no-op, not an error, on a kernel with SELinux disabled or not compiled
// in, since SELinuxLabel= is advisory on such systems.
func ApplySELinuxLabel(ctx *types.ExecContext) *types.SpawnError {
	if ctx.SELinuxLabel == "" {
		return nil
	}
	if !selinux.GetEnabled() {
		return nil
	}
	if err := selinux.SetExecLabel(ctx.SELinuxLabel); err != nil {
		return &types.SpawnError{
			Phase:  types.PhaseCapabilities,
			Detail: fmt.Sprintf("set exec label %q: %v", ctx.SELinuxLabel, err),
		}
	}
	return nil
}
