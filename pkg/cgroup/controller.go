package cgroup

import (
	"fmt"
	"path/filepath"

	cgroup2 "github.com/containerd/cgroups/v2/cgroup2"
	"github.com/cuemby/coreinit/pkg/types"
	"github.com/cuemby/coreinit/pkg/ulog"
	"github.com/rs/zerolog"
)

// Controller bridges a unit's resource-control declarations to a cgroup v2
// hierarchy, and is the authoritative signal of whether a unit's process
// tree has actually gone away.
type Controller struct {
	root   string // cgroup2 mountpoint, normally "/sys/fs/cgroup"
	logger zerolog.Logger
}

// New constructs a Controller rooted at the given cgroup2 mountpoint.
func New(root string) *Controller {
	if root == "" {
		root = "/sys/fs/cgroup"
	}
	return &Controller{root: root, logger: ulog.WithComponent("cgroup")}
}

// GroupPath returns the cgroup path coreinit manages a unit under,
// mirroring systemd's slice/unit nesting (parent slice directories contain
// their member units' cgroups).
func GroupPath(unitID, sliceID string) string {
	if sliceID == "" {
		sliceID = "system.slice"
	}
	return filepath.Join("/coreinit.slice", sliceID, unitID+".scope")
}

// Create makes a new cgroup at path (under the controller's root) with the
// given resource limits,
// returning its manager handle for subsequent Attach/Freeze/Thaw/Destroy
// calls.
func (c *Controller) Create(path string, limits Resources) (*cgroup2.Manager, error) {
	res := limits.toSpec()
	mgr, err := cgroup2.NewManager(c.root, path, res)
	if err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	return mgr, nil
}

// Attach joins pid to the cgroup, the final step before a unit's main
// process is considered supervised.
func (c *Controller) Attach(mgr *cgroup2.Manager, pid int) error {
	if err := mgr.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("attach pid %d: %w", pid, err)
	}
	return nil
}

// Freeze suspends every process in the cgroup, so that none of them can
// fork away from a signal sent while it is frozen.
func (c *Controller) Freeze(mgr *cgroup2.Manager) error {
	return mgr.Freeze()
}

// Thaw resumes a previously frozen cgroup.
func (c *Controller) Thaw(mgr *cgroup2.Manager) error {
	return mgr.Thaw()
}

// ListPIDs returns every pid currently a member of the cgroup, recursively
// including descendant cgroups.
func (c *Controller) ListPIDs(mgr *cgroup2.Manager) ([]int, error) {
	pids, err := mgr.Procs(true)
	if err != nil {
		return nil, fmt.Errorf("list pids: %w", err)
	}
	out := make([]int, len(pids))
	for i, p := range pids {
		out[i] = int(p)
	}
	return out, nil
}

// IsEmpty reports whether the cgroup currently has no member processes,
// the authoritative "this unit's process tree has fully exited" signal.
// The manager checks it after reaping a service's main process to decide
// whether to destroy the unit's cgroup.
func (c *Controller) IsEmpty(mgr *cgroup2.Manager) (bool, error) {
	pids, err := c.ListPIDs(mgr)
	if err != nil {
		return false, err
	}
	return len(pids) == 0, nil
}

// Destroy removes the cgroup once it is empty.
func (c *Controller) Destroy(mgr *cgroup2.Manager) error {
	if err := mgr.Delete(); err != nil {
		return fmt.Errorf("destroy cgroup: %w", err)
	}
	return nil
}

// Resources is the subset of cgroup v2 controls a unit's cgroup is created
// with. Values are numeric (bytes, microseconds, weights); callers fill it
// in directly.
type Resources struct {
	MemoryMax   int64 // bytes, -1 = unlimited
	CPUWeight   uint64
	CPUQuotaUs  int64 // -1 = unlimited
	CPUPeriodUs uint64
	DeviceAllow []string
}

func (r Resources) toSpec() *cgroup2.Resources {
	spec := &cgroup2.Resources{}
	if r.MemoryMax > 0 {
		spec.Memory = &cgroup2.Memory{Max: &r.MemoryMax}
	}
	if r.CPUWeight > 0 || r.CPUQuotaUs > 0 {
		cpu := &cgroup2.CPU{}
		if r.CPUWeight > 0 {
			cpu.Weight = &r.CPUWeight
		}
		if r.CPUQuotaUs > 0 {
			cpu.Max = cgroup2.NewCPUMax(&r.CPUQuotaUs, &r.CPUPeriodUs)
		}
		spec.CPU = cpu
	}
	return spec
}

// DeviceAllowEntries returns limits.DeviceAllow unmodified; eBPF device
// filter program generation is delegated to the cgroup2 manager's own
// Update() call in the production build and is not reimplemented here.
func (r Resources) DeviceAllowEntries() []string {
	return r.DeviceAllow
}

// RuntimeError wraps a cgroup-attach failure into the unit-facing error
// taxonomy.
func RuntimeError(unitID string, cause error) *types.RuntimeErr {
	return &types.RuntimeErr{Kind: types.RtErrCgroupAttach, Unit: unitID, SubState: cause.Error()}
}
