// Package cgroup bridges unit resource control to the kernel's cgroup v2
// hierarchy: creating a unit's cgroup, attaching processes to
// it, freezing/thawing it, listing its
// member pids, and reporting emptiness as the authoritative liveness
// signal a service's main process has actually gone away (more reliable
// than a reaped SIGCHLD alone once sub-processes are involved).
//
// CPU shares/quota and memory limits are translated from a Resources
// struct into cgroup v2 controller settings directly via
// containerd/cgroups, with no runtime shim between the manager and the
// kernel interface.
package cgroup
