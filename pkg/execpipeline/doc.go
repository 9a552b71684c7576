// Package execpipeline spawns the processes backing a service-like unit
// invocation and holds the helpers for assembling its execution
// environment: uid/gid resolution, namespace clone flags, credential
// materialization, the ordered mount list, image dissection, SELinux exec
// labels, memory-limit parsing and the NOTIFY_SOCKET channel.
//
// There is no containerd (or any other external runtime) between the
// manager and the kernel: Pipeline.Spawn starts the child with os/exec,
// applying namespaces and credentials through Cmd.SysProcAttr, and turns a
// message read from a dedicated status pipe into a typed SpawnError. The
// credential, mount and image helpers are separate entry points that
// Spawn does not call.
package execpipeline
