/*
Package manager ties the unit graph, job queue, event loop, exec
pipeline, cgroup controller, durable storage, and re-exec coordinator
into a single supervision core for one host. It is the only package that
mutates unit and job state, and the only implementer of job.Executor and
eventloop.ChildReaper.

# Architecture

	┌───────────────────────── MANAGER ─────────────────────────────┐
	│                                                                 │
	│  ┌───────────── IPC surface (StartUnit, StopUnit, ...) ──────┐ │
	│  └──────────────────────────┬──────────────────────────────┘ │
	│                             │ loop.Post (only safe mutation path)
	│  ┌──────────────────────────▼──────────────────────────────┐  │
	│  │                    eventloop.Loop                        │  │
	│  │  - single goroutine, ticks job runner after every event  │  │
	│  └──────────────────────────┬──────────────────────────────┘  │
	│            ┌────────────────┼────────────────┐                │
	│  ┌─────────▼───────┐ ┌──────▼──────┐ ┌────────▼─────────┐     │
	│  │   graph.Graph    │ │ job.Builder │ │    job.Runner     │     │
	│  │  unit dependency │ │  transaction│ │  drain + Execute  │     │
	│  │  index           │ │  pipeline   │ │  dispatch         │     │
	│  └─────────┬────────┘ └─────────────┘ └────────┬──────────┘     │
	│            │                                    │                │
	│  ┌─────────▼────────────────────────────────────▼──────────┐   │
	│  │        per-kind unitfsm machines (one per loaded unit)    │   │
	│  └─────────┬──────────────────────────────────────┬─────────┘   │
	│  ┌─────────▼─────────┐                  ┌─────────▼─────────┐   │
	│  │ execpipeline.Pipeline│                │  cgroup.Controller │   │
	│  │  spawn + SpawnError  │                │  create/attach/    │   │
	│  └─────────┬─────────┘                  │  freeze/destroy    │   │
	│            │                             └────────────────────┘   │
	│  ┌─────────▼─────────┐  ┌───────────────┐  ┌──────────────────┐  │
	│  │  fdstore.Store     │  │ storage.Store │  │ reexec.Coordinator│  │
	│  │  owned descriptors │  │ crash-recovery│  │ single-voter raft,│  │
	│  │                    │  │ durability    │  │ execve() handoff  │  │
	│  └────────────────────┘  └───────────────┘  └──────────────────┘  │
	└─────────────────────────────────────────────────────────────────┘

# IPC surface

Client-facing operations (a socket listener or other front end;
cmd/coreinit itself only constructs, runs and stops the manager) go
through the Manager methods in manager.go: StartUnit, StopUnit,
RestartUnit, ReloadUnit, ReloadOrRestart, ResetFailed, ListUnits,
ListJobs, Subscribe (whose returned cancel function unsubscribes), Reload,
and Reexecute. The mutating ones and ListJobs post a closure onto the
event loop and wait for it to run, since job.Runner does no locking of
its own; ListUnits reads a snapshot directly, since graph.Graph guards
its read path with its own lock.

# Execution dispatch

job.Executor.Execute is implemented in executor.go: it looks up the
target unit's per-kind machine (constructing one on first reference) and
drives it through the relevant unitfsm transitions, spawning processes
through execpipeline.Pipeline and attaching them to a cgroup through
cgroup.Controller for service units, and applying a simpler, synchronous
transition for the reduced machines (socket, mount, timer, path, target,
slice, scope). A service's main process exit is observed later, out of
band, via Reaped (eventloop.ChildReaper), which is how the manager learns
about a crash rather than an intentional stop.

# Persistence and re-exec

Every unit and job mutation is written through to storage.Store so an
unplanned restart can recover. The re-exec coordinator duplicates this
durability with a raft-backed write-ahead log for crash consistency and
owns the actual binary-replacement sequence (pkg/reexec): on
Manager.Reexecute, job installation is paused, state is snapshotted into
a memfd together with every fd the fd store holds, and the process
execve()s into a fresh copy of itself, which then restores from the memfd
instead of a cold start.
*/
package manager
