/*
Package reexec implements the manager's binary-replacement sequence: a
clean "re-exec" that swaps the running manager for a new build of the
same binary without disturbing any supervised unit, its main PID, or its
held listening sockets.

# Why raft

The package repurposes a single-voter hashicorp/raft group purely for its
FSM/Snapshot/Restore lifecycle, not for consensus: with one voter the node
elects itself uncontested, and there is no peer transport and no
cross-host replication (the
in-memory transport from raft.NewInmemTransport never dials out). What
the group buys is a crash-consistent write-ahead log of every unit and
job mutation, backed by raft-boltdb, plus a ready-made Snapshot/Restore
pair whose shape already matches what a clean re-exec needs to hand its
successor. A manager that merely wanted durability without that
serialization story would use pkg/storage directly instead.

# Sequence

A re-exec proceeds in four steps:

 1. Quiesce: the coordinator sets a flag that makes the manager refuse
    new transactions (Quiescing reports it). Jobs already installed or
    running are not waited for; the snapshot records them as last
    persisted.
 2. Snapshot: FSM.Snapshot collects every unit and job plus the scalar
    meta counters; the FDStore's entries are serialized to the same
    `<unit>.<name>=@<index>` text form used for on-disk records.
 3. Transfer: both are JSON-encoded into an anonymous memfd (no backing
    file, so nothing to clean up if the exec fails), and every
    FDStore-owned descriptor is renumbered into a contiguous range
    immediately after the memfd's own number so the successor can find
    them from two environment variables instead of a full fd scan.
 4. Exec: the process image is replaced in place via execve(); PID,
    open files, and held sockets all survive untouched. The successor's
    startup path calls RestoreFromEnv before building its unit graph.

Any failure, including an execve() call that returns an error, clears
the quiescing flag and returns an error, leaving the original process
runnable; once execve() succeeds, this process image no longer exists to
observe anything.
*/
package reexec
