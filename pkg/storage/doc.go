/*
Package storage provides BoltDB-backed durability for the manager's unit
graph and job queue.

Storage here is distinct from the re-exec coordinator's memfd snapshot
(pkg/reexec): the coordinator's serialization format is the authoritative
cross-execve() transfer mechanism and is what a clean re-exec actually
uses; this package exists so an unplanned process restart (a crash, or an
operator-initiated cold start) can still recover the last durably
committed unit and job state instead of starting from nothing.

# Architecture

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/coreinit.db              │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ units   (canonical Unit ID)│             │          │
	│  │  │ jobs    (JobID, big-endian)│             │          │
	│  │  │ meta    (single Meta entry)│             │          │
	│  │  └────────────────────────────┘             │          │
	│  └────────────────────────────────────────────────┘         │
	└────────────────────────────────────────────────────────┘

# Core components

BoltStore implements Store using BoltDB, with one bucket per record
family and JSON-encoded values. Unit records are keyed by their canonical
ID (post-normalization, post-alias-resolution); job records are keyed by
their JobID encoded big-endian, so bucket iteration order already matches
ID order without a secondary sort. The meta bucket holds a single Meta
record with two fields, the job ID counter and the re-exec generation
count. Nothing in the manager calls SaveMeta, so the record keeps its zero
value and a restarted manager does not resume its job ID counter from it.

# Transaction model

Every Store method runs inside its own db.View (read) or db.Update
(write) transaction: BoltDB serializes writers and allows concurrent
readers, commits fsync by default, and automatically rolls back on any
returned error. Callers never see a partially-applied multi-record write
because each Store method already covers exactly one record; the manager
is responsible for calling SaveUnit/SaveJob for every record a single
job-runner step touches, in the same loop iteration that mutated it in
memory, to keep storage from visibly lagging observable state.
*/
package storage
