// Package types defines the core data model shared by every component of
// the manager: units and their dependency graph, jobs and transactions,
// and the execution context assembled for service-like units.
//
// Values in this package are plain data. Behavior (state machines,
// transaction construction, spawning) lives in the packages that consume
// these types (graph, unitfsm, job, execpipeline).
package types
