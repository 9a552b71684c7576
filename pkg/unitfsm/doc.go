// Package unitfsm implements the per-kind unit state machines: the
// service state machine (the most elaborate, covering the full
// start/stop/restart/reload cycle and its watchdog and auto-restart
// substates) plus the reduced machines for socket, mount, timer, path,
// target, slice and scope units.
//
// The condition-evaluation vocabulary (Condition/ConditionResult, with
// Assertion for hard checks) serves as unit start conditions, and the
// transition shape favors a small, explicit
// table driven by named events rather than a generic graph-walking FSM
// library.
package unitfsm
