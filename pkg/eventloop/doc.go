// Package eventloop implements the manager's single-threaded run loop:
// monotonic timer expiry, a self-pipe-style wakeup channel for
// external requests, and SIGCHLD-driven child reaping routed back to the
// owning unit's state machine. Nothing in the manager runs on more than
// one goroutine at a time while the loop is ticking; collaborators that
// need to run concurrently (exec pipeline spawns, fsnotify watches) report
// back into the loop over channels instead of mutating manager state
// directly.
//
// The shape is a select-on-ticker-and-stop-channel loop whose body never
// panics on a single iteration's error, generalized to multiple wakeup
// sources (timers, signals, requests) feeding one dispatcher instead of a
// single ticker.
package eventloop
