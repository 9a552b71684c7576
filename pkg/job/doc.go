// Package job implements the transaction builder and the job runner: the
// seed/expand/order/validate/merge-with-installed pipeline that turns an
// anchor request into a set of installed jobs, and the single-threaded
// drain loop that advances runnable jobs.
//
// The runner's drain cycle follows the same per-cycle error handling as a
// periodic reconciliation loop (log and continue, never panic), but drains
// an explicit, already-ordered job queue rather than polling desired-vs-
// actual state.
package job
