// Package schedule implements the phased frame scheduler at the center of
// the cadence runtime.
//
// # Overview
//
// A Scheduler owns an ordered set of named Phases and executes every phase
// once per RunOnce call, in insertion order. Phases are inserted at the end,
// or immediately before an existing phase, and removed by name at any point
// between passes. A PhaseWithSystems is a container phase that drives an
// ordered list of Systems through a strict ReadConfig → Init → Run* → Uninit
// lifecycle.
//
// # Execution contexts
//
// The embedding application runs one Scheduler on its main loop. Additional
// named Workers each own a private Scheduler executed on a dedicated
// goroutine; phases registered on a worker are invisible to every other
// execution context. Workers drain the shared job queue between passes.
//
// # Cancellation
//
// Cancellation is cooperative and unbounded in latency: Cancel is observed at
// the top of the next RunOnce, so an in-flight pass always completes to its
// natural end. Systems are expected to be short per invocation by convention;
// nothing enforces that, and a long Run call delays its worker's shutdown for
// exactly as long as the call takes.
package schedule
