// Package runner provides the bounded-parallelism action queue that drives test applications.
//
// The main component is the ActionQueue: producers (the build coordinator listener or the
// filter resolver) enqueue work items concurrently, a bounded set of workers executes them,
// and the orchestrator blocks in WaitAllActions until enqueueing is complete and every item
// has finished. A failing item never cancels the others; the queue only remembers that a
// failure happened.
package runner
