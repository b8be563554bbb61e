// Package scheduler assigns (agent, work item) pairs each pass: build the
// dependency DAG, compute the eligible set, derive a conflict graph over
// shared estimated-file paths, rank by priority with a critical-path
// tiebreak, greedily select a maximal independent set (with an optional
// bounded exact search for small conflict graphs), then match each
// selected item to an agent and atomically claim the item plus its
// leases.
//
// The loop itself is ticker-driven with a mutex-guarded single pass over
// "things to place", generalized from container placement to work-item/
// agent matching; the graph and search algorithms are stdlib-only by
// design (see DESIGN.md) since this is CPU-bound work with no I/O to
// justify importing a general-purpose graph library.
package scheduler
