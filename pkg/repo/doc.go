// Package repo is the durable boundary between the Hub and the plan file
// plus the git repository it lives in: parsing the plan's block format,
// writing cold-state transitions back atomically, and the branch
// create/checkout/merge operations degraded-mode coordination depends on.
//
// All writes funnel through a single mutex (Repo.mu) so the repository
// never sees two concurrent git operations; that lock is always the
// innermost lock taken by any caller, per the locking discipline in
// SPEC_FULL.md §5.
package repo
