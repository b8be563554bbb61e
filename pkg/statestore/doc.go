// Package statestore is the typed facade over pkg/kvstore that enforces
// the work-item and agent invariants of the data model: valid cold-state
// transitions, hot-state ownership, and the atomic claim/release sequence
// the scheduler drives. No caller outside this package touches a raw
// kvstore key.
package statestore
