// Package lease implements per-file exclusive leases with TTL, fencing
// tokens, and paired locking (source file <-> test file). Acquisition is
// all-or-nothing across a requested path set: paths are canonicalized and
// sorted to fix a total lock order (avoiding deadlock across concurrent
// multi-path acquisitions), then claimed one at a time with compare-and-
// swap, rolling back everything already claimed on the first conflict.
//
// Grounded on the linearizable single-key lease orchestrator pattern
// (CAS acquire, heartbeat renewal, compare-and-delete release) generalized
// here to a multi-path, paired-locking contract.
package lease
