// Package mode implements the Coordination Mode Manager: the
// distributed/degraded/isolated detection-and-transition state machine.
// Grounded on sony/gobreaker for the underlying health signal (already
// wrapped by pkg/kvstore) composed with an explicit three-mode state
// machine, since the breaker's closed/open/half-open states are a
// narrower concept than the coordination modes they drive.
package mode
