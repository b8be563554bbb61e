// Package hub wires together the Repo Interface, Lease Manager, Agent
// Registry, Message Bus, Coordination Mode Manager, Scheduler, and State
// Sync into a single daemon process, plus the PID-file discipline,
// startup/shutdown sequencing, and read-only status HTTP API around them.
//
// The startup/shutdown sequencing and signal handling follow a
// component Start/Stop calls bracketed by a signal.Notify select, each
// periodic loop owning its own stopCh, and PID-file liveness checking
// uses Signal(0) against a recorded pid.
package hub
