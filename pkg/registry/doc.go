// Package registry tracks the pool of spawned agents: registration,
// heartbeats, and crash detection. The crash sweep is a ticker-driven
// heartbeat-age scan adapted from node/container health monitoring to
// agent liveness, with per-entity bookkeeping for each registered agent.
package registry
