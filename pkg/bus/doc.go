// Package bus is the Hub's transport-agnostic message bus: one Bus type
// fanning messages out to subscriber handlers, backed by either a
// KV-transport (distributed/degraded modes) or a file-transport
// (isolated mode). The subscriber map, buffered per-handler channels, and
// broadcast-with-drop semantics generalize an in-process fan-out broker
// into a cross-process, swappable-transport bus.
package bus
