// Package metrics defines and registers the Hub's Prometheus metrics:
// work item and agent gauges, coordination mode transitions, scheduler and
// lease latencies, bus delivery counters, and reconciliation conflicts.
// Handler returns the Prometheus scrape handler; the status server in
// pkg/hub does not mount it.
package metrics
