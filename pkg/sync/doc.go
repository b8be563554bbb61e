// Package sync keeps the Store's hot state and the plan file's cold state
// converging on each other, via a ticker-driven, mutex-guarded pass split
// into two independently triggered halves: display-sync, which projects
// current hot states into the plan file on a short ticker, and cold-sync,
// which classifies and repairs drift between the Store and the plan file
// on explicit triggers (item complete, agent shutdown, hub shutdown)
// rather than a ticker.
package sync
