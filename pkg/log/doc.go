// Package log provides structured logging for the Hub using zerolog:
// component-scoped child loggers, configurable level/format, and a small
// set of package-level helpers for one-line logging from CLI code paths.
package log
