/*
Package types defines the core data structures coordinated by the Hub.

It contains the domain model shared by every other package: work items and
their cold/hot state machines, agents, file leases, plans, coordination
state, and the message envelope used on the bus. Nothing in this package
talks to Redis, git, or the filesystem — it is pure data plus the small
amount of logic (state-machine predicates, priority ranks) that every
consumer would otherwise have to reimplement.
*/
package types
