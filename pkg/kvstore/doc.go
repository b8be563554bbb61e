// Package kvstore wraps a Redis deployment behind the three logical
// connections the Hub needs (command, publish, subscribe), a health
// circuit breaker, and reconnect backoff. It is the lowest layer of the
// hot-state stack; pkg/statestore and pkg/bus are built on top of it and
// never talk to go-redis directly.
package kvstore
