// Package clock injects time so heartbeat, lease-TTL, and mode-transition
// logic can be driven deterministically in tests instead of racing the
// wall clock.
package clock

import "time"

// Clock is the subset of time's free functions the Hub depends on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker so it can be faked.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Real is the production Clock backed by the standard library.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time  { return time.After(d) }
func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
