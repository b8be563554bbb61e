// Package kvtest provides an in-memory Redis double for tests, built on
// miniredis, so pkg/statestore, pkg/lease, pkg/bus, and pkg/mode tests
// never need a real Redis instance.
package kvtest

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/loom/pkg/kvstore"
)

// New starts a miniredis server and returns a kvstore.Client pointed at it.
// The server is closed automatically via t.Cleanup.
func New(t *testing.T) *kvstore.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("kvtest: starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := kvstore.DefaultConfig(mr.Addr())
	return kvstore.New(cfg)
}
