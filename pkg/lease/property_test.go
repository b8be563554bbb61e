package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/lease"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestAcquireIsAllOrNothing checks the lease manager's core invariant:
// for any pre-held subset of paths and any requested set, Acquire either
// grants every requested path or leaves every one of them exactly as it
// was before the call — no request ever ends up holding a partial set.
func TestAcquireIsAllOrNothing(t *testing.T) {
	allPaths := []string{"a.go", "b.go", "c.go", "d.go", "e.go"}

	rapid.Check(t, func(rt *rapid.T) {
		kv := kvtest.New(t)
		m := lease.New(kv, nil, lease.Config{TTL: time.Minute})
		ctx := context.Background()

		var preHeld, requested []string
		preHeldSet := make(map[string]bool)
		for _, p := range allPaths {
			if rapid.Bool().Draw(rt, "preHeld-"+p) {
				preHeld = append(preHeld, p)
				preHeldSet[p] = true
			}
		}
		for _, p := range allPaths {
			if rapid.Bool().Draw(rt, "requested-"+p) {
				requested = append(requested, p)
			}
		}

		if len(preHeld) > 0 {
			_, err := m.Acquire(ctx, "holder", preHeld)
			require.NoError(rt, err)
		}

		wantConflict := false
		for _, p := range requested {
			if preHeldSet[p] {
				wantConflict = true
				break
			}
		}

		tokens, err := m.Acquire(ctx, "agent", requested)

		if wantConflict {
			require.Error(rt, err)
		} else {
			require.NoError(rt, err)
		}

		for _, p := range requested {
			holder, herr := m.Holder(ctx, p)
			require.NoError(rt, herr)

			if wantConflict {
				if preHeldSet[p] {
					require.Equal(rt, "holder", holder, "pre-held path must still belong to its original holder after a failed request")
				} else {
					require.Empty(rt, holder, "a path requested alongside a conflict must not end up held by the requester")
				}
				continue
			}

			require.Equal(rt, "agent", holder, "every requested path must be granted on success")
			require.Contains(rt, tokens, p)
		}
	})
}
