package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, cfg lease.Config) *lease.Manager {
	if cfg.TTL == 0 {
		cfg.TTL = time.Minute
	}
	return lease.New(kvtest.New(t), nil, cfg)
}

func TestAcquireGrantsDisjointPaths(t *testing.T) {
	m := newManager(t, lease.Config{})
	ctx := context.Background()

	tokens, err := m.Acquire(ctx, "agent-1", []string{"a.go", "b.go"})
	require.NoError(t, err)
	assert.Len(t, tokens, 2)
}

func TestAcquireConflictRollsBackEverything(t *testing.T) {
	m := newManager(t, lease.Config{})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "agent-1", []string{"a.go"})
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "agent-2", []string{"b.go", "a.go"})
	require.Error(t, err)

	holder, err := m.Holder(ctx, "b.go")
	require.NoError(t, err)
	assert.Empty(t, holder, "b.go must be rolled back since a.go conflicted")
}

func TestAcquireExpandsPairedPaths(t *testing.T) {
	m := newManager(t, lease.Config{Pairs: map[string][]string{
		"a.go": {"a_test.go"},
	}})
	ctx := context.Background()

	tokens, err := m.Acquire(ctx, "agent-1", []string{"a.go"})
	require.NoError(t, err)
	assert.Contains(t, tokens, "a.go")
	assert.Contains(t, tokens, "a_test.go")
}

func TestReleaseRejectsWrongHolder(t *testing.T) {
	m := newManager(t, lease.Config{})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "agent-1", []string{"a.go"})
	require.NoError(t, err)

	err = m.Release(ctx, "agent-2", []string{"a.go"})
	assert.Error(t, err)

	holder, err := m.Holder(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", holder)
}

func TestReleaseFreesPathForOthers(t *testing.T) {
	m := newManager(t, lease.Config{})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "agent-1", []string{"a.go"})
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, "agent-1", []string{"a.go"}))

	tokens, err := m.Acquire(ctx, "agent-2", []string{"a.go"})
	require.NoError(t, err)
	assert.Contains(t, tokens, "a.go")
}

func TestRenewExtendsExpiry(t *testing.T) {
	m := newManager(t, lease.Config{})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "agent-1", []string{"a.go"})
	require.NoError(t, err)
	require.NoError(t, m.Renew(ctx, "agent-1", []string{"a.go"}))

	err = m.Renew(ctx, "agent-2", []string{"a.go"})
	assert.Error(t, err, "renew must reject a non-holder")
}

func TestReleaseAllReleasesEveryHeldPath(t *testing.T) {
	m := newManager(t, lease.Config{})
	ctx := context.Background()

	_, err := m.Acquire(ctx, "agent-1", []string{"a.go", "b.go"})
	require.NoError(t, err)
	require.NoError(t, m.ReleaseAll(ctx, "agent-1"))

	for _, p := range []string{"a.go", "b.go"} {
		holder, err := m.Holder(ctx, p)
		require.NoError(t, err)
		assert.Empty(t, holder)
	}
}
