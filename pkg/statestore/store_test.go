package statestore_test

import (
	"context"
	"testing"

	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *statestore.Store {
	return statestore.New(kvtest.New(t), nil)
}

func TestSetColdStateIsIdempotent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateNew))
	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStatePlanned))
	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStatePlanned)) // no-op

	cold, err := s.GetColdState(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStatePlanned, cold)
}

func TestSetColdStateRejectsIllegalTransition(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateNew))
	err := s.SetColdState(ctx, "pr-1", types.ColdStateCompleted)
	assert.Error(t, err)
}

func TestCompletedItemCarriesNoHotStateOrAgent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateReady))
	require.NoError(t, s.ClaimWork(ctx, "pr-1", "worker-agent-1"))
	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateUnderReview))
	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateCompleted))

	hot, err := s.GetHotState(ctx, "pr-1")
	require.NoError(t, err)
	assert.Empty(t, hot)

	agent, err := s.AssignedAgent(ctx, "pr-1")
	require.NoError(t, err)
	assert.Empty(t, agent)
}

func TestClaimWorkRejectsDoubleClaim(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateReady))
	require.NoError(t, s.ClaimWork(ctx, "pr-1", "worker-agent-1"))

	err := s.ClaimWork(ctx, "pr-1", "worker-agent-2")
	assert.Error(t, err)
}

func TestSetHotStateRejectsWrongAgent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateReady))
	require.NoError(t, s.ClaimWork(ctx, "pr-1", "worker-agent-1"))

	err := s.SetHotState(ctx, "pr-1", types.HotStateUnderReview, "worker-agent-2")
	assert.Error(t, err)
}

func TestListInColdState(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStateNew))
	require.NoError(t, s.SetColdState(ctx, "pr-2", types.ColdStateNew))
	require.NoError(t, s.SetColdState(ctx, "pr-1", types.ColdStatePlanned))

	newItems, err := s.ListInColdState(ctx, types.ColdStateNew)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pr-2"}, newItems)

	planned, err := s.ListInColdState(ctx, types.ColdStatePlanned)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pr-1"}, planned)
}
