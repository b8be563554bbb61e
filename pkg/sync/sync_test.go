package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/sync"
	"github.com/cuemby/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*sync.Manager, *statestore.Store, *repo.Repo, *clock.Fake) {
	t.Helper()
	kv := kvtest.New(t)
	clk := clock.NewFake(time.Now())
	store := statestore.New(kv, clk)
	r, err := repo.OpenOrInit(t.TempDir(), "plan.md")
	require.NoError(t, err)
	m := sync.New(store, r, nil, clk, sync.DefaultConfig())
	return m, store, r, clk
}

func TestColdSyncSeedsMissingStoreState(t *testing.T) {
	ctx := context.Background()
	m, store, r, _ := newManager(t)

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityHigh, Complexity: types.DefaultComplexity()},
	}}
	_, err := r.WriteAndCommit(ctx, plan, "seed")
	require.NoError(t, err)

	findings, err := m.ColdSync(ctx)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, sync.ClassRedisMissing, findings[0].Class)

	cold, err := store.GetColdState(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateReady, cold)
}

func TestColdSyncDetectsOrphanedStoreEntry(t *testing.T) {
	ctx := context.Background()
	m, store, r, _ := newManager(t)

	require.NoError(t, store.SetColdState(ctx, "pr-orphan", types.ColdStatePlanned))

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityHigh, Complexity: types.DefaultComplexity()},
	}}
	_, err := r.WriteAndCommit(ctx, plan, "seed")
	require.NoError(t, err)

	findings, err := m.ColdSync(ctx)
	require.NoError(t, err)

	var sawOrphan bool
	for _, f := range findings {
		if f.WorkItemID == "pr-orphan" && f.Class == sync.ClassRedisOrphaned {
			sawOrphan = true
		}
	}
	assert.True(t, sawOrphan)
}

func TestColdSyncReleasesWorkOnExpiredHeartbeat(t *testing.T) {
	ctx := context.Background()
	m, store, r, clk := newManager(t)

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityHigh, Complexity: types.DefaultComplexity()},
	}}
	_, err := r.WriteAndCommit(ctx, plan, "seed")
	require.NoError(t, err)

	require.NoError(t, store.SetColdState(ctx, "pr-1", types.ColdStateReady))
	require.NoError(t, store.ClaimWork(ctx, "pr-1", "agent-1"))
	require.NoError(t, store.RenewHeartbeat(ctx, "agent-1"))

	clk.Advance(2 * time.Hour)

	findings, err := m.ColdSync(ctx)
	require.NoError(t, err)

	var sawExpired bool
	for _, f := range findings {
		if f.Class == sync.ClassHeartbeatExpired {
			sawExpired = true
		}
	}
	assert.True(t, sawExpired)

	agent, err := store.AssignedAgent(ctx, "pr-1")
	require.NoError(t, err)
	assert.Empty(t, agent)
}

func TestDisplaySyncProjectsHotStateWithoutCommitting(t *testing.T) {
	ctx := context.Background()
	m, store, r, _ := newManager(t)

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-1", ColdState: types.ColdStateInProgress, Priority: types.PriorityHigh, Complexity: types.DefaultComplexity()},
	}}
	_, err := r.WriteAndCommit(ctx, plan, "seed")
	require.NoError(t, err)

	require.NoError(t, store.SetHotState(ctx, "pr-1", types.HotStatePlanning, "agent-1"))

	require.NoError(t, m.DisplaySync(ctx))

	reread, err := r.ReadPlan(ctx)
	require.NoError(t, err)
	require.Len(t, reread.Items, 1)
	// ReadPlan reads the plan file DisplaySync just wrote (nothing is
	// committed); the durable cold state must come through that write unchanged.
	assert.Equal(t, types.ColdStateInProgress, reread.Items[0].ColdState)
}
