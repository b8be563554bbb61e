package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/lease"
	"github.com/cuemby/loom/pkg/registry"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/scheduler"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	sched *scheduler.Scheduler
	store *statestore.Store
	reg   *registry.Registry
	repo  *repo.Repo
	clock *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kv := kvtest.New(t)
	clk := clock.NewFake(time.Now())
	store := statestore.New(kv, clk)
	leases := lease.New(kv, clk, lease.Config{TTL: 5 * time.Minute})
	r, err := repo.OpenOrInit(t.TempDir(), "plan.md")
	require.NoError(t, err)
	reg := registry.New(store, leases, r, nil, clk, registry.DefaultConfig())

	return &harness{
		sched: scheduler.New(store, leases, reg, r, nil, clk, scheduler.DefaultConfig()),
		store: store,
		reg:   reg,
		repo:  r,
		clock: clk,
	}
}

func (h *harness) seedPlan(t *testing.T, items ...*types.WorkItem) {
	t.Helper()
	ctx := context.Background()
	_, err := h.repo.WriteAndCommit(ctx, &types.Plan{Items: items}, "seed")
	require.NoError(t, err)
	// The hub hydrates the store from the plan at startup; ClaimWork reads
	// cold state from the store, so the harness does the same.
	for _, item := range items {
		require.NoError(t, h.store.SetColdState(ctx, item.ID, item.ColdState))
	}
}

func (h *harness) registerAgent(t *testing.T, id string, tier types.Tier) {
	t.Helper()
	_, err := h.reg.Register(context.Background(), id, 1000, types.AgentTypeWorker, types.Capabilities{Tier: tier})
	require.NoError(t, err)
}

func TestRunOnceSchedulesDisjointReadyItems(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerAgent(t, "agent-1", types.TierLow)
	h.registerAgent(t, "agent-2", types.TierLow)

	h.seedPlan(t,
		&types.WorkItem{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityHigh,
			Complexity:     types.DefaultComplexity(),
			EstimatedFiles: []types.FileChange{{Path: "a.go"}},
		},
		&types.WorkItem{ID: "pr-2", ColdState: types.ColdStateReady, Priority: types.PriorityMedium,
			Complexity:     types.DefaultComplexity(),
			EstimatedFiles: []types.FileChange{{Path: "b.go"}},
		},
	)

	require.NoError(t, h.sched.RunOnce(ctx))

	cold1, err := h.store.GetColdState(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateInProgress, cold1)

	cold2, err := h.store.GetColdState(ctx, "pr-2")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateInProgress, cold2)
}

func TestRunOnceSkipsWhenNoAgentAvailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedPlan(t, &types.WorkItem{
		ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityHigh,
		Complexity:     types.DefaultComplexity(),
		EstimatedFiles: []types.FileChange{{Path: "a.go"}},
	})

	require.NoError(t, h.sched.RunOnce(ctx))

	cold, err := h.store.GetColdState(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateReady, cold)
}

func TestRunOnceRespectsConflictingPaths(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerAgent(t, "agent-1", types.TierLow)
	h.registerAgent(t, "agent-2", types.TierLow)

	h.seedPlan(t,
		&types.WorkItem{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityCritical,
			Complexity:     types.DefaultComplexity(),
			EstimatedFiles: []types.FileChange{{Path: "shared.go"}},
		},
		&types.WorkItem{ID: "pr-2", ColdState: types.ColdStateReady, Priority: types.PriorityCritical,
			Complexity:     types.DefaultComplexity(),
			EstimatedFiles: []types.FileChange{{Path: "shared.go"}},
		},
	)

	require.NoError(t, h.sched.RunOnce(ctx))

	cold1, _ := h.store.GetColdState(ctx, "pr-1")
	cold2, _ := h.store.GetColdState(ctx, "pr-2")
	// Exactly one of the two conflicting items is claimed this pass.
	claimed := 0
	if cold1 == types.ColdStateInProgress {
		claimed++
	}
	if cold2 == types.ColdStateInProgress {
		claimed++
	}
	assert.Equal(t, 1, claimed)
}

func TestRunOnceSkipsItemWithUnmetDependency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerAgent(t, "agent-1", types.TierLow)

	h.seedPlan(t, &types.WorkItem{
		ID: "pr-2", ColdState: types.ColdStateReady, Priority: types.PriorityHigh,
		Complexity:     types.DefaultComplexity(),
		Dependencies:   []string{"pr-1"},
		EstimatedFiles: []types.FileChange{{Path: "b.go"}},
	})

	require.NoError(t, h.sched.RunOnce(ctx))

	cold, err := h.store.GetColdState(ctx, "pr-2")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateReady, cold)
}

func TestRunOnceRejectsCyclicDependencies(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.seedPlan(t,
		&types.WorkItem{ID: "pr-1", ColdState: types.ColdStateReady, Complexity: types.DefaultComplexity(), Dependencies: []string{"pr-2"}},
		&types.WorkItem{ID: "pr-2", ColdState: types.ColdStateReady, Complexity: types.DefaultComplexity(), Dependencies: []string{"pr-1"}},
	)

	err := h.sched.RunOnce(ctx)
	require.Error(t, err)
}

func TestRunOnceBoostsBrokenItemsOverReady(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.registerAgent(t, "agent-1", types.TierLow)

	h.seedPlan(t,
		&types.WorkItem{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityCritical,
			Complexity:     types.DefaultComplexity(),
			EstimatedFiles: []types.FileChange{{Path: "shared.go"}},
		},
		&types.WorkItem{ID: "pr-2", ColdState: types.ColdStateBroken, Priority: types.PriorityLow,
			Complexity:     types.DefaultComplexity(),
			EstimatedFiles: []types.FileChange{{Path: "shared.go"}},
		},
	)

	require.NoError(t, h.sched.RunOnce(ctx))

	cold2, err := h.store.GetColdState(ctx, "pr-2")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateInProgress, cold2, "broken item must win the shared-path conflict despite lower priority")
}
