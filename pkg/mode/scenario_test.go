package mode_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/kvstore"
	"github.com/cuemby/loom/pkg/mode"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// advanceUntil drives clk forward in small steps, sleeping real time between
// each so that anything hanging off a real-time ticker (the kvstore client's
// own health prober) gets a chance to run too. It gives up after maxSteps.
func advanceUntil(clk *clock.Fake, step time.Duration, maxSteps int, cond func() bool) bool {
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return true
		}
		clk.Advance(step)
		time.Sleep(step)
	}
	return cond()
}

// TestDegradedAgentsReconcileOnRecovery covers the store-outage scenario:
// the store goes unreachable while two agents are each working on a
// disjoint file, the mode downgrades, each agent's work lands on its own
// branch, the store comes back, the mode upgrades, and both branches
// merge cleanly since their changes never touch the same path.
func TestDegradedAgentsReconcileOnRecovery(t *testing.T) {
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()

	kv := kvstore.New(kvstore.Config{
		Addr:             addr,
		HealthInterval:   15 * time.Millisecond,
		FailureThreshold: 2,
		OpenTimeout:      30 * time.Millisecond,
	})
	kv.Start(ctx)
	defer kv.Stop()

	clk := clock.NewFake(time.Now())
	store := statestore.New(kv, clk)
	workDir := t.TempDir()
	r, err := repo.OpenOrInit(workDir, "plan.md")
	require.NoError(t, err)
	b := bus.New(bus.NewKVTransport(kv), bus.DefaultConfig())

	cfg := mode.DefaultConfig()
	cfg.DetectionInterval = 5 * time.Millisecond
	cfg.FailureThreshold = 2
	cfg.SuccessThreshold = 1
	cfg.TransitionCooldown = 0
	cfg.FileTransportDir = t.TempDir()

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-a", ColdState: types.ColdStateInProgress, Complexity: types.DefaultComplexity()},
		{ID: "pr-b", ColdState: types.ColdStateInProgress, Complexity: types.DefaultComplexity()},
	}}
	_, err = r.WriteAndCommit(ctx, plan, "seed plan")
	require.NoError(t, err)

	m := mode.New(kv, store, r, b, clk, cfg)
	m.Start(ctx)
	defer m.Stop()

	require.Equal(t, types.ModeDistributed, m.Mode())

	// The store goes unreachable.
	mr.Close()

	downgraded := advanceUntil(clk, cfg.DetectionInterval, 100, func() bool {
		return m.Mode() == types.ModeDegraded
	})
	require.True(t, downgraded, "mode must downgrade to degraded once the store is unreachable")

	// Agent 1 claims its own branch and commits disjoint work to it.
	branchA, err := r.CreateOrCheckoutBranch(ctx, "agent-1", "pr-a")
	require.NoError(t, err)
	require.Equal(t, "agent-agent-1-pr-a", branchA)

	// Agent 2's branch is created from the same base, before either agent
	// has committed anything, so the two branches diverge cleanly.
	branchB, err := r.CreateOrCheckoutBranch(ctx, "agent-2", "pr-b")
	require.NoError(t, err)
	require.Equal(t, "agent-agent-2-pr-b", branchB)

	rawRepo, err := git.PlainOpen(workDir)
	require.NoError(t, err)
	commitFile := func(agentID, prID, relPath, content, message string) {
		_, err := r.CreateOrCheckoutBranch(ctx, agentID, prID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(workDir, relPath), []byte(content), 0o644))
		wt, err := rawRepo.Worktree()
		require.NoError(t, err)
		_, err = wt.Add(relPath)
		require.NoError(t, err)
		sig := &object.Signature{Name: "agent", Email: "agent@loom", When: time.Now()}
		_, err = wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
		require.NoError(t, err)
	}
	commitFile("agent-1", "pr-a", "a.go", "package a\n", "pr-a work")
	commitFile("agent-2", "pr-b", "b.go", "package b\n", "pr-b work")

	branches, err := r.ListAgentBranches(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{branchA, branchB}, branches)

	// The store recovers on the same address.
	mr2 := miniredis.NewMiniRedis()
	require.NoError(t, mr2.StartAddr(addr))
	defer mr2.Close()

	upgraded := advanceUntil(clk, cfg.DetectionInterval, 200, func() bool {
		return m.Mode() == types.ModeDistributed
	})
	require.True(t, upgraded, "mode must return to distributed once the store is reachable again")

	// Both branches merged cleanly: neither conflict-reporting path fired,
	// and the reconciled worktree carries both agents' files.
	aContent, err := os.ReadFile(filepath.Join(workDir, "a.go"))
	require.NoError(t, err)
	require.Equal(t, "package a\n", string(aContent))
	bContent, err := os.ReadFile(filepath.Join(workDir, "b.go"))
	require.NoError(t, err)
	require.Equal(t, "package b\n", string(bContent))

	// With the store reachable again, each agent reports its item done.
	require.NoError(t, store.SetColdState(ctx, "pr-a", types.ColdStateCompleted))
	require.NoError(t, store.SetColdState(ctx, "pr-b", types.ColdStateCompleted))

	coldA, err := store.GetColdState(ctx, "pr-a")
	require.NoError(t, err)
	require.Equal(t, types.ColdStateCompleted, coldA)
	coldB, err := store.GetColdState(ctx, "pr-b")
	require.NoError(t, err)
	require.Equal(t, types.ColdStateCompleted, coldB)
}
