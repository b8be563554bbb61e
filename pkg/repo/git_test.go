package repo_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepo(t *testing.T) *repo.Repo {
	dir := t.TempDir()
	r, err := repo.OpenOrInit(dir, "plan.md")
	require.NoError(t, err)
	return r
}

func TestWriteAndCommitPersistsPlan(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-1", ColdState: types.ColdStateReady, Priority: types.PriorityHigh, Complexity: types.DefaultComplexity()},
	}}

	_, err := r.WriteAndCommit(ctx, plan, "seed plan")
	require.NoError(t, err)

	reread, err := r.ReadPlan(ctx)
	require.NoError(t, err)
	require.Len(t, reread.Items, 1)
	assert.Equal(t, "pr-1", reread.Items[0].ID)
}

func TestWriteDisplayDoesNotCommit(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	plan := &types.Plan{Items: []*types.WorkItem{
		{ID: "pr-1", ColdState: types.ColdStateNew, Complexity: types.DefaultComplexity()},
	}}
	require.NoError(t, r.WriteDisplay(ctx, plan))

	branches, err := r.ListAgentBranches(ctx)
	require.NoError(t, err)
	assert.Empty(t, branches)
}

func TestCreateOrCheckoutBranchNaming(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	plan := &types.Plan{Items: []*types.WorkItem{{ID: "pr-1", Complexity: types.DefaultComplexity()}}}
	_, err := r.WriteAndCommit(ctx, plan, "seed")
	require.NoError(t, err)

	name, err := r.CreateOrCheckoutBranch(ctx, "worker-agent-1", "pr-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-worker-agent-1-pr-1", name)

	branches, err := r.ListAgentBranches(ctx)
	require.NoError(t, err)
	assert.Contains(t, branches, name)
}

func TestHasUncommittedWorkDetectsDirtyFile(t *testing.T) {
	dir := t.TempDir()
	r, err := repo.OpenOrInit(dir, "plan.md")
	require.NoError(t, err)
	ctx := context.Background()

	plan := &types.Plan{Items: []*types.WorkItem{{ID: "pr-1", Complexity: types.DefaultComplexity()}}}
	_, err = r.WriteAndCommit(ctx, plan, "seed")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.go"), []byte("package x"), 0o644))

	dirty, err := r.HasUncommittedWork(ctx, []string{"src.go"})
	require.NoError(t, err)
	assert.True(t, dirty)
}
