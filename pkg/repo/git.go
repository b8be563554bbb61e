package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/types"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	hubAuthorName  = "Hub"
	hubAuthorEmail = "hub@loom"
	agentBranchGlob = "refs/heads/agent-"
)

// ConflictReport names the paths a degraded->distributed merge could not
// reconcile automatically, with a human-readable per-path diff.
type ConflictReport struct {
	Branch string
	Paths  []string
	Diffs  map[string]string // path -> unified-ish diff text
}

// Repo is the Hub's single writer onto the plan file and the git
// repository backing it. Every exported method that touches the
// repository takes mu, which is always the innermost lock (§5).
type Repo struct {
	path     string
	planPath string

	repo *git.Repository
	mu   sync.Mutex

	logger zerolog.Logger
}

// OpenOrInit opens an existing repository at path, or initializes one if
// none exists yet (fresh work directories start with no history).
func OpenOrInit(path, planFilename string) (*Repo, error) {
	r, err := git.PlainOpen(path)
	if err == git.ErrRepositoryNotExists {
		r, err = git.PlainInit(path, false)
	}
	if err != nil {
		return nil, coreerrors.Fatal("open or init repository", err)
	}
	return &Repo{
		path:     path,
		planPath: filepath.Join(path, planFilename),
		repo:     r,
		logger:   log.WithComponent("repo"),
	}, nil
}

// ReadPlan reads and parses the plan file.
func (r *Repo) ReadPlan(ctx context.Context) (*types.Plan, error) {
	raw, err := os.ReadFile(r.planPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &types.Plan{SchemaVersion: "1"}, nil
		}
		return nil, coreerrors.Unavailable("read plan file", err)
	}
	return ParsePlan(raw)
}

// WriteDisplay atomically overwrites the plan file with plan's current
// contents (write-temp + rename), without committing. Used by the
// display-sync loop so operators see live hot state without polluting
// history with every heartbeat.
func (r *Repo) WriteDisplay(ctx context.Context, plan *types.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePlanFile(plan)
}

// WriteAndCommit writes the plan file and commits it under the Hub's
// signed author line. Used by cold-sync, which must leave a durable
// record of cold-state transitions.
func (r *Repo) WriteAndCommit(ctx context.Context, plan *types.Plan, message string) (plumbing.Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writePlanFile(plan); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.commitLocked(filepath.Base(r.planPath), message)
}

func (r *Repo) writePlanFile(plan *types.Plan) error {
	out, err := SerializePlan(plan)
	if err != nil {
		return err
	}
	tmp := r.planPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return coreerrors.Unavailable("write temp plan file", err)
	}
	if err := os.Rename(tmp, r.planPath); err != nil {
		return coreerrors.Unavailable("rename plan file into place", err)
	}
	return nil
}

// commitLocked stages path and commits with the Hub's signed author line.
// Caller must hold mu.
func (r *Repo) commitLocked(path, message string) (plumbing.Hash, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, coreerrors.Unavailable("open worktree", err)
	}
	if _, err := wt.Add(path); err != nil {
		return plumbing.ZeroHash, coreerrors.Unavailable("stage plan file", err)
	}
	sig := &object.Signature{Name: hubAuthorName, Email: hubAuthorEmail, When: time.Now()}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return plumbing.ZeroHash, coreerrors.Unavailable("commit plan file", err)
	}
	return hash, nil
}

// branchName is the canonical naming scheme for a degraded-mode agent
// branch: agent-{agentId}-{prId}.
func branchName(agentID, prID string) string {
	return fmt.Sprintf("agent-%s-%s", agentID, prID)
}

// CreateOrCheckoutBranch switches the worktree to agent-{agentID}-{prID},
// creating it from the current HEAD if it does not yet exist.
func (r *Repo) CreateOrCheckoutBranch(ctx context.Context, agentID, prID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := branchName(agentID, prID)
	ref := plumbing.NewBranchReferenceName(name)

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", coreerrors.Unavailable("open worktree", err)
	}

	_, err = r.repo.Reference(ref, true)
	create := err == plumbing.ErrReferenceNotFound

	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create}); err != nil {
		return "", coreerrors.Unavailable(fmt.Sprintf("checkout branch %s", name), err)
	}
	return name, nil
}

// ListAgentBranches returns every branch matching refs/heads/agent-*.
func (r *Repo) ListAgentBranches(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs, err := r.repo.References()
	if err != nil {
		return nil, coreerrors.Unavailable("list references", err)
	}
	var out []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() && strings.HasPrefix(string(ref.Name()), agentBranchGlob) {
			out = append(out, ref.Name().Short())
		}
		return nil
	})
	if err != nil {
		return nil, coreerrors.Unavailable("iterate references", err)
	}
	sort.Strings(out)
	return out, nil
}

// MergeBranch attempts to reconcile branch into the current HEAD. It
// tries a fast-forward first; if HEAD has diverged it falls back to a
// three-way content merge restricted to non-overlapping paths. Paths
// changed on both sides since the merge base are reported as conflicts
// and left unmerged on the agent branch for operator resolution.
func (r *Repo) MergeBranch(ctx context.Context, branch string) (*ConflictReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	headRef, err := r.repo.Head()
	if err != nil {
		return nil, coreerrors.Unavailable("resolve HEAD", err)
	}
	headCommit, err := r.repo.CommitObject(headRef.Hash())
	if err != nil {
		return nil, coreerrors.Unavailable("load HEAD commit", err)
	}

	branchRef, err := r.repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return nil, coreerrors.Unavailable(fmt.Sprintf("resolve branch %s", branch), err)
	}
	branchCommit, err := r.repo.CommitObject(branchRef.Hash())
	if err != nil {
		return nil, coreerrors.Unavailable("load branch commit", err)
	}

	if headCommit.Hash == branchCommit.Hash {
		return nil, nil // nothing to merge
	}

	bases, err := headCommit.MergeBase(branchCommit)
	if err != nil || len(bases) == 0 {
		return nil, coreerrors.TransitionActionFailed(fmt.Sprintf("no merge base for %s", branch), err)
	}
	base := bases[0]

	if base.Hash == headCommit.Hash {
		// HEAD is an ancestor of branch: fast-forward.
		return nil, r.fastForwardLocked(headRef, branchRef)
	}

	headChanges, err := changedPaths(base, headCommit)
	if err != nil {
		return nil, err
	}
	branchChanges, err := changedPaths(base, branchCommit)
	if err != nil {
		return nil, err
	}

	var conflicts []string
	for p := range branchChanges {
		if headChanges[p] {
			conflicts = append(conflicts, p)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		diffs := make(map[string]string, len(conflicts))
		for _, p := range conflicts {
			diffs[p] = diffPathContent(headCommit, branchCommit, p)
		}
		return &ConflictReport{Branch: branch, Paths: conflicts, Diffs: diffs}, nil
	}

	return nil, r.threeWayMergeLocked(headCommit, branchCommit, branchChanges)
}

func (r *Repo) fastForwardLocked(headRef, branchRef *plumbing.Reference) error {
	newRef := plumbing.NewHashReference(headRef.Name(), branchRef.Hash())
	if err := r.repo.Storer.SetReference(newRef); err != nil {
		return coreerrors.Unavailable("fast-forward ref update", err)
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return coreerrors.Unavailable("open worktree", err)
	}
	return wt.Reset(&git.ResetOptions{Commit: branchRef.Hash(), Mode: git.HardReset})
}

// threeWayMergeLocked applies every path branchCommit changed (already
// known to be disjoint from headCommit's own changes) onto the worktree,
// then records a two-parent merge commit.
func (r *Repo) threeWayMergeLocked(headCommit, branchCommit *object.Commit, changed map[string]bool) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return coreerrors.Unavailable("open worktree", err)
	}
	tree, err := branchCommit.Tree()
	if err != nil {
		return coreerrors.Unavailable("load branch tree", err)
	}

	for path := range changed {
		f, err := tree.File(path)
		if err != nil {
			// deleted on the branch; remove locally.
			_ = os.Remove(filepath.Join(r.path, path))
			_, _ = wt.Remove(path)
			continue
		}
		content, err := f.Contents()
		if err != nil {
			return coreerrors.Unavailable(fmt.Sprintf("read %s from branch tree", path), err)
		}
		full := filepath.Join(r.path, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return coreerrors.Unavailable("create parent directories", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return coreerrors.Unavailable(fmt.Sprintf("write %s", path), err)
		}
		if _, err := wt.Add(path); err != nil {
			return coreerrors.Unavailable(fmt.Sprintf("stage %s", path), err)
		}
	}

	sig := &object.Signature{Name: hubAuthorName, Email: hubAuthorEmail, When: time.Now()}
	_, err = wt.Commit(fmt.Sprintf("merge %s", branchCommit.Hash.String()[:8]), &git.CommitOptions{
		Author:    sig,
		Committer: sig,
		Parents:   []plumbing.Hash{headCommit.Hash, branchCommit.Hash},
	})
	if err != nil {
		return coreerrors.Unavailable("create merge commit", err)
	}
	return nil
}

// changedPaths returns the set of paths that differ between base and
// commit's trees.
func changedPaths(base, commit *object.Commit) (map[string]bool, error) {
	baseTree, err := base.Tree()
	if err != nil {
		return nil, coreerrors.Unavailable("load base tree", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, coreerrors.Unavailable("load commit tree", err)
	}
	changes, err := baseTree.Diff(tree)
	if err != nil {
		return nil, coreerrors.Unavailable("diff trees", err)
	}
	out := make(map[string]bool, len(changes))
	for _, c := range changes {
		from, to, err := c.Files()
		if err != nil {
			continue
		}
		if to != nil {
			out[to.Name] = true
		} else if from != nil {
			out[from.Name] = true
		}
	}
	return out, nil
}

// diffPathContent renders a readable line diff of path between two
// commits, used in ConflictReport so operators don't have to check the
// branch out themselves.
func diffPathContent(a, b *object.Commit, path string) string {
	left := fileContents(a, path)
	right := fileContents(b, path)
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(left, right, false)
	return dmp.DiffPrettyText(diffs)
}

func fileContents(commit *object.Commit, path string) string {
	tree, err := commit.Tree()
	if err != nil {
		return ""
	}
	f, err := tree.File(path)
	if err != nil {
		return ""
	}
	content, err := f.Contents()
	if err != nil {
		return ""
	}
	return content
}

// HasUncommittedWork reports whether any of paths is modified in the
// worktree relative to the current HEAD, used by the Agent Registry's
// crash classifier to distinguish a recoverable "ready" item from a
// half-written "broken" one.
func (r *Repo) HasUncommittedWork(ctx context.Context, paths []string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wt, err := r.repo.Worktree()
	if err != nil {
		return false, coreerrors.Unavailable("open worktree", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, coreerrors.Unavailable("worktree status", err)
	}
	for _, p := range paths {
		if st, ok := status[p]; ok && (st.Worktree != git.Unmodified || st.Staging != git.Unmodified) {
			return true, nil
		}
	}
	return false, nil
}
