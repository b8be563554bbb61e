package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/lease"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/registry"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the scheduling pass.
type Config struct {
	Interval time.Duration

	// StarvationPeriod: every this many passes, select eligible items by
	// age instead of priority, so low-priority work isn't starved forever.
	StarvationPeriod int

	// MISExactSizeThreshold bounds |E| for which the branch-and-bound
	// exact search runs at all.
	MISExactSizeThreshold int
	// MISExactBudget bounds wall-clock time spent in the exact search.
	MISExactBudget time.Duration
}

// DefaultConfig returns the scheduler's standard tuning.
func DefaultConfig() Config {
	return Config{
		Interval:              5 * time.Second,
		StarvationPeriod:      8,
		MISExactSizeThreshold: 64,
		MISExactBudget:        20 * time.Millisecond,
	}
}

// Scheduler assigns work items to agents by maximal-independent-set
// selection over the conflict graph of estimated-file overlaps.
type Scheduler struct {
	store    *statestore.Store
	leases   *lease.Manager
	registry *registry.Registry
	repo     *repo.Repo
	bus      *bus.Bus
	clock    clock.Clock
	cfg      Config

	mu     sync.Mutex
	passes int
	stopCh chan struct{}
	logger zerolog.Logger
}

// New creates a Scheduler. b may be nil (tests that don't care how an
// agent learns of its assignment can omit it); dispatch simply skips the
// notification in that case.
func New(store *statestore.Store, leases *lease.Manager, reg *registry.Registry, r *repo.Repo, b *bus.Bus, clk clock.Clock, cfg Config) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		store:    store,
		leases:   leases,
		registry: reg,
		repo:     r,
		bus:      b,
		clock:    clk,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("scheduler"),
	}
}

// Start begins the periodic scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop halts the loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling pass failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// node is one DAG vertex: a work item plus its resolved critical-path
// length (longest weighted path to it using estimated minutes as weights).
type node struct {
	item         *types.WorkItem
	criticalPath time.Duration
}

// RunOnce performs exactly one scheduling pass: §4.5 steps 1-8.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes++

	plan, err := s.repo.ReadPlan(ctx)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}

	byID := make(map[string]*types.WorkItem, len(plan.Items))
	for _, item := range plan.Items {
		byID[item.ID] = item
	}

	if cycle := findCycle(byID); cycle != nil {
		return coreerrors.InvariantViolation(fmt.Sprintf("dependency cycle detected: %v", cycle))
	}

	nodes := s.buildNodes(byID)
	eligible := eligibleSet(byID)
	if len(eligible) == 0 {
		return nil
	}

	conflicts := buildConflictGraph(eligible)

	useAge := s.cfg.StarvationPeriod > 0 && s.passes%s.cfg.StarvationPeriod == 0
	order := rankItems(eligible, nodes, useAge)

	selected := greedySelect(order, conflicts)
	if len(selected) > 1 && len(eligible) <= s.cfg.MISExactSizeThreshold {
		if exact := exactSelect(eligible, conflicts, s.cfg.MISExactBudget); prioritySum(exact) > prioritySum(selected) {
			selected = exact
		}
	}

	for _, item := range selected {
		if err := s.dispatch(ctx, item); err != nil {
			s.logger.Warn().Err(err).Str("work_item", item.ID).Msg("failed to dispatch selected work item")
		}
	}
	return nil
}

func (s *Scheduler) buildNodes(byID map[string]*types.WorkItem) map[string]*node {
	nodes := make(map[string]*node, len(byID))
	for id, item := range byID {
		nodes[id] = &node{item: item}
	}
	memo := make(map[string]time.Duration)
	var longest func(id string, visiting map[string]bool) time.Duration
	longest = func(id string, visiting map[string]bool) time.Duration {
		if d, ok := memo[id]; ok {
			return d
		}
		item, ok := byID[id]
		if !ok {
			return 0
		}
		if visiting[id] {
			return 0 // cycle already rejected before this runs
		}
		visiting[id] = true
		own := time.Duration(item.Complexity.EstimatedMinutes) * time.Minute
		var best time.Duration
		for _, dep := range item.Dependencies {
			if d := longest(dep, visiting); d > best {
				best = d
			}
		}
		delete(visiting, id)
		total := own + best
		memo[id] = total
		return total
	}
	for id := range byID {
		nodes[id].criticalPath = longest(id, make(map[string]bool))
	}
	return nodes
}

// findCycle returns the ids forming a cycle, or nil if the dependency
// graph is acyclic.
func findCycle(byID map[string]*types.WorkItem) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		if item, ok := byID[id]; ok {
			for _, dep := range item.Dependencies {
				switch color[dep] {
				case gray:
					cycle = append(append([]string{}, path...), dep)
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic traversal order
	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// eligibleSet is §4.5 step 2: ready or broken items whose dependencies are
// all dependency-satisfied. broken items bypass the check on themselves
// but not on their dependencies.
func eligibleSet(byID map[string]*types.WorkItem) []*types.WorkItem {
	var out []*types.WorkItem
	for _, item := range byID {
		if item.ColdState != types.ColdStateReady && item.ColdState != types.ColdStateBroken {
			continue
		}
		ready := true
		for _, dep := range item.Dependencies {
			depItem, ok := byID[dep]
			if !ok || !depItem.ColdState.DependencySatisfied() {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, item)
		}
	}
	return out
}

// buildConflictGraph is §4.5 step 3: an edge between two eligible items
// that share any estimated-file path.
func buildConflictGraph(items []*types.WorkItem) map[string]map[string]bool {
	byPath := make(map[string][]string)
	for _, item := range items {
		for _, f := range item.EstimatedFiles {
			byPath[f.Path] = append(byPath[f.Path], item.ID)
		}
	}
	graph := make(map[string]map[string]bool, len(items))
	for _, item := range items {
		graph[item.ID] = make(map[string]bool)
	}
	for _, ids := range byPath {
		for i := 0; i < len(ids); i++ {
			for j := i + 1; j < len(ids); j++ {
				graph[ids[i]][ids[j]] = true
				graph[ids[j]][ids[i]] = true
			}
		}
	}
	return graph
}

// rankItems is §4.5 step 4: broken first, then (priority class,
// -complexity, critical-path membership, id). useAge substitutes an
// age-ordered rank for the starvation-avoidance pass.
func rankItems(items []*types.WorkItem, nodes map[string]*node, useAge bool) []*types.WorkItem {
	out := make([]*types.WorkItem, len(items))
	copy(out, items)

	if useAge {
		sort.Slice(out, func(i, j int) bool {
			if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
				return out[i].ID < out[j].ID
			}
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		})
		return out
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		ab, bb := a.ColdState == types.ColdStateBroken, b.ColdState == types.ColdStateBroken
		if ab != bb {
			return ab // broken sorts first
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if a.Complexity.Score != b.Complexity.Score {
			return a.Complexity.Score > b.Complexity.Score // negated: higher complexity ranks first
		}
		ap, bp := nodes[a.ID], nodes[b.ID]
		if ap != nil && bp != nil && ap.criticalPath != bp.criticalPath {
			return ap.criticalPath > bp.criticalPath
		}
		return a.ID < b.ID
	})
	return out
}

// greedySelect is §4.5 step 5.
func greedySelect(order []*types.WorkItem, conflicts map[string]map[string]bool) []*types.WorkItem {
	selected := make(map[string]bool)
	var out []*types.WorkItem
	for _, item := range order {
		blocked := false
		for neighbor := range conflicts[item.ID] {
			if selected[neighbor] {
				blocked = true
				break
			}
		}
		if !blocked {
			selected[item.ID] = true
			out = append(out, item)
		}
	}
	return out
}

func prioritySum(items []*types.WorkItem) int {
	sum := 0
	for _, item := range items {
		sum += 4 - item.Priority.Rank()
		if item.ColdState == types.ColdStateBroken {
			sum += 10
		}
	}
	return sum
}

// exactSelect is §4.5 step 6: a bounded branch-and-bound search over
// vertex inclusion/exclusion, pruned by degree ordering, run for at most
// budget. Only attempted for small conflict graphs.
func exactSelect(items []*types.WorkItem, conflicts map[string]map[string]bool, budget time.Duration) []*types.WorkItem {
	deadline := time.Now().Add(budget)
	byID := make(map[string]*types.WorkItem, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		byID[item.ID] = item
		order = append(order, item.ID)
	}
	// Highest-degree-first improves pruning: conflicted vertices resolved
	// early shrink the remaining branching factor fastest.
	sort.Slice(order, func(i, j int) bool { return len(conflicts[order[i]]) > len(conflicts[order[j]]) })

	var best []string
	bestScore := -1
	var current []string

	var search func(i int, excluded map[string]bool)
	search = func(i int, excluded map[string]bool) {
		if time.Now().After(deadline) {
			return
		}
		if i == len(order) {
			score := 0
			for _, id := range current {
				item := byID[id]
				score += 4 - item.Priority.Rank()
				if item.ColdState == types.ColdStateBroken {
					score += 10
				}
			}
			if score > bestScore {
				bestScore = score
				best = append([]string{}, current...)
			}
			return
		}
		id := order[i]
		if !excluded[id] {
			current = append(current, id)
			nextExcluded := excluded
			for n := range conflicts[id] {
				if !excluded[n] {
					nextExcluded = cloneSet(nextExcluded)
					nextExcluded[n] = true
				}
			}
			search(i+1, nextExcluded)
			current = current[:len(current)-1]
		}
		search(i+1, excluded)
	}
	search(0, map[string]bool{})

	out := make([]*types.WorkItem, 0, len(best))
	for _, id := range best {
		out = append(out, byID[id])
	}
	return out
}

func cloneSet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s)+1)
	for k := range s {
		out[k] = true
	}
	return out
}

// dispatch is §4.5 steps 7-8: pick an agent, then atomically claim the
// item and its leases. Any failure leaves the item untouched for the next
// pass (no retry within this one).
func (s *Scheduler) dispatch(ctx context.Context, item *types.WorkItem) error {
	agent := s.selectAgent(item)
	if agent == nil {
		metrics.WorkItemsSkipped.WithLabelValues("no_agent").Inc()
		return nil
	}

	previousCold := item.ColdState
	if err := s.store.ClaimWork(ctx, item.ID, agent.ID); err != nil {
		metrics.WorkItemsSkipped.WithLabelValues("claim_conflict").Inc()
		return nil
	}

	paths := make([]string, 0, len(item.EstimatedFiles))
	for _, f := range item.EstimatedFiles {
		paths = append(paths, f.Path)
	}
	if _, err := s.leases.Acquire(ctx, agent.ID, paths); err != nil {
		if undoErr := s.store.UndoClaim(ctx, item.ID, previousCold); undoErr != nil {
			return fmt.Errorf("undo claim for %s after lease failure: %w", item.ID, undoErr)
		}
		metrics.WorkItemsSkipped.WithLabelValues("lease_taken").Inc()
		if coreerrors.Is(err, coreerrors.CategoryTaken) {
			return nil
		}
		return err
	}

	_ = s.registry.SetStatus(agent.ID, types.AgentStatusWorking, item.ID)
	_ = s.store.SetAgentCurrentPR(ctx, agent.ID, item.ID)
	if s.bus != nil {
		if err := s.bus.Publish(ctx, bus.AgentChannel(agent.ID), types.Message{
			Type: types.MessageAssignment, From: "hub", Payload: []byte(item.ID),
		}); err != nil {
			s.logger.Warn().Err(err).Str("agent_id", agent.ID).Str("pr_id", item.ID).Msg("failed to publish assignment")
		}
	}
	metrics.WorkItemsScheduled.Inc()
	return nil
}

// selectAgent implements §4.5 step 7: prefer an idle agent of the item's
// suggested tier, then the next tier down, then up; tie-break by oldest
// last-heartbeat (our proxy for last-idle-time, since the registry does
// not separately track idle transitions).
func (s *Scheduler) selectAgent(item *types.WorkItem) *types.Agent {
	var idle []*types.Agent
	for _, a := range s.registry.List() {
		if a.Status == types.AgentStatusIdle {
			idle = append(idle, a)
		}
	}
	if len(idle) == 0 {
		return nil
	}

	for _, tier := range tierSearchOrder(item.Complexity.SuggestedTier) {
		var candidates []*types.Agent
		for _, a := range idle {
			if a.Tier == tier {
				candidates = append(candidates, a)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].LastHeartbeat.Before(candidates[j].LastHeartbeat)
		})
		return candidates[0]
	}
	return nil
}

// tierSearchOrder yields suggested, then down a tier, then up, skipping
// out-of-range tiers.
func tierSearchOrder(suggested types.Tier) []types.Tier {
	order := []types.Tier{types.TierLow, types.TierMid, types.TierHigh}
	idx := 0
	for i, t := range order {
		if t == suggested {
			idx = i
			break
		}
	}
	result := []types.Tier{order[idx]}
	for d := 1; idx-d >= 0 || idx+d < len(order); d++ {
		if idx-d >= 0 {
			result = append(result, order[idx-d])
		}
		if idx+d < len(order) {
			result = append(result, order[idx+d])
		}
	}
	return result
}
