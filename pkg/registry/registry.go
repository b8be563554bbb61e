package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/lease"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher is the subset of the Bus the Registry needs; accepting the
// interface here instead of a concrete *bus.Bus keeps the two packages
// decoupled.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config tunes heartbeat cadence and the crash-detection window.
type Config struct {
	HeartbeatInterval time.Duration // T_h, default 30s
	HeartbeatTimeout  time.Duration // default 3*T_h
}

// DefaultConfig returns the registry's standard heartbeat tuning.
func DefaultConfig() Config {
	return Config{HeartbeatInterval: 30 * time.Second, HeartbeatTimeout: 90 * time.Second}
}

// Registry is the Hub's view of every agent it has ever spawned.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*types.Agent

	store     *statestore.Store
	leases    *lease.Manager
	repo      *repo.Repo
	publisher Publisher
	clock     clock.Clock
	cfg       Config
	logger    zerolog.Logger

	stopCh chan struct{}
}

// New creates a Registry. publisher and repo may be nil in tests that
// don't exercise crash handling.
func New(store *statestore.Store, leases *lease.Manager, r *repo.Repo, publisher Publisher, clk clock.Clock, cfg Config) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		agents:    make(map[string]*types.Agent),
		store:     store,
		leases:    leases,
		repo:      r,
		publisher: publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    log.WithComponent("registry"),
		stopCh:    make(chan struct{}),
	}
}

// Register records a new agent, or refreshes the existing record if the
// reported pid matches it (idempotent restart-safe registration). A pid
// mismatch leaves the existing record in place and returns AlreadyRegistered.
func (r *Registry) Register(ctx context.Context, id string, pid int, agentType types.AgentType, caps types.Capabilities) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if existing, ok := r.agents[id]; ok {
		if existing.PID != pid {
			return nil, coreerrors.AlreadyRegistered(
				fmt.Sprintf("agent %s already registered under pid %d", id, existing.PID))
		}
		existing.LastHeartbeat = now
		return existing, nil
	}

	agent := &types.Agent{
		ID:            id,
		Type:          agentType,
		Tier:          caps.Tier,
		Capabilities:  caps,
		Status:        types.AgentStatusIdle,
		PID:           pid,
		LastHeartbeat: now,
		StartedAt:     now,
	}
	r.agents[id] = agent
	if r.store != nil {
		_ = r.store.RenewHeartbeat(ctx, id)
		_ = r.store.SetAgentPID(ctx, id, pid)
	}
	return agent, nil
}

// Heartbeat refreshes an agent's liveness, both locally and in the Store.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if ok {
		agent.LastHeartbeat = r.clock.Now()
	}
	r.mu.Unlock()
	if !ok {
		return coreerrors.Unknown(fmt.Sprintf("heartbeat from unregistered agent %s", id))
	}
	if r.store != nil {
		return r.store.RenewHeartbeat(ctx, id)
	}
	return nil
}

// Get returns a copy of the current agent record.
func (r *Registry) Get(id string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return nil, coreerrors.Unknown(fmt.Sprintf("unknown agent %s", id))
	}
	copied := *agent
	return &copied, nil
}

// List returns a snapshot of every tracked agent, used by the metrics
// collector and the status API.
func (r *Registry) List() []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		copied := *a
		out = append(out, &copied)
	}
	return out
}

// SetStatus updates an agent's status and, when assigning work, its
// current work item id.
func (r *Registry) SetStatus(id string, status types.AgentStatus, assignedWork string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, ok := r.agents[id]
	if !ok {
		return coreerrors.Unknown(fmt.Sprintf("unknown agent %s", id))
	}
	agent.Status = status
	agent.AssignedWork = assignedWork
	return nil
}

// Evict removes an agent from the registry without treating it as a
// crash, used on a clean shutdown acknowledgement.
func (r *Registry) Evict(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.agents, id)
	r.mu.Unlock()
	if r.store != nil {
		_ = r.store.EvictHeartbeat(ctx, id)
		_ = r.store.SetAgentCurrentPR(ctx, id, "")
	}
}

// Start begins the crash-detection loop.
func (r *Registry) Start(ctx context.Context) {
	go r.detectLoop(ctx)
}

// Stop halts the crash-detection loop.
func (r *Registry) Stop() {
	close(r.stopCh)
}

func (r *Registry) detectLoop(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			r.sweep(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep scans every registered agent and crashes the ones whose
// heartbeat has gone stale.
func (r *Registry) sweep(ctx context.Context) {
	now := r.clock.Now()

	r.mu.RLock()
	var stale []*types.Agent
	for _, a := range r.agents {
		if a.Status == types.AgentStatusCrashed || a.Status == types.AgentStatusShuttingDown {
			continue
		}
		if now.Sub(a.LastHeartbeat) > r.cfg.HeartbeatTimeout {
			copied := *a
			stale = append(stale, &copied)
		}
	}
	r.mu.RUnlock()

	for _, a := range stale {
		r.handleCrash(ctx, a)
	}
}

// handleCrash releases the crashed agent's leases, resets its work item's
// hot state, classifies the item ready/broken, and publishes
// agent-crashed.
func (r *Registry) handleCrash(ctx context.Context, agent *types.Agent) {
	r.logger.Warn().Str("agent_id", agent.ID).Time("last_heartbeat", agent.LastHeartbeat).Msg("agent crash detected")
	metrics.AgentCrashesTotal.Inc()

	r.mu.Lock()
	if live, ok := r.agents[agent.ID]; ok {
		live.Status = types.AgentStatusCrashed
	}
	r.mu.Unlock()

	if r.leases != nil {
		if err := r.leases.ReleaseAll(ctx, agent.ID); err != nil {
			r.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("failed to release leases for crashed agent")
		}
	}

	if r.store != nil {
		_ = r.store.SetAgentCurrentPR(ctx, agent.ID, "")
	}

	if agent.AssignedWork != "" && r.store != nil {
		if err := r.store.ClearHotState(ctx, agent.AssignedWork); err != nil {
			r.logger.Error().Err(err).Str("pr_id", agent.AssignedWork).Msg("failed to clear hot state for crashed agent's work")
		}
		next := r.classify(ctx, agent.AssignedWork)
		if err := r.store.SetColdState(ctx, agent.AssignedWork, next); err != nil {
			r.logger.Error().Err(err).Str("pr_id", agent.AssignedWork).Str("next_state", string(next)).Msg("failed to reclassify crashed agent's work")
		}
	}

	if r.store != nil {
		_ = r.store.EvictHeartbeat(ctx, agent.ID)
	}

	if r.publisher != nil {
		payload, _ := json.Marshal(map[string]string{"agent_id": agent.ID, "work_item": agent.AssignedWork})
		if err := r.publisher.Publish(ctx, "system:agent-crashed", payload); err != nil {
			r.logger.Warn().Err(err).Msg("failed to publish agent-crashed event")
		}
	}
}

// classify decides whether a crashed agent's work item reverts to ready
// (safe to reassign) or broken (partial changes exist that must be
// reviewed before anyone else picks it up). It trusts the repository:
// if any of the item's expected paths carry uncommitted modifications,
// the work is broken.
func (r *Registry) classify(ctx context.Context, prID string) types.ColdState {
	if r.repo == nil {
		return types.ColdStateReady
	}
	plan, err := r.repo.ReadPlan(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Str("pr_id", prID).Msg("could not read plan to classify crashed work; defaulting to ready")
		return types.ColdStateReady
	}
	var paths []string
	for _, item := range plan.Items {
		if item.ID == prID {
			for _, f := range item.EstimatedFiles {
				paths = append(paths, f.Path)
			}
			break
		}
	}
	if len(paths) == 0 {
		return types.ColdStateReady
	}
	dirty, err := r.repo.HasUncommittedWork(ctx, paths)
	if err != nil {
		r.logger.Warn().Err(err).Str("pr_id", prID).Msg("could not inspect repo to classify crashed work; defaulting to ready")
		return types.ColdStateReady
	}
	if dirty {
		return types.ColdStateBroken
	}
	return types.ColdStateReady
}
