package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Classification names one way a work item's Store view and plan-file view
// can drift.
type Classification string

const (
	ClassRedisMissing         Classification = "redis_missing"
	ClassRedisOrphaned        Classification = "redis_orphaned"
	ClassHeartbeatExpired     Classification = "heartbeat_expired"
	ClassConcurrentUpdate     Classification = "concurrent_update"
	ClassRedisHotGitDifferent Classification = "redis_hot_git_different"
)

// Finding is one reconciled (and, where possible, repaired) drift.
type Finding struct {
	WorkItemID string
	Class      Classification
	Diff       string // human-readable diff, populated for the diff-based classes
}

// Config tunes the two sync passes.
type Config struct {
	DisplaySyncInterval time.Duration
	HeartbeatTimeout    time.Duration
	PendingTriggers     int
}

// DefaultConfig returns the sync manager's standard tuning.
func DefaultConfig() Config {
	return Config{
		DisplaySyncInterval: 3 * time.Second,
		HeartbeatTimeout:    90 * time.Second,
		PendingTriggers:     16,
	}
}

// Manager runs the display-sync ticker and the trigger-driven cold-sync
// pass: a single mutex-guarded pass, ticker-driven for the continuous
// half, explicit-signal-driven for the event-driven half.
type Manager struct {
	store *statestore.Store
	repo  *repo.Repo
	bus   *bus.Bus
	clock clock.Clock
	cfg   Config

	mu       sync.Mutex
	triggers chan string
	stopCh   chan struct{}
	logger   zerolog.Logger
}

// New creates a Manager. bus may be nil (conflict events are then only
// logged, never published).
func New(store *statestore.Store, r *repo.Repo, b *bus.Bus, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		store:    store,
		repo:     r,
		bus:      b,
		clock:    clk,
		cfg:      cfg,
		triggers: make(chan string, cfg.PendingTriggers),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("sync"),
	}
}

// Start launches the display-sync ticker and the cold-sync trigger loop.
func (m *Manager) Start(ctx context.Context) {
	go m.displaySyncLoop(ctx)
	go m.coldSyncLoop(ctx)
}

// Stop halts both loops.
func (m *Manager) Stop() {
	close(m.stopCh)
}

// Trigger requests a cold-sync pass for the given reason (item complete,
// agent shutdown, hub shutdown, ...). Non-blocking: a full trigger channel
// drops the request, since a cold-sync already in flight will pick up the
// same drift.
func (m *Manager) Trigger(reason string) {
	select {
	case m.triggers <- reason:
	default:
		m.logger.Warn().Str("reason", reason).Msg("cold-sync trigger channel full, dropping")
	}
}

func (m *Manager) displaySyncLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.DisplaySyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			if err := m.DisplaySync(ctx); err != nil {
				m.logger.Error().Err(err).Msg("display-sync pass failed")
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) coldSyncLoop(ctx context.Context) {
	for {
		select {
		case reason := <-m.triggers:
			findings, err := m.ColdSync(ctx)
			if err != nil {
				m.logger.Error().Err(err).Str("reason", reason).Msg("cold-sync pass failed")
				continue
			}
			if len(findings) > 0 {
				m.logger.Info().Str("reason", reason).Int("findings", len(findings)).Msg("cold-sync reconciled drift")
			}
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// DisplaySync projects current hot states and agent assignments from the
// Store onto the plan's in-memory items and writes a display-only render
// (never committed) to the plan file.
func (m *Manager) DisplaySync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.repo.ReadPlan(ctx)
	if err != nil {
		return fmt.Errorf("read plan: %w", err)
	}
	for _, item := range plan.Items {
		hot, err := m.store.GetHotState(ctx, item.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("work_item", item.ID).Msg("failed to read hot state for display sync")
			continue
		}
		item.HotState = hot
		agent, err := m.store.AssignedAgent(ctx, item.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("work_item", item.ID).Msg("failed to read assigned agent for display sync")
			continue
		}
		item.AssignedAgent = agent
	}
	return m.repo.WriteDisplay(ctx, plan)
}

// ColdSync performs one reconciliation pass, classifying every drift it
// finds and repairing what it safely can. It returns every finding,
// including ones it repaired.
func (m *Manager) ColdSync(ctx context.Context) ([]Finding, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	m.mu.Lock()
	defer m.mu.Unlock()

	plan, err := m.repo.ReadPlan(ctx)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}

	planIDs := make(map[string]*types.WorkItem, len(plan.Items))
	for _, item := range plan.Items {
		planIDs[item.ID] = item
	}

	var findings []Finding
	for _, item := range plan.Items {
		fs, err := m.reconcileItem(ctx, item)
		if err != nil {
			m.logger.Error().Err(err).Str("work_item", item.ID).Msg("failed to reconcile work item")
			continue
		}
		findings = append(findings, fs...)
	}

	orphans, err := m.findOrphans(ctx, planIDs)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to scan for orphaned store entries")
	}
	findings = append(findings, orphans...)

	for _, f := range findings {
		metrics.ReconciliationConflictsTotal.WithLabelValues(string(f.Class)).Inc()
		m.publishConflict(ctx, f)
	}
	return findings, nil
}

func (m *Manager) reconcileItem(ctx context.Context, item *types.WorkItem) ([]Finding, error) {
	var findings []Finding

	storeCold, err := m.store.GetColdState(ctx, item.ID)
	if err != nil {
		return nil, err
	}

	if storeCold == "" && item.ColdState != "" {
		// The Store has never heard of this item even though the plan file
		// already carries a durable state for it: seed the Store from the
		// plan, which is the source of truth for cold state.
		if err := m.store.SetColdState(ctx, item.ID, item.ColdState); err != nil {
			return nil, fmt.Errorf("seed cold state for %s: %w", item.ID, err)
		}
		findings = append(findings, Finding{WorkItemID: item.ID, Class: ClassRedisMissing})
	} else if storeCold != "" && item.ColdState != "" && storeCold != item.ColdState {
		diff := diffText(string(item.ColdState), string(storeCold))
		findings = append(findings, Finding{WorkItemID: item.ID, Class: ClassConcurrentUpdate, Diff: diff})
	}

	agent, err := m.store.AssignedAgent(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	if agent != "" {
		last, err := m.store.LastHeartbeat(ctx, agent)
		if err == nil && m.clock.Now().Sub(last) > m.cfg.HeartbeatTimeout {
			if err := m.store.ReleaseWork(ctx, item.ID); err != nil {
				return nil, fmt.Errorf("release stale claim on %s: %w", item.ID, err)
			}
			findings = append(findings, Finding{WorkItemID: item.ID, Class: ClassHeartbeatExpired})
		}
	}

	hot, err := m.store.GetHotState(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	planRendered := string(item.ColdState)
	storeRendered := string(storeCold)
	if hot != "" {
		storeRendered = storeRendered + "/" + string(hot)
	}
	if item.HotState != "" {
		planRendered = planRendered + "/" + string(item.HotState)
	}
	if planRendered != storeRendered && storeCold == item.ColdState {
		findings = append(findings, Finding{
			WorkItemID: item.ID,
			Class:      ClassRedisHotGitDifferent,
			Diff:       diffText(planRendered, storeRendered),
		})
	}

	return findings, nil
}

// findOrphans looks for work items the Store still tracks cold state for
// that no longer appear in the plan file, and clears them.
func (m *Manager) findOrphans(ctx context.Context, planIDs map[string]*types.WorkItem) ([]Finding, error) {
	seen := make(map[string]bool)
	var findings []Finding
	for _, state := range []types.ColdState{
		types.ColdStateNew, types.ColdStatePlanned, types.ColdStateReady, types.ColdStateBlocked,
		types.ColdStateInProgress, types.ColdStateUnderReview, types.ColdStateCompleted,
		types.ColdStateApproved, types.ColdStateBroken,
	} {
		ids, err := m.store.ListInColdState(ctx, state)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			if _, ok := planIDs[id]; ok {
				continue
			}
			if err := m.store.ClearHotState(ctx, id); err != nil {
				m.logger.Warn().Err(err).Str("work_item", id).Msg("failed to clear orphaned hot state")
			}
			findings = append(findings, Finding{WorkItemID: id, Class: ClassRedisOrphaned})
		}
	}
	return findings, nil
}

func diffText(a, b string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	return dmp.DiffPrettyText(diffs)
}

func (m *Manager) publishConflict(ctx context.Context, f Finding) {
	if m.bus == nil {
		return
	}
	payload := fmt.Sprintf("%s:%s", f.WorkItemID, f.Class)
	if err := m.bus.Publish(ctx, bus.SystemChannel("conflict"), types.Message{
		Type:    types.MessageCustom,
		From:    "sync",
		Payload: []byte(payload),
	}); err != nil {
		m.logger.Warn().Err(err).Str("work_item", f.WorkItemID).Msg("failed to publish conflict event")
	}
}
