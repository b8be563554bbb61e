package mode

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/kvstore"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the detection cycle.
type Config struct {
	DetectionInterval  time.Duration
	FailureThreshold   int
	SuccessThreshold   int
	TransitionCooldown time.Duration
	HistoryCap         int
	FileTransportDir   string
	MessageMaxAge      time.Duration
}

// DefaultConfig returns the mode manager's standard detection tuning.
func DefaultConfig() Config {
	return Config{
		DetectionInterval:  5 * time.Second,
		FailureThreshold:   3,
		SuccessThreshold:   1,
		TransitionCooldown: 15 * time.Second,
		HistoryCap:         50,
		MessageMaxAge:      time.Hour,
	}
}

// Manager owns the current CoordinationMode and the action lists that
// move between them.
type Manager struct {
	kv    *kvstore.Client
	store *statestore.Store
	repo  *repo.Repo
	bus   *bus.Bus
	clock clock.Clock
	cfg   Config

	mu                   sync.Mutex
	state                types.CoordinationState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransition       time.Time

	logger zerolog.Logger
	stopCh chan struct{}
}

// New creates a Manager starting in distributed mode.
func New(kv *kvstore.Client, store *statestore.Store, r *repo.Repo, b *bus.Bus, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Manager{
		kv:    kv,
		store: store,
		repo:  r,
		bus:   b,
		clock: clk,
		cfg:   cfg,
		state: types.CoordinationState{Mode: types.ModeDistributed, StoreHealthy: true},
		logger: log.WithComponent("mode"),
		stopCh: make(chan struct{}),
	}
}

// Mode returns the current coordination mode.
func (m *Manager) Mode() types.CoordinationMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mode
}

// State returns a copy of the current coordination state.
func (m *Manager) State() types.CoordinationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start begins the detection loop.
func (m *Manager) Start(ctx context.Context) {
	go m.detectLoop(ctx)
}

// Stop halts the detection loop.
func (m *Manager) Stop() {
	close(m.stopCh)
}

func (m *Manager) detectLoop(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.DetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C():
			m.probe(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) probe(ctx context.Context) {
	healthy := m.kv != nil && m.kv.Healthy()
	if m.store != nil {
		_ = m.store.SetRedisHealth(ctx, healthy)
	}

	m.mu.Lock()
	if healthy {
		m.consecutiveSuccesses++
		m.consecutiveFailures = 0
	} else {
		m.consecutiveFailures++
		m.consecutiveSuccesses = 0
	}
	m.state.StoreHealthy = healthy
	current := m.state.Mode
	failures := m.consecutiveFailures
	successes := m.consecutiveSuccesses
	cooldownOK := m.clock.Now().Sub(m.lastTransition) >= m.cfg.TransitionCooldown
	m.mu.Unlock()

	var next types.CoordinationMode
	var reason string
	switch {
	case current == types.ModeDistributed && failures >= m.cfg.FailureThreshold:
		next, reason = types.ModeDegraded, "kv store unreachable"
	case current == types.ModeDegraded && failures >= m.cfg.FailureThreshold:
		next, reason = types.ModeIsolated, "kv store unreachable in degraded mode"
	case current == types.ModeIsolated && successes >= m.cfg.SuccessThreshold && cooldownOK:
		next, reason = types.ModeDegraded, "kv store reachable again"
	case current == types.ModeDegraded && successes >= m.cfg.SuccessThreshold && cooldownOK:
		next, reason = types.ModeDistributed, "kv store reachable again"
	default:
		return
	}
	if next == current {
		return
	}
	if !cooldownOK && (next == types.ModeDistributed || next == types.ModeDegraded) && failures == 0 {
		return // upgrades respect the cooldown; downgrades (failures-driven) do not
	}

	if err := m.transition(ctx, current, next, reason); err != nil {
		m.logger.Error().Err(err).Str("from", string(current)).Str("to", string(next)).Msg("transition failed")
	}
}

// transition runs next's ordered action list. A failing action rolls the
// mode back (it is never committed) and emits transitionFailed.
func (m *Manager) transition(ctx context.Context, from, to types.CoordinationMode, reason string) error {
	actions := m.actionsFor(from, to)
	for i, action := range actions {
		if err := action(ctx); err != nil {
			m.logger.Error().Err(err).Str("from", string(from)).Str("to", string(to)).Int("action_index", i).Msg("transitionFailed")
			return coreerrors.TransitionActionFailed(fmt.Sprintf("%s -> %s action %d", from, to, i), err)
		}
	}

	now := m.clock.Now()
	t := types.Transition{From: from, To: to, Reason: reason, Timestamp: now}

	m.mu.Lock()
	m.state.Mode = to
	m.state.LastTransition = now
	m.state.TransitionHistory = append(m.state.TransitionHistory, t)
	if len(m.state.TransitionHistory) > m.cfg.HistoryCap {
		m.state.TransitionHistory = m.state.TransitionHistory[len(m.state.TransitionHistory)-m.cfg.HistoryCap:]
	}
	m.lastTransition = now
	m.mu.Unlock()

	metrics.ModeTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	metrics.CoordinationMode.WithLabelValues(string(to)).Set(1)
	metrics.CoordinationMode.WithLabelValues(string(from)).Set(0)

	if m.store != nil {
		_ = m.store.SetCoordinationMode(ctx, to)
		_ = m.store.AppendTransitionHistory(ctx, t)
	}
	if m.bus != nil {
		_ = m.bus.Publish(ctx, bus.CoordinationChannel("mode_change"), types.Message{
			Type: types.MessageModeChange,
			From: "hub",
		})
	}
	return nil
}

type action func(ctx context.Context) error

func (m *Manager) actionsFor(from, to types.CoordinationMode) []action {
	switch {
	case from == types.ModeDistributed && to == types.ModeDegraded:
		// The transport switch runs first so the notification does not go
		// out over the store that just became unreachable.
		return []action{m.switchToFileTransport, m.notify("SWITCH_TO_BRANCHES")}
	case from == types.ModeDegraded && to == types.ModeIsolated:
		return []action{m.saveStateToFiles, m.notify("WORK_ISOLATED"), m.switchToFileTransport}
	case from == types.ModeIsolated && to == types.ModeDegraded:
		return []action{m.switchToKVTransport, m.notify("RESUME_COORDINATION")}
	case from == types.ModeDegraded && to == types.ModeDistributed:
		return []action{m.reconcileBranches, m.switchToKVTransport}
	default:
		return nil
	}
}

func (m *Manager) notify(event string) action {
	return func(ctx context.Context) error {
		if m.bus == nil {
			return nil
		}
		return m.bus.Publish(ctx, bus.BroadcastChannel, types.Message{Type: types.MessageModeChange, From: "hub", Payload: []byte(event)})
	}
}

func (m *Manager) switchToFileTransport(ctx context.Context) error {
	if m.bus == nil || m.cfg.FileTransportDir == "" {
		return nil
	}
	ft, err := bus.NewFileTransport(m.cfg.FileTransportDir, m.cfg.MessageMaxAge, m.clock)
	if err != nil {
		return err
	}
	return m.bus.SwitchTransport(ctx, ft)
}

func (m *Manager) switchToKVTransport(ctx context.Context) error {
	if m.bus == nil || m.kv == nil {
		return nil
	}
	return m.bus.SwitchTransport(ctx, bus.NewKVTransport(m.kv))
}

func (m *Manager) saveStateToFiles(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	plan, err := m.repo.ReadPlan(ctx)
	if err != nil {
		return err
	}
	return m.repo.WriteDisplay(ctx, plan)
}

// reconcileBranches attempts to merge every agent-* branch back into the
// main line, collecting a ConflictReport per branch that could not be
// merged automatically.
func (m *Manager) reconcileBranches(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	branches, err := m.repo.ListAgentBranches(ctx)
	if err != nil {
		return err
	}
	for _, branch := range branches {
		report, err := m.repo.MergeBranch(ctx, branch)
		if err != nil {
			m.logger.Error().Err(err).Str("branch", branch).Msg("failed to merge agent branch during reconciliation")
			continue
		}
		if report != nil {
			m.logger.Warn().Str("branch", branch).Strs("conflict_paths", report.Paths).Msg("branch left unmerged after conflict")
			metrics.ReconciliationConflictsTotal.WithLabelValues("concurrent_update").Inc()
			if m.bus != nil {
				_ = m.bus.Publish(ctx, bus.SystemChannel("conflict"), types.Message{
					Type: types.MessageCustom, From: "hub", Payload: []byte(branch),
				})
			}
		}
	}
	return nil
}
