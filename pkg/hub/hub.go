package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/kvstore"
	"github.com/cuemby/loom/pkg/lease"
	"github.com/cuemby/loom/pkg/lifecycle"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/mode"
	"github.com/cuemby/loom/pkg/registry"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/scheduler"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/sync"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
)

// Config bundles everything Hub needs to construct its components.
// WorkDir holds the plan file, the PID file, and (in degraded/isolated
// mode) the file-transport message spool.
type Config struct {
	WorkDir         string
	PlanFilename    string
	KVAddr          string
	ShutdownTimeout time.Duration
	Tracing         TracingConfig
	Mode            mode.Config
	Sync            sync.Config
	Scheduler       scheduler.Config
	Registry        registry.Config
	Lease           lease.Config
	Bus             bus.Config
	HTTPAddr        string
}

// DefaultConfig returns the configuration the loom-hub CLI starts from
// absent explicit flags.
func DefaultConfig(workDir string) Config {
	return Config{
		WorkDir:         workDir,
		PlanFilename:    "plan.md",
		KVAddr:          "localhost:6379",
		ShutdownTimeout: 30 * time.Second,
		Tracing:         DefaultTracingConfig(),
		Mode:            mode.DefaultConfig(),
		Sync:            sync.DefaultConfig(),
		Scheduler:       scheduler.DefaultConfig(),
		Registry:        registry.DefaultConfig(),
		Lease:           lease.Config{TTL: 10 * time.Minute},
		Bus:             bus.DefaultConfig(),
		HTTPAddr:        ":7420",
	}
}

// Hub is the single long-running daemon process that owns coordination:
// the Repo Interface, Lease Manager, Agent Registry, Message Bus,
// Coordination Mode Manager, Scheduler, and State Sync, plus the status
// HTTP API and PID-file discipline around them.
type Hub struct {
	cfg Config

	kv     *kvstore.Client
	store  *statestore.Store
	repo   *repo.Repo
	leases *lease.Manager
	reg    *registry.Registry
	bus    *bus.Bus
	mode   *mode.Manager
	sync   *sync.Manager
	sched  *scheduler.Scheduler
	tracer *tracerProvider
	server *server

	logger zerolog.Logger

	life *lifecycle.Lifecycle
}

// busPublisher adapts *bus.Bus's PublishBytes to registry.Publisher,
// which names the method Publish to stay decoupled from this package.
type busPublisher struct {
	b *bus.Bus
}

func (p busPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.b.PublishBytes(ctx, channel, payload)
}

// New constructs a Hub and all of its components but does not start any
// background loop; call Start to bring the daemon up.
func New(cfg Config) (*Hub, error) {
	r, err := repo.OpenOrInit(cfg.WorkDir, cfg.PlanFilename)
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	clk := clock.Real{}
	kv := kvstore.New(kvstore.DefaultConfig(cfg.KVAddr))
	store := statestore.New(kv, clk)
	leases := lease.New(kv, clk, cfg.Lease)

	transport := bus.NewKVTransport(kv)
	b := bus.New(transport, cfg.Bus)

	reg := registry.New(store, leases, r, busPublisher{b}, clk, cfg.Registry)
	modeMgr := mode.New(kv, store, r, b, clk, cfg.Mode)
	syncMgr := sync.New(store, r, b, clk, cfg.Sync)
	sched := scheduler.New(store, leases, reg, r, b, clk, cfg.Scheduler)

	tracer, err := newTracerProvider(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	h := &Hub{
		cfg:      cfg,
		kv:       kv,
		store:    store,
		repo:     r,
		leases:   leases,
		reg:      reg,
		bus:      b,
		mode:     modeMgr,
		sync:     syncMgr,
		sched:    sched,
		tracer:   tracer,
		logger:   log.WithComponent("hub"),
		life:     lifecycle.New(),
	}
	h.server = newServer(h)
	return h, nil
}

// Start runs the daemon's startup sequence: single-instance enforcement,
// plan hydration, lease/hot-state consistency repair, then brings every
// background component up in dependency order.
func (h *Hub) Start(ctx context.Context) error {
	if !h.life.Start() {
		return fmt.Errorf("hub already started")
	}
	if err := acquirePIDFile(h.cfg.WorkDir); err != nil {
		return err
	}

	h.kv.Start(ctx)

	plan, err := h.repo.ReadPlan(ctx)
	if err != nil {
		releasePIDFile(h.cfg.WorkDir)
		return fmt.Errorf("read plan: %w", err)
	}
	if err := h.hydrateStore(ctx, plan); err != nil {
		releasePIDFile(h.cfg.WorkDir)
		return fmt.Errorf("hydrate store: %w", err)
	}
	if err := h.repairLeaseConsistency(ctx, plan); err != nil {
		h.logger.Warn().Err(err).Msg("lease consistency repair encountered errors")
	}
	if err := h.cleanOrphanedHotState(ctx, plan); err != nil {
		h.logger.Warn().Err(err).Msg("orphaned hot state cleanup encountered errors")
	}

	h.mode.Start(ctx)
	h.reg.Start(ctx)
	h.sync.Start(ctx)
	h.sched.Start(ctx)

	if err := h.server.start(h.cfg.HTTPAddr); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	h.logger.Info().Str("work_dir", h.cfg.WorkDir).Msg("hub started")
	return nil
}

// hydrateStore seeds cold state for any plan item the store does not yet
// know about; it never overwrites an existing entry, since the store is
// authoritative for anything already tracked.
func (h *Hub) hydrateStore(ctx context.Context, plan *types.Plan) error {
	for _, item := range plan.Items {
		cold, err := h.store.GetColdState(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("seed %s: %w", item.ID, err)
		}
		if cold != "" {
			continue
		}
		if err := h.store.SetColdState(ctx, item.ID, item.ColdState); err != nil {
			return fmt.Errorf("seed %s: %w", item.ID, err)
		}
		if err := h.store.SetComplexity(ctx, item.ID, item.Complexity); err != nil {
			return fmt.Errorf("seed %s complexity: %w", item.ID, err)
		}
		if err := h.store.SetTier(ctx, item.ID, item.Complexity.SuggestedTier); err != nil {
			return fmt.Errorf("seed %s tier: %w", item.ID, err)
		}
	}
	return nil
}

// repairLeaseConsistency releases any lease whose holder is not a
// currently-registered agent: a hub restart forgets in-memory agent
// records but the KV-backed lease table survives it.
func (h *Hub) repairLeaseConsistency(ctx context.Context, plan *types.Plan) error {
	live := make(map[string]bool)
	for _, agent := range h.reg.List() {
		live[agent.ID] = true
	}

	seen := make(map[string]bool)
	for _, item := range plan.Items {
		for _, fc := range item.EstimatedFiles {
			if seen[fc.Path] {
				continue
			}
			seen[fc.Path] = true
			holder, err := h.leases.Holder(ctx, fc.Path)
			if err != nil || holder == "" || live[holder] {
				continue
			}
			if err := h.leases.Release(ctx, holder, []string{fc.Path}); err != nil {
				h.logger.Warn().Err(err).Str("path", fc.Path).Str("holder", holder).
					Msg("failed releasing lease held by dead agent")
			}
		}
	}
	return nil
}

// cleanOrphanedHotState clears hot state for any work item no longer
// assigned to a live agent, so a crashed agent's claim does not wedge
// the item forever.
func (h *Hub) cleanOrphanedHotState(ctx context.Context, plan *types.Plan) error {
	live := make(map[string]bool)
	for _, agent := range h.reg.List() {
		live[agent.ID] = true
	}
	for _, item := range plan.Items {
		agentID, err := h.store.AssignedAgent(ctx, item.ID)
		if err != nil || agentID == "" || live[agentID] {
			continue
		}
		if err := h.store.ClearHotState(ctx, item.ID); err != nil {
			h.logger.Warn().Err(err).Str("item", item.ID).Msg("failed clearing orphaned hot state")
		}
	}
	return nil
}

// Stop runs the shutdown sequence bounded by cfg.ShutdownTimeout: stop
// accepting new work, wait for in-flight agents to finish, sync cold
// state, release leases, then disconnect and remove the PID file. It is
// safe to call more than once.
func (h *Hub) Stop(ctx context.Context) error {
	done, owner := h.life.Stop()
	if !owner {
		<-done
		return nil
	}
	defer h.life.Finish()

	h.sched.Stop()
	_ = h.bus.Publish(ctx, bus.BroadcastChannel, types.Message{Type: types.MessageShutdown, From: "hub"})

	deadline := time.Now().Add(h.cfg.ShutdownTimeout)
	h.waitForAgentsIdle(ctx, deadline)

	if _, err := h.sync.ColdSync(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("final cold sync failed")
	}

	for _, agent := range h.reg.List() {
		if err := h.leases.ReleaseAll(ctx, agent.ID); err != nil {
			h.logger.Warn().Err(err).Str("agent", agent.ID).Msg("failed releasing leases at shutdown")
		}
	}

	h.reg.Stop()
	h.sync.Stop()
	h.mode.Stop()

	if err := h.server.stop(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("status server shutdown error")
	}
	if err := h.tracer.Shutdown(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("tracer shutdown error")
	}

	h.kv.Stop()
	if err := releasePIDFile(h.cfg.WorkDir); err != nil {
		h.logger.Warn().Err(err).Msg("failed removing pid file")
	}

	h.logger.Info().Msg("hub stopped")
	return nil
}

// waitForAgentsIdle polls once a second until every registered agent is
// idle or the deadline passes; it never blocks past the deadline.
func (h *Hub) waitForAgentsIdle(ctx context.Context, deadline time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		if h.allAgentsIdle() || time.Now().After(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) allAgentsIdle() bool {
	for _, agent := range h.reg.List() {
		if agent.Status == types.AgentStatusWorking {
			return false
		}
	}
	return true
}
