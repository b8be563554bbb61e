package metrics

import (
	"context"
	"time"

	"github.com/cuemby/loom/pkg/registry"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
)

// Collector periodically samples the state store and agent registry into
// the gauges defined in metrics.go.
type Collector struct {
	store  *statestore.Store
	reg    *registry.Registry
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(store *statestore.Store, reg *registry.Registry) *Collector {
	return &Collector{store: store, reg: reg, stopCh: make(chan struct{})}
}

// Start begins collecting metrics on a 15s interval.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

var allColdStates = []types.ColdState{
	types.ColdStateNew, types.ColdStatePlanned, types.ColdStateReady,
	types.ColdStateBlocked, types.ColdStateInProgress, types.ColdStateUnderReview,
	types.ColdStateCompleted, types.ColdStateApproved, types.ColdStateBroken,
}

func (c *Collector) collect(ctx context.Context) {
	for _, state := range allColdStates {
		items, err := c.store.ListInColdState(ctx, state)
		if err != nil {
			continue
		}
		WorkItemsTotal.WithLabelValues(string(state)).Set(float64(len(items)))
	}

	if c.reg != nil {
		agents := c.reg.List()
		counts := make(map[string]map[string]int)
		for _, a := range agents {
			t := string(a.Type)
			if counts[t] == nil {
				counts[t] = make(map[string]int)
			}
			counts[t][string(a.Status)]++
		}
		for agentType, byStatus := range counts {
			for status, n := range byStatus {
				AgentsTotal.WithLabelValues(agentType, status).Set(float64(n))
			}
		}
	}
}
