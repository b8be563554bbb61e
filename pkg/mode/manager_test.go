package mode_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/bus"
	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/mode"
	"github.com/cuemby/loom/pkg/repo"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T, clk clock.Clock, withKV bool) *mode.Manager {
	t.Helper()
	kv := kvtest.New(t)
	store := statestore.New(kv, clk)
	r, err := repo.OpenOrInit(t.TempDir(), "PLAN.md")
	require.NoError(t, err)

	var b *bus.Bus
	if withKV {
		b = bus.New(bus.NewKVTransport(kv), bus.DefaultConfig())
	}

	cfg := mode.DefaultConfig()
	cfg.DetectionInterval = time.Second
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 1
	cfg.TransitionCooldown = 0
	cfg.FileTransportDir = t.TempDir()

	if !withKV {
		return mode.New(nil, store, r, nil, clk, cfg)
	}
	return mode.New(kv, store, r, b, clk, cfg)
}

func TestManagerStartsDistributed(t *testing.T) {
	m := newManager(t, clock.NewFake(time.Now()), true)
	require.Equal(t, "distributed", string(m.Mode()))
}

func TestManagerDowngradesThroughFailureThreshold(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m := newManager(t, clk, false) // nil kv -> Healthy() always false

	m.Start(ctx)
	defer m.Stop()

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return m.Mode() == "degraded"
	}, time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool {
		return m.Mode() == "isolated"
	}, time.Second, 10*time.Millisecond)

	state := m.State()
	require.False(t, state.StoreHealthy)
	require.NotEmpty(t, state.TransitionHistory)
}

func TestManagerStaysDistributedWhileHealthy(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now())
	m := newManager(t, clk, true)

	m.Start(ctx)
	defer m.Stop()

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "distributed", string(m.Mode()))
}
