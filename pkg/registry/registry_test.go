package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/kvstore/kvtest"
	"github.com/cuemby/loom/pkg/registry"
	"github.com/cuemby/loom/pkg/statestore"
	"github.com/cuemby/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentForMatchingPID(t *testing.T) {
	store := statestore.New(kvtest.New(t), nil)
	reg := registry.New(store, nil, nil, nil, nil, registry.DefaultConfig())
	ctx := context.Background()

	a1, err := reg.Register(ctx, "worker-agent-1", 100, types.AgentTypeWorker, types.Capabilities{Tier: types.TierMid})
	require.NoError(t, err)

	a2, err := reg.Register(ctx, "worker-agent-1", 100, types.AgentTypeWorker, types.Capabilities{Tier: types.TierMid})
	require.NoError(t, err)
	assert.Equal(t, a1.StartedAt, a2.StartedAt)
}

func TestRegisterRejectsPIDMismatch(t *testing.T) {
	store := statestore.New(kvtest.New(t), nil)
	reg := registry.New(store, nil, nil, nil, nil, registry.DefaultConfig())
	ctx := context.Background()

	_, err := reg.Register(ctx, "worker-agent-1", 100, types.AgentTypeWorker, types.Capabilities{})
	require.NoError(t, err)

	_, err = reg.Register(ctx, "worker-agent-1", 200, types.AgentTypeWorker, types.Capabilities{})
	assert.Error(t, err)
}

func TestHeartbeatFromUnregisteredAgentFails(t *testing.T) {
	store := statestore.New(kvtest.New(t), nil)
	reg := registry.New(store, nil, nil, nil, nil, registry.DefaultConfig())

	err := reg.Heartbeat(context.Background(), "ghost-agent")
	assert.Error(t, err)
}

func TestSweepCrashesStaleAgentAndClearsWork(t *testing.T) {
	store := statestore.New(kvtest.New(t), nil)
	fake := clock.NewFake(time.Unix(0, 0))
	cfg := registry.Config{HeartbeatInterval: time.Second, HeartbeatTimeout: 10 * time.Second}
	reg := registry.New(store, nil, nil, nil, fake, cfg)
	ctx := context.Background()

	_, err := reg.Register(ctx, "worker-agent-1", 1, types.AgentTypeWorker, types.Capabilities{})
	require.NoError(t, err)
	require.NoError(t, reg.SetStatus("worker-agent-1", types.AgentStatusWorking, "pr-1"))
	require.NoError(t, store.SetColdState(ctx, "pr-1", types.ColdStateReady))
	require.NoError(t, store.ClaimWork(ctx, "pr-1", "worker-agent-1"))

	reg.Start(ctx)
	defer reg.Stop()

	fake.Advance(11 * time.Second)
	// Allow the detection goroutine to observe the fired tick.
	time.Sleep(50 * time.Millisecond)

	agent, err := reg.Get("worker-agent-1")
	require.NoError(t, err)
	assert.Equal(t, types.AgentStatusCrashed, agent.Status)

	cold, err := store.GetColdState(ctx, "pr-1")
	require.NoError(t, err)
	assert.Equal(t, types.ColdStateReady, cold)
}
