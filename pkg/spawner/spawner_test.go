package spawner_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/loom/pkg/spawner"
	"github.com/cuemby/loom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAssignsSequentialIDsPerType(t *testing.T) {
	s := spawner.New(spawner.Config{Binary: "sh", Args: []string{"-c", "sleep 5"}})
	ctx := context.Background()

	p1, err := s.Spawn(ctx, types.AgentTypeWorker)
	require.NoError(t, err)
	defer p1.Stop()
	p2, err := s.Spawn(ctx, types.AgentTypeWorker)
	require.NoError(t, err)
	defer p2.Stop()
	p3, err := s.Spawn(ctx, types.AgentTypeReview)
	require.NoError(t, err)
	defer p3.Stop()

	assert.Equal(t, "worker-agent-1", p1.ID)
	assert.Equal(t, "worker-agent-2", p2.ID)
	assert.Equal(t, "review-agent-1", p3.ID)
	assert.NotZero(t, p1.PID)
}

func TestStopTerminatesTheProcess(t *testing.T) {
	s := spawner.New(spawner.Config{Binary: "sh", Args: []string{"-c", "sleep 30"}})
	p, err := s.Spawn(context.Background(), types.AgentTypeWorker)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Stop() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return well before the SIGKILL grace period")
	}
}
