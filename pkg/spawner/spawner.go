package spawner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
)

// StopGrace is how long Stop waits for SIGTERM to take effect before
// escalating to SIGKILL.
const StopGrace = 10 * time.Second

// Config describes how to launch an agent binary and what environment
// every spawned process receives.
type Config struct {
	Binary            string
	Args              []string
	KVAddr            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// DefaultConfig matches the registry's own default heartbeat cadence so a
// freshly spawned agent is never evicted before it sends its first beat.
func DefaultConfig(binary, kvAddr string) Config {
	return Config{
		Binary:            binary,
		KVAddr:            kvAddr,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
	}
}

// Spawner launches agent processes and assigns them deterministic,
// human-readable ids.
type Spawner struct {
	cfg Config

	mu      sync.Mutex
	counter map[types.AgentType]int
}

// New constructs a Spawner bound to cfg.
func New(cfg Config) *Spawner {
	return &Spawner{cfg: cfg, counter: make(map[types.AgentType]int)}
}

// Process is a launched agent process handle. Stop sends SIGTERM and
// falls back to SIGKILL after grace elapses.
type Process struct {
	ID     string
	Type   types.AgentType
	PID    int
	cmd    *exec.Cmd
	logger zerolog.Logger
}

// Spawn launches one agent process of the given type, assigning it the
// next sequential id for that type: "{type}-agent-{n}".
func (s *Spawner) Spawn(ctx context.Context, agentType types.AgentType) (*Process, error) {
	s.mu.Lock()
	s.counter[agentType]++
	n := s.counter[agentType]
	s.mu.Unlock()

	id := fmt.Sprintf("%s-agent-%d", agentType, n)
	logger := log.WithComponent("spawner").With().Str("agent_id", id).Logger()

	cmd := exec.CommandContext(ctx, s.cfg.Binary, s.cfg.Args...)
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+id,
		"AGENT_TYPE="+string(agentType),
		"LOOM_KV_ADDR="+s.cfg.KVAddr,
		"LOOM_HEARTBEAT_INTERVAL_MS="+strconv.FormatInt(s.cfg.HeartbeatInterval.Milliseconds(), 10),
		"LOOM_HEARTBEAT_TIMEOUT_MS="+strconv.FormatInt(s.cfg.HeartbeatTimeout.Milliseconds(), 10),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, coreerrors.SpawnFailed(fmt.Sprintf("stdout pipe for %s", id), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, coreerrors.SpawnFailed(fmt.Sprintf("stderr pipe for %s", id), err)
	}

	if err := cmd.Start(); err != nil {
		return nil, coreerrors.SpawnFailed(fmt.Sprintf("start %s", id), err)
	}

	p := &Process{ID: id, Type: agentType, PID: cmd.Process.Pid, cmd: cmd, logger: logger}
	go p.pipeLog("stdout", stdout)
	go p.pipeLog("stderr", stderr)

	logger.Info().Int("pid", p.PID).Msg("agent spawned")
	return p, nil
}

func (p *Process) pipeLog(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Info().Str("stream", stream).Msg(scanner.Text())
	}
}

// Wait blocks until the process exits.
func (p *Process) Wait() error {
	return p.cmd.Wait()
}

// Stop sends SIGTERM and waits up to StopGrace for the process to exit,
// escalating to SIGKILL if it hasn't by then.
func (p *Process) Stop() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return coreerrors.Unavailable(fmt.Sprintf("signal %s", p.ID), err)
	}

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(StopGrace):
		p.logger.Warn().Msg("agent ignored SIGTERM, sending SIGKILL")
		if err := p.cmd.Process.Kill(); err != nil {
			return coreerrors.Unavailable(fmt.Sprintf("kill %s", p.ID), err)
		}
		return <-done
	}
}
