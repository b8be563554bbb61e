package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/kvstore"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the typed facade over a kvstore.Client.
type Store struct {
	kv     *kvstore.Client
	clock  clock.Clock
	logger zerolog.Logger
}

// New wraps a kvstore.Client in a Store.
func New(kv *kvstore.Client, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{kv: kv, clock: clk, logger: log.WithComponent("statestore")}
}

// coldTransitions is the legal cold-state transition table. A transition
// not listed here is rejected with InvariantViolation. Side edges (blocked,
// broken) are included alongside the main ready/in-progress/review/done line.
var coldTransitions = map[types.ColdState]map[types.ColdState]bool{
	types.ColdStateNew:         {types.ColdStatePlanned: true, types.ColdStateBlocked: true},
	types.ColdStatePlanned:     {types.ColdStateReady: true, types.ColdStateBlocked: true},
	types.ColdStateReady:       {types.ColdStateInProgress: true, types.ColdStateBlocked: true},
	types.ColdStateBlocked:     {types.ColdStateReady: true, types.ColdStatePlanned: true},
	types.ColdStateInProgress:  {types.ColdStateUnderReview: true, types.ColdStateBroken: true, types.ColdStateReady: true},
	types.ColdStateUnderReview: {types.ColdStateCompleted: true, types.ColdStateBroken: true},
	types.ColdStateCompleted:   {types.ColdStateApproved: true, types.ColdStateBroken: true},
	types.ColdStateApproved:    {types.ColdStateBroken: true},
	types.ColdStateBroken:      {types.ColdStateInProgress: true, types.ColdStateReady: true},
}

// GetColdState returns the current cold state of a work item, or "" if the
// item has never had a cold state written (distinct from ColdStateNew,
// which is itself a real, written state).
func (s *Store) GetColdState(ctx context.Context, prID string) (types.ColdState, error) {
	v, err := s.kv.Get(ctx, keyColdState(prID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return "", nil
		}
		return "", err
	}
	return types.ColdState(v), nil
}

// SetColdState validates the transition table before writing, updating the
// secondary index set used by ListInColdState. Setting a state equal to
// the current one is a documented no-op.
func (s *Store) SetColdState(ctx context.Context, prID string, next types.ColdState) error {
	current, err := s.GetColdState(ctx, prID)
	if err != nil {
		return err
	}
	if current == next {
		return nil
	}
	if current != "" {
		allowed := coldTransitions[current]
		if !allowed[next] {
			return coreerrors.InvariantViolation(
				fmt.Sprintf("illegal cold state transition %s -> %s for %s", current, next, prID))
		}
	}
	if next.DependencySatisfied() {
		// completed/approved items must carry no hot state and no agent,
		// per the §3 invariant.
		if err := s.kv.Del(ctx, keyHotState(prID), keyAgent(prID)); err != nil {
			return err
		}
	}
	if err := s.kv.Set(ctx, keyColdState(prID), []byte(next), 0); err != nil {
		return err
	}
	if current != "" {
		_ = s.kv.SRem(ctx, indexColdState(string(current)), prID)
	}
	return s.kv.SAdd(ctx, indexColdState(string(next)), prID)
}

// ListInColdState returns the ids of every work item currently in state.
func (s *Store) ListInColdState(ctx context.Context, state types.ColdState) ([]string, error) {
	return s.kv.SMembers(ctx, indexColdState(string(state)))
}

// GetHotState returns the current hot state, or "" if absent (not
// currently worked).
func (s *Store) GetHotState(ctx context.Context, prID string) (types.HotState, error) {
	v, err := s.kv.Get(ctx, keyHotState(prID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return "", nil
		}
		return "", err
	}
	return types.HotState(v), nil
}

// SetHotState requires the caller's agent id to match the current holder
// (or there to be no current holder), and refuses to set a hot state on a
// completed/approved item.
func (s *Store) SetHotState(ctx context.Context, prID string, hot types.HotState, agentID string) error {
	cold, err := s.GetColdState(ctx, prID)
	if err != nil {
		return err
	}
	if cold.DependencySatisfied() {
		return coreerrors.InvariantViolation(
			fmt.Sprintf("cannot set hot state on %s work item %s", cold, prID))
	}
	holder, err := s.kv.Get(ctx, keyAgent(prID))
	if err != nil && !coreerrors.Is(err, coreerrors.CategoryUnknown) {
		return err
	}
	if len(holder) > 0 && string(holder) != agentID {
		return coreerrors.Unauthorized(fmt.Sprintf("work item %s is held by %s, not %s", prID, holder, agentID))
	}
	if err := s.kv.Set(ctx, keyAgent(prID), []byte(agentID), 0); err != nil {
		return err
	}
	return s.kv.Set(ctx, keyHotState(prID), []byte(hot), 0)
}

// ClearHotState removes hot state and agent assignment unconditionally,
// used by crash recovery and completion.
func (s *Store) ClearHotState(ctx context.Context, prID string) error {
	return s.kv.Del(ctx, keyHotState(prID), keyAgent(prID))
}

// AssignedAgent returns the agent id currently assigned to prID, or "".
func (s *Store) AssignedAgent(ctx context.Context, prID string) (string, error) {
	v, err := s.kv.Get(ctx, keyAgent(prID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

// claimWorkScript runs the readiness check, the agent-assignment check,
// and the hot/cold/index writes as one atomic step, so two schedulers (or
// a scheduler racing a crash-recovery pass) can never both see the item as
// claimable and both write an assignment.
const claimWorkScript = `
local cold = redis.call("GET", KEYS[1])
if cold == false then
  return {0, "not_ready"}
end
if cold ~= ARGV[5] and cold ~= ARGV[6] then
  return {0, "not_ready"}
end
local existing = redis.call("GET", KEYS[2])
if existing and existing ~= false and existing ~= "" then
  return {0, "already_assigned"}
end
redis.call("SET", KEYS[3], ARGV[2])
redis.call("SET", KEYS[2], ARGV[1])
redis.call("SET", KEYS[1], ARGV[3])
if cold == ARGV[5] then
  redis.call("SREM", KEYS[4], ARGV[4])
else
  redis.call("SREM", KEYS[5], ARGV[4])
end
redis.call("SADD", KEYS[6], ARGV[4])
return {1, cold}
`

// ClaimWork atomically transitions a ready/broken work item to
// in_progress under the given agent.
func (s *Store) ClaimWork(ctx context.Context, prID, agentID string) error {
	res, err := s.kv.Eval(ctx, claimWorkScript,
		[]string{
			keyColdState(prID),
			keyAgent(prID),
			keyHotState(prID),
			indexColdState(string(types.ColdStateReady)),
			indexColdState(string(types.ColdStateBroken)),
			indexColdState(string(types.ColdStateInProgress)),
		},
		agentID,
		string(types.HotStateInProgress),
		string(types.ColdStateInProgress),
		prID,
		string(types.ColdStateReady),
		string(types.ColdStateBroken),
	)
	if err != nil {
		return err
	}
	result, ok := res.([]interface{})
	if !ok || len(result) < 2 {
		return coreerrors.Unavailable("malformed claim response", fmt.Errorf("got %#v", res))
	}
	success, _ := result[0].(int64)
	if success != 1 {
		reason, _ := result[1].(string)
		if reason == "already_assigned" {
			return coreerrors.Conflict(fmt.Sprintf("work item %s already assigned", prID))
		}
		return coreerrors.Conflict(fmt.Sprintf("work item %s is not claimable", prID))
	}
	return nil
}

// ReleaseWork clears hot state/agent without touching cold state, used
// when an agent voluntarily gives up a work item (e.g. lease acquisition
// failed after the claim).
func (s *Store) ReleaseWork(ctx context.Context, prID string) error {
	return s.ClearHotState(ctx, prID)
}

// UndoClaim reverts a ClaimWork call whose leases could not be acquired:
// it clears hot state/agent and forces cold state back to previous,
// bypassing the normal transition table since this is a same-pass
// rollback of an assignment that never really took effect, not an
// operator-visible state change.
func (s *Store) UndoClaim(ctx context.Context, prID string, previous types.ColdState) error {
	if err := s.ClearHotState(ctx, prID); err != nil {
		return err
	}
	current, err := s.GetColdState(ctx, prID)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyColdState(prID), []byte(previous), 0); err != nil {
		return err
	}
	_ = s.kv.SRem(ctx, indexColdState(string(current)), prID)
	return s.kv.SAdd(ctx, indexColdState(string(previous)), prID)
}

// RenewHeartbeat records the current time as agentID's last heartbeat.
func (s *Store) RenewHeartbeat(ctx context.Context, agentID string) error {
	return s.kv.ZAdd(ctx, keyAgentHeartbeat(), float64(s.clock.Now().Unix()), agentID)
}

// LastHeartbeat returns the last recorded heartbeat time for agentID.
func (s *Store) LastHeartbeat(ctx context.Context, agentID string) (time.Time, error) {
	score, err := s.kv.ZScore(ctx, keyAgentHeartbeat(), agentID)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(score), 0), nil
}

// EvictHeartbeat removes an agent from the heartbeat set, used once a
// crash has been processed so it isn't redetected every cycle.
func (s *Store) EvictHeartbeat(ctx context.Context, agentID string) error {
	return s.kv.ZRem(ctx, keyAgentHeartbeat(), agentID)
}

// Dependencies stores/retrieves a work item's dependency list.
func (s *Store) SetDependencies(ctx context.Context, prID string, deps []string) error {
	b, err := json.Marshal(deps)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyDependencies(prID), b, 0)
}

func (s *Store) Dependencies(ctx context.Context, prID string) ([]string, error) {
	v, err := s.kv.Get(ctx, keyDependencies(prID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return nil, nil
		}
		return nil, err
	}
	var deps []string
	if err := json.Unmarshal(v, &deps); err != nil {
		return nil, err
	}
	return deps, nil
}

// SetCost records token usage and estimated cost for a work item.
func (s *Store) SetCost(ctx context.Context, prID string, usage types.TokenUsage, cost types.Cost) error {
	ub, err := json.Marshal(usage)
	if err != nil {
		return err
	}
	cb, err := json.Marshal(cost)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, keyTokenUsage(prID), ub, 0); err != nil {
		return err
	}
	return s.kv.Set(ctx, keyCost(prID), cb, 0)
}

// CoordinationMode/History persistence, used by pkg/mode when the store is
// reachable; pkg/mode falls back to its in-memory ring when it is not.

func (s *Store) SetCoordinationMode(ctx context.Context, mode types.CoordinationMode) error {
	return s.kv.Set(ctx, keyCoordinationMode(), []byte(mode), 0)
}

func (s *Store) AppendTransitionHistory(ctx context.Context, t types.Transition) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.kv.ZAdd(ctx, keyCoordinationHistory(), float64(t.Timestamp.Unix()), string(b))
}

// SetRedisHealth records the Mode Manager's own most recent health
// observation, so a second process (e.g. the status HTTP API after a hub
// restart) can see the last known state without waiting for the next
// detection cycle.
func (s *Store) SetRedisHealth(ctx context.Context, healthy bool) error {
	v := "0"
	if healthy {
		v = "1"
	}
	return s.kv.Set(ctx, keyCoordinationRedisHealth(), []byte(v), 0)
}

func (s *Store) RedisHealth(ctx context.Context) (bool, error) {
	v, err := s.kv.Get(ctx, keyCoordinationRedisHealth())
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return true, nil
		}
		return false, err
	}
	return string(v) == "1", nil
}

// SetComplexity/Complexity and SetTier/Tier persist the planner's
// per-item estimates alongside the cold/hot state keys, so anything
// reading a work item's scheduling metadata out of the store doesn't need
// to re-parse the plan file.
func (s *Store) SetComplexity(ctx context.Context, prID string, c types.Complexity) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, keyComplexity(prID), b, 0)
}

func (s *Store) Complexity(ctx context.Context, prID string) (types.Complexity, error) {
	v, err := s.kv.Get(ctx, keyComplexity(prID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return types.Complexity{}, nil
		}
		return types.Complexity{}, err
	}
	var c types.Complexity
	if err := json.Unmarshal(v, &c); err != nil {
		return types.Complexity{}, coreerrors.Unavailable("corrupt complexity record", err)
	}
	return c, nil
}

func (s *Store) SetTier(ctx context.Context, prID string, tier types.Tier) error {
	return s.kv.Set(ctx, keyTier(prID), []byte(tier), 0)
}

func (s *Store) Tier(ctx context.Context, prID string) (types.Tier, error) {
	v, err := s.kv.Get(ctx, keyTier(prID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return "", nil
		}
		return "", err
	}
	return types.Tier(v), nil
}

// SetAgentCurrentPR/AgentCurrentPR and SetAgentPID/AgentPID mirror the
// registry's in-memory agent bookkeeping into the store, so it survives a
// hub restart the same way cold/hot state does.
func (s *Store) SetAgentCurrentPR(ctx context.Context, agentID, prID string) error {
	if prID == "" {
		return s.kv.Del(ctx, keyAgentCurrentPR(agentID))
	}
	return s.kv.Set(ctx, keyAgentCurrentPR(agentID), []byte(prID), 0)
}

func (s *Store) AgentCurrentPR(ctx context.Context, agentID string) (string, error) {
	v, err := s.kv.Get(ctx, keyAgentCurrentPR(agentID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return "", nil
		}
		return "", err
	}
	return string(v), nil
}

func (s *Store) SetAgentPID(ctx context.Context, agentID string, pid int) error {
	return s.kv.Set(ctx, keyAgentPID(agentID), []byte(fmt.Sprintf("%d", pid)), 0)
}

func (s *Store) AgentPID(ctx context.Context, agentID string) (int, error) {
	v, err := s.kv.Get(ctx, keyAgentPID(agentID))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return 0, nil
		}
		return 0, err
	}
	var pid int
	if _, err := fmt.Sscanf(string(v), "%d", &pid); err != nil {
		return 0, coreerrors.Unavailable("corrupt agent pid record", err)
	}
	return pid, nil
}
