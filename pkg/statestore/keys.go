package statestore

import "fmt"

func keyColdState(prID string) string     { return fmt.Sprintf("pr:%s:cold_state", prID) }
func keyHotState(prID string) string      { return fmt.Sprintf("pr:%s:hot_state", prID) }
func keyAgent(prID string) string         { return fmt.Sprintf("pr:%s:agent", prID) }
func keyDependencies(prID string) string  { return fmt.Sprintf("pr:%s:dependencies", prID) }
func keyComplexity(prID string) string    { return fmt.Sprintf("pr:%s:complexity", prID) }
func keyTier(prID string) string          { return fmt.Sprintf("pr:%s:tier", prID) }
func keyTokenUsage(prID string) string    { return fmt.Sprintf("pr:%s:token_usage", prID) }
func keyCost(prID string) string          { return fmt.Sprintf("pr:%s:cost", prID) }

func keyAgentHeartbeat() string { return "agent:heartbeats" } // sorted set, member=agentID
func keyAgentCurrentPR(agentID string) string {
	return fmt.Sprintf("agent:%s:current_pr", agentID)
}
func keyAgentPID(agentID string) string { return fmt.Sprintf("agent:%s:pid", agentID) }

func keyCoordinationMode() string         { return "coordination:mode" }
func keyCoordinationRedisHealth() string  { return "coordination:redis_health" }
func keyCoordinationHistory() string      { return "coordination:history" } // sorted set

// indexColdState is a secondary index set of work item ids currently in
// the given cold state, maintained alongside SetColdState so listing by
// state never requires a full keyspace scan.
func indexColdState(state string) string { return fmt.Sprintf("index:cold:%s", state) }
