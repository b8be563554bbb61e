package bus

import "context"

// Transport is the wire-level contract a Bus drives. Publish delivers raw
// bytes on channel; Subscribe returns a channel of raw payloads for every
// message published on channel after the call (at-least-once, no
// cross-process ordering guarantee beyond per-publisher-per-channel FIFO).
type Transport interface {
	Publish(ctx context.Context, channel string, raw []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Channel naming helpers.

func AgentChannel(agentID string) string { return "agent-" + agentID }

const (
	BroadcastChannel = "hub-broadcast"
)

func CoordinationChannel(event string) string { return "coordination:" + event }

func SystemChannel(event string) string { return "system:" + event }
