package bus

import (
	"context"

	"github.com/cuemby/loom/pkg/kvstore"
	"github.com/cuemby/loom/pkg/log"
	"github.com/rs/zerolog"
)

// maxStreamLength bounds the replay stream kept alongside pub/sub so a
// late-joining subscriber (or a reconciliation pass) can still see recent
// history without the stream growing unbounded.
const maxStreamLength = 1000

// KVTransport publishes over Redis pub/sub and persists each message to a
// per-channel stream (`XADD ... MAXLEN ~`) for replay, used in
// distributed and degraded modes.
type KVTransport struct {
	kv     *kvstore.Client
	logger zerolog.Logger
}

// NewKVTransport wraps an already-started kvstore.Client.
func NewKVTransport(kv *kvstore.Client) *KVTransport {
	return &KVTransport{kv: kv, logger: log.WithComponent("bus-kv")}
}

func (t *KVTransport) Publish(ctx context.Context, channel string, raw []byte) error {
	if err := t.kv.AppendStream(ctx, "stream:"+channel, map[string]any{"payload": raw}, maxStreamLength); err != nil {
		t.logger.Warn().Err(err).Str("channel", channel).Msg("failed to persist message to stream")
	}
	return t.kv.Publish(ctx, channel, raw)
}

func (t *KVTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := t.kv.PSubscribe(ctx, channel)
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					t.logger.Warn().Str("channel", channel).Msg("subscriber buffer full, dropping message")
				}
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}()
	return out, nil
}

func (t *KVTransport) Close() error {
	return nil
}
