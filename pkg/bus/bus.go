package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	cache "github.com/patrickmn/go-cache"

	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/cuemby/loom/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Handler processes one delivered message. A returned error counts as a
// handler failure (logged, counted, never propagated to the transport).
type Handler func(ctx context.Context, msg types.Message) error

// state is the Bus's own transitioning/active state, distinct from the
// Mode Manager's coordination mode (the Bus transitions once per
// SwitchTransport call; the Mode Manager may trigger several of those
// across its own lifetime).
type state int

const (
	stateActive state = iota
	stateTransitioning
)

// Config tunes queueing and retry behavior across a transport switch.
type Config struct {
	MaxPendingMessages int
	RetryAttempts      uint
	DedupTTL           time.Duration
}

// DefaultConfig returns the bus's standard retry and dedup tuning.
func DefaultConfig() Config {
	return Config{MaxPendingMessages: 1000, RetryAttempts: 5, DedupTTL: 10 * time.Minute}
}

type subscription struct {
	handler Handler
	cancel  context.CancelFunc
}

// Bus is the Hub's single message bus, swappable between a KV transport
// and a file transport as the Coordination Mode Manager dictates.
type Bus struct {
	mu        sync.Mutex
	transport Transport
	state     state
	pendingRaw []pendingEnvelope

	subs map[string][]*subscription

	dedup  *cache.Cache
	cfg    Config
	logger zerolog.Logger
}

// New creates a Bus over an initial transport.
func New(transport Transport, cfg Config) *Bus {
	return &Bus{
		transport: transport,
		subs:      make(map[string][]*subscription),
		dedup:     cache.New(cfg.DedupTTL, cfg.DedupTTL/2),
		cfg:       cfg,
		logger:    log.WithComponent("bus"),
	}
}

// Publish sends msg on channel, stamping ID/Timestamp if unset. While the
// Bus is transitioning between transports, publishes are queued instead
// (oldest dropped past MaxPendingMessages).
func (b *Bus) Publish(ctx context.Context, channel string, msg types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	b.mu.Lock()
	if b.state == stateTransitioning {
		b.enqueuePendingLocked(channel, msg)
		b.mu.Unlock()
		return nil
	}
	transport := b.transport
	b.mu.Unlock()

	if transport == nil {
		return coreerrors.NoTransport("bus has no active transport")
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return coreerrors.PublishFailed("marshal message", err)
	}
	if err := transport.Publish(ctx, channel, raw); err != nil {
		return coreerrors.PublishFailed(fmt.Sprintf("publish on %s", channel), err)
	}
	metrics.BusMessagesPublished.WithLabelValues(channel).Inc()
	return nil
}

// PublishBytes wraps a raw payload as a custom-type Message. pkg/hub's
// busPublisher adapter calls it to satisfy registry.Publisher, so
// pkg/registry never imports this package.
func (b *Bus) PublishBytes(ctx context.Context, channel string, payload []byte) error {
	return b.Publish(ctx, channel, types.Message{Type: types.MessageCustom, Payload: payload})
}

// pendingEnvelope pairs a queued message with the channel it targets, so
// a single ring buffer can serve every channel during a transition.
type pendingEnvelope struct {
	channel string
	msg     types.Message
}

func (b *Bus) enqueuePendingLocked(channel string, msg types.Message) {
	b.pendingRaw = append(b.pendingRaw, pendingEnvelope{channel: channel, msg: msg})
	if len(b.pendingRaw) > b.cfg.MaxPendingMessages {
		dropped := b.pendingRaw[0]
		b.pendingRaw = b.pendingRaw[1:]
		metrics.BusMessagesDropped.WithLabelValues(dropped.channel).Inc()
	}
}

// Subscribe registers handler for every message delivered on channel.
// Delivery is de-duplicated per message id and skips expired (TTL
// elapsed) messages.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		return coreerrors.NoTransport("bus has no active transport")
	}

	subCtx, cancel := context.WithCancel(ctx)
	raw, err := transport.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return err
	}

	sub := &subscription{handler: handler, cancel: cancel}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], sub)
	b.mu.Unlock()

	go b.deliver(subCtx, channel, raw, handler)
	return nil
}

func (b *Bus) deliver(ctx context.Context, channel string, raw <-chan []byte, handler Handler) {
	for {
		select {
		case payload, ok := <-raw:
			if !ok {
				return
			}
			b.handleRaw(ctx, channel, payload, handler)
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bus) handleRaw(ctx context.Context, channel string, payload []byte, handler Handler) {
	var msg types.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("dropping malformed bus message")
		return
	}
	if msg.Expired(time.Now()) {
		b.logger.Debug().Str("channel", channel).Str("message_id", msg.ID).Msg("dropping expired message")
		return
	}
	if _, seen := b.dedup.Get(msg.ID); seen {
		return
	}
	b.dedup.Set(msg.ID, true, cache.DefaultExpiration)

	if err := b.safeHandle(ctx, handler, msg); err != nil {
		metrics.BusHandlerErrorsTotal.WithLabelValues(channel).Inc()
		b.logger.Error().Err(err).Str("channel", channel).Str("message_id", msg.ID).Msg("bus handler failed")
	}
}

func (b *Bus) safeHandle(ctx context.Context, handler Handler, msg types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// SwitchTransport enters the transitioning state, re-subscribes every
// channel on newTransport, drains queued publishes with backoff, then
// makes newTransport active. The old transport is closed only after the
// switch completes so in-flight deliveries on it are not cut off
// mid-read.
func (b *Bus) SwitchTransport(ctx context.Context, newTransport Transport) error {
	b.mu.Lock()
	b.state = stateTransitioning
	old := b.transport
	channels := make([]string, 0, len(b.subs))
	handlers := make(map[string][]Handler, len(b.subs))
	for ch, subs := range b.subs {
		channels = append(channels, ch)
		for _, s := range subs {
			s.cancel()
			handlers[ch] = append(handlers[ch], s.handler)
		}
	}
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	b.mu.Lock()
	b.transport = newTransport
	b.mu.Unlock()

	for _, ch := range channels {
		for _, h := range handlers[ch] {
			if err := b.Subscribe(ctx, ch, h); err != nil {
				b.logger.Error().Err(err).Str("channel", ch).Msg("failed to re-subscribe after transport switch")
			}
		}
	}

	if err := b.drainPending(ctx); err != nil {
		b.logger.Error().Err(err).Msg("failed to drain pending messages after transport switch")
	}

	b.mu.Lock()
	b.state = stateActive
	b.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (b *Bus) drainPending(ctx context.Context) error {
	b.mu.Lock()
	queued := b.pendingRaw
	b.pendingRaw = nil
	transport := b.transport
	b.mu.Unlock()

	for _, env := range queued {
		if env.msg.Expired(time.Now()) {
			b.logger.Debug().Str("message_id", env.msg.ID).Msg("dropping expired queued message")
			continue
		}
		raw, err := json.Marshal(env.msg)
		if err != nil {
			continue
		}
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, transport.Publish(ctx, env.channel, raw)
		}, backoff.WithMaxTries(b.cfg.RetryAttempts))
		if err != nil {
			b.logger.Error().Err(err).Str("channel", env.channel).Msg("failed to drain queued message")
			continue
		}
		metrics.BusMessagesPublished.WithLabelValues(env.channel).Inc()
	}
	return nil
}
