package kvstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Config configures a Client's three logical connections.
type Config struct {
	Addr     string
	Password string
	DB       int

	// HealthInterval is how often the background prober issues PING.
	HealthInterval time.Duration
	// FailureThreshold is the number of consecutive probe failures before
	// the breaker trips open (reported as Unavailable to the Mode Manager).
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before half-opening.
	OpenTimeout time.Duration
}

// DefaultConfig returns sane defaults for the health-detection cycle.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:             addr,
		HealthInterval:   5 * time.Second,
		FailureThreshold: 3,
		OpenTimeout:      10 * time.Second,
	}
}

// Client provides the command, publish, and subscribe connections the Hub
// needs, plus atomic primitives and a health signal for the Mode Manager.
type Client struct {
	cmd *redis.Client
	pub *redis.Client
	sub *redis.Client

	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	cfg    Config
	stopCh chan struct{}
}

// New dials the three connections. Dialing is lazy in go-redis (the first
// command establishes the connection), so New never blocks on network I/O.
func New(cfg Config) *Client {
	mk := func() *redis.Client {
		return redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	st := gobreaker.Settings{
		Name:        "kvstore-health",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
	}

	return &Client{
		cmd:     mk(),
		pub:     mk(),
		sub:     mk(),
		breaker: gobreaker.NewCircuitBreaker(st),
		logger:  log.WithComponent("kvstore"),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background health-probe loop.
func (c *Client) Start(ctx context.Context) {
	go c.probeLoop(ctx)
}

// Stop halts the prober and closes all three connections.
func (c *Client) Stop() {
	close(c.stopCh)
	_ = c.cmd.Close()
	_ = c.pub.Close()
	_ = c.sub.Close()
}

func (c *Client) probeLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = c.breaker.Execute(func() (any, error) {
				pingCtx, cancel := context.WithTimeout(ctx, c.cfg.HealthInterval)
				defer cancel()
				return nil, c.cmd.Ping(pingCtx).Err()
			})
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Healthy reports the breaker's current assessment: closed or half-open
// both count as healthy enough for distributed mode; open does not.
func (c *Client) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// guard executes fn only when the health circuit permits it,
// translating a tripped breaker into Unavailable without making a network
// call that would likely just time out anyway.
func (c *Client) guard(fn func() error) error {
	if !c.Healthy() {
		return coreerrors.Unavailable("kvstore circuit open", nil)
	}
	return fn()
}

// Get returns the raw value stored at key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.guard(func() error {
		v, err := c.cmd.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return coreerrors.New(coreerrors.CategoryUnknown, "key not found: "+key)
		}
		if err != nil {
			return coreerrors.Unavailable("get failed", err)
		}
		out = v
		return nil
	})
	return out, err
}

// Set stores value at key with an optional TTL (zero means no expiry).
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.guard(func() error {
		if err := c.cmd.Set(ctx, key, value, ttl).Err(); err != nil {
			return coreerrors.Unavailable("set failed", err)
		}
		return nil
	})
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.guard(func() error {
		if err := c.cmd.Del(ctx, keys...).Err(); err != nil {
			return coreerrors.Unavailable("del failed", err)
		}
		return nil
	})
}

// casScript atomically compares the version stored as a companion key
// ("{key}:ver") against oldVersion and, if it matches, writes the new
// value and bumps the version. This mirrors the single-key CAS idiom
// Redis favors over multi-key WATCH/MULTI for low-contention coordination
// keys.
const casScript = `
local cur = redis.call("GET", KEYS[2])
if cur == false then cur = "0" end
if tostring(cur) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
redis.call("SET", KEYS[2], tonumber(ARGV[1]) + 1)
return 1
`

// CompareAndSwap writes value to key only if the key's current version
// equals oldVersion, atomically bumping the version on success.
func (c *Client) CompareAndSwap(ctx context.Context, key string, oldVersion int64, value []byte) (bool, error) {
	var ok bool
	err := c.guard(func() error {
		res, err := c.cmd.Eval(ctx, casScript, []string{key, key + ":ver"}, oldVersion, value).Int()
		if err != nil {
			return coreerrors.Unavailable("cas failed", err)
		}
		ok = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, coreerrors.Conflict(fmt.Sprintf("cas version mismatch on %s", key))
	}
	return true, nil
}

// casWithTTLScript is casScript plus a PEXPIRE on the value key, for
// CAS-guarded values that are themselves time-bounded (file leases): the
// value and its expiry must move together or a reader could observe a
// fresh value with a stale (or missing) TTL.
const casWithTTLScript = `
local cur = redis.call("GET", KEYS[2])
if cur == false then cur = "0" end
if tostring(cur) ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
redis.call("SET", KEYS[2], tonumber(ARGV[1]) + 1)
return 1
`

// CompareAndSwapTTL behaves like CompareAndSwap but also sets key's TTL on
// a successful write.
func (c *Client) CompareAndSwapTTL(ctx context.Context, key string, oldVersion int64, value []byte, ttl time.Duration) (bool, error) {
	var ok bool
	err := c.guard(func() error {
		res, err := c.cmd.Eval(ctx, casWithTTLScript, []string{key, key + ":ver"}, oldVersion, value, ttl.Milliseconds()).Int()
		if err != nil {
			return coreerrors.Unavailable("cas failed", err)
		}
		ok = res == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, coreerrors.Conflict(fmt.Sprintf("cas version mismatch on %s", key))
	}
	return true, nil
}

// Eval runs a Lua script against keys/args and returns its raw result, for
// callers that need a multi-key atomic operation kvstore itself doesn't
// generalize (e.g. pkg/statestore's claim-work transition).
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	var result any
	err := c.guard(func() error {
		res, err := c.cmd.Eval(ctx, script, keys, args...).Result()
		if err != nil {
			return coreerrors.Unavailable("eval failed", err)
		}
		result = res
		return nil
	})
	return result, err
}

// Version returns the CAS version currently recorded for key (0 if key
// has never been written through CompareAndSwap/CompareAndSwapTTL).
func (c *Client) Version(ctx context.Context, key string) (int64, error) {
	v, err := c.Get(ctx, key+":ver")
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, coreerrors.Unavailable("corrupt cas version", err)
	}
	return n, nil
}

// Incr atomically increments the counter at key and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.guard(func() error {
		v, err := c.cmd.Incr(ctx, key).Result()
		if err != nil {
			return coreerrors.Unavailable("incr failed", err)
		}
		n = v
		return nil
	})
	return n, err
}

// ZAdd adds a member with the given score to a sorted set, used for
// heartbeat timestamps and the mode-transition history ring.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.guard(func() error {
		if err := c.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
			return coreerrors.Unavailable("zadd failed", err)
		}
		return nil
	})
}

// ZRangeByScore returns members in [min, max] score order, newest N by default
// trimmed by the caller (transition history is bounded at the statestore
// layer, not here).
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	var out []string
	err := c.guard(func() error {
		v, err := c.cmd.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		if err != nil {
			return coreerrors.Unavailable("zrangebyscore failed", err)
		}
		out = v
		return nil
	})
	return out, err
}

// AppendStream appends values to a stream, trimming it to approximately
// maxLen entries (Redis `MAXLEN ~`), used for message-bus persistence.
func (c *Client) AppendStream(ctx context.Context, stream string, values map[string]any, maxLen int64) error {
	return c.guard(func() error {
		err := c.cmd.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: maxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			return coreerrors.Unavailable("xadd failed", err)
		}
		return nil
	})
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	return c.guard(func() error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		if err := c.cmd.SAdd(ctx, key, args...).Err(); err != nil {
			return coreerrors.Unavailable("sadd failed", err)
		}
		return nil
	})
}

// SRem removes members from the set at key.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	return c.guard(func() error {
		args := make([]any, len(members))
		for i, m := range members {
			args[i] = m
		}
		if err := c.cmd.SRem(ctx, key, args...).Err(); err != nil {
			return coreerrors.Unavailable("srem failed", err)
		}
		return nil
	})
}

// SMembers returns all members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := c.guard(func() error {
		v, err := c.cmd.SMembers(ctx, key).Result()
		if err != nil {
			return coreerrors.Unavailable("smembers failed", err)
		}
		out = v
		return nil
	})
	return out, err
}

// ZRem removes a member from a sorted set (used to evict stale heartbeats).
func (c *Client) ZRem(ctx context.Context, key string, member string) error {
	return c.guard(func() error {
		if err := c.cmd.ZRem(ctx, key, member).Err(); err != nil {
			return coreerrors.Unavailable("zrem failed", err)
		}
		return nil
	})
}

// ZScore returns the score of a member in a sorted set.
func (c *Client) ZScore(ctx context.Context, key, member string) (float64, error) {
	var score float64
	err := c.guard(func() error {
		v, err := c.cmd.ZScore(ctx, key, member).Result()
		if err == redis.Nil {
			return coreerrors.New(coreerrors.CategoryUnknown, "member not found: "+member)
		}
		if err != nil {
			return coreerrors.Unavailable("zscore failed", err)
		}
		score = v
		return nil
	})
	return score, err
}

// Publish publishes a payload on channel over the dedicated publish
// connection.
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.guard(func() error {
		if err := c.pub.Publish(ctx, channel, payload).Err(); err != nil {
			return coreerrors.PublishFailed("publish failed", err)
		}
		return nil
	})
}

// PSubscribe pattern-subscribes on the dedicated subscribe connection and
// returns the underlying PubSub handle; callers read its Channel().
func (c *Client) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return c.sub.PSubscribe(ctx, pattern)
}

// Reconnect rebuilds the command connection with jittered exponential
// backoff, used after the breaker reports sustained Unavailable.
func (c *Client) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.cmd.Ping(ctx).Err(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(5))
	if err != nil {
		return coreerrors.Unavailable("reconnect failed", err)
	}
	return nil
}
