package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/cuemby/loom/pkg/clock"
	"github.com/cuemby/loom/pkg/coreerrors"
	"github.com/cuemby/loom/pkg/kvstore"
	"github.com/cuemby/loom/pkg/log"
	"github.com/cuemby/loom/pkg/metrics"
	"github.com/rs/zerolog"
)

// record is the value stored at file:{path}:lease.
type record struct {
	Holder       string    `json:"holder"`
	FencingToken int64     `json:"fencing_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r record) expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Manager grants exclusive, TTL-bounded leases over file paths.
type Manager struct {
	kv     *kvstore.Client
	clock  clock.Clock
	ttl    time.Duration
	pairs  map[string][]string // source -> paired paths (tests, etc.)
	local  *cache.Cache
	logger zerolog.Logger
}

// Config configures a Manager. Pairs is the paired-locking table
// (source -> paths that must be leased alongside it); it has no default
// population — callers supply it explicitly, usually loaded from the
// plan's own configuration.
type Config struct {
	TTL   time.Duration
	Pairs map[string][]string
}

// New creates a Manager.
func New(kv *kvstore.Client, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.TTL == 0 {
		cfg.TTL = 300 * time.Second
	}
	return &Manager{
		kv:     kv,
		clock:  clk,
		ttl:    cfg.TTL,
		pairs:  cfg.Pairs,
		local:  cache.New(cfg.TTL, cfg.TTL/2),
		logger: log.WithComponent("lease"),
	}
}

func canonical(path string) string {
	return filepath.Clean(path)
}

// expand grows a requested path set to include every paired partner, then
// canonicalizes and sorts the result to fix a total lock order.
func (m *Manager) expand(paths []string) []string {
	seen := make(map[string]bool, len(paths)*2)
	var out []string
	add := func(p string) {
		c := canonical(p)
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, p := range paths {
		add(p)
		for _, partner := range m.pairs[canonical(p)] {
			add(partner)
		}
	}
	sort.Strings(out)
	return out
}

func keyLease(path string) string       { return fmt.Sprintf("file:%s:lease", path) }
func keyAgentLeases(agent string) string { return fmt.Sprintf("agent:%s:leases", agent) }

// Acquire attempts to claim every path in paths (expanded through the
// pairing table) for agent. It is all-or-nothing: on the first conflict it
// rolls back every path already claimed during this call and returns
// Taken with the map of conflicting holders.
func (m *Manager) Acquire(ctx context.Context, agent string, paths []string) (map[string]int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.LeaseAcquireDuration)

	expanded := m.expand(paths)
	tokens := make(map[string]int64, len(expanded))
	var acquired []string

	rollback := func() {
		for _, p := range acquired {
			_ = m.releaseOne(ctx, agent, p)
		}
	}

	now := m.clock.Now()
	for _, p := range expanded {
		existing, err := m.read(ctx, p)
		if err != nil && !coreerrors.Is(err, coreerrors.CategoryUnknown) {
			rollback()
			return nil, err
		}
		if err == nil && !existing.expired(now) && existing.Holder != agent {
			rollback()
			metrics.LeaseConflictsTotal.Inc()
			return nil, coreerrors.Taken(
				fmt.Sprintf("path %s held by %s", p, existing.Holder),
				map[string]string{p: existing.Holder},
			)
		}

		token, err := m.kv.Incr(ctx, p+":lease:token")
		if err != nil {
			rollback()
			return nil, err
		}

		rec := record{Holder: agent, FencingToken: token, ExpiresAt: now.Add(m.ttl)}
		if err := m.casWrite(ctx, p, rec); err != nil {
			rollback()
			if coreerrors.Is(err, coreerrors.CategoryConflict) {
				holder := agent
				if cur, rerr := m.read(ctx, p); rerr == nil {
					holder = cur.Holder
				}
				metrics.LeaseConflictsTotal.Inc()
				return nil, coreerrors.Taken(
					fmt.Sprintf("path %s concurrently claimed by %s", p, holder),
					map[string]string{p: holder},
				)
			}
			return nil, err
		}
		_ = m.kv.SAdd(ctx, keyAgentLeases(agent), p)
		m.local.Set(p, rec, m.ttl)
		acquired = append(acquired, p)
		tokens[p] = token
	}

	metrics.LeasesHeld.Add(float64(len(tokens)))
	return tokens, nil
}

// Renew bumps the expiry of every path agent currently holds in paths.
func (m *Manager) Renew(ctx context.Context, agent string, paths []string) error {
	now := m.clock.Now()
	for _, raw := range paths {
		p := canonical(raw)
		rec, err := m.read(ctx, p)
		if err != nil {
			return err
		}
		if rec.Holder != agent {
			return coreerrors.Unauthorized(fmt.Sprintf("agent %s does not hold %s", agent, p))
		}
		rec.ExpiresAt = now.Add(m.ttl)
		if err := m.casWrite(ctx, p, rec); err != nil {
			return err
		}
		m.local.Set(p, rec, m.ttl)
	}
	return nil
}

// Release deletes only the entries agent actually holds. Attempting to
// release a path held by someone else returns Unauthorized and leaves that
// path untouched.
func (m *Manager) Release(ctx context.Context, agent string, paths []string) error {
	for _, raw := range paths {
		p := canonical(raw)
		if err := m.releaseOne(ctx, agent, p); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll releases every path agent currently holds, used by crash
// recovery.
func (m *Manager) ReleaseAll(ctx context.Context, agent string) error {
	paths, err := m.kv.SMembers(ctx, keyAgentLeases(agent))
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := m.releaseOne(ctx, agent, p); err != nil {
			m.logger.Warn().Err(err).Str("path", p).Str("agent", agent).Msg("failed to release lease during crash recovery")
		}
	}
	return nil
}

func (m *Manager) releaseOne(ctx context.Context, agent, path string) error {
	rec, err := m.read(ctx, path)
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return nil // already gone
		}
		return err
	}
	if rec.Holder != agent {
		return coreerrors.Unauthorized(fmt.Sprintf("agent %s does not hold %s", agent, path))
	}
	if err := m.kv.Del(ctx, keyLease(path), path+":lease:token"); err != nil {
		return err
	}
	_ = m.kv.SRem(ctx, keyAgentLeases(agent), path)
	m.local.Delete(path)
	metrics.LeasesHeld.Add(-1)
	return nil
}

// Holder returns the current holder of a path, or "" if free/expired.
func (m *Manager) Holder(ctx context.Context, path string) (string, error) {
	rec, err := m.read(ctx, canonical(path))
	if err != nil {
		if coreerrors.Is(err, coreerrors.CategoryUnknown) {
			return "", nil
		}
		return "", err
	}
	if rec.expired(m.clock.Now()) {
		return "", nil
	}
	return rec.Holder, nil
}

func (m *Manager) read(ctx context.Context, path string) (record, error) {
	if cached, ok := m.local.Get(path); ok {
		return cached.(record), nil
	}
	raw, err := m.kv.Get(ctx, keyLease(path))
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, coreerrors.Unavailable("corrupt lease record", err)
	}
	return rec, nil
}

// casWrite writes rec to path's lease key only if the key's version hasn't
// moved since the caller last observed it, closing the read-check-write
// race between two agents racing to acquire (or renew) the same path: the
// loser's CAS fails instead of silently clobbering the winner's record.
func (m *Manager) casWrite(ctx context.Context, path string, rec record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := rec.ExpiresAt.Sub(m.clock.Now())
	if ttl < 0 {
		ttl = 0
	}
	ver, err := m.kv.Version(ctx, keyLease(path))
	if err != nil {
		return err
	}
	_, err = m.kv.CompareAndSwapTTL(ctx, keyLease(path), ver, b, ttl)
	return err
}
