// Package reputation keeps the in-memory blacklist that every blocking
// decision is based on.
package reputation

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/concurrency"
)

// Permanent is the TTL value for blocks that never expire.
const Permanent time.Duration = 0

// Entry is a blacklist record. A zero ExpiresAt means the block is permanent.
type Entry struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Active     bool      `json:"active"`
}

// Permanent reports whether the entry never expires.
func (e Entry) Permanent() bool {
	return e.ExpiresAt.IsZero()
}

// Expired reports whether the entry is no longer in force at now.
func (e Entry) Expired(now time.Time) bool {
	if !e.Active {
		return true
	}
	return !e.Permanent() && !now.Before(e.ExpiresAt)
}

// Remaining returns the time left on a temporary block.
func (e Entry) Remaining(now time.Time) time.Duration {
	if e.Permanent() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Config configures the store.
type Config struct {
	// Whitelist holds CIDRs or single addresses that are never blocked.
	Whitelist     []string
	SweepInterval time.Duration
	Shards        int
}

// Store is a sharded, concurrency-safe blacklist. Expired entries are
// evicted lazily on lookup and by a periodic sweep.
type Store struct {
	logger  *zap.Logger
	clock   clock.Clock
	config  Config
	entries *concurrency.ShardedMap[Entry]

	whitelistMu sync.RWMutex
	whitelist   []*net.IPNet

	expiryMu  sync.RWMutex
	onExpired []func(Entry)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger, clk clock.Clock, config Config) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Minute
	}

	s := &Store{
		logger:  logger,
		clock:   clk,
		config:  config,
		entries: concurrency.NewShardedMap[Entry](config.Shards),
	}
	s.SetWhitelist(config.Whitelist)
	return s
}

// SetWhitelist replaces the trusted networks.
func (s *Store) SetWhitelist(whitelist []string) {
	nets := make([]*net.IPNet, 0, len(whitelist))
	for _, raw := range whitelist {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			ip := net.ParseIP(raw)
			if ip == nil {
				s.logger.Warn("Ignoring invalid whitelist entry", zap.String("entry", raw))
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		nets = append(nets, ipNet)
	}

	s.whitelistMu.Lock()
	s.whitelist = nets
	s.whitelistMu.Unlock()
}

// Whitelisted reports whether id belongs to a trusted network.
func (s *Store) Whitelisted(id string) bool {
	ip := net.ParseIP(id)
	if ip == nil {
		return false
	}

	s.whitelistMu.RLock()
	defer s.whitelistMu.RUnlock()
	for _, n := range s.whitelist {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// OnExpired registers a callback for entries removed because their TTL
// elapsed, whether by lookup or by the sweep.
func (s *Store) OnExpired(fn func(Entry)) {
	s.expiryMu.Lock()
	defer s.expiryMu.Unlock()
	s.onExpired = append(s.onExpired, fn)
}

// IsBlocked reports whether an active, unexpired entry exists for id.
func (s *Store) IsBlocked(id string) bool {
	_, ok := s.Lookup(id)
	return ok
}

// Lookup returns the entry in force for id, evicting it if it has expired.
func (s *Store) Lookup(id string) (Entry, bool) {
	entry, ok := s.entries.Get(id)
	if !ok {
		return Entry{}, false
	}

	now := s.clock.Now()
	if !entry.Expired(now) {
		return entry, true
	}

	if evicted, removed := s.entries.DeleteIf(id, func(e Entry) bool { return e.Expired(s.clock.Now()) }); removed {
		s.expired(evicted)
	}
	return Entry{}, false
}

// Block upserts an entry for id. A ttl <= 0 blocks permanently. An existing
// permanent block is never downgraded and an existing temporary block is only
// ever extended. It returns the entry now in force and whether the call
// changed it. Whitelisted identifiers are never blocked.
func (s *Store) Block(id, reason string, ttl time.Duration) (Entry, bool) {
	if id == "" || s.Whitelisted(id) {
		return Entry{}, false
	}

	now := s.clock.Now()
	changed := false

	entry := s.entries.Upsert(id, func(current Entry, exists bool) Entry {
		if !exists || current.Expired(now) {
			changed = true
			return newEntry(id, reason, now, ttl)
		}

		if current.Permanent() {
			return current
		}

		if ttl <= 0 {
			current.ExpiresAt = time.Time{}
			current.Reason = reason
			changed = true
			return current
		}

		if expiry := now.Add(ttl); expiry.After(current.ExpiresAt) {
			current.ExpiresAt = expiry
			current.Reason = reason
			changed = true
		}
		return current
	})

	if changed {
		s.logger.Info("Identifier blocked",
			zap.String("id", id),
			zap.String("reason", reason),
			zap.Bool("permanent", entry.Permanent()),
			zap.Time("expires_at", entry.ExpiresAt),
		)
	}
	return entry, changed
}

// Unblock removes the entry for id regardless of remaining TTL. Removing an
// absent identifier is a no-op.
func (s *Store) Unblock(id, reason string) bool {
	entry, ok := s.entries.Delete(id)
	if ok {
		s.logger.Info("Identifier unblocked",
			zap.String("id", id),
			zap.String("reason", reason),
			zap.String("block_reason", entry.Reason),
		)
	}
	return ok
}

// List returns the identifiers currently blocked, sorted.
func (s *Store) List() []string {
	entries := s.Entries()
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.Identifier
	}
	return ids
}

// Entries returns a snapshot of the entries in force, sorted by identifier.
func (s *Store) Entries() []Entry {
	now := s.clock.Now()
	entries := make([]Entry, 0, s.entries.Len())
	s.entries.Range(func(_ string, e Entry) bool {
		if !e.Expired(now) {
			entries = append(entries, e)
		}
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Identifier < entries[j].Identifier })
	return entries
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (s *Store) Len() int {
	return s.entries.Len()
}

// Sweep removes every expired entry and returns them.
func (s *Store) Sweep() []Entry {
	now := s.clock.Now()
	removed := s.entries.Sweep(func(_ string, e Entry) bool { return e.Expired(now) })

	out := make([]Entry, 0, len(removed))
	for _, e := range removed {
		s.expired(e)
		out = append(out, e)
	}
	if len(out) > 0 {
		s.logger.Debug("Expired blacklist entries swept", zap.Int("count", len(out)))
	}
	return out
}

// Start runs the periodic expiry sweep.
func (s *Store) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Stop halts the sweep.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Store) expired(e Entry) {
	s.logger.Info("Blacklist entry expired",
		zap.String("id", e.Identifier),
		zap.String("reason", e.Reason),
	)

	s.expiryMu.RLock()
	callbacks := s.onExpired
	s.expiryMu.RUnlock()
	for _, fn := range callbacks {
		fn(e)
	}
}

func newEntry(id, reason string, now time.Time, ttl time.Duration) Entry {
	e := Entry{
		Identifier: id,
		Reason:     reason,
		CreatedAt:  now,
		Active:     true,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	return e
}
