package reputation

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/mamoru/internal/clock"
)

func newTestStore(t *testing.T, whitelist ...string) (*Store, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewStore(zaptest.NewLogger(t), clk, Config{Whitelist: whitelist}), clk
}

func TestBlockExpiresWithoutUnblock(t *testing.T) {
	store, clk := newTestStore(t)

	store.Block("203.0.113.7", "probe", 10*time.Minute)
	assert.True(t, store.IsBlocked("203.0.113.7"))

	clk.Advance(9 * time.Minute)
	assert.True(t, store.IsBlocked("203.0.113.7"))

	clk.Advance(time.Minute)
	assert.False(t, store.IsBlocked("203.0.113.7"))
	assert.Equal(t, 0, store.Len(), "expired entry is evicted on lookup")
}

func TestPermanentBlockNeverExpires(t *testing.T) {
	store, clk := newTestStore(t)

	entry, changed := store.Block("203.0.113.8", "sqli", Permanent)
	require.True(t, changed)
	assert.True(t, entry.Permanent())

	clk.Advance(24 * 365 * time.Hour)
	assert.True(t, store.IsBlocked("203.0.113.8"))
}

func TestBlockNeverShortensExpiry(t *testing.T) {
	tests := []struct {
		name      string
		first     time.Duration
		second    time.Duration
		permanent bool
		remaining time.Duration
	}{
		{name: "longer second extends", first: 10 * time.Minute, second: 30 * time.Minute, remaining: 30 * time.Minute},
		{name: "shorter second keeps first", first: 30 * time.Minute, second: 10 * time.Minute, remaining: 30 * time.Minute},
		{name: "permanent then temporary stays permanent", first: Permanent, second: 10 * time.Minute, permanent: true},
		{name: "temporary then permanent upgrades", first: 10 * time.Minute, second: Permanent, permanent: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, clk := newTestStore(t)

			store.Block("198.51.100.1", "first", tt.first)
			entry, _ := store.Block("198.51.100.1", "second", tt.second)

			assert.Equal(t, tt.permanent, entry.Permanent())
			if !tt.permanent {
				assert.Equal(t, tt.remaining, entry.Remaining(clk.Now()))
			}
			assert.Len(t, store.List(), 1, "one entry per identifier")
		})
	}
}

func TestUnblockThenBlockCreatesFreshEntry(t *testing.T) {
	store, clk := newTestStore(t)

	original, _ := store.Block("192.0.2.10", "old reason", Permanent)
	assert.True(t, store.Unblock("192.0.2.10", "operator"))
	assert.False(t, store.IsBlocked("192.0.2.10"))

	clk.Advance(time.Hour)
	fresh, changed := store.Block("192.0.2.10", "new reason", time.Minute)
	require.True(t, changed)
	assert.Equal(t, "new reason", fresh.Reason)
	assert.True(t, fresh.CreatedAt.After(original.CreatedAt))
	assert.False(t, fresh.Permanent())
}

func TestUnblockAbsentIsNoop(t *testing.T) {
	store, _ := newTestStore(t)
	assert.False(t, store.Unblock("192.0.2.99", "nothing"))
}

func TestWhitelistedNeverBlocked(t *testing.T) {
	store, _ := newTestStore(t, "10.0.0.0/8", "::1", "not-an-ip")

	_, changed := store.Block("10.1.2.3", "test", Permanent)
	assert.False(t, changed)
	assert.False(t, store.IsBlocked("10.1.2.3"))

	_, changed = store.Block("::1", "test", Permanent)
	assert.False(t, changed)

	_, changed = store.Block("11.1.2.3", "test", Permanent)
	assert.True(t, changed)
}

func TestSweepNotifiesExpiry(t *testing.T) {
	store, clk := newTestStore(t)

	var expired []string
	store.OnExpired(func(e Entry) { expired = append(expired, e.Identifier) })

	store.Block("a", "t", time.Minute)
	store.Block("b", "t", time.Hour)
	store.Block("c", "t", Permanent)

	clk.Advance(2 * time.Minute)
	removed := store.Sweep()

	assert.Len(t, removed, 1)
	assert.Equal(t, []string{"a"}, expired)
	assert.Equal(t, []string{"b", "c"}, store.List())
}

func TestConcurrentBlocksConverge(t *testing.T) {
	store, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.Block("203.0.113.50", fmt.Sprintf("trigger-%d", i), time.Duration(i+1)*time.Minute)
			store.IsBlocked("203.0.113.50")
		}(i)
	}
	wg.Wait()

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, 64*time.Minute, entries[0].Remaining(store.clock.Now()))
}
