package response

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// Watchlist holds the monitoring level raised by low-severity hits. Levels
// decay when the entry ages out of the cache.
type Watchlist struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
}

// NewWatchlist creates a watchlist whose entries live for ttl.
func NewWatchlist(ttl time.Duration) (*Watchlist, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	config := bigcache.DefaultConfig(ttl)
	config.CleanWindow = ttl / 4
	config.Verbose = false
	return newWatchlist(config)
}

func newWatchlist(config bigcache.Config) (*Watchlist, error) {
	cache, err := bigcache.New(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create watchlist: %w", err)
	}
	return &Watchlist{cache: cache}, nil
}

// Raise increments the monitoring level of id and returns the new level.
// On a cache write failure the level is unchanged and the error returned.
func (w *Watchlist) Raise(id string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.level(id)
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(current+1))
	if err := w.cache.Set(id, buf); err != nil {
		return current, fmt.Errorf("failed to raise monitoring level: %w", err)
	}
	return current + 1, nil
}

// Level returns the monitoring level of id, zero when not watched.
func (w *Watchlist) Level(id string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level(id)
}

// Watching reports whether id is under increased monitoring.
func (w *Watchlist) Watching(id string) bool {
	return w.Level(id) > 0
}

// Clear removes id from the watchlist.
func (w *Watchlist) Clear(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.cache.Delete(id)
}

// Len returns the number of watched sources.
func (w *Watchlist) Len() int {
	return w.cache.Len()
}

// Close releases the cache.
func (w *Watchlist) Close() error {
	return w.cache.Close()
}

func (w *Watchlist) level(id string) int {
	buf, err := w.cache.Get(id)
	if err != nil || len(buf) != 4 {
		return 0
	}
	return int(binary.BigEndian.Uint32(buf))
}
