package detection

import (
	"time"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/concurrency"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window request counter per source.
type RateLimiter struct {
	clk      clock.Clock
	window   time.Duration
	counters *concurrency.ShardedMap[window]
}

// NewRateLimiter creates a limiter with the given window length.
func NewRateLimiter(clk clock.Clock, windowLength time.Duration, shards int) *RateLimiter {
	if windowLength <= 0 {
		windowLength = time.Minute
	}
	return &RateLimiter{
		clk:      clk,
		window:   windowLength,
		counters: concurrency.NewShardedMap[window](shards),
	}
}

// Allow counts one request for id and reports whether it is within limit.
func (l *RateLimiter) Allow(id string, limit int) (int, bool) {
	now := l.clk.Now()
	w := l.counters.Upsert(id, func(cur window, exists bool) window {
		if !exists || now.Sub(cur.start) >= l.window {
			return window{start: now, count: 1}
		}
		cur.count++
		return cur
	})
	return w.count, w.count <= limit
}

// Reset forgets the counter for id.
func (l *RateLimiter) Reset(id string) {
	l.counters.Delete(id)
}

// Sweep drops windows that have ended and returns how many were removed.
func (l *RateLimiter) Sweep() int {
	now := l.clk.Now()
	removed := l.counters.Sweep(func(_ string, w window) bool {
		return now.Sub(w.start) >= l.window
	})
	return len(removed)
}

// Len returns the number of tracked sources.
func (l *RateLimiter) Len() int {
	return l.counters.Len()
}
