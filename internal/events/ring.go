package events

import (
	"sync"
	"sync/atomic"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// Ring keeps the most recent events in memory and fans them out to live
// subscribers.
type Ring struct {
	mu    sync.RWMutex
	buf   []security.Event
	next  int
	count int

	subMu   sync.RWMutex
	subs    map[int]chan security.Event
	nextSub int
	dropped atomic.Uint64
}

// NewRing creates a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1024
	}
	return &Ring{
		buf:  make([]security.Event, size),
		subs: make(map[int]chan security.Event),
	}
}

// Record implements security.EventSink.
func (r *Ring) Record(e security.Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()

	r.subMu.RLock()
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
			r.dropped.Add(1)
		}
	}
	r.subMu.RUnlock()
}

// Recent returns up to n events, oldest first. n <= 0 returns all.
func (r *Ring) Recent(n int) []security.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]security.Event, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Subscribe returns a channel receiving every event recorded from now on,
// and a function that ends the subscription. Events are dropped for a
// subscriber whose buffer is full.
func (r *Ring) Subscribe(buffer int) (<-chan security.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan security.Event, buffer)

	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

// Dropped returns how many events slow subscribers missed.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}
