// Package events records the security audit trail: a bounded in-memory ring
// for the admin API and live stream, and an optional SQL store.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// Persister is the durable side of the recorder.
type Persister interface {
	Insert(ctx context.Context, batch []security.Event) error
}

// Observer is told about every recorded event.
type Observer interface {
	EventRecorded(eventType, severity string)
}

// RecorderConfig tunes the write-behind queue.
type RecorderConfig struct {
	RingSize      int
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder is the EventSink handed to the core. Record never blocks: the
// ring is updated inline and persistence is batched on a background
// goroutine, dropping events when the queue is full.
type Recorder struct {
	logger   *zap.Logger
	config   RecorderConfig
	ring     *Ring
	store    Persister
	observer Observer

	queue   chan security.Event
	stopped atomic.Bool

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder. store may be nil.
func NewRecorder(logger *zap.Logger, config RecorderConfig, store Persister) *Recorder {
	if config.QueueSize <= 0 {
		config.QueueSize = 4096
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 128
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Recorder{
		logger: logger,
		config: config,
		ring:   NewRing(config.RingSize),
		store:  store,
		ctx:    ctx,
		cancel: cancel,
	}
	if store != nil {
		r.queue = make(chan security.Event, config.QueueSize)
	}
	return r
}

// SetObserver attaches a metrics observer. Must be called before Start.
func (r *Recorder) SetObserver(o Observer) {
	r.observer = o
}

// Ring exposes the recent-events buffer.
func (r *Recorder) Ring() *Ring {
	return r.ring
}

// Record implements security.EventSink.
func (r *Recorder) Record(e security.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	r.recorded.Add(1)
	r.ring.Record(e)

	r.logger.Info("Security event",
		zap.String("type", e.Type),
		zap.String("source", e.Source),
		zap.String("severity", e.Severity.String()),
		zap.String("detail", e.Detail),
	)

	if r.observer != nil {
		r.observer.EventRecorded(e.Type, e.Severity.String())
	}

	if r.queue == nil || r.stopped.Load() {
		return
	}
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1)%1000 == 1 {
			r.logger.Warn("Event store queue full, dropping events",
				zap.Uint64("dropped", r.dropped.Load()))
		}
	}
}

// Recent returns up to n recent events, oldest first.
func (r *Recorder) Recent(n int) []security.Event {
	return r.ring.Recent(n)
}

// Stats returns recorder counters.
func (r *Recorder) Stats() map[string]uint64 {
	return map[string]uint64{
		"recorded":       r.recorded.Load(),
		"dropped":        r.dropped.Load(),
		"persist_failed": r.failed.Load(),
		"stream_dropped": r.ring.Dropped(),
	}
}

// Start launches the persistence writer.
func (r *Recorder) Start() {
	if r.queue == nil {
		return
	}
	r.wg.Add(1)
	go r.writer()
}

// Stop flushes queued events and stops the writer.
func (r *Recorder) Stop() {
	r.stopped.Store(true)
	r.cancel()
	r.wg.Wait()
}

func (r *Recorder) writer() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]security.Event, 0, r.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.Insert(ctx, batch); err != nil {
			r.failed.Add(uint64(len(batch)))
			r.logger.Error("Failed to persist security events",
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
			if len(batch) >= r.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.ctx.Done():
			for {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}
