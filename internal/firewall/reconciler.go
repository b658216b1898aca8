package firewall

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/reputation"
)

// Reconciler periodically re-applies BLOCK for every active blacklist entry,
// so enforcement converges on the recorded intent after earlier failures.
type Reconciler struct {
	logger   *zap.Logger
	clk      clock.Clock
	backend  Backend
	store    *reputation.Store
	interval time.Duration

	mu       sync.Mutex
	lastRun  time.Time
	lastFail int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler.
func NewReconciler(logger *zap.Logger, clk clock.Clock, backend Backend, store *reputation.Store, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		logger:   logger,
		clk:      clk,
		backend:  backend,
		store:    store,
		interval: interval,
	}
}

// ReconcileOnce applies every active entry and returns the counts. Each
// command is individually bounded by the backend timeout, so one hung
// command cannot stall the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (applied, failed int) {
	for _, entry := range r.store.Entries() {
		if ctx.Err() != nil {
			break
		}
		if r.backend.Apply(ctx, entry.Identifier, ActionBlock) {
			applied++
		} else {
			failed++
		}
	}

	r.mu.Lock()
	r.lastRun = r.clk.Now()
	r.lastFail = failed
	r.mu.Unlock()

	if failed > 0 {
		r.logger.Warn("Firewall reconciliation incomplete",
			zap.Int("applied", applied),
			zap.Int("failed", failed),
		)
	} else {
		r.logger.Debug("Firewall reconciliation complete", zap.Int("applied", applied))
	}
	return applied, failed
}

// LastRun returns when the last pass finished and how many entries failed.
func (r *Reconciler) LastRun() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRun, r.lastFail
}

// Start launches the periodic pass.
func (r *Reconciler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.logger.Info("Starting firewall reconciliation",
		zap.String("backend", r.backend.Name()),
		zap.Duration("interval", r.interval),
	)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.ReconcileOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
