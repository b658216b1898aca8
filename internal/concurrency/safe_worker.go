package concurrency

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of asynchronous response work.
type Task func(ctx context.Context)

type namedTask struct {
	name string
	fn   Task
}

// SafeWorkerPool runs tasks on a fixed number of workers with panic recovery.
// When the queue is full, or the pool is not running, Submit executes the task
// on the caller instead of dropping it.
type SafeWorkerPool struct {
	logger      *zap.Logger
	taskQueue   chan namedTask
	workerCount int
	taskTimeout time.Duration

	// Lifecycle
	mu      sync.RWMutex
	running bool
	closed  bool
	wg      sync.WaitGroup

	// Metrics
	activeWorkers   atomic.Int32
	tasksSubmitted  atomic.Uint64
	tasksProcessed  atomic.Uint64
	callerRuns      atomic.Uint64
	panicsRecovered atomic.Uint64

	onCallerRun func(name string)
}

// PoolStats is a point-in-time view of the pool counters.
type PoolStats struct {
	Workers         int    `json:"workers"`
	ActiveWorkers   int32  `json:"active_workers"`
	QueueLength     int    `json:"queue_length"`
	TasksSubmitted  uint64 `json:"tasks_submitted"`
	TasksProcessed  uint64 `json:"tasks_processed"`
	CallerRuns      uint64 `json:"caller_runs"`
	PanicsRecovered uint64 `json:"panics_recovered"`
}

// NewSafeWorkerPool creates a pool. A pool with zero workers runs every task
// on the submitting goroutine.
func NewSafeWorkerPool(logger *zap.Logger, workerCount, queueSize int) *SafeWorkerPool {
	if workerCount < 0 {
		workerCount = 0
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &SafeWorkerPool{
		logger:      logger,
		workerCount: workerCount,
		taskTimeout: 5 * time.Minute,
	}
	if workerCount > 0 {
		p.taskQueue = make(chan namedTask, queueSize)
	}
	return p
}

// OnCallerRun registers a callback invoked each time a task falls back to
// synchronous execution. Must be set before Start.
func (p *SafeWorkerPool) OnCallerRun(fn func(name string)) {
	p.onCallerRun = fn
}

// SetTaskTimeout bounds the context handed to each task.
func (p *SafeWorkerPool) SetTaskTimeout(d time.Duration) {
	if d > 0 {
		p.taskTimeout = d
	}
}

// Start launches the workers.
func (p *SafeWorkerPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.closed || p.workerCount == 0 {
		return
	}
	p.running = true

	p.logger.Info("Starting worker pool",
		zap.Int("workers", p.workerCount),
		zap.Int("queue_size", cap(p.taskQueue)),
	)

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit queues a task, or runs it on the caller when the pool cannot take it.
func (p *SafeWorkerPool) Submit(name string, fn Task) {
	p.tasksSubmitted.Add(1)

	p.mu.RLock()
	if p.running && !p.closed {
		select {
		case p.taskQueue <- namedTask{name: name, fn: fn}:
			p.mu.RUnlock()
			return
		default:
		}
	}
	p.mu.RUnlock()

	p.callerRuns.Add(1)
	if p.onCallerRun != nil {
		p.onCallerRun(name)
	}
	p.logger.Debug("Running task on caller", zap.String("task", name))
	p.execute(-1, namedTask{name: name, fn: fn})
}

// Shutdown stops accepting work, drains the queue and waits for the workers.
func (p *SafeWorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	wasRunning := p.running
	p.running = false
	if p.taskQueue != nil {
		close(p.taskQueue)
	}
	p.mu.Unlock()

	if !wasRunning {
		return nil
	}

	p.logger.Info("Shutting down worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout: %d workers still active", p.activeWorkers.Load())
	}
}

// Stats returns pool statistics.
func (p *SafeWorkerPool) Stats() PoolStats {
	queued := 0
	if p.taskQueue != nil {
		queued = len(p.taskQueue)
	}
	return PoolStats{
		Workers:         p.workerCount,
		ActiveWorkers:   p.activeWorkers.Load(),
		QueueLength:     queued,
		TasksSubmitted:  p.tasksSubmitted.Load(),
		TasksProcessed:  p.tasksProcessed.Load(),
		CallerRuns:      p.callerRuns.Load(),
		PanicsRecovered: p.panicsRecovered.Load(),
	}
}

func (p *SafeWorkerPool) worker(id int) {
	defer p.wg.Done()

	p.activeWorkers.Add(1)
	defer p.activeWorkers.Add(-1)

	for task := range p.taskQueue {
		p.execute(id, task)
	}
}

func (p *SafeWorkerPool) execute(workerID int, task namedTask) {
	defer func() {
		if r := recover(); r != nil {
			p.panicsRecovered.Add(1)
			p.logger.Error("Task panic recovered",
				zap.Int("worker_id", workerID),
				zap.String("task", task.name),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.taskTimeout)
	defer cancel()

	task.fn(ctx)
	p.tasksProcessed.Add(1)
}
