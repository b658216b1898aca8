package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestPoolExecutesTasks(t *testing.T) {
	pool := NewSafeWorkerPool(zaptest.NewLogger(t), 4, 16)
	pool.Start()

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.Submit("count", func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()

	require.NoError(t, pool.Shutdown(time.Second))
	assert.Equal(t, int32(10), count.Load())
	assert.Equal(t, uint64(10), pool.Stats().TasksProcessed)
}

func TestPoolWithoutWorkersRunsOnCaller(t *testing.T) {
	pool := NewSafeWorkerPool(zaptest.NewLogger(t), 0, 0)
	pool.Start()

	ran := false
	pool.Submit("inline", func(ctx context.Context) { ran = true })

	assert.True(t, ran, "task must run synchronously")
	assert.Equal(t, uint64(1), pool.Stats().CallerRuns)
}

func TestPoolSaturationFallsBackToCaller(t *testing.T) {
	pool := NewSafeWorkerPool(zaptest.NewLogger(t), 1, 1)

	var fallbacks atomic.Int32
	pool.OnCallerRun(func(string) { fallbacks.Add(1) })
	pool.Start()

	release := make(chan struct{})
	started := make(chan struct{})
	pool.Submit("blocker", func(ctx context.Context) {
		close(started)
		<-release
	})
	<-started

	// Fills the queue.
	pool.Submit("queued", func(ctx context.Context) {})

	// Queue is full, so this one must run right here.
	ranInline := false
	pool.Submit("overflow", func(ctx context.Context) { ranInline = true })
	assert.True(t, ranInline)
	assert.Equal(t, int32(1), fallbacks.Load())

	close(release)
	require.NoError(t, pool.Shutdown(time.Second))
}

func TestPoolSubmitAfterShutdownRunsOnCaller(t *testing.T) {
	pool := NewSafeWorkerPool(zaptest.NewLogger(t), 2, 4)
	pool.Start()
	require.NoError(t, pool.Shutdown(time.Second))

	ran := false
	pool.Submit("late", func(ctx context.Context) { ran = true })
	assert.True(t, ran)
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := NewSafeWorkerPool(zaptest.NewLogger(t), 0, 0)

	assert.NotPanics(t, func() {
		pool.Submit("boom", func(ctx context.Context) { panic("boom") })
	})
	assert.Equal(t, uint64(1), pool.Stats().PanicsRecovered)
}

func TestShardedMapUpsertAndSweep(t *testing.T) {
	m := NewShardedMap[int](4)

	for i := 0; i < 100; i++ {
		m.Upsert("k", func(cur int, ok bool) int { return cur + 1 })
	}
	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, 100, v)

	m.Set("a", 1)
	m.Set("b", 2)
	removed := m.Sweep(func(key string, value int) bool { return value < 3 })
	assert.Len(t, removed, 2)
	assert.Equal(t, 1, m.Len())

	_, ok = m.DeleteIf("k", func(v int) bool { return v > 1000 })
	assert.False(t, ok)
	_, ok = m.Delete("k")
	assert.True(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestShardedMapConcurrentUpsert(t *testing.T) {
	m := NewShardedMap[int](0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Upsert("shared", func(cur int, _ bool) int { return cur + 1 })
			}
		}()
	}
	wg.Wait()

	v, _ := m.Get("shared")
	assert.Equal(t, 5000, v)
}
