package taskpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunOnWorkers(t *testing.T) {
	p := New("test", 4, 16)
	defer p.Shutdown(context.Background())

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := p.Submit(func() {
			defer wg.Done()
			done.Add(1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	assert.Equal(t, int64(10), done.Load())
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p := New("test", 1, 1)
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	// Occupy the single worker.
	require.True(t, p.Submit(func() { defer wg.Done(); <-block }))
	// Give the worker time to pick it up, then fill the queue.
	time.Sleep(20 * time.Millisecond)
	require.True(t, p.Submit(func() {}))

	assert.False(t, p.Submit(func() {}))
	assert.Equal(t, int64(1), p.Stats()["rejected"])

	close(block)
	wg.Wait()
}

func TestShutdownDrainsQueuedWork(t *testing.T) {
	p := New("test", 2, 8)

	var done atomic.Int64
	for i := 0; i < 6; i++ {
		require.True(t, p.Submit(func() { done.Add(1) }))
	}

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(6), done.Load())

	// Post-shutdown submission is rejected, and a second shutdown is a no-op.
	assert.False(t, p.Submit(func() {}))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := New("test", 1, 8)
	defer p.Shutdown(context.Background())

	require.True(t, p.Submit(func() { panic("boom") }))

	var wg sync.WaitGroup
	wg.Add(1)
	survived := false
	require.True(t, p.Submit(func() {
		defer wg.Done()
		survived = true
	}))
	wg.Wait()

	assert.True(t, survived)
	assert.Equal(t, int64(1), p.Stats()["panics"])
}
