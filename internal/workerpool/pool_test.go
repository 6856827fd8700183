package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsSubmittedTasks(t *testing.T) {
	t.Parallel()
	p := New(Config{CoreWorkers: 3, MaxWorkers: 5, QueueSize: 10})
	defer func() { _ = p.Shutdown(context.Background()) }()

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int64(20), ran.Load())
	assert.Equal(t, int64(20), p.Stats().Submitted)
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	t.Parallel()
	p := New(Config{CoreWorkers: 1, MaxWorkers: 2, QueueSize: 1, KeepAlive: time.Minute})
	defer func() { _ = p.Shutdown(context.Background()) }()

	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	blocker := func() {
		started <- struct{}{}
		<-gate
	}

	// Occupy the core worker.
	require.NoError(t, p.Submit(blocker))
	<-started
	// Fill the queue.
	require.NoError(t, p.Submit(blocker))
	// Queue full: this one spawns the transient worker.
	require.NoError(t, p.Submit(blocker))
	<-started

	err := p.Submit(func() {})
	require.ErrorIs(t, err, ErrSaturated)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(gate)
}

func TestPoolTransientWorkerRetires(t *testing.T) {
	t.Parallel()
	p := New(Config{CoreWorkers: 1, MaxWorkers: 3, QueueSize: 1, KeepAlive: 50 * time.Millisecond})
	defer func() { _ = p.Shutdown(context.Background()) }()

	gate := make(chan struct{})
	started := make(chan struct{}, 2)
	blocker := func() {
		started <- struct{}{}
		<-gate
	}

	require.NoError(t, p.Submit(blocker))
	<-started
	require.NoError(t, p.Submit(blocker))
	require.NoError(t, p.Submit(blocker))
	<-started
	assert.Equal(t, 2, p.Stats().Workers)

	close(gate)
	require.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, 2*time.Second, 10*time.Millisecond, "transient worker should retire after keep-alive")
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	t.Parallel()
	p := New(Config{CoreWorkers: 2, MaxWorkers: 2, QueueSize: 50})

	var ran atomic.Int64
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Submit(func() {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	assert.Equal(t, int64(30), ran.Load())
}

func TestPoolRejectsAfterShutdown(t *testing.T) {
	t.Parallel()
	p := New(Config{CoreWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(func() {})
	require.ErrorIs(t, err, ErrClosed)

	// Second shutdown is a no-op.
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	t.Parallel()
	p := New(Config{CoreWorkers: 1, MaxWorkers: 1, QueueSize: 5})
	defer func() { _ = p.Shutdown(context.Background()) }()

	require.NoError(t, p.Submit(func() { panic("boom") }))

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panicking task")
	}
}
