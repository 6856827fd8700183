// Package workerpool provides the bounded task pool that drives record
// handlers and edge publishes.
//
// Admission follows the classic three-step order: core workers first, then
// the FIFO queue, then transient workers up to the maximum; past that a
// submission is rejected outright rather than blocking the caller.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSaturated is returned when the queue is full and the pool is at
	// its maximum worker count.
	ErrSaturated = errors.New("worker pool saturated")
	// ErrClosed is returned for submissions after Shutdown.
	ErrClosed = errors.New("worker pool closed")
)

// Config tunes the pool. Zero fields fall back to the defaults.
type Config struct {
	CoreWorkers  int
	MaxWorkers   int
	QueueSize    int
	KeepAlive    time.Duration
	MonitorEvery time.Duration
	// OnStats, when set, receives a snapshot on every monitor tick.
	OnStats func(Stats)
}

func (c Config) withDefaults() Config {
	if c.CoreWorkers <= 0 {
		c.CoreWorkers = 5
	}
	if c.MaxWorkers < c.CoreWorkers {
		c.MaxWorkers = 20
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 500
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.MonitorEvery <= 0 {
		c.MonitorEvery = 30 * time.Second
	}
	return c
}

// Pool is a bounded worker pool with transient overflow workers.
type Pool struct {
	cfg   Config
	tasks chan func()

	mu      sync.Mutex
	workers int

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64

	shutdown chan struct{}
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Workers   int
	Queued    int
	Active    int64
	Submitted int64
	Completed int64
	Rejected  int64
}

// New starts the core workers and the status monitor.
func New(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:      cfg,
		tasks:    make(chan func(), cfg.QueueSize),
		shutdown: make(chan struct{}),
	}
	p.workers = cfg.CoreWorkers
	for i := 0; i < cfg.CoreWorkers; i++ {
		p.wg.Add(1)
		go p.worker(nil, false)
	}
	go p.monitor()
	slog.Info("started worker pool",
		slog.Int("core_workers", cfg.CoreWorkers),
		slog.Int("max_workers", cfg.MaxWorkers),
		slog.Int("queue_size", cfg.QueueSize))
	return p
}

// Submit enqueues task. When the queue is full it hands the task straight
// to a fresh transient worker; at the worker ceiling it returns
// ErrSaturated. A submit racing Shutdown may be rejected with ErrClosed.
func (p *Pool) Submit(task func()) error {
	if task == nil {
		return errors.New("nil task")
	}
	if p.stopped.Load() {
		p.rejected.Add(1)
		return ErrClosed
	}
	select {
	case p.tasks <- task:
		p.submitted.Add(1)
		return nil
	default:
	}
	p.mu.Lock()
	if p.workers < p.cfg.MaxWorkers {
		p.workers++
		p.wg.Add(1)
		go p.worker(task, true)
		p.mu.Unlock()
		p.submitted.Add(1)
		return nil
	}
	p.mu.Unlock()
	p.rejected.Add(1)
	return ErrSaturated
}

// Shutdown stops intake, lets workers drain the queue and waits for them
// until ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(p.shutdown)
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("worker pool drained", slog.Int64("completed", p.completed.Load()))
		return nil
	case <-ctx.Done():
		slog.Warn("worker pool shutdown timed out", slog.Int("queued", len(p.tasks)))
		return ctx.Err()
	}
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	return Stats{
		Workers:   workers,
		Queued:    len(p.tasks),
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// worker runs tasks until shutdown; transient workers also retire after
// KeepAlive without work.
func (p *Pool) worker(first func(), transient bool) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		p.workers--
		p.mu.Unlock()
	}()
	if first != nil {
		p.runTask(first)
	}
	var idleC <-chan time.Time
	var idle *time.Timer
	if transient {
		idle = time.NewTimer(p.cfg.KeepAlive)
		defer idle.Stop()
		idleC = idle.C
	}
	for {
		select {
		case task := <-p.tasks:
			p.runTask(task)
			if transient {
				idle.Reset(p.cfg.KeepAlive)
			}
		case <-idleC:
			return
		case <-p.shutdown:
			p.drain()
			return
		}
	}
}

// drain empties the queue after shutdown so accepted work still runs.
func (p *Pool) drain() {
	for {
		select {
		case task := <-p.tasks:
			p.runTask(task)
		default:
			return
		}
	}
}

func (p *Pool) runTask(task func()) {
	p.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pool task panicked", slog.Any("panic", r))
		}
		p.active.Add(-1)
		p.completed.Add(1)
	}()
	task()
}

func (p *Pool) monitor() {
	ticker := time.NewTicker(p.cfg.MonitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s := p.Stats()
			slog.Info("worker pool status",
				slog.Int("workers", s.Workers),
				slog.Int64("active", s.Active),
				slog.Int("queue_length", s.Queued),
				slog.Int64("completed", s.Completed),
				slog.Int64("rejected", s.Rejected))
			if p.cfg.OnStats != nil {
				p.cfg.OnStats(s)
			}
		case <-p.shutdown:
			return
		}
	}
}
