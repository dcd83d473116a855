package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osvaldoandrade/codegrade/pkg/domain"
)

// Task receives the pool's base context, which is canceled when the pool
// abandons in-flight work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines behind a bounded queue.
type Pool struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	active atomic.Int64

	flush time.Duration
}

// DefaultFlushTimeout bounds how long Shutdown keeps waiting for canceled
// tasks after its deadline.
const DefaultFlushTimeout = 30 * time.Second

type PoolOption func(*Pool)

// WithFlushTimeout sets how long canceled tasks get to finish their own
// cleanup once the shutdown deadline has passed.
func WithFlushTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.flush = d
		}
	}
}

func NewPool(workers, queueSize int, logger *slog.Logger, opts ...PoolOption) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		flush:  DefaultFlushTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	logger.Info("worker pool started", "workers", workers, "queue", queueSize)
	return p
}

// Submit enqueues t without blocking. It fails with domain.ErrQueueFull when
// every worker is busy and the queue is at capacity.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return domain.ErrShuttingDown
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return domain.ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued and running tasks. With abandon
// set, the base context is canceled first so running tasks wind down early.
// If ctx expires before the workers drain, the base context is canceled and
// the remaining tasks get up to the flush timeout to return; ctx.Err() is
// returned either way.
func (p *Pool) Shutdown(ctx context.Context, abandon bool) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	if abandon {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("worker pool drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("worker pool shutdown deadline reached, canceling tasks",
			"active", p.Active(), "queued", p.Queued(), "flush", p.flush.String())
	}

	timer := time.NewTimer(p.flush)
	defer timer.Stop()
	select {
	case <-done:
		p.logger.Info("worker pool flushed canceled tasks")
	case <-timer.C:
		p.logger.Error("worker pool flush timed out", "active", p.Active(), "queued", p.Queued())
	}
	return ctx.Err()
}

// Active is the number of tasks currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued is the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.tasks) }

func (p *Pool) run(id int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.active.Add(1)
		p.exec(id, t)
		p.active.Add(-1)
	}
}

func (p *Pool) exec(id int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", "worker", id, "panic", fmt.Sprint(r))
		}
	}()
	t(p.ctx)
}
