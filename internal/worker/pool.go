// internal/worker/pool.go
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit once Stop has been called.
var ErrPoolClosed = errors.New("worker pool is closed")

// job is a queued unit of work. run must never panic; Submit wraps user functions.
type job struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Pool runs submitted work on a fixed number of goroutines fed from a bounded queue.
type Pool struct {
	name        string
	concurrency int
	logger      *zap.Logger
	queue       chan job
	wg          sync.WaitGroup

	// stateLock protects the running and closed flags and the queue close.
	stateLock sync.RWMutex
	isRunning bool
	closed    bool

	active atomic.Int64
}

// NewPool creates a pool. It does not run anything until Start is called; submissions made
// before then wait in the queue.
func NewPool(name string, concurrency, queueSize int, logger *zap.Logger) (*Pool, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("worker pool %q: concurrency must be positive, got %d", name, concurrency)
	}
	if queueSize < 0 {
		return nil, fmt.Errorf("worker pool %q: queue size cannot be negative", name)
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	return &Pool{
		name:        name,
		concurrency: concurrency,
		logger:      logger.With(zap.String("component", "worker_pool"), zap.String("pool", name)),
		queue:       make(chan job, queueSize),
	}, nil
}

// Start launches the worker goroutines. Calling it again is a no-op.
func (p *Pool) Start() {
	p.stateLock.Lock()
	if p.isRunning || p.closed {
		p.stateLock.Unlock()
		p.logger.Warn("Pool.Start called, but pool is already running or closed.")
		return
	}
	p.isRunning = true
	p.stateLock.Unlock()

	p.logger.Debug("Starting worker pool", zap.Int("concurrency", p.concurrency))
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.runWorker(i + 1)
	}
}

// Stop refuses new work, lets the workers drain what is already queued and waits for them.
// It is safe to call more than once.
func (p *Pool) Stop() {
	p.stateLock.Lock()
	if p.closed {
		p.stateLock.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.queue)
	running := p.isRunning
	p.stateLock.Unlock()

	if !running {
		// Nobody will drain the queue, so fail what is waiting in it.
		for j := range p.queue {
			j.run(canceledContext())
		}
	}
	p.wg.Wait()
	p.logger.Debug("Worker pool stopped.")
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// Active returns the number of jobs currently executing.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued returns the number of jobs waiting for a worker.
func (p *Pool) Queued() int { return len(p.queue) }

// Concurrency returns the number of workers.
func (p *Pool) Concurrency() int { return p.concurrency }

func (p *Pool) runWorker(workerID int) {
	defer p.wg.Done()
	for j := range p.queue {
		if err := j.ctx.Err(); err != nil {
			// The submitter gave up while the job was queued.
			j.run(j.ctx)
			continue
		}
		p.active.Add(1)
		j.run(j.ctx)
		p.active.Add(-1)
	}
	p.logger.Debug("Worker exiting, queue closed and drained.", zap.Int("worker_id", workerID))
}

// enqueue blocks until the job is queued, ctx ends or the pool closes.
func (p *Pool) enqueue(ctx context.Context, j job) error {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn on p and returns a Future for its result. fn receives ctx and should honor
// it. A panic in fn is recovered and reported through the Future.
func Submit[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	f := newFuture[T]()
	j := job{ctx: ctx, run: func(ctx context.Context) {
		if err := ctx.Err(); err != nil {
			var zero T
			f.complete(zero, err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Recovered from panic in pooled task",
					zap.Any("panic_value", r),
					zap.String("stack", string(debug.Stack())))
				var zero T
				f.complete(zero, fmt.Errorf("worker pool %q: task panicked: %v", p.name, r))
			}
		}()
		v, err := fn(ctx)
		f.complete(v, err)
	}}
	if err := p.enqueue(ctx, j); err != nil {
		return nil, err
	}
	return f, nil
}
