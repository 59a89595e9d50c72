// Package scheduler runs tasks on a bounded worker pool so concurrent builds
// share a fixed amount of AI throughput instead of spawning unbounded
// goroutines.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("scheduler: pool is closed")

// Task is one unit of work. It must honor ctx cancellation.
type Task func(ctx context.Context) (any, error)

// Future is the pending result of a submitted task.
type Future struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the task finishes or ctx is done. A ctx error here does
// not stop the task itself; the task sees cancellation through the context it
// was submitted with.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task finishes.
func (f *Future) Done() <-chan struct{} { return f.done }

type job struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Pool is a fixed-size worker pool with a bounded queue. Tasks beyond worker
// capacity queue; Submit blocks once the queue is full, which backpressures
// callers instead of growing memory.
type Pool struct {
	queue chan job
	done  chan struct{}
	wg    sync.WaitGroup
	log   *zap.Logger

	mu      sync.RWMutex
	sending sync.WaitGroup
	closed  bool
}

// NewPool starts workers goroutines with a queue of queueSize pending tasks.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}

	p := &Pool{
		queue: make(chan job, queueSize),
		done:  make(chan struct{}),
		log:   logging.L().Named("scheduler"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a task and returns its Future. It blocks when the queue is
// full until space frees up or ctx is done. The same ctx cancels the task if
// it is still queued or running when the ctx ends.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	// Registered while the lock still guarantees the pool is open, so Close
	// waits for every in-flight Submit before it closes the queue.
	p.sending.Add(1)
	p.mu.RUnlock()
	defer p.sending.Done()

	future := &Future{done: make(chan struct{})}
	j := job{ctx: ctx, task: task, future: future}

	select {
	case p.queue <- j:
		metrics.QueueDepth.Inc()
		return future, nil
	default:
	}

	// Queue full: block without holding the lock so Close is not starved.
	select {
	case p.queue <- j:
		metrics.QueueDepth.Inc()
		return future, nil
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting tasks, lets queued and running tasks finish, and
// returns once every worker has exited.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	// Blocked Submits either enqueue (workers are still draining) or see
	// done; the queue closes only once no sender can touch it.
	p.sending.Wait()
	close(p.queue)

	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		metrics.QueueDepth.Dec()
		p.run(j)
	}
}

func (p *Pool) run(j job) {
	defer close(j.future.done)

	if err := j.ctx.Err(); err != nil {
		j.future.err = err
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Any("panic", r))
			j.future.err = errors.New("scheduler: task panicked")
		}
	}()

	j.future.result, j.future.err = j.task(j.ctx)
}
