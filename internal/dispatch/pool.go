// Package dispatch runs fire-and-forget jobs on a bounded queue drained by
// a fixed set of workers. Jobs are never retried and their outcome is never
// reported back to the submitter.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Close when the pool was already closed.
var ErrClosed = errors.New("dispatch pool closed")

// Pool is a bounded job queue with a fixed number of workers. With one
// worker, queued jobs run in submission order.
type Pool struct {
	jobs    chan func()
	workers sync.WaitGroup

	mu      sync.Mutex
	idle    *sync.Cond
	pending int
	closed  bool

	onPanic func(any)
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler is called with the recovered value when a job panics.
func WithPanicHandler(fn func(any)) Option {
	return func(p *Pool) { p.onPanic = fn }
}

// New starts a pool with the given number of workers and queue capacity.
// Values below 1 are raised to 1.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{jobs: make(chan func(), queueSize)}
	p.idle = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.workers.Done()
			for job := range p.jobs {
				p.run(job)
			}
		}()
	}
	return p
}

// TrySubmit queues job without blocking. It returns false when the queue
// is full or the pool is closed.
func (p *Pool) TrySubmit(job func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		p.pending++
		return true
	default:
		return false
	}
}

// Go runs job on its own goroutine outside the queue. Wait and Close still
// account for it. It returns false when the pool is closed.
func (p *Pool) Go(job func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.pending++
	p.mu.Unlock()

	go p.run(job)
	return true
}

// Pending returns the number of queued, running or detached jobs.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}

// Wait blocks until every job submitted so far has finished.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

// Close stops accepting jobs and waits for the accepted ones to finish or
// for ctx to end, whichever comes first.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		p.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run(job func()) {
	defer p.finish()
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(r)
		}
	}()
	job()
}

func (p *Pool) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending--
	if p.pending == 0 {
		p.idle.Broadcast()
	}
}
