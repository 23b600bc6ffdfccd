// Package pool runs engine work on a fixed set of goroutines and lets a
// newer request cancel the one it replaces.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/thiagokokada/gitbrowse/internal/errs"
)

const maxDefaultWorkers = 4

var ErrClosed = errors.New("pool closed")

func DefaultWorkers() int {
	return min(runtime.NumCPU(), maxDefaultWorkers)
}

type job struct {
	ctx context.Context
	run func(context.Context)
}

type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines. workers <= 0 uses DefaultWorkers.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	p := &Pool{jobs: make(chan job)}
	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		j.run(j.ctx)
	}
}

// Close stops accepting work and waits for running jobs to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return errs.FromContext(ctx, "submit")
	}
}

// Future is the pending result of a submitted job.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func (f *Future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Wait blocks until the job finished or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, errs.FromContext(ctx, "wait")
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Submit queues fn on p. It blocks while every worker is busy and ctx is
// live; a job whose context ends before it starts never runs.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	err := p.enqueue(ctx, job{ctx: ctx, run: func(ctx context.Context) {
		if err := errs.FromContext(ctx, "run job"); err != nil {
			var zero T
			f.resolve(zero, err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				slog.Error("pool job panicked", slog.Any("panic", r))
				var zero T
				f.resolve(zero, fmt.Errorf("job panicked: %v", r))
			}
		}()
		f.resolve(fn(ctx))
	}})
	if err != nil {
		var zero T
		f.resolve(zero, err)
	}
	return f
}

// Go runs fn on p without a result.
func (p *Pool) Go(ctx context.Context, fn func(context.Context) error) *Future[struct{}] {
	return Submit(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}
