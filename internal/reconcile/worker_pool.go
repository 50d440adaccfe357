package reconcile

import (
	"context"
	"sync"
)

// job is the unit of work dispatched to a worker.
type job[T any] struct {
	payload T
}

type jobResult[T, R any] struct {
	payload T
	value   R
	err     error
}

// workerPool is a fixed-size goroutine pool over a bounded queue. Results are
// buffered to the queue capacity, so a caller that submits at most cap jobs
// can Drain before reading them.
type workerPool[T, R any] struct {
	queue   chan job[T]
	results chan jobResult[T, R]
	process func(ctx context.Context, t T) (R, error)
	wg      sync.WaitGroup
}

// newWorkerPool creates and starts a pool with n goroutines and queue capacity cap.
func newWorkerPool[T, R any](ctx context.Context, n, cap int, fn func(context.Context, T) (R, error)) *workerPool[T, R] {
	if n < 1 {
		n = 1
	}
	p := &workerPool[T, R]{
		queue:   make(chan job[T], cap),
		results: make(chan jobResult[T, R], cap),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *workerPool[T, R]) run(ctx context.Context) {
	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			v, err := p.process(ctx, j.payload)
			p.results <- jobResult[T, R]{payload: j.payload, value: v, err: err}
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a job without blocking (returns false if full).
func (p *workerPool[T, R]) Submit(t T) bool {
	select {
	case p.queue <- job[T]{payload: t}:
		return true
	default:
		return false
	}
}

// Drain closes the queue, waits for all workers to finish and closes the
// results channel.
func (p *workerPool[T, R]) Drain() <-chan jobResult[T, R] {
	close(p.queue)
	p.wg.Wait()
	close(p.results)
	return p.results
}
