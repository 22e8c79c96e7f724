package task

import (
	"context"
	"sync"
)

// workerPool tracks the goroutines running job executions so shutdown can
// cancel them and wait for their bookkeeping to finish. Each execution gets
// its own goroutine; the Scheduler bounds how many exist at once.
type workerPool struct {
	// ctx is the parent of every execution context
	ctx    context.Context
	cancel context.CancelCauseFunc

	// wg tracks active workers for clean shutdown
	wg sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newWorkerPool() *workerPool {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &workerPool{ctx: ctx, cancel: cancel}
}

// Go runs fn on a new worker. It reports false once the pool is stopped.
func (p *workerPool) Go(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

// Accepting reports whether Go would start a worker.
func (p *workerPool) Accepting() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Stop refuses new work, cancels running workers with cause and waits for
// them to return.
func (p *workerPool) Stop(cause error) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel(cause)
	p.wg.Wait()
}
