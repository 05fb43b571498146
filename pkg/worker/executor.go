package worker

import (
	"context"
	"sync/atomic"
	"time"
)

// Executor runs tasks on a Pool. Tasks that the pool cannot take run on
// their own goroutine, so Run never blocks and never drops a task.
type Executor struct {
	pool     *Pool[func()]
	overflow atomic.Int64
}

// NewExecutor creates an executor backed by a pool of the given size.
func NewExecutor(workers, queueSize int, opts ...Option[func()]) *Executor {
	return &Executor{
		pool: NewPool(workers, queueSize, func(_ context.Context, task func()) error {
			task()
			return nil
		}, opts...),
	}
}

// Start starts the underlying pool.
func (e *Executor) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

// Stop drains the pool, waiting up to timeout.
func (e *Executor) Stop(timeout time.Duration) error {
	return e.pool.Stop(timeout)
}

// Run executes task on the pool, or on a new goroutine if the pool is full,
// not started or stopped.
func (e *Executor) Run(task func()) {
	if err := e.pool.Submit(task); err != nil {
		e.overflow.Add(1)
		go task()
	}
}

// Overflow returns how many tasks ran outside the pool.
func (e *Executor) Overflow() int64 {
	return e.overflow.Load()
}

// Stats returns the underlying pool statistics.
func (e *Executor) Stats() Stats {
	return e.pool.Stats()
}
