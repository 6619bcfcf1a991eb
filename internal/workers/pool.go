package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aatumaykin/nexrun/internal/logger"
)

var ErrPoolStopped = errors.New("worker pool stopped")

// Pool bounds the number of concurrently running tasks.
type Pool struct {
	name   string
	size   int64
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *logger.Logger

	mu       sync.RWMutex
	stopped  bool
	inFlight int
	metrics  PoolMetrics
}

// NewPool creates a pool that runs at most size tasks at once.
// size <= 0 uses DefaultPoolSize.
func NewPool(name string, size int, log *logger.Logger) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		name:   name,
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: log.With(logger.Field{Key: "pool", Value: name}),
	}
}

// Acquire reserves a slot, blocking until one is free or ctx is done.
// Every successful Acquire must be followed by exactly one Go or Release.
func (p *Pool) Acquire(ctx context.Context) error {
	if p.isStopped() {
		return ErrPoolStopped
	}
	return p.sem.Acquire(ctx, 1)
}

// TryAcquire reserves a slot without blocking.
func (p *Pool) TryAcquire() bool {
	if p.isStopped() {
		return false
	}
	return p.sem.TryAcquire(1)
}

// Release returns a slot reserved by Acquire that was not handed to Go.
func (p *Pool) Release() {
	p.sem.Release(1)
}

// Go runs task on a reserved slot in its own goroutine and frees the slot
// when the task returns. Errors and panics are logged and counted; they never
// reach the caller.
func (p *Pool) Go(ctx context.Context, task Task) {
	p.mu.Lock()
	p.metrics.TasksSubmitted++
	p.inFlight++
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		p.run(ctx, task)
	}()
}

// Submit acquires a slot and runs task on it.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if err := p.Acquire(ctx); err != nil {
		return err
	}
	p.Go(ctx, task)
	return nil
}

func (p *Pool) run(ctx context.Context, task Task) {
	start := time.Now()
	var (
		err      error
		panicked bool
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = task.Run(ctx)
	}()

	duration := time.Since(start)

	p.mu.Lock()
	p.inFlight--
	p.metrics.TotalDuration += duration
	switch {
	case panicked:
		p.metrics.TasksPanicked++
		p.metrics.TasksFailed++
	case err != nil:
		p.metrics.TasksFailed++
	default:
		p.metrics.TasksCompleted++
	}
	p.mu.Unlock()

	fields := []logger.Field{
		{Key: "task_id", Value: task.ID},
		{Key: "task_type", Value: task.Type},
		{Key: "duration_ms", Value: duration.Milliseconds()},
	}
	switch {
	case panicked:
		p.logger.Error("task panic recovered", err, fields...)
	case err != nil:
		p.logger.Warn("task failed", append(fields, logger.Field{Key: "error", Value: err.Error()})...)
	default:
		p.logger.Debug("task processed", fields...)
	}
}

// Wait blocks until every task started with Go has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stop refuses new slots and waits for in-flight tasks until ctx is done.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("pool stop timed out", logger.Field{Key: "in_flight", Value: p.InFlight()})
		return ctx.Err()
	}

	m := p.Metrics()
	p.logger.Info("worker pool stopped",
		logger.Field{Key: "tasks_submitted", Value: m.TasksSubmitted},
		logger.Field{Key: "tasks_completed", Value: m.TasksCompleted},
		logger.Field{Key: "tasks_failed", Value: m.TasksFailed})
	return nil
}

// Size returns the maximum number of concurrent tasks.
func (p *Pool) Size() int {
	return int(p.size)
}

func (p *Pool) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}
