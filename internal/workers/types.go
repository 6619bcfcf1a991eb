// Package workers provides a bounded, supervised pool for fire-and-forget
// background tasks. Callers reserve a slot before doing the work that decides
// whether a task exists at all (for example polling a queue), so a worker
// never claims an item it has no capacity to run.
package workers

import (
	"context"
	"time"
)

// Task represents a unit of work to be executed by the pool.
type Task struct {
	ID   string                          // Unique task identifier
	Type string                          // Task type: "job", "agent", ...
	Run  func(ctx context.Context) error // Work to perform
}

// PoolMetrics tracks execution metrics for the pool.
type PoolMetrics struct {
	TasksSubmitted uint64
	TasksCompleted uint64
	TasksFailed    uint64
	TasksPanicked  uint64
	TotalDuration  time.Duration
}

// Constants for pool configuration
const (
	DefaultPoolSize = 5
)
