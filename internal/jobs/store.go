package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("job lease lost")
)

// Store is the persistence contract of the queue.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	FetchJob(ctx context.Context, id string) (*Job, error)
	// ListJobs returns the jobs of a project, newest first. An empty
	// projectID lists every job.
	ListJobs(ctx context.Context, projectID string) ([]Job, error)
	// PollNextJob atomically leases the oldest pending, unleased job to
	// workerID. It returns nil, nil when nothing is claimable. No two
	// concurrent callers ever receive the same job.
	PollNextJob(ctx context.Context, workerID string) (*Job, error)
	// CompleteJob records a terminal status. It fails with ErrLeaseLost
	// when workerID no longer holds the lease.
	CompleteJob(ctx context.Context, id, workerID string, status Status, output *Output) error
	// ReclaimExpiredJobs fails every job leased before the given instant and
	// returns how many were reclaimed.
	ReclaimExpiredJobs(ctx context.Context, leasedBefore time.Time) (int, error)
}
