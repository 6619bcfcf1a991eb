package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/metrics"
	"github.com/aatumaykin/nexrun/internal/workers"
)

const (
	DefaultPollInterval = time.Second
	DefaultLeaseTimeout = 30 * time.Minute

	reapInterval = time.Minute
)

// WorkerConfig configures a queue consumer.
type WorkerConfig struct {
	ID           string
	PollInterval time.Duration
	// LeaseTimeout is how long a lease may be held before the job is
	// reclaimed as failed. Zero disables reaping.
	LeaseTimeout time.Duration
}

// Worker polls the store and executes claimed jobs on a bounded pool.
type Worker struct {
	cfg      WorkerConfig
	store    Store
	executor *Executor
	pool     *workers.Pool
	logger   *logger.Logger
	metrics  *metrics.Metrics

	now      func() time.Time
	lastReap time.Time
}

func NewWorker(cfg WorkerConfig, store Store, executor *Executor, pool *workers.Pool, log *logger.Logger, m *metrics.Metrics) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Worker{
		cfg:      cfg,
		store:    store,
		executor: executor,
		pool:     pool,
		logger:   log.With(logger.Field{Key: "worker_id", Value: cfg.ID}),
		metrics:  m,
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. A slot is reserved before every poll so
// the worker never leases a job it cannot start right away.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("job worker started",
		logger.Field{Key: "poll_interval", Value: w.cfg.PollInterval.String()},
		logger.Field{Key: "lease_timeout", Value: w.cfg.LeaseTimeout.String()})

	for {
		if err := w.pool.Acquire(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, workers.ErrPoolStopped) {
				w.logger.Info("job worker stopped")
				return nil
			}
			return err
		}

		w.reap(ctx)

		claimed, err := w.pollOnce(ctx)
		if claimed {
			continue
		}
		w.pool.Release()
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("job worker stopped")
				return nil
			}
			w.metrics.PollError("jobs")
			w.logger.Error("job poll failed", err)
		}
		if !sleep(ctx, w.cfg.PollInterval) {
			w.logger.Info("job worker stopped")
			return nil
		}
	}
}

// pollOnce leases at most one job and hands it to the pool. It reports
// whether a job was claimed; the caller still owns the slot otherwise.
func (w *Worker) pollOnce(ctx context.Context) (bool, error) {
	job, err := w.store.PollNextJob(ctx, w.cfg.ID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	w.metrics.JobClaimed(w.cfg.ID)
	w.logger.Info("job claimed",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "project_id", Value: job.ProjectID})

	// in-flight jobs outlive the poll loop; Pool.Stop bounds the drain
	w.pool.Go(context.WithoutCancel(ctx), workers.Task{
		ID:   job.ID,
		Type: "job",
		Run: func(ctx context.Context) error {
			return w.process(ctx, job)
		},
	})
	return true, nil
}

// process executes a leased job and records the outcome on the job record.
func (w *Worker) process(ctx context.Context, job *Job) error {
	w.metrics.TaskStarted("jobs")
	defer w.metrics.TaskDone("jobs")

	start := w.now()
	output, execErr := w.executor.Execute(ctx, job)

	status := StatusCompleted
	if execErr != nil {
		status = StatusFailed
		if output == nil {
			output = &Output{}
		}
		output.Error = execErr.Error()
	}

	// the outcome is recorded even when shutdown cancelled execution
	if err := w.store.CompleteJob(context.WithoutCancel(ctx), job.ID, w.cfg.ID, status, output); err != nil {
		w.logger.Error("failed to record job result", err,
			logger.Field{Key: "job_id", Value: job.ID},
			logger.Field{Key: "status", Value: string(status)})
		return err
	}

	duration := w.now().Sub(start)
	w.metrics.JobFinished(string(status), duration)
	w.logger.Info("job finished",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "status", Value: string(status)},
		logger.Field{Key: "duration_ms", Value: duration.Milliseconds()})
	return execErr
}

// reap fails jobs whose lease outlived LeaseTimeout, at most once a minute.
func (w *Worker) reap(ctx context.Context) {
	if w.cfg.LeaseTimeout <= 0 {
		return
	}
	now := w.now()
	if !w.lastReap.IsZero() && now.Sub(w.lastReap) < reapInterval {
		return
	}
	w.lastReap = now

	n, err := w.store.ReclaimExpiredJobs(ctx, now.Add(-w.cfg.LeaseTimeout))
	if err != nil {
		w.metrics.PollError("jobs_reaper")
		w.logger.Error("failed to reclaim expired jobs", err)
		return
	}
	if n > 0 {
		w.metrics.LeasesReaped("jobs", n)
		w.logger.Warn("reclaimed expired job leases", logger.Field{Key: "count", Value: n})
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
