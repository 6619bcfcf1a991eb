package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/metrics"
	"github.com/aatumaykin/nexrun/internal/retry"
)

const DefaultPollInterval = time.Second

// JobCreator materializes a fired rule into a job.
type JobCreator interface {
	Create(ctx context.Context, projectID string, input jobs.Input) (*jobs.Job, error)
}

// WorkerConfig configures a rule worker.
type WorkerConfig struct {
	ID           string
	PollInterval time.Duration
	// LeaseTimeout clears leases held longer than this; zero disables it.
	LeaseTimeout time.Duration
	Retry        retry.Config
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// ScheduledWorker fires due one-time rules.
type ScheduledWorker struct {
	cfg     WorkerConfig
	rules   *ScheduledService
	jobs    JobCreator
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewScheduledWorker(cfg WorkerConfig, rules *ScheduledService, jobs JobCreator, log *logger.Logger, m *metrics.Metrics) *ScheduledWorker {
	cfg = cfg.withDefaults()
	cfg.Retry.Logger = log
	cfg.Retry.Operation = "release scheduled rule"
	return &ScheduledWorker{
		cfg:     cfg,
		rules:   rules,
		jobs:    jobs,
		logger:  log.With(logger.Field{Key: "worker_id", Value: cfg.ID}, logger.Field{Key: "rule_kind", Value: "scheduled"}),
		metrics: m,
	}
}

func (w *ScheduledWorker) Run(ctx context.Context) error {
	w.logger.Info("scheduled rule worker started")
	runLoop(ctx, w.cfg.PollInterval, w.RunCycle)
	w.logger.Info("scheduled rule worker stopped")
	return nil
}

// RunCycle reaps expired leases and fires every due rule.
func (w *ScheduledWorker) RunCycle(ctx context.Context) {
	if w.cfg.LeaseTimeout > 0 {
		n, err := w.rules.ReclaimExpired(ctx, w.rules.now().Add(-w.cfg.LeaseTimeout))
		reapResult(w.logger, w.metrics, "scheduled_rules", n, err)
	}

	for ctx.Err() == nil {
		rule, err := w.rules.Poll(ctx, w.cfg.ID)
		if err != nil {
			w.metrics.PollError("scheduled_rules")
			w.logger.Error("scheduled rule poll failed", err)
			return
		}
		if rule == nil {
			return
		}
		w.fire(ctx, rule)
	}
}

func (w *ScheduledWorker) fire(ctx context.Context, rule *ScheduledRule) {
	fields := []logger.Field{{Key: "rule_id", Value: rule.ID}, {Key: "project_id", Value: rule.ProjectID}}

	job, jobErr := w.jobs.Create(ctx, rule.ProjectID, rule.Input)
	commit := context.WithoutCancel(ctx)

	if jobErr != nil {
		w.metrics.RuleFired("scheduled", "error")
		w.logger.Error("failed to create job for scheduled rule", jobErr, fields...)
		err := retry.Do(commit, w.cfg.Retry, func() error {
			_, err := w.rules.Release(commit, rule.ID, w.cfg.ID, jobErr.Error())
			return err
		})
		if err != nil {
			w.logger.Error("failed to release scheduled rule", err, fields...)
		}
		return
	}

	err := retry.Do(commit, w.cfg.Retry, func() error {
		_, err := w.rules.MarkProcessed(commit, rule.ID, w.cfg.ID, job.ID)
		if errors.Is(err, ErrAlreadyProcessed) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		w.metrics.RuleFired("scheduled", "error")
		w.logger.Error("failed to mark scheduled rule processed", err, append(fields, logger.Field{Key: "job_id", Value: job.ID})...)
		return
	}

	w.metrics.RuleFired("scheduled", "ok")
	w.logger.Info("scheduled rule fired", append(fields, logger.Field{Key: "job_id", Value: job.ID})...)
}

// RecurringWorker fires due cron rules and commits their next occurrence.
type RecurringWorker struct {
	cfg     WorkerConfig
	rules   *RecurringService
	jobs    JobCreator
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewRecurringWorker(cfg WorkerConfig, rules *RecurringService, jobs JobCreator, log *logger.Logger, m *metrics.Metrics) *RecurringWorker {
	cfg = cfg.withDefaults()
	cfg.Retry.Logger = log
	cfg.Retry.Operation = "release recurring rule"
	return &RecurringWorker{
		cfg:     cfg,
		rules:   rules,
		jobs:    jobs,
		logger:  log.With(logger.Field{Key: "worker_id", Value: cfg.ID}, logger.Field{Key: "rule_kind", Value: "recurring"}),
		metrics: m,
	}
}

func (w *RecurringWorker) Run(ctx context.Context) error {
	w.logger.Info("recurring rule worker started")
	runLoop(ctx, w.cfg.PollInterval, w.RunCycle)
	w.logger.Info("recurring rule worker stopped")
	return nil
}

// RunCycle initializes new rules, reaps expired leases and fires every due rule.
func (w *RecurringWorker) RunCycle(ctx context.Context) {
	if n, err := w.rules.InitializePending(ctx); err != nil {
		w.metrics.PollError("recurring_rules")
		w.logger.Error("failed to initialize recurring rules", err)
	} else if n > 0 {
		w.logger.Info("recurring rules initialized", logger.Field{Key: "count", Value: n})
	}

	if w.cfg.LeaseTimeout > 0 {
		n, err := w.rules.ReclaimExpired(ctx, w.rules.now().Add(-w.cfg.LeaseTimeout))
		reapResult(w.logger, w.metrics, "recurring_rules", n, err)
	}

	for ctx.Err() == nil {
		rule, err := w.rules.Poll(ctx, w.cfg.ID)
		if err != nil {
			w.metrics.PollError("recurring_rules")
			w.logger.Error("recurring rule poll failed", err)
			return
		}
		if rule == nil {
			return
		}
		w.fire(ctx, rule)
	}
}

func (w *RecurringWorker) fire(ctx context.Context, rule *RecurringRule) {
	fields := []logger.Field{{Key: "rule_id", Value: rule.ID}, {Key: "project_id", Value: rule.ProjectID}}

	var runErr error
	job, err := w.jobs.Create(ctx, rule.ProjectID, rule.Input)
	if err != nil {
		runErr = fmt.Errorf("failed to create job: %w", err)
		w.logger.Error("failed to create job for recurring rule", err, fields...)
	}

	// the next occurrence is committed after the attempt, whatever its outcome
	commit := context.WithoutCancel(ctx)
	var released *RecurringRule
	err = retry.Do(commit, w.cfg.Retry, func() error {
		r, err := w.rules.Release(commit, rule.ID, w.cfg.ID, runErr)
		if err == nil {
			released = r
		}
		return err
	})
	if err != nil {
		w.metrics.RuleFired("recurring", "error")
		w.logger.Error("failed to release recurring rule", err, fields...)
		return
	}

	status := "ok"
	if released.LastError != "" {
		status = "error"
	}
	w.metrics.RuleFired("recurring", status)

	if job != nil {
		fields = append(fields, logger.Field{Key: "job_id", Value: job.ID})
	}
	if released.NextRunAt != nil {
		fields = append(fields, logger.Field{Key: "next_run_at", Value: *released.NextRunAt})
	}
	w.logger.Info("recurring rule fired", fields...)
}

func reapResult(log *logger.Logger, m *metrics.Metrics, kind string, n int, err error) {
	if err != nil {
		m.PollError(kind + "_reaper")
		log.Error("failed to reclaim expired rule leases", err)
		return
	}
	if n > 0 {
		m.LeasesReaped(kind, n)
		log.Warn("reclaimed expired rule leases", logger.Field{Key: "count", Value: n})
	}
}

// runLoop calls cycle immediately and then every interval until ctx ends.
func runLoop(ctx context.Context, interval time.Duration, cycle func(context.Context)) {
	for {
		cycle(ctx)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
