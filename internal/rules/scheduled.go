package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/aatumaykin/nexrun/internal/ids"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
)

// CreateScheduledInput describes a new one-time rule.
type CreateScheduledInput struct {
	ProjectID string     `json:"projectId"`
	Input     jobs.Input `json:"input"`
	NextRunAt time.Time  `json:"nextRunAt"`
}

// ScheduledService manages one-time rules.
type ScheduledService struct {
	store  ScheduledStore
	logger *logger.Logger
	opts   options
}

func NewScheduledService(store ScheduledStore, log *logger.Logger, opts ...Option) *ScheduledService {
	return &ScheduledService{store: store, logger: log, opts: buildOptions(opts)}
}

func (s *ScheduledService) Create(ctx context.Context, in CreateScheduledInput) (*ScheduledRule, error) {
	if in.ProjectID == "" {
		return nil, invalid("projectId", "is required")
	}
	if in.NextRunAt.IsZero() {
		return nil, invalid("nextRunAt", "is required")
	}
	if err := validateInput(in.Input); err != nil {
		return nil, err
	}

	now := s.opts.now().UTC()
	rule := &ScheduledRule{
		ID:        ids.New(),
		ProjectID: in.ProjectID,
		Input:     in.Input,
		NextRunAt: in.NextRunAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateScheduledRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create scheduled rule: %w", err)
	}

	s.logger.Info("scheduled rule created",
		logger.Field{Key: "rule_id", Value: rule.ID},
		logger.Field{Key: "next_run_at", Value: rule.NextRunAt})
	return rule, nil
}

func (s *ScheduledService) Fetch(ctx context.Context, id string) (*ScheduledRule, error) {
	return s.store.FetchScheduledRule(ctx, id)
}

func (s *ScheduledService) List(ctx context.Context, projectID string) ([]ScheduledRule, error) {
	return s.store.ListScheduledRules(ctx, projectID)
}

func (s *ScheduledService) Enable(ctx context.Context, id string) (*ScheduledRule, error) {
	return s.setDisabled(ctx, id, false)
}

func (s *ScheduledService) Disable(ctx context.Context, id string) (*ScheduledRule, error) {
	return s.setDisabled(ctx, id, true)
}

func (s *ScheduledService) setDisabled(ctx context.Context, id string, disabled bool) (*ScheduledRule, error) {
	return s.store.UpdateScheduledRule(ctx, id, func(r *ScheduledRule) error {
		r.Disabled = disabled
		r.UpdatedAt = s.opts.now().UTC()
		return nil
	})
}

func (s *ScheduledService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteScheduledRule(ctx, id)
}

// Poll leases one due rule to workerID, or returns nil.
func (s *ScheduledService) Poll(ctx context.Context, workerID string) (*ScheduledRule, error) {
	return s.store.PollScheduledRule(ctx, workerID, s.opts.now().UTC())
}

// MarkProcessed makes the rule terminal and stamps the job it produced.
func (s *ScheduledService) MarkProcessed(ctx context.Context, id, workerID, jobID string) (*ScheduledRule, error) {
	return s.store.UpdateScheduledRule(ctx, id, func(r *ScheduledRule) error {
		if r.ProcessedAt != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyProcessed, id)
		}
		if r.WorkerID != workerID {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}
		now := s.opts.now().UTC()
		r.ProcessedAt = &now
		r.JobID = jobID
		r.RetryAt = nil
		r.LastError = ""
		r.unlease(now)
		return nil
	})
}

// Release unlocks a rule whose materialization failed. The rule is retried
// no earlier than the retry delay, so a failing rule cannot be re-polled
// within the same cycle.
func (s *ScheduledService) Release(ctx context.Context, id, workerID, lastError string) (*ScheduledRule, error) {
	return s.store.UpdateScheduledRule(ctx, id, func(r *ScheduledRule) error {
		if r.WorkerID != workerID {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}
		now := s.opts.now().UTC()
		retryAt := now.Add(s.opts.retryDelay)
		r.RetryAt = &retryAt
		r.LastError = lastError
		r.unlease(now)
		return nil
	})
}

// ReclaimExpired clears leases taken before leasedBefore.
func (s *ScheduledService) ReclaimExpired(ctx context.Context, leasedBefore time.Time) (int, error) {
	return s.store.ReclaimExpiredScheduledRules(ctx, leasedBefore)
}

func (s *ScheduledService) now() time.Time {
	return s.opts.now()
}
