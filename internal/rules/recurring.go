package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexrun/internal/ids"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/schedule"
)

// CreateRecurringInput describes a new cron rule.
type CreateRecurringInput struct {
	ProjectID string     `json:"projectId"`
	Input     jobs.Input `json:"input"`
	Cron      string     `json:"cron"`
}

// UpdateRecurringInput changes the fields that are set.
type UpdateRecurringInput struct {
	Input *jobs.Input `json:"input,omitempty"`
	Cron  *string     `json:"cron,omitempty"`
}

// RecurringService manages cron rules.
type RecurringService struct {
	store  RecurringStore
	logger *logger.Logger
	opts   options
}

func NewRecurringService(store RecurringStore, log *logger.Logger, opts ...Option) *RecurringService {
	return &RecurringService{store: store, logger: log, opts: buildOptions(opts)}
}

func validateCron(expr string) error {
	if err := schedule.ValidateCron(expr); err != nil {
		return &ValidationError{Field: "cron", Reason: err.Error(), Err: err}
	}
	return nil
}

// Create validates the cron expression and stores the rule. NextRunAt is left
// unset for the first poll cycle to compute.
func (s *RecurringService) Create(ctx context.Context, in CreateRecurringInput) (*RecurringRule, error) {
	if in.ProjectID == "" {
		return nil, invalid("projectId", "is required")
	}
	if err := validateCron(in.Cron); err != nil {
		return nil, err
	}
	if err := validateInput(in.Input); err != nil {
		return nil, err
	}

	now := s.opts.now().UTC()
	rule := &RecurringRule{
		ID:        ids.New(),
		ProjectID: in.ProjectID,
		Input:     in.Input,
		Cron:      in.Cron,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateRecurringRule(ctx, rule); err != nil {
		return nil, fmt.Errorf("failed to create recurring rule: %w", err)
	}

	s.logger.Info("recurring rule created",
		logger.Field{Key: "rule_id", Value: rule.ID},
		logger.Field{Key: "cron", Value: rule.Cron})
	return rule, nil
}

// Update applies in. Changing the cron resets NextRunAt; any substantive
// change clears LastError.
func (s *RecurringService) Update(ctx context.Context, id string, in UpdateRecurringInput) (*RecurringRule, error) {
	if in.Cron != nil {
		if err := validateCron(*in.Cron); err != nil {
			return nil, err
		}
	}
	if in.Input != nil {
		if err := validateInput(*in.Input); err != nil {
			return nil, err
		}
	}

	return s.store.UpdateRecurringRule(ctx, id, func(r *RecurringRule) error {
		changed := false
		if in.Cron != nil && *in.Cron != r.Cron {
			r.Cron = *in.Cron
			r.NextRunAt = nil
			changed = true
		}
		if in.Input != nil {
			r.Input = *in.Input
			changed = true
		}
		if changed {
			r.LastError = ""
		}
		r.UpdatedAt = s.opts.now().UTC()
		return nil
	})
}

func (s *RecurringService) Fetch(ctx context.Context, id string) (*RecurringRule, error) {
	return s.store.FetchRecurringRule(ctx, id)
}

func (s *RecurringService) List(ctx context.Context, projectID string) ([]RecurringRule, error) {
	return s.store.ListRecurringRules(ctx, projectID)
}

func (s *RecurringService) Enable(ctx context.Context, id string) (*RecurringRule, error) {
	return s.setDisabled(ctx, id, false)
}

func (s *RecurringService) Disable(ctx context.Context, id string) (*RecurringRule, error) {
	return s.setDisabled(ctx, id, true)
}

func (s *RecurringService) setDisabled(ctx context.Context, id string, disabled bool) (*RecurringRule, error) {
	return s.store.UpdateRecurringRule(ctx, id, func(r *RecurringRule) error {
		r.Disabled = disabled
		r.UpdatedAt = s.opts.now().UTC()
		return nil
	})
}

func (s *RecurringService) Delete(ctx context.Context, id string) error {
	return s.store.DeleteRecurringRule(ctx, id)
}

// Poll leases one due rule to workerID, or returns nil.
func (s *RecurringService) Poll(ctx context.Context, workerID string) (*RecurringRule, error) {
	return s.store.PollRecurringRule(ctx, workerID, s.opts.now().UTC())
}

// Release unlocks the rule after a run attempt and commits its next
// occurrence, computed from the stored cron so an Update made while the rule
// was leased wins. runErr is recorded as LastError; nil clears it.
func (s *RecurringService) Release(ctx context.Context, id, workerID string, runErr error) (*RecurringRule, error) {
	return s.store.UpdateRecurringRule(ctx, id, func(r *RecurringRule) error {
		if r.WorkerID != workerID {
			return fmt.Errorf("%w: %s", ErrLeaseLost, id)
		}
		now := s.opts.now().UTC()
		next, err := s.NextRun(r, now)
		if err != nil {
			runErr = errors.Join(runErr, err)
		}
		r.NextRunAt = next
		r.LastRunAt = &now
		r.RunCount++
		r.LastError = ""
		if runErr != nil {
			r.LastError = runErr.Error()
		}
		r.unlease(now)
		return nil
	})
}

// NextRun evaluates the rule's cron in the service location, strictly after now.
func (s *RecurringService) NextRun(rule *RecurringRule, now time.Time) (*time.Time, error) {
	next, err := schedule.NextCron(rule.Cron, now.In(s.opts.location))
	if err != nil {
		return nil, err
	}
	next = next.UTC()
	return &next, nil
}

// InitializePending computes NextRunAt for enabled rules that have none and
// returns how many were initialized.
func (s *RecurringService) InitializePending(ctx context.Context) (int, error) {
	all, err := s.store.ListRecurringRules(ctx, "")
	if err != nil {
		return 0, err
	}

	now := s.opts.now()
	count := 0
	var errs []error
	for i := range all {
		rule := &all[i]
		if rule.NextRunAt != nil || rule.Disabled {
			continue
		}
		next, err := s.NextRun(rule, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		_, err = s.store.UpdateRecurringRule(ctx, rule.ID, func(r *RecurringRule) error {
			if r.NextRunAt != nil {
				return nil
			}
			r.NextRunAt = next
			r.UpdatedAt = now.UTC()
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		count++
		s.logger.Debug("recurring rule initialized",
			logger.Field{Key: "rule_id", Value: rule.ID},
			logger.Field{Key: "next_run_at", Value: *next})
	}
	return count, errors.Join(errs...)
}

// ReclaimExpired clears leases taken before leasedBefore.
func (s *RecurringService) ReclaimExpired(ctx context.Context, leasedBefore time.Time) (int, error) {
	return s.store.ReclaimExpiredRecurringRules(ctx, leasedBefore)
}

func (s *RecurringService) now() time.Time {
	return s.opts.now()
}
