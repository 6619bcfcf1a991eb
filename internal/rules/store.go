package rules

import (
	"context"
	"time"
)

// ScheduledStore persists one-time rules. Update applies fn to the current
// record atomically and stores the result unless fn returns an error.
type ScheduledStore interface {
	CreateScheduledRule(ctx context.Context, rule *ScheduledRule) error
	FetchScheduledRule(ctx context.Context, id string) (*ScheduledRule, error)
	ListScheduledRules(ctx context.Context, projectID string) ([]ScheduledRule, error)
	UpdateScheduledRule(ctx context.Context, id string, fn func(*ScheduledRule) error) (*ScheduledRule, error)
	DeleteScheduledRule(ctx context.Context, id string) error
	// PollScheduledRule atomically leases one claimable rule (earliest
	// NextRunAt first) or returns nil, nil.
	PollScheduledRule(ctx context.Context, workerID string, now time.Time) (*ScheduledRule, error)
	ReclaimExpiredScheduledRules(ctx context.Context, leasedBefore time.Time) (int, error)
}

// RecurringStore persists cron rules with the same contract as ScheduledStore.
type RecurringStore interface {
	CreateRecurringRule(ctx context.Context, rule *RecurringRule) error
	FetchRecurringRule(ctx context.Context, id string) (*RecurringRule, error)
	ListRecurringRules(ctx context.Context, projectID string) ([]RecurringRule, error)
	UpdateRecurringRule(ctx context.Context, id string, fn func(*RecurringRule) error) (*RecurringRule, error)
	DeleteRecurringRule(ctx context.Context, id string) error
	PollRecurringRule(ctx context.Context, workerID string, now time.Time) (*RecurringRule, error)
	ReclaimExpiredRecurringRules(ctx context.Context, leasedBefore time.Time) (int, error)
}
