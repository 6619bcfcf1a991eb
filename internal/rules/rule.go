// Package rules turns persisted triggers into jobs: one-time scheduled rules
// fire once at a fixed instant, recurring rules fire on every occurrence of a
// 5-field cron expression.
package rules

import (
	"time"

	"github.com/aatumaykin/nexrun/internal/jobs"
)

// ScheduledRule fires once at NextRunAt. Once ProcessedAt is set the rule is
// terminal.
type ScheduledRule struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Input       jobs.Input `json:"input"`
	NextRunAt   time.Time  `json:"nextRunAt"`
	Disabled    bool       `json:"disabled"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	// RetryAt holds back a rule whose last attempt failed.
	RetryAt     *time.Time `json:"retryAt,omitempty"`
	JobID       string     `json:"jobId,omitempty"`
	WorkerID    string     `json:"workerId,omitempty"`
	LeasedAt    *time.Time `json:"leasedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Claimable reports whether a poll at now may lease the rule.
func (r *ScheduledRule) Claimable(now time.Time) bool {
	return !r.Disabled && r.ProcessedAt == nil && r.WorkerID == "" && !r.NextRunAt.After(now) &&
		(r.RetryAt == nil || !r.RetryAt.After(now))
}

// Lease assigns the rule to workerID.
func (r *ScheduledRule) Lease(workerID string, at time.Time) {
	r.WorkerID = workerID
	r.LeasedAt = &at
	r.UpdatedAt = at
}

func (r *ScheduledRule) unlease(at time.Time) {
	r.WorkerID = ""
	r.LeasedAt = nil
	r.UpdatedAt = at
}

// RecurringRule fires on every occurrence of Cron. NextRunAt stays nil until
// the first poll cycle computes it.
type RecurringRule struct {
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Input     jobs.Input `json:"input"`
	Cron      string     `json:"cron"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
	Disabled  bool       `json:"disabled"`
	LastError string     `json:"lastError,omitempty"`
	RunCount  int        `json:"runCount"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	WorkerID  string     `json:"workerId,omitempty"`
	LeasedAt  *time.Time `json:"leasedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// Claimable reports whether a poll at now may lease the rule.
func (r *RecurringRule) Claimable(now time.Time) bool {
	return !r.Disabled && r.WorkerID == "" && r.NextRunAt != nil && !r.NextRunAt.After(now)
}

// Lease assigns the rule to workerID.
func (r *RecurringRule) Lease(workerID string, at time.Time) {
	r.WorkerID = workerID
	r.LeasedAt = &at
	r.UpdatedAt = at
}

func (r *RecurringRule) unlease(at time.Time) {
	r.WorkerID = ""
	r.LeasedAt = nil
	r.UpdatedAt = at
}

// ExpireScheduledLease and ExpireRecurringLease clear a lease that outlived
// its timeout so the rule becomes claimable again. Stores call them from
// their reclaim operations.
func ExpireScheduledLease(r *ScheduledRule, at time.Time) {
	r.unlease(at)
	r.LastError = "lease expired"
}

func ExpireRecurringLease(r *RecurringRule, at time.Time) {
	r.unlease(at)
	r.LastError = "lease expired"
}
