package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/rules"
)

type jobRow struct {
	ID           string     `gorm:"primaryKey;type:text"`
	ProjectID    string     `gorm:"index;type:text;not null"`
	Input        []byte     `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	Output       []byte     `gorm:"type:jsonb"`
	Status       string     `gorm:"index;type:text;not null;default:'pending'"`
	WorkerID     *string    `gorm:"type:text"`
	LastWorkerID *string    `gorm:"type:text"`
	LeasedAt     *time.Time `gorm:"type:timestamptz"`
	CreatedAt    time.Time  `gorm:"index;not null;default:now()"`
	UpdatedAt    time.Time  `gorm:"not null;default:now()"`
}

func (jobRow) TableName() string { return "jobs" }

type scheduledRuleRow struct {
	ID          string     `gorm:"primaryKey;type:text"`
	ProjectID   string     `gorm:"index;type:text;not null"`
	Input       []byte     `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	NextRunAt   time.Time  `gorm:"index;not null"`
	Disabled    bool       `gorm:"not null;default:false"`
	ProcessedAt *time.Time `gorm:"type:timestamptz"`
	RetryAt     *time.Time `gorm:"type:timestamptz"`
	JobID       *string    `gorm:"type:text"`
	WorkerID    *string    `gorm:"type:text"`
	LeasedAt    *time.Time `gorm:"type:timestamptz"`
	LastError   *string    `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()"`
}

func (scheduledRuleRow) TableName() string { return "scheduled_job_rules" }

type recurringRuleRow struct {
	ID        string     `gorm:"primaryKey;type:text"`
	ProjectID string     `gorm:"index;type:text;not null"`
	Input     []byte     `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	Cron      string     `gorm:"type:text;not null"`
	NextRunAt *time.Time `gorm:"index;type:timestamptz"`
	Disabled  bool       `gorm:"not null;default:false"`
	LastError *string    `gorm:"type:text"`
	RunCount  int        `gorm:"not null;default:0"`
	LastRunAt *time.Time `gorm:"type:timestamptz"`
	WorkerID  *string    `gorm:"type:text"`
	LeasedAt  *time.Time `gorm:"type:timestamptz"`
	CreatedAt time.Time  `gorm:"not null;default:now()"`
	UpdatedAt time.Time  `gorm:"not null;default:now()"`
}

func (recurringRuleRow) TableName() string { return "recurring_job_rules" }

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toJobRow(j *jobs.Job) (*jobRow, error) {
	input, err := json.Marshal(j.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job input: %w", err)
	}
	var output []byte
	if j.Output != nil {
		if output, err = json.Marshal(j.Output); err != nil {
			return nil, fmt.Errorf("failed to marshal job output: %w", err)
		}
	}
	return &jobRow{
		ID:           j.ID,
		ProjectID:    j.ProjectID,
		Input:        input,
		Output:       output,
		Status:       string(j.Status),
		WorkerID:     optString(j.WorkerID),
		LastWorkerID: optString(j.LastWorkerID),
		LeasedAt:     j.LeasedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}, nil
}

func (r *jobRow) toJob() (*jobs.Job, error) {
	j := &jobs.Job{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Status:       jobs.Status(r.Status),
		WorkerID:     strValue(r.WorkerID),
		LastWorkerID: strValue(r.LastWorkerID),
		LeasedAt:     r.LeasedAt,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
	if len(r.Input) > 0 {
		if err := json.Unmarshal(r.Input, &j.Input); err != nil {
			return nil, fmt.Errorf("job %s: bad input: %w", r.ID, err)
		}
	}
	if len(r.Output) > 0 {
		j.Output = &jobs.Output{}
		if err := json.Unmarshal(r.Output, j.Output); err != nil {
			return nil, fmt.Errorf("job %s: bad output: %w", r.ID, err)
		}
	}
	return j, nil
}

func toScheduledRow(r *rules.ScheduledRule) (*scheduledRuleRow, error) {
	input, err := json.Marshal(r.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule input: %w", err)
	}
	return &scheduledRuleRow{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Input:       input,
		NextRunAt:   r.NextRunAt,
		Disabled:    r.Disabled,
		ProcessedAt: r.ProcessedAt,
		RetryAt:     r.RetryAt,
		JobID:       optString(r.JobID),
		WorkerID:    optString(r.WorkerID),
		LeasedAt:    r.LeasedAt,
		LastError:   optString(r.LastError),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}, nil
}

func (row *scheduledRuleRow) toRule() (*rules.ScheduledRule, error) {
	r := &rules.ScheduledRule{
		ID:          row.ID,
		ProjectID:   row.ProjectID,
		NextRunAt:   row.NextRunAt.UTC(),
		Disabled:    row.Disabled,
		ProcessedAt: row.ProcessedAt,
		RetryAt:     row.RetryAt,
		JobID:       strValue(row.JobID),
		WorkerID:    strValue(row.WorkerID),
		LeasedAt:    row.LeasedAt,
		LastError:   strValue(row.LastError),
		CreatedAt:   row.CreatedAt.UTC(),
		UpdatedAt:   row.UpdatedAt.UTC(),
	}
	if len(row.Input) > 0 {
		if err := json.Unmarshal(row.Input, &r.Input); err != nil {
			return nil, fmt.Errorf("rule %s: bad input: %w", row.ID, err)
		}
	}
	return r, nil
}

func toRecurringRow(r *rules.RecurringRule) (*recurringRuleRow, error) {
	input, err := json.Marshal(r.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule input: %w", err)
	}
	return &recurringRuleRow{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Input:     input,
		Cron:      r.Cron,
		NextRunAt: r.NextRunAt,
		Disabled:  r.Disabled,
		LastError: optString(r.LastError),
		RunCount:  r.RunCount,
		LastRunAt: r.LastRunAt,
		WorkerID:  optString(r.WorkerID),
		LeasedAt:  r.LeasedAt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (row *recurringRuleRow) toRule() (*rules.RecurringRule, error) {
	r := &rules.RecurringRule{
		ID:        row.ID,
		ProjectID: row.ProjectID,
		Cron:      row.Cron,
		NextRunAt: row.NextRunAt,
		Disabled:  row.Disabled,
		LastError: strValue(row.LastError),
		RunCount:  row.RunCount,
		LastRunAt: row.LastRunAt,
		WorkerID:  strValue(row.WorkerID),
		LeasedAt:  row.LeasedAt,
		CreatedAt: row.CreatedAt.UTC(),
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if len(row.Input) > 0 {
		if err := json.Unmarshal(row.Input, &r.Input); err != nil {
			return nil, fmt.Errorf("rule %s: bad input: %w", row.ID, err)
		}
	}
	return r, nil
}
