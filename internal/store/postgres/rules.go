package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aatumaykin/nexrun/internal/rules"
)

const leaseExpired = "lease expired"

func (s *Store) CreateScheduledRule(ctx context.Context, rule *rules.ScheduledRule) error {
	row, err := toScheduledRow(rule)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *Store) FetchScheduledRule(ctx context.Context, id string) (*rules.ScheduledRule, error) {
	var row scheduledRuleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, rules.ErrNotFound, id)
	}
	return row.toRule()
}

func (s *Store) ListScheduledRules(ctx context.Context, projectID string) ([]rules.ScheduledRule, error) {
	q := s.db.WithContext(ctx).Order("next_run_at asc")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var rows []scheduledRuleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]rules.ScheduledRule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// UpdateScheduledRule locks the row for the duration of fn.
func (s *Store) UpdateScheduledRule(ctx context.Context, id string, fn func(*rules.ScheduledRule) error) (*rules.ScheduledRule, error) {
	var updated *rules.ScheduledRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row scheduledRuleRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, rules.ErrNotFound, id)
		}
		rule, err := row.toRule()
		if err != nil {
			return err
		}
		if err := fn(rule); err != nil {
			return err
		}
		next, err := toScheduledRow(rule)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return err
		}
		updated = rule
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteScheduledRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&scheduledRuleRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	}
	return nil
}

func (s *Store) PollScheduledRule(ctx context.Context, workerID string, now time.Time) (*rules.ScheduledRule, error) {
	var row scheduledRuleRow
	err := s.db.WithContext(ctx).Raw(`
with cte as (
  select id
  from scheduled_job_rules
  where disabled = false and processed_at is null and worker_id is null and next_run_at <= ?
    and (retry_at is null or retry_at <= ?)
  order by next_run_at asc
  for update skip locked
  limit 1
)
update scheduled_job_rules
set worker_id = ?, leased_at = ?, updated_at = ?
where id in (select id from cte)
returning *;
`, now, now, workerID, now, now).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return row.toRule()
}

func (s *Store) ReclaimExpiredScheduledRules(ctx context.Context, leasedBefore time.Time) (int, error) {
	res := s.db.WithContext(ctx).Exec(`
update scheduled_job_rules
set worker_id = null, leased_at = null, last_error = ?, updated_at = ?
where worker_id is not null and leased_at < ?`,
		leaseExpired, s.now(), leasedBefore)
	return int(res.RowsAffected), res.Error
}

func (s *Store) CreateRecurringRule(ctx context.Context, rule *rules.RecurringRule) error {
	row, err := toRecurringRow(rule)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *Store) FetchRecurringRule(ctx context.Context, id string) (*rules.RecurringRule, error) {
	var row recurringRuleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, rules.ErrNotFound, id)
	}
	return row.toRule()
}

func (s *Store) ListRecurringRules(ctx context.Context, projectID string) ([]rules.RecurringRule, error) {
	q := s.db.WithContext(ctx).Order("created_at asc")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var rows []recurringRuleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]rules.RecurringRule, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *Store) UpdateRecurringRule(ctx context.Context, id string, fn func(*rules.RecurringRule) error) (*rules.RecurringRule, error) {
	var updated *rules.RecurringRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row recurringRuleRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
			return notFound(err, rules.ErrNotFound, id)
		}
		rule, err := row.toRule()
		if err != nil {
			return err
		}
		if err := fn(rule); err != nil {
			return err
		}
		next, err := toRecurringRow(rule)
		if err != nil {
			return err
		}
		if err := tx.Save(next).Error; err != nil {
			return err
		}
		updated = rule
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteRecurringRule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&recurringRuleRow{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	}
	return nil
}

func (s *Store) PollRecurringRule(ctx context.Context, workerID string, now time.Time) (*rules.RecurringRule, error) {
	var row recurringRuleRow
	err := s.db.WithContext(ctx).Raw(`
with cte as (
  select id
  from recurring_job_rules
  where disabled = false and worker_id is null and next_run_at is not null and next_run_at <= ?
  order by next_run_at asc
  for update skip locked
  limit 1
)
update recurring_job_rules
set worker_id = ?, leased_at = ?, updated_at = ?
where id in (select id from cte)
returning *;
`, now, workerID, now, now).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return row.toRule()
}

func (s *Store) ReclaimExpiredRecurringRules(ctx context.Context, leasedBefore time.Time) (int, error) {
	res := s.db.WithContext(ctx).Exec(`
update recurring_job_rules
set worker_id = null, leased_at = null, last_error = ?, updated_at = ?
where worker_id is not null and leased_at < ?`,
		leaseExpired, s.now(), leasedBefore)
	return int(res.RowsAffected), res.Error
}
