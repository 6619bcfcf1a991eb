package filestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aatumaykin/nexrun/internal/rules"
)

func (s *Store) CreateScheduledRule(ctx context.Context, rule *rules.ScheduledRule) error {
	return s.scheduled.update(func(items []rules.ScheduledRule) ([]rules.ScheduledRule, bool, error) {
		for i := range items {
			if items[i].ID == rule.ID {
				return nil, false, fmt.Errorf("scheduled rule %s already exists", rule.ID)
			}
		}
		return append(items, *rule), true, nil
	})
}

func (s *Store) FetchScheduledRule(ctx context.Context, id string) (*rules.ScheduledRule, error) {
	var found *rules.ScheduledRule
	err := s.scheduled.view(func(items []rules.ScheduledRule) error {
		for i := range items {
			if items[i].ID == id {
				r := items[i]
				found = &r
				return nil
			}
		}
		return fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	})
	return found, err
}

func (s *Store) ListScheduledRules(ctx context.Context, projectID string) ([]rules.ScheduledRule, error) {
	var out []rules.ScheduledRule
	err := s.scheduled.view(func(items []rules.ScheduledRule) error {
		out = make([]rules.ScheduledRule, 0, len(items))
		for _, r := range items {
			if projectID == "" || r.ProjectID == projectID {
				out = append(out, r)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].NextRunAt.Before(out[b].NextRunAt) })
	return out, err
}

func (s *Store) UpdateScheduledRule(ctx context.Context, id string, fn func(*rules.ScheduledRule) error) (*rules.ScheduledRule, error) {
	var updated *rules.ScheduledRule
	err := s.scheduled.update(func(items []rules.ScheduledRule) ([]rules.ScheduledRule, bool, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			r := items[i]
			if err := fn(&r); err != nil {
				return nil, false, err
			}
			items[i] = r
			updated = &r
			return items, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteScheduledRule(ctx context.Context, id string) error {
	return s.scheduled.update(func(items []rules.ScheduledRule) ([]rules.ScheduledRule, bool, error) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i], items[i+1:]...), true, nil
			}
		}
		return nil, false, fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	})
}

func (s *Store) PollScheduledRule(ctx context.Context, workerID string, now time.Time) (*rules.ScheduledRule, error) {
	var claimed *rules.ScheduledRule
	err := s.scheduled.update(func(items []rules.ScheduledRule) ([]rules.ScheduledRule, bool, error) {
		idx := -1
		for i := range items {
			if !items[i].Claimable(now) {
				continue
			}
			if idx < 0 || items[i].NextRunAt.Before(items[idx].NextRunAt) {
				idx = i
			}
		}
		if idx < 0 {
			return items, false, nil
		}
		items[idx].Lease(workerID, now)
		r := items[idx]
		claimed = &r
		return items, true, nil
	})
	return claimed, err
}

func (s *Store) ReclaimExpiredScheduledRules(ctx context.Context, leasedBefore time.Time) (int, error) {
	count := 0
	err := s.scheduled.update(func(items []rules.ScheduledRule) ([]rules.ScheduledRule, bool, error) {
		now := s.now()
		for i := range items {
			r := &items[i]
			if r.WorkerID != "" && r.LeasedAt != nil && r.LeasedAt.Before(leasedBefore) {
				rules.ExpireScheduledLease(r, now)
				count++
			}
		}
		return items, count > 0, nil
	})
	return count, err
}

func (s *Store) CreateRecurringRule(ctx context.Context, rule *rules.RecurringRule) error {
	return s.recurring.update(func(items []rules.RecurringRule) ([]rules.RecurringRule, bool, error) {
		for i := range items {
			if items[i].ID == rule.ID {
				return nil, false, fmt.Errorf("recurring rule %s already exists", rule.ID)
			}
		}
		return append(items, *rule), true, nil
	})
}

func (s *Store) FetchRecurringRule(ctx context.Context, id string) (*rules.RecurringRule, error) {
	var found *rules.RecurringRule
	err := s.recurring.view(func(items []rules.RecurringRule) error {
		for i := range items {
			if items[i].ID == id {
				r := items[i]
				found = &r
				return nil
			}
		}
		return fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	})
	return found, err
}

func (s *Store) ListRecurringRules(ctx context.Context, projectID string) ([]rules.RecurringRule, error) {
	var out []rules.RecurringRule
	err := s.recurring.view(func(items []rules.RecurringRule) error {
		out = make([]rules.RecurringRule, 0, len(items))
		for _, r := range items {
			if projectID == "" || r.ProjectID == projectID {
				out = append(out, r)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, err
}

func (s *Store) UpdateRecurringRule(ctx context.Context, id string, fn func(*rules.RecurringRule) error) (*rules.RecurringRule, error) {
	var updated *rules.RecurringRule
	err := s.recurring.update(func(items []rules.RecurringRule) ([]rules.RecurringRule, bool, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			r := items[i]
			if err := fn(&r); err != nil {
				return nil, false, err
			}
			items[i] = r
			updated = &r
			return items, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteRecurringRule(ctx context.Context, id string) error {
	return s.recurring.update(func(items []rules.RecurringRule) ([]rules.RecurringRule, bool, error) {
		for i := range items {
			if items[i].ID == id {
				return append(items[:i], items[i+1:]...), true, nil
			}
		}
		return nil, false, fmt.Errorf("%w: %s", rules.ErrNotFound, id)
	})
}

func (s *Store) PollRecurringRule(ctx context.Context, workerID string, now time.Time) (*rules.RecurringRule, error) {
	var claimed *rules.RecurringRule
	err := s.recurring.update(func(items []rules.RecurringRule) ([]rules.RecurringRule, bool, error) {
		idx := -1
		for i := range items {
			if !items[i].Claimable(now) {
				continue
			}
			if idx < 0 || items[i].NextRunAt.Before(*items[idx].NextRunAt) {
				idx = i
			}
		}
		if idx < 0 {
			return items, false, nil
		}
		items[idx].Lease(workerID, now)
		r := items[idx]
		claimed = &r
		return items, true, nil
	})
	return claimed, err
}

func (s *Store) ReclaimExpiredRecurringRules(ctx context.Context, leasedBefore time.Time) (int, error) {
	count := 0
	err := s.recurring.update(func(items []rules.RecurringRule) ([]rules.RecurringRule, bool, error) {
		now := s.now()
		for i := range items {
			r := &items[i]
			if r.WorkerID != "" && r.LeasedAt != nil && r.LeasedAt.Before(leasedBefore) {
				rules.ExpireRecurringLease(r, now)
				count++
			}
		}
		return items, count > 0, nil
	})
	return count, err
}
