package rules

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory ScheduledStore and RecurringStore for tests.
type memStore struct {
	mu        sync.Mutex
	scheduled map[string]*ScheduledRule
	recurring map[string]*RecurringRule
}

func newMemStore() *memStore {
	return &memStore{scheduled: make(map[string]*ScheduledRule), recurring: make(map[string]*RecurringRule)}
}

func (s *memStore) CreateScheduledRule(ctx context.Context, rule *ScheduledRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.scheduled[rule.ID] = &cp
	return nil
}

func (s *memStore) FetchScheduledRule(ctx context.Context, id string) (*ScheduledRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.scheduled[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListScheduledRules(ctx context.Context, projectID string) ([]ScheduledRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ScheduledRule
	for _, r := range s.scheduled {
		if projectID == "" || r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *memStore) UpdateScheduledRule(ctx context.Context, id string, fn func(*ScheduledRule) error) (*ScheduledRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.scheduled[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.scheduled[id] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) DeleteScheduledRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scheduled[id]; !ok {
		return ErrNotFound
	}
	delete(s.scheduled, id)
	return nil
}

func (s *memStore) PollScheduledRule(ctx context.Context, workerID string, now time.Time) (*ScheduledRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *ScheduledRule
	for _, r := range s.scheduled {
		if r.Claimable(now) && (next == nil || r.NextRunAt.Before(next.NextRunAt)) {
			next = r
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Lease(workerID, now)
	cp := *next
	return &cp, nil
}

func (s *memStore) ReclaimExpiredScheduledRules(ctx context.Context, leasedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.scheduled {
		if r.WorkerID != "" && r.LeasedAt != nil && r.LeasedAt.Before(leasedBefore) {
			ExpireScheduledLease(r, leasedBefore)
			n++
		}
	}
	return n, nil
}

func (s *memStore) CreateRecurringRule(ctx context.Context, rule *RecurringRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rule
	s.recurring[rule.ID] = &cp
	return nil
}

func (s *memStore) FetchRecurringRule(ctx context.Context, id string) (*RecurringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurring[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) ListRecurringRules(ctx context.Context, projectID string) ([]RecurringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RecurringRule
	for _, r := range s.recurring {
		if projectID == "" || r.ProjectID == projectID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *memStore) UpdateRecurringRule(ctx context.Context, id string, fn func(*RecurringRule) error) (*RecurringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recurring[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	if err := fn(&cp); err != nil {
		return nil, err
	}
	s.recurring[id] = &cp
	out := cp
	return &out, nil
}

func (s *memStore) DeleteRecurringRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recurring[id]; !ok {
		return ErrNotFound
	}
	delete(s.recurring, id)
	return nil
}

func (s *memStore) PollRecurringRule(ctx context.Context, workerID string, now time.Time) (*RecurringRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *RecurringRule
	for _, r := range s.recurring {
		if r.Claimable(now) && (next == nil || r.NextRunAt.Before(*next.NextRunAt)) {
			next = r
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Lease(workerID, now)
	cp := *next
	return &cp, nil
}

func (s *memStore) ReclaimExpiredRecurringRules(ctx context.Context, leasedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recurring {
		if r.WorkerID != "" && r.LeasedAt != nil && r.LeasedAt.Before(leasedBefore) {
			ExpireRecurringLease(r, leasedBefore)
			n++
		}
	}
	return n, nil
}
