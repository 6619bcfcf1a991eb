package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for worker tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*Job)}
}

func (s *memStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memStore) FetchJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) ListJobs(ctx context.Context, projectID string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if projectID == "" || j.ProjectID == projectID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (s *memStore) PollNextJob(ctx context.Context, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next *Job
	for _, j := range s.jobs {
		if j.Claimable() && (next == nil || j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Lease(workerID, time.Now().UTC())
	cp := *next
	return &cp, nil
}

func (s *memStore) CompleteJob(ctx context.Context, id, workerID string, status Status, output *Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.Status != StatusLeased || j.WorkerID != workerID {
		return ErrLeaseLost
	}
	j.Finish(status, output, time.Now().UTC())
	return nil
}

func (s *memStore) ReclaimExpiredJobs(ctx context.Context, leasedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == StatusLeased && j.LeasedAt != nil && j.LeasedAt.Before(leasedBefore) {
			j.Finish(StatusFailed, &Output{Error: LeaseExpiredError}, time.Now().UTC())
			n++
		}
	}
	return n, nil
}
