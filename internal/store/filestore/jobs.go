package filestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aatumaykin/nexrun/internal/jobs"
)

func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	return s.jobs.update(func(items []jobs.Job) ([]jobs.Job, bool, error) {
		for i := range items {
			if items[i].ID == job.ID {
				return nil, false, fmt.Errorf("job %s already exists", job.ID)
			}
		}
		return append(items, *job), true, nil
	})
}

func (s *Store) FetchJob(ctx context.Context, id string) (*jobs.Job, error) {
	var found *jobs.Job
	err := s.jobs.view(func(items []jobs.Job) error {
		for i := range items {
			if items[i].ID == id {
				j := items[i]
				found = &j
				return nil
			}
		}
		return fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	})
	return found, err
}

func (s *Store) ListJobs(ctx context.Context, projectID string) ([]jobs.Job, error) {
	var out []jobs.Job
	err := s.jobs.view(func(items []jobs.Job) error {
		out = make([]jobs.Job, 0, len(items))
		for _, j := range items {
			if projectID == "" || j.ProjectID == projectID {
				out = append(out, j)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, err
}

// PollNextJob leases the oldest claimable job while holding the exclusive
// collection lock, which makes the select-and-lease atomic.
func (s *Store) PollNextJob(ctx context.Context, workerID string) (*jobs.Job, error) {
	var claimed *jobs.Job
	err := s.jobs.update(func(items []jobs.Job) ([]jobs.Job, bool, error) {
		idx := -1
		for i := range items {
			if !items[i].Claimable() {
				continue
			}
			if idx < 0 || items[i].CreatedAt.Before(items[idx].CreatedAt) {
				idx = i
			}
		}
		if idx < 0 {
			return items, false, nil
		}
		items[idx].Lease(workerID, s.now())
		j := items[idx]
		claimed = &j
		return items, true, nil
	})
	return claimed, err
}

func (s *Store) CompleteJob(ctx context.Context, id, workerID string, status jobs.Status, output *jobs.Output) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.jobs.update(func(items []jobs.Job) ([]jobs.Job, bool, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			if items[i].Status != jobs.StatusLeased || items[i].WorkerID != workerID {
				return nil, false, fmt.Errorf("%w: %s", jobs.ErrLeaseLost, id)
			}
			items[i].Finish(status, output, s.now())
			return items, true, nil
		}
		return nil, false, fmt.Errorf("%w: %s", jobs.ErrNotFound, id)
	})
}

func (s *Store) ReclaimExpiredJobs(ctx context.Context, leasedBefore time.Time) (int, error) {
	count := 0
	err := s.jobs.update(func(items []jobs.Job) ([]jobs.Job, bool, error) {
		now := s.now()
		for i := range items {
			j := &items[i]
			if j.Status == jobs.StatusLeased && j.LeasedAt != nil && j.LeasedAt.Before(leasedBefore) {
				j.Finish(jobs.StatusFailed, &jobs.Output{Error: jobs.LeaseExpiredError}, now)
				count++
			}
		}
		return items, count > 0, nil
	})
	return count, err
}
