package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aatumaykin/nexrun/internal/jobs"
)

func (s *Store) CreateJob(ctx context.Context, job *jobs.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(row).Error
}

func (s *Store) FetchJob(ctx context.Context, id string) (*jobs.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, jobs.ErrNotFound, id)
	}
	return row.toJob()
}

func (s *Store) ListJobs(ctx context.Context, projectID string) ([]jobs.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]jobs.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

// PollNextJob claims one job atomically using SKIP LOCKED.
func (s *Store) PollNextJob(ctx context.Context, workerID string) (*jobs.Job, error) {
	now := s.now()
	var row jobRow
	err := s.db.WithContext(ctx).Raw(`
with cte as (
  select id
  from jobs
  where status = 'pending' and worker_id is null
  order by created_at asc
  for update skip locked
  limit 1
)
update jobs
set status = 'leased', worker_id = ?, last_worker_id = ?, leased_at = ?, updated_at = ?
where id in (select id from cte)
returning *;
`, workerID, workerID, now, now).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == "" {
		return nil, nil
	}
	return row.toJob()
}

func (s *Store) CompleteJob(ctx context.Context, id, workerID string, status jobs.Status, output *jobs.Output) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	var payload []byte
	if output != nil {
		var err error
		if payload, err = json.Marshal(output); err != nil {
			return fmt.Errorf("failed to marshal job output: %w", err)
		}
	}

	res := s.db.WithContext(ctx).Exec(`
update jobs
set status = ?, output = ?, worker_id = null, leased_at = null, updated_at = ?
where id = ? and status = 'leased' and worker_id = ?`,
		string(status), payload, s.now(), id, workerID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.FetchJob(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", jobs.ErrLeaseLost, id)
	}
	return nil
}

func (s *Store) ReclaimExpiredJobs(ctx context.Context, leasedBefore time.Time) (int, error) {
	payload, err := json.Marshal(jobs.Output{Error: jobs.LeaseExpiredError})
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Exec(`
update jobs
set status = 'failed', output = ?, worker_id = null, leased_at = null, updated_at = ?
where status = 'leased' and leased_at < ?`,
		payload, s.now(), leasedBefore)
	return int(res.RowsAffected), res.Error
}
