package jobs

import (
	"context"
	"fmt"

	"github.com/aatumaykin/nexrun/internal/logger"
)

// Service is the API used by the CLI, the admin surface and the rule workers
// to create and inspect jobs.
type Service struct {
	store  Store
	logger *logger.Logger
}

func NewService(store Store, log *logger.Logger) *Service {
	return &Service{store: store, logger: log}
}

// Create validates and stores a new pending job.
func (s *Service) Create(ctx context.Context, projectID string, input Input) (*Job, error) {
	job, err := New(projectID, input)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	s.logger.Info("job created",
		logger.Field{Key: "job_id", Value: job.ID},
		logger.Field{Key: "project_id", Value: projectID})
	return job, nil
}

func (s *Service) Fetch(ctx context.Context, id string) (*Job, error) {
	return s.store.FetchJob(ctx, id)
}

func (s *Service) List(ctx context.Context, projectID string) ([]Job, error) {
	return s.store.ListJobs(ctx, projectID)
}
