// Package jobs implements the lease-based job queue: the job model, the
// store contract every backend satisfies, the executor that turns a job into
// a conversation turn and the polling worker.
package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/ids"
)

// Status is the lifecycle state of a job: pending → leased → completed|failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusLeased    Status = "leased"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether a job in this status can never be leased again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusLeased, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// LeaseExpiredError is the output error of a job whose lease was reaped.
const LeaseExpiredError = "lease expired"

// Input is the workflow definition plus the seed messages of the conversation.
type Input struct {
	Workflow json.RawMessage `json:"workflow,omitempty"`
	Messages []chat.Message  `json:"messages,omitempty"`
}

// Validate rejects messages with an unknown role.
func (in Input) Validate() error {
	for _, m := range in.Messages {
		if !m.Role.Valid() {
			return errors.New("invalid message role: " + string(m.Role))
		}
	}
	return nil
}

// Output is what execution produced, or why it failed.
type Output struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Messages       []chat.Message  `json:"messages,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Job is a unit of conversational work bound to a project.
type Job struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Input        Input      `json:"input"`
	Output       *Output    `json:"output,omitempty"`
	Status       Status     `json:"status"`
	WorkerID     string     `json:"workerId,omitempty"`
	LastWorkerID string     `json:"lastWorkerId,omitempty"`
	LeasedAt     *time.Time `json:"leasedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// New builds a pending job with a fresh id.
func New(projectID string, input Input) (*Job, error) {
	if projectID == "" {
		return nil, errors.New("project id is required")
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Job{
		ID:        ids.New(),
		ProjectID: projectID,
		Input:     input,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Claimable reports whether a poll may lease the job.
func (j *Job) Claimable() bool {
	return j.Status == StatusPending && j.WorkerID == ""
}

// Lease assigns the job to workerID.
func (j *Job) Lease(workerID string, at time.Time) {
	j.Status = StatusLeased
	j.WorkerID = workerID
	j.LastWorkerID = workerID
	j.LeasedAt = &at
	j.UpdatedAt = at
}

// Finish moves a leased job into a terminal status and drops the lease.
func (j *Job) Finish(status Status, output *Output, at time.Time) {
	j.Status = status
	j.Output = output
	j.WorkerID = ""
	j.LeasedAt = nil
	j.UpdatedAt = at
}
