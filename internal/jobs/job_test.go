package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	job, err := New("proj", Input{
		Workflow: json.RawMessage(`{"agents":[]}`),
		Messages: []chat.Message{chat.UserMessage("hello")},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.True(t, job.Claimable())
	assert.Nil(t, job.Output)
	assert.False(t, job.CreatedAt.IsZero())

	_, err = New("", Input{})
	assert.Error(t, err)

	_, err = New("proj", Input{Messages: []chat.Message{{Role: "robot", Content: "x"}}})
	assert.Error(t, err)
}

func TestInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   Input
		wantErr string
	}{
		{name: "empty", input: Input{}},
		{name: "user and assistant", input: Input{Messages: []chat.Message{
			chat.UserMessage("hi"),
			{Role: chat.RoleAssistant, Content: "hello"},
		}}},
		{name: "unknown role", input: Input{Messages: []chat.Message{
			chat.UserMessage("hi"),
			{Role: "bogus", Content: "x"},
		}}, wantErr: "invalid message role: bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}

func TestJob_LeaseAndFinish(t *testing.T) {
	job, err := New("proj", Input{})
	require.NoError(t, err)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	job.Lease("w1", at)
	assert.Equal(t, StatusLeased, job.Status)
	assert.Equal(t, "w1", job.WorkerID)
	assert.Equal(t, "w1", job.LastWorkerID)
	assert.False(t, job.Claimable())

	job.Finish(StatusCompleted, &Output{ConversationID: "c1"}, at.Add(time.Minute))
	assert.True(t, job.Status.Terminal())
	assert.Empty(t, job.WorkerID)
	assert.Equal(t, "w1", job.LastWorkerID)
	assert.Nil(t, job.LeasedAt)
	assert.False(t, job.Claimable())
}

func TestStatus(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		terminal bool
	}{
		{StatusPending, true, false},
		{StatusLeased, true, false},
		{StatusCompleted, true, true},
		{StatusFailed, true, true},
		{Status("running"), false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}
