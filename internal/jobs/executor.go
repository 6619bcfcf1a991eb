package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/aatumaykin/nexrun/internal/logger"
)

// Executor runs a single job against the conversation runtime.
type Executor struct {
	runtime ConversationRuntime
	logger  *logger.Logger
}

func NewExecutor(runtime ConversationRuntime, log *logger.Logger) *Executor {
	return &Executor{runtime: runtime, logger: log}
}

// Execute creates a conversation seeded from the job input, runs one turn and
// drains its events. The returned output is non-nil whenever a conversation
// was created, even on failure. A panic inside the runtime is returned as an
// error.
func (e *Executor) Execute(ctx context.Context, job *Job) (output *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.logger.Error("job execution panic recovered", err,
				logger.Field{Key: "job_id", Value: job.ID})
		}
	}()

	conv, err := e.runtime.CreateConversation(ctx, job.ProjectID, job.Input.Workflow, job.Input.Messages)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	output = &Output{ConversationID: conv.ID}

	events, err := e.runtime.RunTurn(ctx, conv.ID, TriggerJob, job.Input.Messages)
	if err != nil {
		return output, fmt.Errorf("failed to start turn: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return output, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return output, nil
			}
			switch ev.Type {
			case TurnMessage:
				if ev.Message != nil {
					output.Messages = append(output.Messages, *ev.Message)
				}
			case TurnError:
				if ev.Err == nil {
					ev.Err = errors.New("turn failed")
				}
				return output, ev.Err
			case TurnDone:
				output.Result = ev.Result
				return output, nil
			}
		}
	}
}
