package runstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/runlog"
)

var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrNoPendingToolCall = errors.New("no pending tool call")
	ErrToolCallMismatch  = errors.New("tool call does not match pending call")
)

// AgentRuntime drives an agent to completion for a run whose log already
// holds the input the agent should react to.
type AgentRuntime interface {
	Trigger(ctx context.Context, runID string) error
}

// ToolResult is the human-provided answer to a paused tool call.
type ToolResult struct {
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName,omitempty"`
	Result     json.RawMessage `json:"result"`
}

// Resumer continues runs suspended by a pause-for-human-input event.
// Concurrent resumes of one run are serialized within a process; only the
// first answers the pending call.
type Resumer struct {
	runs    runlog.Repository
	runtime AgentRuntime
	logger  *logger.Logger

	mu    sync.Mutex
	locks map[string]*runLock
}

type runLock struct {
	sync.Mutex
	refs int
}

func NewResumer(runs runlog.Repository, runtime AgentRuntime, log *logger.Logger) *Resumer {
	return &Resumer{runs: runs, runtime: runtime, logger: log, locks: make(map[string]*runLock)}
}

func (r *Resumer) lock(runID string) func() {
	r.mu.Lock()
	l, ok := r.locks[runID]
	if !ok {
		l = &runLock{}
		r.locks[runID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, runID)
		}
		r.mu.Unlock()
	}
}

// Load replays the run log end-to-end.
func (r *Resumer) Load(ctx context.Context, runID string) (State, error) {
	var b Builder
	if err := r.runs.Stream(ctx, runID, func(e runlog.Event) error {
		b.Apply(e)
		return nil
	}); err != nil {
		return State{}, err
	}
	return b.State(), nil
}

// Resume records the tool result and triggers the agent again.
func (r *Resumer) Resume(ctx context.Context, runID string, result ToolResult) error {
	state, err := r.record(ctx, runID, result)
	if err != nil {
		return err
	}

	r.logger.Info("resuming run",
		logger.Field{Key: "run_id", Value: runID},
		logger.Field{Key: "agent", Value: state.Agent},
		logger.Field{Key: "tool_call_id", Value: state.PendingToolCallID})

	return r.runtime.Trigger(ctx, runID)
}

// record checks the pending call and appends the answer under the run lock.
func (r *Resumer) record(ctx context.Context, runID string, result ToolResult) (State, error) {
	unlock := r.lock(runID)
	defer unlock()

	state, err := r.Load(ctx, runID)
	if err != nil {
		return State{}, err
	}
	if state.Agent == "" {
		return State{}, fmt.Errorf("%w: run %s", ErrAgentNotFound, runID)
	}
	if state.PendingToolCallID == "" {
		return State{}, fmt.Errorf("%w: run %s", ErrNoPendingToolCall, runID)
	}
	if result.ToolCallID != "" && result.ToolCallID != state.PendingToolCallID {
		return State{}, fmt.Errorf("%w: got %s, pending %s", ErrToolCallMismatch, result.ToolCallID, state.PendingToolCallID)
	}

	payload := result.Result
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	toolMsg := chat.Message{
		Role:       chat.RoleTool,
		Content:    string(payload),
		ToolCallID: state.PendingToolCallID,
		ToolName:   result.ToolName,
	}
	if err := r.runs.AppendEvents(ctx, runID,
		runlog.ToolResult(state.Agent, state.PendingToolCallID, result.ToolName, payload),
		runlog.MessageEvent(state.Agent, toolMsg),
	); err != nil {
		return State{}, fmt.Errorf("failed to record tool result: %w", err)
	}
	return state, nil
}
