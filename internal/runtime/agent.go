package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/ids"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/runlog"
	"github.com/aatumaykin/nexrun/internal/runstate"
)

const (
	// AskPrefix makes the agent ask a human and pause the run.
	AskPrefix = "/ask"
	// AskToolName is the tool the agent calls when it needs a human.
	AskToolName = "ask_human"
)

// EchoAgents replies to the newest message of a run inside one step.
// A user message starting with AskPrefix pauses the run for human input, and
// a tool result is acknowledged once the run is resumed.
type EchoAgents struct {
	runs   runlog.Repository
	ids    ids.Generator
	logger *logger.Logger
}

var _ runstate.AgentRuntime = (*EchoAgents)(nil)

func NewEchoAgents(runs runlog.Repository, log *logger.Logger) *EchoAgents {
	return &EchoAgents{runs: runs, ids: ids.UUIDGenerator{}, logger: log.Component("echo-agents")}
}

func (a *EchoAgents) Trigger(ctx context.Context, runID string) error {
	var b runstate.Builder
	if err := a.runs.Stream(ctx, runID, func(e runlog.Event) error {
		b.Apply(e)
		return nil
	}); err != nil {
		return err
	}
	state := b.State()
	if state.Agent == "" {
		return fmt.Errorf("%w: run %s", runstate.ErrAgentNotFound, runID)
	}
	if len(state.Messages) == 0 {
		return fmt.Errorf("run %s has no input", runID)
	}

	agent := state.Agent
	last := state.Messages[len(state.Messages)-1]
	stepID := a.ids.Next()
	events := []runlog.Event{runlog.StepStart(agent, stepID)}

	switch {
	case last.Role == chat.RoleUser && strings.HasPrefix(last.Content, AskPrefix):
		question := strings.TrimSpace(strings.TrimPrefix(last.Content, AskPrefix))
		callID := a.ids.Next()
		input, _ := json.Marshal(map[string]string{"question": question})
		events = append(events,
			runlog.MessageEvent(agent, chat.Message{
				Role:      chat.RoleAssistant,
				AgentName: agent,
				ToolCalls: []chat.ToolCall{{ID: callID, Name: AskToolName, Arguments: input}},
			}),
			runlog.ToolInvocation(agent, callID, AskToolName, input),
			runlog.StepEnd(agent, stepID),
			runlog.PauseForHumanInput(agent, callID),
		)
		a.logger.Info("run paused for human input",
			logger.Field{Key: "run_id", Value: runID},
			logger.Field{Key: "tool_call_id", Value: callID})

	case last.Role == chat.RoleTool:
		events = append(events,
			runlog.MessageEvent(agent, chat.Message{Role: chat.RoleAssistant, AgentName: agent, Content: "received: " + last.Content}),
			runlog.StepEnd(agent, stepID),
		)

	default:
		events = append(events,
			runlog.MessageEvent(agent, chat.Message{Role: chat.RoleAssistant, AgentName: agent, Content: last.Content}),
			runlog.StepEnd(agent, stepID),
		)
	}

	return a.runs.AppendEvents(ctx, runID, events...)
}
