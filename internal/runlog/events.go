// Package runlog stores the append-only event log of agent runs.
//
// Each run is a JSON Lines file named after the run id. The first event of
// every run is a start event; every later piece of run state is derived by
// replaying the log in order.
package runlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aatumaykin/nexrun/internal/chat"
)

// EventType discriminates run events.
type EventType string

const (
	EventStart              EventType = "start"
	EventMessage            EventType = "message"
	EventToolInvocation     EventType = "tool-invocation"
	EventToolResult         EventType = "tool-result"
	EventStepStart          EventType = "step-start"
	EventStepEnd            EventType = "step-end"
	EventPauseForHumanInput EventType = "pause-for-human-input"
	EventError              EventType = "error"
	// EventStream is ephemeral and never written to the log.
	EventStream EventType = "stream-event"
)

// Event is a single entry of a run log. Only the fields relevant to Type are set.
type Event struct {
	Type       EventType       `json:"type"`
	Ts         time.Time       `json:"ts"`
	AgentID    string          `json:"agentId,omitempty"`
	AgentName  string          `json:"agentName,omitempty"`
	Message    *chat.Message   `json:"message,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	StepID     string          `json:"stepId,omitempty"`
	Error      string          `json:"error,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Start binds a run to an agent.
func Start(agentID string) Event {
	return Event{Type: EventStart, Ts: now(), AgentID: agentID, AgentName: agentID}
}

// MessageEvent appends a chat message produced by agentName (empty for user input).
func MessageEvent(agentName string, msg chat.Message) Event {
	return Event{Type: EventMessage, Ts: now(), AgentName: agentName, Message: &msg}
}

// ToolInvocation records that the agent invoked a tool.
func ToolInvocation(agentName, toolCallID, toolName string, input json.RawMessage) Event {
	return Event{Type: EventToolInvocation, Ts: now(), AgentName: agentName, ToolCallID: toolCallID, ToolName: toolName, Input: input}
}

// ToolResult records the result of a tool call.
func ToolResult(agentName, toolCallID, toolName string, result json.RawMessage) Event {
	return Event{Type: EventToolResult, Ts: now(), AgentName: agentName, ToolCallID: toolCallID, ToolName: toolName, Result: result}
}

func StepStart(agentName, stepID string) Event {
	return Event{Type: EventStepStart, Ts: now(), AgentName: agentName, StepID: stepID}
}

func StepEnd(agentName, stepID string) Event {
	return Event{Type: EventStepEnd, Ts: now(), AgentName: agentName, StepID: stepID}
}

// PauseForHumanInput suspends the run until toolCallID receives a result.
func PauseForHumanInput(agentName, toolCallID string) Event {
	return Event{Type: EventPauseForHumanInput, Ts: now(), AgentName: agentName, ToolCallID: toolCallID}
}

// ErrorEvent records a failure inside the run.
func ErrorEvent(agentName string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Event{Type: EventError, Ts: now(), AgentName: agentName, Error: msg}
}

// StreamEvent wraps ephemeral streaming output.
func StreamEvent(agentName string, data json.RawMessage) Event {
	return Event{Type: EventStream, Ts: now(), AgentName: agentName, Data: data}
}

// Durable reports whether the event belongs in the persistent log.
func (e Event) Durable() bool {
	return e.Type != EventStream
}

// Validate checks the fields required by the event type.
func (e Event) Validate() error {
	switch e.Type {
	case EventStart:
		if e.AgentID == "" {
			return errors.New("start event requires agentId")
		}
	case EventMessage:
		if e.Message == nil {
			return errors.New("message event requires message")
		}
	case EventToolInvocation, EventToolResult, EventPauseForHumanInput:
		if e.ToolCallID == "" {
			return fmt.Errorf("%s event requires toolCallId", e.Type)
		}
	case EventStepStart, EventStepEnd, EventError, EventStream:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

var now = func() time.Time { return time.Now().UTC() }
