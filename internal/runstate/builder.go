// Package runstate rebuilds in-memory run state from a run's event log and
// resumes runs paused for human input.
package runstate

import (
	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/runlog"
)

// State is the snapshot obtained by replaying a run log.
type State struct {
	Messages          []chat.Message `json:"messages"`
	Agent             string         `json:"agent,omitempty"`
	PendingToolCallID string         `json:"pendingToolCallId,omitempty"`
}

// Builder folds events into a State. The zero value is ready to use.
type Builder struct {
	state State
}

// Apply folds a single event.
func (b *Builder) Apply(e runlog.Event) {
	switch e.Type {
	case runlog.EventStart:
		b.state.Agent = e.AgentID
	case runlog.EventMessage:
		if e.Message != nil {
			b.state.Messages = append(b.state.Messages, *e.Message)
		}
		// a new message supersedes any earlier pause
		b.state.PendingToolCallID = ""
	case runlog.EventPauseForHumanInput:
		b.state.PendingToolCallID = e.ToolCallID
	}
}

// State returns a copy of the folded state.
func (b *Builder) State() State {
	s := b.state
	s.Messages = append([]chat.Message(nil), b.state.Messages...)
	return s
}

// Build folds a complete event sequence.
func Build(events []runlog.Event) State {
	var b Builder
	for _, e := range events {
		b.Apply(e)
	}
	return b.State()
}
