package jobs

import (
	"context"
	"encoding/json"

	"github.com/aatumaykin/nexrun/internal/chat"
)

// TurnTrigger names what started a conversation turn.
type TurnTrigger string

const TriggerJob TurnTrigger = "job"

type TurnEventType string

const (
	TurnMessage TurnEventType = "message"
	TurnError   TurnEventType = "error"
	TurnDone    TurnEventType = "done"
)

// TurnEvent is one item of the stream produced by a running turn.
type TurnEvent struct {
	Type    TurnEventType
	Message *chat.Message
	Result  json.RawMessage
	Err     error
}

// Conversation is the handle returned by CreateConversation.
type Conversation struct {
	ID        string
	ProjectID string
}

// ConversationRuntime is the conversation engine the queue drives. The queue
// treats it as opaque and only consumes the completion signal and output.
type ConversationRuntime interface {
	CreateConversation(ctx context.Context, projectID string, workflow json.RawMessage, seed []chat.Message) (*Conversation, error)
	// RunTurn starts a turn and streams its events. The channel is closed
	// when the turn ends.
	RunTurn(ctx context.Context, conversationID string, trigger TurnTrigger, input []chat.Message) (<-chan TurnEvent, error)
}
