// Package runtime provides the local echo runtimes the engine is wired with
// when no conversation engine or agent host is attached. They behave like the
// real collaborators from the engine's point of view: conversations stream
// messages then finish, agents append their steps to the run log.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aatumaykin/nexrun/internal/chat"
	"github.com/aatumaykin/nexrun/internal/ids"
	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
)

// FailPrefix makes a turn fail when the last user message starts with it.
const FailPrefix = "/fail"

var ErrConversationNotFound = errors.New("conversation not found")

type conversation struct {
	projectID string
	workflow  json.RawMessage
	messages  []chat.Message
}

// EchoConversations answers every turn with the last user message.
type EchoConversations struct {
	mu            sync.Mutex
	conversations map[string]*conversation
	logger        *logger.Logger
}

var _ jobs.ConversationRuntime = (*EchoConversations)(nil)

func NewEchoConversations(log *logger.Logger) *EchoConversations {
	return &EchoConversations{
		conversations: make(map[string]*conversation),
		logger:        log.Component("echo-conversations"),
	}
}

func (e *EchoConversations) CreateConversation(ctx context.Context, projectID string, workflow json.RawMessage, seed []chat.Message) (*jobs.Conversation, error) {
	id := ids.New()

	e.mu.Lock()
	e.conversations[id] = &conversation{
		projectID: projectID,
		workflow:  workflow,
		messages:  append([]chat.Message(nil), seed...),
	}
	e.mu.Unlock()

	e.logger.Debug("conversation created",
		logger.Field{Key: "conversation_id", Value: id},
		logger.Field{Key: "project_id", Value: projectID})
	return &jobs.Conversation{ID: id, ProjectID: projectID}, nil
}

func (e *EchoConversations) RunTurn(ctx context.Context, conversationID string, trigger jobs.TurnTrigger, input []chat.Message) (<-chan jobs.TurnEvent, error) {
	e.mu.Lock()
	conv, ok := e.conversations[conversationID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}

	text := lastUserContent(input)
	events := make(chan jobs.TurnEvent, 2)
	go func() {
		defer close(events)

		if strings.HasPrefix(text, FailPrefix) {
			send(ctx, events, jobs.TurnEvent{Type: jobs.TurnError, Err: errors.New(strings.TrimSpace(strings.TrimPrefix(text, FailPrefix)))})
			return
		}

		reply := chat.Message{Role: chat.RoleAssistant, Content: text}
		e.mu.Lock()
		conv.messages = append(conv.messages, reply)
		e.mu.Unlock()

		if !send(ctx, events, jobs.TurnEvent{Type: jobs.TurnMessage, Message: &reply}) {
			return
		}
		result, _ := json.Marshal(map[string]string{"echo": text, "trigger": string(trigger)})
		send(ctx, events, jobs.TurnEvent{Type: jobs.TurnDone, Result: result})
	}()
	return events, nil
}

// Messages returns the transcript of a conversation.
func (e *EchoConversations) Messages(conversationID string) ([]chat.Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	conv, ok := e.conversations[conversationID]
	if !ok {
		return nil, false
	}
	return append([]chat.Message(nil), conv.messages...), true
}

func send(ctx context.Context, ch chan<- jobs.TurnEvent, ev jobs.TurnEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func lastUserContent(messages []chat.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == chat.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
