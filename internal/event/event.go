// Package event defines the internal agent event vocabulary and its wire encodings.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the semantic type of one progress update.
type Kind string

const (
	KindConnected  Kind = "connected"
	KindThinking   Kind = "thinking"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindMessage    Kind = "message"
)

// Reserved attribute keys. The nested encoding writes them into metadata.
const (
	AttrEventType = "event_type"
	AttrTimestamp = "timestamp"
)

var (
	ErrUnknownKind       = errors.New("unknown event kind")
	ErrMissingAttribute  = errors.New("missing required attribute")
	ErrReservedAttribute = errors.New("reserved attribute key")
	ErrEmptyConversation = errors.New("conversation id is empty")
)

// requiredAttributes lists the attribute keys every event of a kind must carry.
var requiredAttributes = map[Kind][]string{
	KindConnected:  {"conversation_id"},
	KindThinking:   {"iteration", "is_reasoning"},
	KindToolCall:   {"tool", "arguments", "tool_call_id"},
	KindToolResult: {"tool", "tool_call_id"},
	KindMessage:    nil,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := requiredAttributes[k]
	return ok
}

// RequiredAttributes returns the attribute keys required for k.
func (k Kind) RequiredAttributes() []string {
	return requiredAttributes[k]
}

// Attributes is the open metadata bag attached to an event.
type Attributes map[string]any

// Clone returns a deep copy of a. Nested maps and slices are copied so a
// published event shares no mutable state with its publisher.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Attributes:
		return v.Clone()
	case map[string]any:
		return map[string]any(Attributes(v).Clone())
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = map[string]any(Attributes(item).Clone())
		}
		return out
	default:
		return v
	}
}

// Event is one immutable unit of agent progress for a conversation.
type Event struct {
	ConversationID string
	Kind           Kind
	Content        string
	Attributes     Attributes
	CreatedAt      time.Time

	// Sequence is assigned by the conversation channel at publish time.
	Sequence uint64
}

// Validate checks the event against the per-kind attribute schema.
func (e Event) Validate() error {
	if e.ConversationID == "" {
		return ErrEmptyConversation
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	for _, key := range []string{AttrEventType, AttrTimestamp} {
		if _, ok := e.Attributes[key]; ok {
			return fmt.Errorf("%w: %s", ErrReservedAttribute, key)
		}
	}
	for _, key := range e.Kind.RequiredAttributes() {
		if _, ok := e.Attributes[key]; !ok {
			return fmt.Errorf("%w: %s requires %q", ErrMissingAttribute, e.Kind, key)
		}
	}
	return nil
}

// Connected builds the synthetic event emitted when a client attaches.
func Connected(conversationID string) Event {
	return Event{
		ConversationID: conversationID,
		Kind:           KindConnected,
		Attributes:     Attributes{"conversation_id": conversationID},
		CreatedAt:      time.Now(),
	}
}

// Thinking builds a reasoning-step event. Text is empty for a bare iteration marker.
func Thinking(conversationID string, iteration int, isReasoning bool, text string) Event {
	return Event{
		ConversationID: conversationID,
		Kind:           KindThinking,
		Content:        text,
		Attributes: Attributes{
			"iteration":    iteration,
			"is_reasoning": isReasoning,
		},
	}
}

// ToolCall builds a tool invocation event.
func ToolCall(conversationID, tool, toolCallID string, arguments map[string]any, iteration int) Event {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return Event{
		ConversationID: conversationID,
		Kind:           KindToolCall,
		Attributes: Attributes{
			"tool":         tool,
			"arguments":    arguments,
			"tool_call_id": toolCallID,
			"iteration":    iteration,
		},
	}
}

// ToolResult builds a tool result event carrying the stringified result.
func ToolResult(conversationID, tool, toolCallID, result string, iteration int) Event {
	return Event{
		ConversationID: conversationID,
		Kind:           KindToolResult,
		Content:        result,
		Attributes: Attributes{
			"tool":         tool,
			"tool_call_id": toolCallID,
			"iteration":    iteration,
		},
	}
}

// Message builds a response fragment event.
func Message(conversationID, content string, attrs Attributes) Event {
	if attrs == nil {
		attrs = Attributes{}
	}
	return Event{
		ConversationID: conversationID,
		Kind:           KindMessage,
		Content:        content,
		Attributes:     attrs,
	}
}
