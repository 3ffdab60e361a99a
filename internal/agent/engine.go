// Package agent defines the boundary between the gateway and the agent that
// produces progress reports, plus the engines the gateway can run.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/capitalize-ai/agent-event-gateway/internal/event"
)

var (
	ErrEngineStopped = errors.New("agent engine stopped")
	ErrEngineBusy    = errors.New("agent engine queue is full")
)

// errorReplyPrefix starts the message sent when a turn fails.
const errorReplyPrefix = "Sorry, I encountered an error: "

// Request is one inbound chat message handed to an engine.
type Request struct {
	ConversationID string         `json:"chat_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// Turn summarizes a completed exchange for transcript persistence.
type Turn struct {
	UserContent      string   `json:"user_content"`
	AssistantContent string   `json:"assistant_content"`
	ToolsUsed        []string `json:"tools_used,omitempty"`
}

// Report is one progress update produced by an engine.
type Report struct {
	ConversationID string
	Kind           event.Kind
	Content        string
	Attributes     event.Attributes
	Time           time.Time

	// Err marks a failed turn; the gateway turns it into an error message.
	Err error
	// Turn is set on the final report of a turn that should be persisted.
	Turn *Turn
}

// reportOf converts an event built with the event constructors into a report.
func reportOf(e event.Event) Report {
	return Report{
		ConversationID: e.ConversationID,
		Kind:           e.Kind,
		Content:        e.Content,
		Attributes:     e.Attributes,
		Time:           time.Now(),
	}
}

// Event converts the report into an event ready to publish.
func (r Report) Event() event.Event {
	if r.Err != nil {
		attrs := r.Attributes.Clone()
		attrs["error"] = true
		return event.Event{
			ConversationID: r.ConversationID,
			Kind:           event.KindMessage,
			Content:        errorReplyPrefix + r.Err.Error(),
			Attributes:     attrs,
			CreatedAt:      r.Time,
		}
	}
	return event.Event{
		ConversationID: r.ConversationID,
		Kind:           r.Kind,
		Content:        r.Content,
		Attributes:     r.Attributes.Clone(),
		CreatedAt:      r.Time,
	}
}

// Engine runs agent turns and reports their progress.
type Engine interface {
	// Name identifies the engine in logs and metrics.
	Name() string

	// Submit queues a request without waiting for the turn to run. It fails
	// with ErrEngineBusy when the queue is full and ErrEngineStopped after Close.
	Submit(ctx context.Context, req Request) error

	// Reports delivers progress for all conversations. It is closed by Close.
	Reports() <-chan Report

	Close() error
}
