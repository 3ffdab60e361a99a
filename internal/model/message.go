// Package model defines the HTTP request and response bodies of the gateway.
package model

// DefaultSenderID is used when a message names no sender.
const DefaultSenderID = "user"

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	Content  string         `json:"content"`
	ChatID   string         `json:"chat_id"`
	SenderID string         `json:"sender_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessageResponse acknowledges an accepted message.
type SendMessageResponse struct {
	Status string `json:"status"`
	ChatID string `json:"chat_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
