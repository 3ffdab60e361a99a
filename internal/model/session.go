package model

import (
	"time"
)

// SessionMessage is one transcript entry.
type SessionMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ToolsUsed []string  `json:"tools_used,omitempty"`
}

// SessionResponse is the body of GET /api/sessions/{session_id}.
type SessionResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []SessionMessage `json:"messages"`
	Metadata  map[string]any   `json:"metadata"`
}

// HealthResponse is the body of the health and readiness probes.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
