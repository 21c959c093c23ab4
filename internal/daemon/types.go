package daemon

import (
	"time"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/store"
)

// ActiveConversationsResponse is the active-conversations endpoint body.
// Count always equals the health aggregator's conversationsActive metric.
type ActiveConversationsResponse struct {
	Active []capture.ActiveConversation `json:"active"`
	Count  int64                        `json:"count"`
}

// SessionConversationsResponse is the per-tab conversation listing body.
type SessionConversationsResponse struct {
	Success       bool                    `json:"success"`
	Conversations []*capture.Conversation `json:"conversations"`
	Count         int                     `json:"count"`
}

// SessionContentResponse carries a session's normalized captured content.
type SessionContentResponse struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// RecoveryResponse is the recovery check body. HasRecoverable is true iff
// Sessions is non-empty.
type RecoveryResponse struct {
	HasRecoverable bool                       `json:"hasRecoverable"`
	Sessions       []store.RecoverableSession `json:"sessions"`
}

// ToggleRequest enables or disables a per-session flag.
type ToggleRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleResponse acknowledges a toggle.
type ToggleResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Enabled   bool   `json:"enabled"`
}

// SSEEvent represents a server-sent event
type SSEEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// SSE event types published by the pipeline
const (
	SSEConversationStart = "conversation_started"
	SSEConversationEnd   = "conversation_ended"
	SSEPromptDetected    = "prompt_detected"
	SSEAutoResponse      = "auto_response"
	SSEHeartbeat         = "heartbeat"
)

// heartbeatPayload is the periodic keepalive body.
type heartbeatPayload struct {
	Time    time.Time `json:"time"`
	Clients int       `json:"clients"`
}
