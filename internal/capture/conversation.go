package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Role attributes a turn to its source.
type Role string

const (
	RoleUser   Role = "user"
	RoleOutput Role = "output"
)

// Turn is one contiguous span of captured text. Turns within a conversation
// are strictly ordered by Seq; role alternation is not enforced.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Seq       int       `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationStatus is the persisted status of a conversation.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusComplete  ConversationStatus = "complete"
	StatusAbnormal  ConversationStatus = "abnormal"
	StatusCorrupted ConversationStatus = "corrupted"
)

// Conversation is an append-only ordered sequence of turns bounded by a CLI
// invocation's start and end. Completing it is terminal; the record is
// immutable afterwards.
type Conversation struct {
	ID          string             `json:"id"`
	SessionID   string             `json:"session_id"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
	Status      ConversationStatus `json:"status"`
	Turns       []Turn             `json:"turns"`
}

// NewConversation creates an active conversation with a fresh ULID.
func NewConversation(sessionID string, now time.Time) *Conversation {
	return &Conversation{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		StartedAt: now,
		UpdatedAt: now,
		Status:    StatusActive,
	}
}

// snapshot returns a copy safe to hand outside the session lock while the
// original keeps growing under it. Turns are value structs, so copying the
// slice detaches the snapshot from later appends and in-place coalescing.
func (c *Conversation) snapshot() *Conversation {
	cp := *c
	cp.Turns = append([]Turn(nil), c.Turns...)
	return &cp
}

// State is the per-session conversation lifecycle.
type State int

const (
	StateNone State = iota
	StateActive
	StateComplete
	StateAbnormal
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateAbnormal:
		return "abnormal"
	default:
		return "invalid"
	}
}

// ErrConversationActive is returned when a conversation start arrives while
// one is already active. The caller must end the current conversation first;
// it is never silently overwritten.
var ErrConversationActive = errors.New("conversation already active")

// ErrNoConversation is returned for end events with nothing active.
var ErrNoConversation = errors.New("no active conversation")

// transition validates a lifecycle move. Every legal edge is listed; anything
// else is an error, not a silent overwrite.
func transition(from, to State) error {
	switch {
	case from == StateNone && to == StateActive:
		return nil
	case from == StateActive && (to == StateComplete || to == StateAbnormal):
		return nil
	case (from == StateComplete || from == StateAbnormal) && to == StateActive:
		// A session may run several sequential conversations.
		return nil
	case from == StateActive && to == StateActive:
		return ErrConversationActive
	case from == StateNone && (to == StateComplete || to == StateAbnormal):
		return ErrNoConversation
	default:
		return fmt.Errorf("illegal conversation transition %s -> %s", from, to)
	}
}
