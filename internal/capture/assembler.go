package capture

import (
	"time"
)

// TurnEvents receives assembler activity. Implemented by the health
// aggregator.
type TurnEvents interface {
	ConversationStarted()
	ConversationCompleted()
	ConversationAbnormal()
	TurnDetected(input bool)
}

// Assembler builds one session's conversations out of normalized text
// spans. Adjacent same-role spans arriving within the coalescing window
// merge into a single turn, so chunked I/O does not fragment turns.
//
// The assembler is not safe for concurrent use; the owning session
// serializes access.
type Assembler struct {
	sessionID string
	coalesce  time.Duration
	events    TurnEvents

	state      State
	conv       *Conversation
	lastRole   Role
	lastAppend time.Time
}

// NewAssembler creates an assembler for one session. events may be nil.
func NewAssembler(sessionID string, coalesce time.Duration, events TurnEvents) *Assembler {
	if coalesce <= 0 {
		coalesce = 150 * time.Millisecond
	}
	return &Assembler{
		sessionID: sessionID,
		coalesce:  coalesce,
		events:    events,
	}
}

// State returns the current lifecycle state.
func (a *Assembler) State() State {
	return a.state
}

// Active returns the conversation currently being assembled, or nil.
func (a *Assembler) Active() *Conversation {
	if a.state != StateActive {
		return nil
	}
	return a.conv
}

// Start opens a new conversation. The start signal comes from the terminal
// integration layer (a known CLI was launched), not from text inference.
func (a *Assembler) Start(now time.Time) (*Conversation, error) {
	if err := transition(a.state, StateActive); err != nil {
		return nil, err
	}
	a.state = StateActive
	a.conv = NewConversation(a.sessionID, now)
	a.lastRole = ""
	a.lastAppend = time.Time{}
	if a.events != nil {
		a.events.ConversationStarted()
	}
	return a.conv, nil
}

// Append adds a normalized text span attributed to role. Within the
// coalescing window, same-role spans extend the previous turn instead of
// opening a new one. Spans outside an active conversation are dropped.
func (a *Assembler) Append(role Role, text string, now time.Time) {
	if a.state != StateActive || text == "" {
		return
	}

	conv := a.conv
	if role == a.lastRole && len(conv.Turns) > 0 && now.Sub(a.lastAppend) <= a.coalesce {
		conv.Turns[len(conv.Turns)-1].Content += text
	} else {
		conv.Turns = append(conv.Turns, Turn{
			Role:      role,
			Content:   text,
			Seq:       len(conv.Turns),
			Timestamp: now,
		})
		if a.events != nil {
			a.events.TurnDetected(role == RoleUser)
		}
	}

	conv.UpdatedAt = now
	a.lastRole = role
	a.lastAppend = now
}

// End closes the active conversation. clean distinguishes a recognized exit
// from the session dying underneath us; only a clean end completes the
// conversation, anything else leaves it recoverable.
func (a *Assembler) End(clean bool, now time.Time) (*Conversation, error) {
	to := StateComplete
	if !clean {
		to = StateAbnormal
	}
	if err := transition(a.state, to); err != nil {
		return nil, err
	}

	conv := a.conv
	conv.UpdatedAt = now
	if clean {
		done := now
		conv.CompletedAt = &done
		conv.Status = StatusComplete
		if a.events != nil {
			a.events.ConversationCompleted()
		}
	} else {
		conv.Status = StatusAbnormal
		if a.events != nil {
			a.events.ConversationAbnormal()
		}
	}

	a.state = to
	a.conv = nil
	a.lastRole = ""
	return conv, nil
}
