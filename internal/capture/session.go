package capture

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/tapscribe/tapscribe/internal/ansi"
	"github.com/tapscribe/tapscribe/internal/respond"
)

// SessionState is the lifecycle of one terminal tab's pipeline instance.
type SessionState string

const (
	SessionIdle           SessionState = "idle"
	SessionCapturing      SessionState = "capturing"
	SessionClosedClean    SessionState = "closed-clean"
	SessionClosedAbnormal SessionState = "closed-abnormal"
)

// ErrInputClosed is returned when a synthesized keystroke cannot be
// delivered because the session's input feed is gone.
var ErrInputClosed = errors.New("session input feed closed")

// inputFeedSize bounds the synthesized keystroke channel. Auto-responses
// are rare and tiny; a full feed means the consumer is gone.
const inputFeedSize = 16

// maxContentBytes caps the retained normalized content per session. The
// oldest text is trimmed once the cap is exceeded.
const maxContentBytes = 1 << 20

// Session is one terminal tab's pipeline instance: its own normalizer,
// assembler, echo-suppression state and synthesized-input feed. Sessions
// are fully isolated; the mutex here is per-session and the ingestion path
// never takes a cross-session lock.
type Session struct {
	ID string

	mu         sync.Mutex
	state      SessionState
	capture    bool
	autoReply  bool
	normalizer *ansi.Normalizer
	inputNorm  *ansi.Normalizer
	assembler  *Assembler

	content strings.Builder
	tail    []byte
	tailMax int

	lastKeystroke   string
	lastKeystrokeAt time.Time
	answeredPrompt  uint64

	input       chan []byte
	inputClosed bool

	// Earlier conversations from this session, newest last. The active one
	// lives in the assembler until it ends.
	history []*Conversation
	// dirty conversations awaiting a store flush.
	dirty map[string]*Conversation
}

func newSession(id string, normalizer *ansi.Normalizer, assembler *Assembler, tailMax int) *Session {
	if tailMax <= 0 {
		tailMax = 2048
	}
	return &Session{
		ID:         id,
		state:      SessionIdle,
		capture:    true,
		normalizer: normalizer,
		assembler:  assembler,
		tailMax:    tailMax,
		input:      make(chan []byte, inputFeedSize),
		dirty:      make(map[string]*Conversation),
	}
}

// InputFeed returns the channel of synthesized keystrokes the terminal
// integration layer must drain and inject into the PTY.
func (s *Session) InputFeed() <-chan []byte {
	return s.input
}

// SetAutoRespond toggles automatic prompt answering for this session.
func (s *Session) SetAutoRespond(enabled bool) {
	s.mu.Lock()
	s.autoReply = enabled
	s.mu.Unlock()
}

// SetCapture toggles conversation capture for this session.
func (s *Session) SetCapture(enabled bool) {
	s.mu.Lock()
	s.capture = enabled
	s.mu.Unlock()
}

// AutoRespondEnabled reports the auto-respond toggle.
func (s *Session) AutoRespondEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoReply
}

// AnsweredPrompt returns the fingerprint of the last prompt this session
// auto-answered.
func (s *Session) AnsweredPrompt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredPrompt
}

// SendAnswer delivers a synthesized keystroke sequence and records it as a
// local keystroke in the same locked step, so the echo-suppression window
// covers the dispatcher's own input before the next detection cycle runs.
// The fingerprint check happens under the same lock, guaranteeing at most
// one response per distinct prompt occurrence.
func (s *Session) SendAnswer(data []byte, fingerprint uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.answeredPrompt == fingerprint {
		return respond.ErrAlreadyAnswered
	}
	if s.inputClosed {
		return ErrInputClosed
	}
	select {
	case s.input <- data:
	default:
		return ErrInputClosed
	}

	s.answeredPrompt = fingerprint
	s.lastKeystroke = string(data)
	s.lastKeystrokeAt = time.Now()
	return nil
}

// appendContent accumulates normalized output, trimming the oldest text
// once the retention cap is reached.
func (s *Session) appendContent(text string) {
	s.content.WriteString(text)
	if s.content.Len() > maxContentBytes {
		trimmed := s.content.String()
		trimmed = trimmed[len(trimmed)-maxContentBytes/2:]
		s.content.Reset()
		s.content.WriteString(trimmed)
	}
}

// appendTail keeps the bounded recent-output window the detector reads.
// Work here is O(len(text)), never a scan of accumulated history.
func (s *Session) appendTail(text string) {
	s.tail = append(s.tail, text...)
	if len(s.tail) > s.tailMax {
		s.tail = append(s.tail[:0], s.tail[len(s.tail)-s.tailMax:]...)
	}
}

// Content returns the session's normalized captured content.
func (s *Session) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// State returns the session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conversations returns the session's conversations, oldest first, with the
// active one (if any) last. Ended conversations are immutable and shared;
// the active one is snapshotted so callers can read it unlocked.
func (s *Session) Conversations() []*Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Conversation, 0, len(s.history)+1)
	out = append(out, s.history...)
	if active := s.assembler.Active(); active != nil {
		out = append(out, active.snapshot())
	}
	return out
}

// markDirty queues a conversation for the next store flush.
func (s *Session) markDirty(conv *Conversation) {
	if conv != nil {
		s.dirty[conv.ID] = conv
	}
}

// takeDirty drains the flush queue. Entries are snapshotted under the
// session lock: the store must never iterate a conversation the assembler
// is still appending to.
func (s *Session) takeDirty() []*Conversation {
	if len(s.dirty) == 0 {
		return nil
	}
	out := make([]*Conversation, 0, len(s.dirty))
	for _, c := range s.dirty {
		out = append(out, c.snapshot())
	}
	s.dirty = make(map[string]*Conversation)
	return out
}

// closeInput shuts the synthesized keystroke feed.
func (s *Session) closeInput() {
	if !s.inputClosed {
		s.inputClosed = true
		close(s.input)
	}
}
