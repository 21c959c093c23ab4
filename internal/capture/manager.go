package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapscribe/tapscribe/internal/ansi"
	"github.com/tapscribe/tapscribe/internal/config"
	"github.com/tapscribe/tapscribe/internal/detect"
	"github.com/tapscribe/tapscribe/internal/health"
	"github.com/tapscribe/tapscribe/internal/logger"
	"github.com/tapscribe/tapscribe/internal/respond"
)

// ErrUnknownSession is returned for operations on a session id that was
// never opened or has been closed.
var ErrUnknownSession = errors.New("unknown session")

// ErrSessionExists is returned when opening a session id twice.
var ErrSessionExists = errors.New("session already open")

// Persister is the slice of the store the manager needs. Implemented by
// store.SQLiteStore.
type Persister interface {
	Persist(conv *Conversation) error
	SessionConversations(sessionID string) ([]*Conversation, error)
}

// EventSink receives live pipeline events for observability (the daemon's
// SSE broadcaster). Publish must not block.
type EventSink interface {
	Publish(eventType string, data any)
}

// ActiveConversation is the summary exposed by the active-conversations
// endpoint.
type ActiveConversation struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	StartedAt      time.Time `json:"started_at"`
	TurnCount      int       `json:"turn_count"`
}

// Manager owns one pipeline instance per session and the shared collaborators
// (detector, dispatcher, store, health). Sessions are processed concurrently;
// the only cross-session state is the sessions map itself and the shared
// aggregator/store, both behind short critical sections off the hot path.
type Manager struct {
	coalesce      time.Duration
	tailMax       int
	flushInterval time.Duration
	startCommands map[string]bool

	agg        *health.Aggregator
	detector   *detect.Detector
	dispatcher *respond.Dispatcher
	store      Persister
	sink       EventSink

	mu       sync.RWMutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates the pipeline manager. agg, store, and sink may each be
// nil (no health reporting / no persistence / no event stream).
func NewManager(cfg *config.Config, agg *health.Aggregator, store Persister, sink EventSink) *Manager {
	starts := make(map[string]bool, len(cfg.Capture.StartCommands))
	for _, cmd := range cfg.Capture.StartCommands {
		starts[strings.ToLower(cmd)] = true
	}

	// A nil *health.Aggregator must stay a nil interface downstream, or the
	// != nil guards in the pipeline stop working.
	var detEvents detect.Events
	var respEvents respond.Events
	if agg != nil {
		detEvents = agg
		respEvents = agg
	}

	return &Manager{
		coalesce:      time.Duration(cfg.Capture.CoalesceWindowMs) * time.Millisecond,
		tailMax:       cfg.Capture.TailWindowBytes,
		flushInterval: time.Duration(cfg.Store.FlushIntervalMs) * time.Millisecond,
		startCommands: starts,
		agg:           agg,
		detector: detect.New(
			cfg.Detect.Threshold,
			time.Duration(cfg.Detect.EchoSuppressionMs)*time.Millisecond,
			detEvents,
		),
		dispatcher: respond.New(respEvents),
		store:      store,
		sink:       sink,
		sessions:   make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}
}

// recorder adapts the optional aggregator for the normalizer without
// producing a typed-nil interface.
func (m *Manager) recorder() ansi.Recorder {
	if m.agg == nil {
		return nil
	}
	return m.agg
}

// turnEvents adapts the optional aggregator for the assembler without
// producing a typed-nil interface.
func (m *Manager) turnEvents() TurnEvents {
	if m.agg == nil {
		return nil
	}
	return m.agg
}

// Start launches the background flush loop. Persistence is buffered: active
// conversations reach disk on this cadence, never synchronously per
// keystroke.
func (m *Manager) Start(ctx context.Context) {
	if m.store == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		interval := m.flushInterval
		if interval <= 0 {
			interval = 2 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.flushAll()
			}
		}
	}()
}

// Stop flushes outstanding writes and stops the background loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.flushAll()
}

// OpenSession registers a new session pipeline. An empty id gets a generated
// one. Returns the session so the integration layer can drain its InputFeed.
func (m *Manager) OpenSession(id string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	s := newSession(id,
		ansi.New(m.recorder()),
		NewAssembler(id, m.coalesce, m.turnEvents()),
		m.tailMax,
	)
	s.inputNorm = ansi.New(m.recorder())
	m.sessions[id] = s

	logger.Debug().Str("session", id).Msg("Session opened")
	return s, nil
}

// CloseSession tears down a session's pipeline. clean indicates a recognized
// exit; otherwise the active conversation is left abnormal and recoverable.
// In-flight persistence drains before the call returns.
func (m *Manager) CloseSession(id string, clean bool) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}

	now := time.Now()

	s.mu.Lock()
	if tail := s.normalizer.Flush(); tail != "" {
		s.appendContent(tail)
		s.appendTail(tail)
		s.assembler.Append(RoleOutput, tail, now)
	}
	if s.assembler.State() == StateActive {
		conv, err := s.assembler.End(clean, now)
		if err == nil {
			s.history = append(s.history, conv)
			s.markDirty(conv)
		}
	}
	if clean {
		s.state = SessionClosedClean
	} else {
		s.state = SessionClosedAbnormal
	}
	dirty := s.takeDirty()
	s.closeInput()
	s.mu.Unlock()

	m.persist(dirty)

	logger.Info().
		Str("session", id).
		Bool("clean", clean).
		Msg("Session closed")
	return nil
}

// CommandLaunched is the terminal layer's "a CLI was started in this tab"
// hint. Only allow-listed command names open a conversation.
func (m *Manager) CommandLaunched(sessionID, command string) error {
	name := strings.ToLower(command)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if !m.startCommands[name] {
		return nil
	}
	_, err := m.StartConversation(sessionID)
	return err
}

// StartConversation opens a conversation for the session. Starting while one
// is active is an error, reported rather than silently overwriting.
func (m *Manager) StartConversation(sessionID string) (*Conversation, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	conv, err := s.assembler.Start(time.Now())
	if err == nil {
		s.state = SessionCapturing
	}
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	m.publish("conversation_started", map[string]any{
		"session_id":      sessionID,
		"conversation_id": conv.ID,
	})
	return conv, nil
}

// EndConversation closes the session's active conversation.
func (m *Manager) EndConversation(sessionID string, clean bool) (*Conversation, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	conv, endErr := s.assembler.End(clean, time.Now())
	if endErr == nil {
		s.history = append(s.history, conv)
		s.markDirty(conv)
	}
	s.mu.Unlock()
	if endErr != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, endErr)
	}

	m.publish("conversation_ended", map[string]any{
		"session_id":      sessionID,
		"conversation_id": conv.ID,
		"status":          conv.Status,
	})
	return conv, nil
}

// IngestOutput feeds one raw PTY output chunk through the session pipeline:
// normalize, assemble, detect, maybe respond. Work is O(len(chunk)); the
// detector only ever sees the bounded tail window.
func (m *Manager) IngestOutput(sessionID string, chunk []byte) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}

	now := time.Now()

	s.mu.Lock()
	if !s.capture {
		s.mu.Unlock()
		return nil
	}
	text, _ := s.normalizer.Normalize(chunk)
	if text != "" {
		s.appendContent(text)
		s.appendTail(text)
		s.assembler.Append(RoleOutput, text, now)
		if active := s.assembler.Active(); active != nil {
			s.markDirty(active)
		}
	}
	win := detect.Window{
		Text:            string(s.tail),
		LastKeystroke:   s.lastKeystroke,
		LastKeystrokeAt: s.lastKeystrokeAt,
	}
	s.mu.Unlock()

	det := m.detector.Detect(win)
	if det.Decision != detect.DecisionRespond {
		return nil
	}

	m.publish("prompt_detected", map[string]any{
		"session_id": sessionID,
		"pattern":    det.Pattern,
		"confidence": det.Confidence,
	})

	if m.dispatcher.MaybeRespond(sessionID, s, det) {
		m.publish("auto_response", map[string]any{
			"session_id": sessionID,
			"pattern":    det.Pattern,
		})
	}
	return nil
}

// IngestKeystrokes feeds locally-typed bytes: they refresh the
// echo-suppression window and, while a conversation is active, become user
// turns.
func (m *Manager) IngestKeystrokes(sessionID string, chunk []byte) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}

	now := time.Now()

	s.mu.Lock()
	text, _ := s.inputNorm.Normalize(chunk)
	s.lastKeystroke = string(chunk)
	s.lastKeystrokeAt = now
	if s.capture && text != "" {
		s.assembler.Append(RoleUser, text, now)
		if active := s.assembler.Active(); active != nil {
			s.markDirty(active)
		}
	}
	s.mu.Unlock()
	return nil
}

// SetAutoRespond toggles auto-respond for a session.
func (m *Manager) SetAutoRespond(sessionID string, enabled bool) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	s.SetAutoRespond(enabled)
	return nil
}

// SetCapture toggles capture for a session.
func (m *Manager) SetCapture(sessionID string, enabled bool) error {
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	s.SetCapture(enabled)
	return nil
}

// SessionContent returns the session's normalized captured content. The
// string never contains NUL bytes.
func (m *Manager) SessionContent(sessionID string) (string, error) {
	s, err := m.session(sessionID)
	if err != nil {
		return "", err
	}
	return s.Content(), nil
}

// SessionConversations lists a session's conversations, falling back to the
// store for sessions no longer in memory.
func (m *Manager) SessionConversations(sessionID string) ([]*Conversation, error) {
	s, err := m.session(sessionID)
	if err != nil {
		if m.store != nil {
			return m.store.SessionConversations(sessionID)
		}
		return nil, err
	}
	return s.Conversations(), nil
}

// Session returns an open session by id.
func (m *Manager) Session(sessionID string) (*Session, error) {
	return m.session(sessionID)
}

// ActiveConversations summarizes every session's active conversation.
func (m *Manager) ActiveConversations() []ActiveConversation {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	active := make([]ActiveConversation, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if conv := s.assembler.Active(); conv != nil {
			active = append(active, ActiveConversation{
				SessionID:      s.ID,
				ConversationID: conv.ID,
				StartedAt:      conv.StartedAt,
				TurnCount:      len(conv.Turns),
			})
		}
		s.mu.Unlock()
	}
	return active
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// flushAll persists every dirty conversation. Failed writes stay dirty and
// retry on the next flush; the in-memory conversation is never lost.
func (m *Manager) flushAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.mu.Lock()
		dirty := s.takeDirty()
		s.mu.Unlock()

		failed := m.persist(dirty)
		if len(failed) > 0 {
			s.mu.Lock()
			for _, conv := range failed {
				s.markDirty(conv)
			}
			s.mu.Unlock()
		}
	}
}

// persist writes conversations to the store, returning those that failed.
func (m *Manager) persist(convs []*Conversation) []*Conversation {
	if m.store == nil || len(convs) == 0 {
		return nil
	}
	var failed []*Conversation
	for _, conv := range convs {
		if err := m.store.Persist(conv); err != nil {
			logger.Error().
				Err(err).
				Str("conversation", conv.ID).
				Msg("Failed to persist conversation, will retry")
			failed = append(failed, conv)
		}
	}
	return failed
}

func (m *Manager) publish(eventType string, data any) {
	if m.sink != nil {
		m.sink.Publish(eventType, data)
	}
}
