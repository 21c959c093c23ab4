// Package store persists conversations and manages crash recovery.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/logger"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

// Events receives store activity. Implemented by the health aggregator.
type Events interface {
	SnapshotCaptured()
	ConversationValidated(corrupt bool, message string)
	StoreFailed()
}

// RecoverableSession points at an interrupted session's stored conversation.
type RecoverableSession struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	LastUpdated    time.Time `json:"last_updated"`
	TurnCount      int       `json:"turn_count"`
}

// SQLiteStore is the durable conversation store. Writes are transactional,
// so a concurrent reader never observes a half-written record.
type SQLiteStore struct {
	db             *sql.DB
	dbPath         string
	recoveryWindow time.Duration
	events         Events
	mu             sync.RWMutex
}

// NewSQLiteStore opens (or creates) the store. An empty dbPath uses
// ~/.tapscribe/capture/conversations.db. events may be nil.
func NewSQLiteStore(dbPath string, recoveryWindow time.Duration, events Events) (*SQLiteStore, error) {
	if dbPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, ".tapscribe", "capture", "conversations.db")
	}
	if recoveryWindow <= 0 {
		recoveryWindow = 24 * time.Hour
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// WAL mode keeps readers unblocked while session pipelines write.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{
		db:             db,
		dbPath:         dbPath,
		recoveryWindow: recoveryWindow,
		events:         events,
	}

	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Debug().
		Str("path", dbPath).
		Msg("Opened conversation store")

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		updated_at INTEGER NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, seq),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_recovery ON conversations(status, archived, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Persist writes a conversation and its turns in one transaction.
func (s *SQLiteStore) Persist(conv *capture.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completedAt any
	if conv.CompletedAt != nil {
		completedAt = conv.CompletedAt.Unix()
	}

	_, err = tx.Exec(
		`INSERT INTO conversations (id, session_id, status, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		conv.ID, conv.SessionID, string(conv.Status),
		conv.StartedAt.Unix(), completedAt, conv.UpdatedAt.Unix(),
	)
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	for _, turn := range conv.Turns {
		_, err = tx.Exec(
			`INSERT INTO turns (conversation_id, seq, role, content, ts)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(conversation_id, seq) DO UPDATE SET content = excluded.content`,
			conv.ID, turn.Seq, string(turn.Role), turn.Content, turn.Timestamp.Unix(),
		)
		if err != nil {
			s.fail()
			return fmt.Errorf("failed to upsert turn %d: %w", turn.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.fail()
		return fmt.Errorf("failed to commit conversation: %w", err)
	}

	if s.events != nil {
		s.events.SnapshotCaptured()
	}
	return nil
}

// SessionConversations loads all non-archived conversations for a session,
// oldest first, with their turns.
func (s *SQLiteStore) SessionConversations(sessionID string) ([]*capture.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, status, started_at, completed_at, updated_at
		 FROM conversations WHERE session_id = ? AND archived = 0
		 ORDER BY started_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []*capture.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversations: %w", err)
	}

	for _, conv := range convs {
		if err := s.loadTurnsLocked(conv); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

// GetConversation loads one conversation with its turns.
func (s *SQLiteStore) GetConversation(id string) (*capture.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, session_id, status, started_at, completed_at, updated_at
		 FROM conversations WHERE id = ?`, id,
	)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation not found: %s", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadTurnsLocked(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*capture.Conversation, error) {
	var conv capture.Conversation
	var status string
	var startedAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(&conv.ID, &conv.SessionID, &status, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	conv.Status = capture.ConversationStatus(status)
	conv.StartedAt = time.Unix(startedAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		done := time.Unix(completedAt.Int64, 0)
		conv.CompletedAt = &done
	}
	return &conv, nil
}

func (s *SQLiteStore) loadTurnsLocked(conv *capture.Conversation) error {
	rows, err := s.db.Query(
		`SELECT seq, role, content, ts FROM turns
		 WHERE conversation_id = ? ORDER BY seq ASC`,
		conv.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var turn capture.Turn
		var role string
		var ts int64
		if err := rows.Scan(&turn.Seq, &role, &turn.Content, &ts); err != nil {
			return fmt.Errorf("failed to scan turn: %w", err)
		}
		turn.Role = capture.Role(role)
		turn.Timestamp = time.Unix(ts, 0)
		conv.Turns = append(conv.Turns, turn)
	}
	return rows.Err()
}

func (s *SQLiteStore) fail() {
	if s.events != nil {
		s.events.StoreFailed()
	}
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
