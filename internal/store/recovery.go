package store

import (
	"fmt"
	"time"

	"github.com/tapscribe/tapscribe/internal/logger"
)

// RecoverInterrupted reclassifies conversations a previous process left in
// the active status. Run once at daemon startup, before any session writes:
// at that point an active row can only mean the earlier process died
// mid-conversation, so the row becomes abnormal and enters the recoverable
// set. Not called by read-only CLI commands, which may run alongside a live
// daemon.
func (s *SQLiteStore) RecoverInterrupted() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE conversations SET status = 'abnormal' WHERE status = 'active'`,
	)
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to reclassify interrupted conversations: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info().Int64("count", n).Msg("Marked interrupted conversations recoverable")
	}
	return nil
}

// ListRecoverable returns interrupted sessions still inside the recovery
// window: conversations that ended abnormally, are not archived, and were
// updated within the last 24 hours. As a side effect, abnormal records
// older than the window are archived: moved out of the recoverable set but
// never deleted.
func (s *SQLiteStore) ListRecoverable() ([]RecoverableSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.recoveryWindow).Unix()

	// Auto-archival happens here, on listing, not in a scheduled job.
	res, err := s.db.Exec(
		`UPDATE conversations SET archived = 1
		 WHERE status = 'abnormal' AND archived = 0 AND updated_at < ?`,
		cutoff,
	)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("failed to archive stale sessions: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Info().Int64("count", n).Msg("Archived stale recoverable sessions")
	}

	rows, err := s.db.Query(
		`SELECT c.session_id, c.id, c.updated_at,
			(SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		 FROM conversations c
		 WHERE c.status = 'abnormal' AND c.archived = 0 AND c.updated_at >= ?
		 ORDER BY c.updated_at DESC`,
		cutoff,
	)
	if err != nil {
		s.fail()
		return nil, fmt.Errorf("failed to list recoverable sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	recoverable := make([]RecoverableSession, 0)
	for rows.Next() {
		var rec RecoverableSession
		var updatedAt int64
		if err := rows.Scan(&rec.SessionID, &rec.ConversationID, &updatedAt, &rec.TurnCount); err != nil {
			return nil, fmt.Errorf("failed to scan recoverable session: %w", err)
		}
		rec.LastUpdated = time.Unix(updatedAt, 0)
		recoverable = append(recoverable, rec)
	}
	return recoverable, rows.Err()
}

// Dismiss archives a session's recoverable conversations. User-initiated;
// after this the session no longer appears in ListRecoverable.
func (s *SQLiteStore) Dismiss(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE conversations SET archived = 1
		 WHERE session_id = ? AND status = 'abnormal'`,
		sessionID,
	)
	if err != nil {
		s.fail()
		return fmt.Errorf("failed to dismiss session %s: %w", sessionID, err)
	}
	return nil
}
