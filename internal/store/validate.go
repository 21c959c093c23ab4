package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tapscribe/tapscribe/internal/capture"
	"github.com/tapscribe/tapscribe/internal/logger"
)

// Stored content must be clean text: the normalizer strips NUL bytes and
// escape sequences before anything reaches the store, so finding either in
// a stored record means the pipeline leaked, which is the defect this check
// exists to catch.
var (
	escapeResidueRe = regexp.MustCompile(`\x1b`)
	orphanCSIRe     = regexp.MustCompile(`\[\??[0-9;]+[A-Za-z]`)
)

// Validate checks a conversation's content for corruption and reports the
// result to the health aggregator. Returns whether the record is corrupted
// plus a human-readable reason.
func (s *SQLiteStore) Validate(conv *capture.Conversation) (bool, string) {
	corrupt, reason := inspect(conv)
	if s.events != nil {
		s.events.ConversationValidated(corrupt, reason)
	}
	return corrupt, reason
}

// ValidateStored loads a stored conversation, validates it, and marks the
// record corrupted in place when a defect is found. Corruption is counted
// and listed, never silently discarded.
func (s *SQLiteStore) ValidateStored(conversationID string) (bool, error) {
	conv, err := s.GetConversation(conversationID)
	if err != nil {
		return false, err
	}

	corrupt, reason := s.Validate(conv)
	if !corrupt {
		return false, nil
	}

	logger.Warn().
		Str("conversation", conversationID).
		Str("reason", reason).
		Msg("Stored conversation is corrupted")

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`UPDATE conversations SET status = 'corrupted' WHERE id = ?`,
		conversationID,
	)
	if err != nil {
		s.fail()
		return true, fmt.Errorf("failed to mark conversation corrupted: %w", err)
	}
	return true, nil
}

func inspect(conv *capture.Conversation) (bool, string) {
	for _, turn := range conv.Turns {
		switch {
		case strings.ContainsRune(turn.Content, 0x00):
			return true, fmt.Sprintf("conversation %s turn %d contains NUL bytes", conv.ID, turn.Seq)
		case escapeResidueRe.MatchString(turn.Content):
			return true, fmt.Sprintf("conversation %s turn %d contains unstripped escape sequences", conv.ID, turn.Seq)
		case orphanCSIRe.MatchString(turn.Content):
			return true, fmt.Sprintf("conversation %s turn %d contains orphaned escape fragment %q",
				conv.ID, turn.Seq, orphanCSIRe.FindString(turn.Content))
		}
	}
	return false, ""
}
