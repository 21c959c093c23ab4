package capture

import (
	"errors"
	"strings"
	"testing"

	"github.com/tapscribe/tapscribe/internal/ansi"
	"github.com/tapscribe/tapscribe/internal/respond"
)

func newBareSession(id string) *Session {
	return newSession(id, ansi.New(nil), NewAssembler(id, 0, nil), 0)
}

func TestSendAnswer(t *testing.T) {
	s := newBareSession("tab-1")

	require := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("SendAnswer failed: %v", err)
		}
	}

	require(s.SendAnswer([]byte("y\r"), 42))
	if s.AnsweredPrompt() != 42 {
		t.Errorf("Expected fingerprint 42 recorded, got %d", s.AnsweredPrompt())
	}

	select {
	case data := <-s.InputFeed():
		if string(data) != "y\r" {
			t.Errorf("Expected y\\r on feed, got %q", data)
		}
	default:
		t.Fatal("Expected answer on input feed")
	}

	// Same fingerprint again: the prompt was already answered.
	err := s.SendAnswer([]byte("y\r"), 42)
	if !errors.Is(err, respond.ErrAlreadyAnswered) {
		t.Fatalf("Expected ErrAlreadyAnswered, got %v", err)
	}

	// A different prompt goes through.
	require(s.SendAnswer([]byte("\r"), 43))
}

func TestSendAnswerRefreshesSuppression(t *testing.T) {
	s := newBareSession("tab-1")

	if err := s.SendAnswer([]byte("y\r"), 1); err != nil {
		t.Fatalf("SendAnswer failed: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastKeystroke != "y\r" {
		t.Errorf("Expected the synthesized answer recorded as keystroke, got %q", s.lastKeystroke)
	}
	if s.lastKeystrokeAt.IsZero() {
		t.Error("Expected keystroke timestamp set")
	}
}

func TestSendAnswerAfterClose(t *testing.T) {
	s := newBareSession("tab-1")

	s.mu.Lock()
	s.closeInput()
	s.mu.Unlock()

	err := s.SendAnswer([]byte("y\r"), 1)
	if !errors.Is(err, ErrInputClosed) {
		t.Fatalf("Expected ErrInputClosed, got %v", err)
	}
}

func TestSendAnswerFullFeed(t *testing.T) {
	s := newBareSession("tab-1")

	for i := 0; i < inputFeedSize; i++ {
		if err := s.SendAnswer([]byte("\r"), uint64(i+1)); err != nil {
			t.Fatalf("SendAnswer %d failed: %v", i, err)
		}
	}

	// Nobody is draining the feed; the next send must fail, not block.
	err := s.SendAnswer([]byte("\r"), 9999)
	if !errors.Is(err, ErrInputClosed) {
		t.Fatalf("Expected ErrInputClosed on full feed, got %v", err)
	}
}

func TestTailBounded(t *testing.T) {
	s := newSession("tab-1", ansi.New(nil), NewAssembler("tab-1", 0, nil), 128)

	s.mu.Lock()
	for i := 0; i < 100; i++ {
		s.appendTail(strings.Repeat("x", 50))
	}
	s.appendTail("THE END")
	tailLen := len(s.tail)
	tail := string(s.tail)
	s.mu.Unlock()

	if tailLen > 128 {
		t.Errorf("Tail exceeded bound: %d bytes", tailLen)
	}
	if !strings.HasSuffix(tail, "THE END") {
		t.Error("Tail must keep the most recent output")
	}
}
