package respond

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tapscribe/tapscribe/internal/detect"
	"github.com/tapscribe/tapscribe/internal/logger"
)

func TestMain(m *testing.M) {
	logger.InitQuiet()
	os.Exit(m.Run())
}

type fakeTarget struct {
	enabled  bool
	answered uint64
	sendErr  error
	sent     [][]byte
}

func (f *fakeTarget) AutoRespondEnabled() bool { return f.enabled }
func (f *fakeTarget) AnsweredPrompt() uint64   { return f.answered }

func (f *fakeTarget) SendAnswer(data []byte, fingerprint uint64) error {
	if f.answered == fingerprint {
		return ErrAlreadyAnswered
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.answered = fingerprint
	f.sent = append(f.sent, data)
	return nil
}

type fakeEvents struct {
	sent, failed int
}

func (f *fakeEvents) DispatchSent()   { f.sent++ }
func (f *fakeEvents) DispatchFailed() { f.failed++ }

func respondDetection() detect.Detection {
	return detect.Detection{
		Pattern:    detect.PatternYesNo,
		Confidence: 0.9,
		Matched:    "(y/n)",
		Decision:   detect.DecisionRespond,
		Answer:     []byte("y\r"),
	}
}

func TestMaybeRespondSends(t *testing.T) {
	ev := &fakeEvents{}
	d := New(ev)
	target := &fakeTarget{enabled: true}

	if !d.MaybeRespond("sess-1", target, respondDetection()) {
		t.Fatal("Expected dispatch")
	}
	if len(target.sent) != 1 || string(target.sent[0]) != "y\r" {
		t.Errorf("Expected one y\\r answer, got %q", target.sent)
	}
	if ev.sent != 1 || ev.failed != 0 {
		t.Errorf("Events: sent=%d failed=%d", ev.sent, ev.failed)
	}
}

func TestMaybeRespondAtMostOnce(t *testing.T) {
	d := New(nil)
	target := &fakeTarget{enabled: true}
	det := respondDetection()

	if !d.MaybeRespond("sess-1", target, det) {
		t.Fatal("Expected first dispatch")
	}
	// Same prompt occurrence re-detected on the next output chunk.
	if d.MaybeRespond("sess-1", target, det) {
		t.Fatal("Same prompt answered twice")
	}
	if len(target.sent) != 1 {
		t.Errorf("Expected exactly one answer, got %d", len(target.sent))
	}
}

func TestMaybeRespondDistinctPrompts(t *testing.T) {
	d := New(nil)
	target := &fakeTarget{enabled: true}

	first := respondDetection()
	if !d.MaybeRespond("sess-1", target, first) {
		t.Fatal("Expected first dispatch")
	}

	second := respondDetection()
	second.Pattern = detect.PatternPressEnter
	second.Matched = "Press Enter to continue"
	second.Answer = []byte("\r")
	if !d.MaybeRespond("sess-1", target, second) {
		t.Fatal("Expected dispatch for a different prompt")
	}
	if len(target.sent) != 2 {
		t.Errorf("Expected two answers, got %d", len(target.sent))
	}
}

func TestConsecutiveYesNoPromptsBothAnswered(t *testing.T) {
	// Two different questions with the same (y/n) token shape, one after the
	// other in the same session. Each is its own occurrence and each must be
	// answered.
	d := New(nil)
	target := &fakeTarget{enabled: true}
	det := detect.New(0.7, time.Second, nil)

	first := det.Detect(detect.Window{Text: "Overwrite main.go? (y/n) "})
	if !d.MaybeRespond("sess-1", target, first) {
		t.Fatal("Expected first prompt answered")
	}

	second := det.Detect(detect.Window{Text: "Delete branch old-work? (y/n) "})
	if !d.MaybeRespond("sess-1", target, second) {
		t.Fatal("Expected second, distinct prompt answered")
	}
	if len(target.sent) != 2 {
		t.Errorf("Expected two answers, got %d", len(target.sent))
	}
}

func TestMaybeRespondGuards(t *testing.T) {
	tests := []struct {
		name   string
		target *fakeTarget
		mutate func(*detect.Detection)
	}{
		{
			name:   "auto-respond disabled",
			target: &fakeTarget{enabled: false},
		},
		{
			name:   "ignore decision",
			target: &fakeTarget{enabled: true},
			mutate: func(det *detect.Detection) { det.Decision = detect.DecisionIgnore },
		},
		{
			name:   "no answer bytes",
			target: &fakeTarget{enabled: true},
			mutate: func(det *detect.Detection) { det.Answer = nil },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(nil)
			det := respondDetection()
			if tt.mutate != nil {
				tt.mutate(&det)
			}
			if d.MaybeRespond("sess-1", tt.target, det) {
				t.Error("Expected no dispatch")
			}
			if len(tt.target.sent) != 0 {
				t.Errorf("Answer sent despite guard: %q", tt.target.sent)
			}
		})
	}
}

func TestMaybeRespondSendFailure(t *testing.T) {
	ev := &fakeEvents{}
	d := New(ev)
	target := &fakeTarget{enabled: true, sendErr: errors.New("feed full")}

	if d.MaybeRespond("sess-1", target, respondDetection()) {
		t.Fatal("Expected dispatch failure")
	}
	if ev.failed != 1 || ev.sent != 0 {
		t.Errorf("Events: sent=%d failed=%d", ev.sent, ev.failed)
	}
}

func TestRacedSendIsSilent(t *testing.T) {
	// The target reports the prompt as already answered at write time; a
	// concurrent cycle won the race. That is not a dispatch failure.
	ev := &fakeEvents{}
	d := New(ev)
	target := &fakeTarget{enabled: true}
	det := respondDetection()
	target.answered = Fingerprint(det)

	if d.MaybeRespond("sess-1", target, det) {
		t.Fatal("Expected no dispatch")
	}
	if ev.failed != 0 || ev.sent != 0 {
		t.Errorf("Raced send must not count: sent=%d failed=%d", ev.sent, ev.failed)
	}
}

func TestFingerprintStability(t *testing.T) {
	det := respondDetection()
	if Fingerprint(det) != Fingerprint(det) {
		t.Error("Fingerprint must be deterministic")
	}

	other := respondDetection()
	other.Matched = "(yes/no)"
	if Fingerprint(det) == Fingerprint(other) {
		t.Error("Different matched text must fingerprint differently")
	}
}
