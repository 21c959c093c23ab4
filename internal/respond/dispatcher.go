// Package respond turns prompt detections into synthesized keystrokes.
//
// The dispatcher is the one feedback edge in the pipeline: its output
// re-enters the session as input. Two guards keep it from feeding on
// itself: a per-session fingerprint of the last answered prompt (at most
// one response per distinct prompt occurrence) and the shared
// echo-suppression window, which the write itself refreshes.
package respond

import (
	"errors"
	"hash/fnv"

	"github.com/tapscribe/tapscribe/internal/detect"
	"github.com/tapscribe/tapscribe/internal/logger"
)

// ErrAlreadyAnswered is returned by Target.SendAnswer when the fingerprint
// matches the last answered prompt. The check lives inside the target's
// locked write so concurrent detection cycles cannot both fire.
var ErrAlreadyAnswered = errors.New("prompt already answered")

// Target is the per-session state the dispatcher needs. Implemented by
// capture.Session; SendAnswer must apply the write and the local-keystroke
// record as one locked step.
type Target interface {
	AutoRespondEnabled() bool
	AnsweredPrompt() uint64
	SendAnswer(data []byte, fingerprint uint64) error
}

// Events marks dispatcher activity on the health aggregator.
type Events interface {
	DispatchSent()
	DispatchFailed()
}

// Dispatcher sends at most one answer per distinct prompt occurrence.
type Dispatcher struct {
	events Events
}

// New creates a dispatcher. events may be nil.
func New(events Events) *Dispatcher {
	return &Dispatcher{events: events}
}

// Fingerprint identifies a distinct prompt occurrence: the same still-visible
// prompt hashes identically across detection cycles.
func Fingerprint(det detect.Detection) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(det.Pattern))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(det.Matched))
	return h.Sum64()
}

// MaybeRespond dispatches the detection's answer if the session has
// auto-respond enabled, the detector decided to respond, and this exact
// prompt occurrence has not been answered yet. Returns true if keystrokes
// were sent.
func (d *Dispatcher) MaybeRespond(sessionID string, t Target, det detect.Detection) bool {
	if det.Decision != detect.DecisionRespond || len(det.Answer) == 0 {
		return false
	}
	if !t.AutoRespondEnabled() {
		return false
	}

	fp := Fingerprint(det)
	if t.AnsweredPrompt() == fp {
		// Same prompt still on screen; already answered.
		return false
	}

	if err := t.SendAnswer(det.Answer, fp); err != nil {
		if errors.Is(err, ErrAlreadyAnswered) {
			return false
		}
		// Non-fatal: the session continues without auto-respond for this
		// prompt.
		logger.Warn().
			Err(err).
			Str("session", sessionID).
			Str("pattern", string(det.Pattern)).
			Msg("Auto-respond dispatch failed")
		if d.events != nil {
			d.events.DispatchFailed()
		}
		return false
	}

	logger.Info().
		Str("session", sessionID).
		Str("pattern", string(det.Pattern)).
		Float64("confidence", det.Confidence).
		Msg("Auto-response dispatched")
	if d.events != nil {
		d.events.DispatchSent()
	}
	return true
}
