// Package detect classifies recent terminal output as a blocked prompt.
//
// The detector is advisory: it scores the visible tail of a session's
// output against a small set of prompt shapes and reports a confidence in
// [0,1]. It never mutates session or conversation state. Keyword matches
// alone never cross the response threshold; structural cues (option lists,
// trailing bare y/n tokens) are required.
package detect

import (
	"strings"
	"time"
)

// Decision is what the dispatcher should do with a detection.
type Decision string

const (
	DecisionRespond Decision = "respond"
	DecisionIgnore  Decision = "ignore"
)

// Detection is the transient result of one detection cycle.
type Detection struct {
	Pattern    PatternID
	Confidence float64
	Matched    string
	Decision   Decision
	// Answer is the keystroke sequence appropriate to the matched shape.
	Answer []byte
}

// Window is the input to one detection cycle: a bounded tail of normalized
// output plus the most recent local keystroke for echo suppression.
type Window struct {
	Text            string
	LastKeystroke   string
	LastKeystrokeAt time.Time
}

// Events marks detector activity on the health aggregator.
type Events interface {
	DetectionRan()
}

// Detector scores output windows against the built-in prompt shapes.
type Detector struct {
	threshold   float64
	suppression time.Duration
	matchers    []matcher
	events      Events
	now         func() time.Time
}

// New creates a detector. threshold is the minimum confidence for a respond
// decision; suppression is the echo-suppression window after a local
// keystroke. events may be nil.
func New(threshold float64, suppression time.Duration, events Events) *Detector {
	if threshold <= 0 {
		threshold = 0.7
	}
	if suppression <= 0 {
		suppression = time.Second
	}
	return &Detector{
		threshold:   threshold,
		suppression: suppression,
		matchers:    defaultMatchers(),
		events:      events,
		now:         time.Now,
	}
}

// Threshold returns the configured response threshold.
func (d *Detector) Threshold() float64 {
	return d.threshold
}

// Detect runs every matcher over the window and returns the highest-scoring
// result. On a confidence tie the earlier, more structural matcher wins; a
// detection only becomes a respond decision when it clears the threshold
// and is not suppressed by a recent local keystroke.
func (d *Detector) Detect(win Window) Detection {
	if d.events != nil {
		d.events.DetectionRan()
	}

	best := Detection{Decision: DecisionIgnore}
	for _, m := range d.matchers {
		conf, matched := m.score(win.Text)
		if conf > best.Confidence {
			best = Detection{
				Pattern:    m.id,
				Confidence: conf,
				Matched:    matched,
				Decision:   DecisionIgnore,
				Answer:     m.answer,
			}
		}
	}

	if best.Confidence < d.threshold || len(best.Answer) == 0 {
		return best
	}

	if d.suppressed(win, best.Pattern) {
		return best
	}

	best.Decision = DecisionRespond
	return best
}

// suppressed reports whether a recent local keystroke could itself resemble
// the detected answer shape. The shell may not have echoed or processed the
// user's own input yet; reacting to it would answer a prompt the human is
// already answering.
func (d *Detector) suppressed(win Window, pattern PatternID) bool {
	if win.LastKeystrokeAt.IsZero() {
		return false
	}
	if d.now().Sub(win.LastKeystrokeAt) >= d.suppression {
		return false
	}
	return keystrokeResembles(win.LastKeystroke, pattern)
}

func keystrokeResembles(ks string, pattern PatternID) bool {
	if ks == "" {
		return false
	}
	hasCR := strings.ContainsAny(ks, "\r\n")
	switch pattern {
	case PatternYesNo:
		return hasCR || strings.ContainsAny(ks, "yYnN")
	case PatternMenuSelect:
		return hasCR || strings.ContainsAny(ks, "0123456789")
	case PatternPressEnter:
		return hasCR
	default:
		return false
	}
}
