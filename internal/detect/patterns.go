package detect

import (
	"regexp"
	"strings"
)

// PatternID identifies a prompt shape.
type PatternID string

const (
	PatternMenuSelect PatternID = "menu-select"
	PatternYesNo      PatternID = "yes-no"
	PatternPressEnter PatternID = "press-enter"
	PatternKeyword    PatternID = "keyword-only"
)

// matcher scores one prompt shape against the recent output window.
// Matchers are independent; the detector takes the highest confidence.
type matcher struct {
	id     PatternID
	answer []byte
	score  func(text string) (float64, string)
}

var (
	// Numbered menu option, optionally carrying the selection cursor:
	//   ❯ 1. Yes
	//     2. No
	menuOptionRe = regexp.MustCompile(`^\s*(?:[❯>]\s*)?\d+[.)]\s+\S`)
	menuCursorRe = regexp.MustCompile(`^\s*[❯>]\s*\d+[.)]\s+`)
	menuHintRe   = regexp.MustCompile(`(?i)confirm with number|press enter|esc to cancel`)

	// Bare yes/no trailer at the very end of visible output. A trailing
	// newline means the program moved on; only spaces may follow.
	ynTailRe = regexp.MustCompile(`(?i)[(\[](?:y(?:es)?[/|]no?)[)\]][ \t]*$`)
	ynAnyRe  = regexp.MustCompile(`(?i)[(\[](?:y(?:es)?[/|]no?)[)\]]`)

	enterTailRe = regexp.MustCompile(`(?i)press\s+(?:enter|return)(?:\s+key)?\s+to\s+continue[.…]*[ \t]*$`)

	affirmativeRe = regexp.MustCompile(`(?i)\b(?:yes|no|ok(?:ay)?|sure)\b`)
)

func defaultMatchers() []matcher {
	return []matcher{
		{
			id:     PatternMenuSelect,
			answer: []byte("\r"),
			score:  scoreMenu,
		},
		{
			id:     PatternYesNo,
			answer: []byte("y\r"),
			score:  scoreYesNo,
		},
		{
			id:     PatternPressEnter,
			answer: []byte("\r"),
			score:  scorePressEnter,
		},
		{
			// Matching keywords alone is never enough to respond; this
			// matcher only exists so prose containing an affirmative word
			// yields a visible, deliberately sub-threshold score.
			id:     PatternKeyword,
			answer: nil,
			score:  scoreKeyword,
		},
	}
}

// scoreMenu requires structure: at least two numbered option lines with a
// selection cursor on one of them. A confirm hint raises confidence.
func scoreMenu(text string) (float64, string) {
	lines := tailLines(text, 12)

	options := 0
	cursor := false
	var matched []string
	for _, line := range lines {
		if menuOptionRe.MatchString(line) {
			options++
			matched = append(matched, strings.TrimSpace(line))
			if menuCursorRe.MatchString(line) {
				cursor = true
			}
		}
	}

	if options < 2 || !cursor {
		return 0, ""
	}

	conf := 0.75
	if menuHintRe.MatchString(text) {
		conf = 0.85
	}
	return conf, strings.Join(matched, "\n")
}

// scoreYesNo is confident only when the y/n token is the last visible thing
// on screen; the same token mid-text is weak evidence. A confident match
// reports the whole prompt line, not just the token: consecutive prompts
// that share a token shape are still distinct occurrences downstream.
func scoreYesNo(text string) (float64, string) {
	if ynTailRe.MatchString(text) {
		return 0.9, lastLine(text)
	}
	if m := ynAnyRe.FindString(text); m != "" {
		return 0.3, strings.TrimSpace(m)
	}
	return 0, ""
}

func scorePressEnter(text string) (float64, string) {
	if enterTailRe.MatchString(text) {
		return 0.8, lastLine(text)
	}
	return 0, ""
}

func scoreKeyword(text string) (float64, string) {
	if m := affirmativeRe.FindString(text); m != "" {
		return 0.2, m
	}
	return 0, ""
}

// lastLine returns the last non-blank line of text, trimmed.
func lastLine(text string) string {
	lines := tailLines(text, 1)
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[0])
}

// tailLines returns the last n lines of text, ignoring trailing blank lines.
func tailLines(text string, n int) []string {
	lines := strings.Split(text, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
