// Package ansi recovers readable text from raw PTY output.
//
// Terminal programs decorate their output with ANSI/VT escape sequences.
// Some intermediate layers additionally mangle those sequences by dropping
// the leading ESC byte, leaving orphaned bodies like "[?25l" embedded in
// otherwise plain text. The Normalizer strips both the well-formed and the
// orphaned forms while never losing adjacent printable bytes, and never
// emits NUL bytes.
package ansi

import (
	"bytes"
)

// Recorder receives one event per processed chunk. Implemented by the
// health aggregator.
type Recorder interface {
	IncEventsProcessed()
}

const (
	// maxCarry bounds how long an incomplete sequence is held across chunk
	// boundaries before it is flushed as literal text.
	maxCarry = 64

	esc = 0x1b
	bel = 0x07
)

// Normalizer strips escape sequences from a raw byte stream. One instance
// per session; a sequence split across two chunks is carried in a small
// buffer until the completing bytes arrive.
type Normalizer struct {
	events  Recorder
	pending []byte
}

// New creates a normalizer reporting processed chunks to events, which may
// be nil.
func New(events Recorder) *Normalizer {
	return &Normalizer{events: events}
}

// Normalize strips escape sequences from chunk and returns the clean text
// plus the number of input bytes consumed. The whole chunk is always
// consumed; bytes belonging to an incomplete trailing sequence are buffered
// until the next call.
func (n *Normalizer) Normalize(chunk []byte) (string, int) {
	if n.events != nil {
		n.events.IncEventsProcessed()
	}

	data := chunk
	if len(n.pending) > 0 {
		data = append(n.pending, chunk...)
		n.pending = nil
	}

	var out bytes.Buffer
	out.Grow(len(data))

	i := 0
	for i < len(data) {
		b := data[i]

		switch {
		case b == esc:
			adv, complete := scanEscape(data[i:])
			if !complete {
				n.carry(&out, data[i:])
				i = len(data)
				continue
			}
			i += adv

		case b == '[':
			adv, complete, matched := scanOrphanCSI(data[i:])
			if !complete {
				n.carry(&out, data[i:])
				i = len(data)
				continue
			}
			if matched {
				i += adv
				continue
			}
			// Not a sequence body: keep the bracket, rescan what follows.
			out.WriteByte('[')
			i++

		case b == '\r':
			// Normalize CR and CRLF to a single line boundary.
			if i+1 < len(data) && data[i+1] == '\n' {
				i++
				continue
			}
			out.WriteByte('\n')
			i++

		case b == 0x00:
			// Hard invariant: output never contains NUL.
			i++

		case b < 0x20 && b != '\n' && b != '\t':
			// Other C0 controls (BEL, backspace, ...) carry no text.
			i++

		default:
			out.WriteByte(b)
			i++
		}
	}

	return out.String(), len(chunk)
}

// Flush drains any buffered incomplete sequence as literal text. Called when
// a session closes, so trailing mangled bytes are preserved rather than
// silently dropped.
func (n *Normalizer) Flush() string {
	if len(n.pending) == 0 {
		return ""
	}
	text := literal(n.pending)
	n.pending = nil
	return text
}

// carry buffers an incomplete trailing sequence. If the buffer would exceed
// maxCarry the bytes are treated as literal text instead: at that point no
// completing byte is coming and dropping them would lose payload.
func (n *Normalizer) carry(out *bytes.Buffer, tail []byte) {
	if len(tail) > maxCarry {
		out.WriteString(literal(tail))
		return
	}
	n.pending = append([]byte(nil), tail...)
}

// literal renders buffered bytes as plain text, still honoring the NUL and
// control-byte rules.
func literal(b []byte) string {
	var out bytes.Buffer
	for _, c := range b {
		if c == 0x00 || c == esc || (c < 0x20 && c != '\n' && c != '\t') {
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

// scanEscape consumes a well-formed escape sequence starting at data[0] ==
// ESC. Returns the number of bytes to skip and whether the sequence was
// complete within data.
func scanEscape(data []byte) (int, bool) {
	if len(data) < 2 {
		return 0, false
	}

	switch data[1] {
	case '[': // CSI: parameter bytes 0x30-0x3F, intermediates 0x20-0x2F, final 0x40-0x7E
		for i := 2; i < len(data); i++ {
			b := data[i]
			if b >= 0x40 && b <= 0x7e {
				return i + 1, true
			}
			if b < 0x20 || b > 0x3f {
				// Malformed; give up on the sequence, drop ESC[ only.
				return 2, true
			}
		}
		return 0, false

	case ']': // OSC: terminated by BEL or ST (ESC \)
		for i := 2; i < len(data); i++ {
			if data[i] == bel {
				return i + 1, true
			}
			if data[i] == esc {
				if i+1 < len(data) {
					if data[i+1] == '\\' {
						return i + 2, true
					}
					// A new sequence begins; the OSC was unterminated.
					return i, true
				}
				return 0, false
			}
		}
		return 0, false

	case '(', ')': // charset designation takes one more byte
		if len(data) < 3 {
			return 0, false
		}
		return 3, true

	default: // two-byte escape (ESC c, ESC =, ...)
		return 2, true
	}
}

// scanOrphanCSI recognizes a CSI body whose leading ESC was stripped
// upstream: '[' + optional '?' + one or more of [0-9;] + a single final
// letter. At least one parameter byte is required, so bracketed prose like
// "[y]" or "[ok]" survives untouched.
//
// Returns (advance, complete, matched). complete=false means the chunk
// ended mid-candidate and the caller should buffer the tail.
func scanOrphanCSI(data []byte) (int, bool, bool) {
	i := 1
	if i < len(data) && data[i] == '?' {
		i++
	}

	params := 0
	for i < len(data) && (data[i] == ';' || (data[i] >= '0' && data[i] <= '9')) {
		params++
		i++
	}

	if i >= len(data) {
		// Could still complete in the next chunk.
		return 0, false, false
	}

	b := data[i]
	if params > 0 && ((b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')) {
		return i + 1, true, true
	}
	return 0, true, false
}
