package ansi

import (
	"strings"
	"testing"
)

func TestNormalizePlainText(t *testing.T) {
	n := New(nil)
	text, consumed := n.Normalize([]byte("hello world\n"))
	if text != "hello world\n" {
		t.Errorf("Expected plain text unchanged, got %q", text)
	}
	if consumed != 12 {
		t.Errorf("Expected 12 bytes consumed, got %d", consumed)
	}
}

func TestNormalizeStripsSequences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "SGR color codes",
			input: "\x1b[31mred\x1b[0m text",
			want:  "red text",
		},
		{
			name:  "cursor hide and show",
			input: "\x1b[?25lspinner\x1b[?25h",
			want:  "spinner",
		},
		{
			name:  "cursor movement",
			input: "line\x1b[2A\x1b[10Cmore",
			want:  "linemore",
		},
		{
			name:  "OSC title with BEL terminator",
			input: "\x1b]0;my-title\x07prompt",
			want:  "prompt",
		},
		{
			name:  "OSC with ST terminator",
			input: "\x1b]0;my-title\x1b\\prompt",
			want:  "prompt",
		},
		{
			name:  "charset designation",
			input: "\x1b(Btext",
			want:  "text",
		},
		{
			name:  "two byte escape",
			input: "\x1bctext",
			want:  "text",
		},
		{
			name:  "orphaned cursor hide",
			input: "[?25lDo you want to proceed?",
			want:  "Do you want to proceed?",
		},
		{
			name:  "orphaned SGR body",
			input: "[0mclean",
			want:  "clean",
		},
		{
			name:  "bracketed prose survives",
			input: "press [y] to confirm",
			want:  "press [y] to confirm",
		},
		{
			name:  "bracketed word survives",
			input: "[ok] done",
			want:  "[ok] done",
		},
		{
			name:  "CR becomes newline",
			input: "line one\rline two",
			want:  "line one\nline two",
		},
		{
			name:  "CRLF collapses to one newline",
			input: "line one\r\nline two",
			want:  "line one\nline two",
		},
		{
			name:  "NUL bytes removed",
			input: "he\x00llo",
			want:  "hello",
		},
		{
			name:  "other C0 controls removed",
			input: "a\x07b\x08c",
			want:  "abc",
		},
		{
			name:  "tab preserved",
			input: "col1\tcol2",
			want:  "col1\tcol2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(nil)
			got, _ := n.Normalize([]byte(tt.input))
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"\x1b[31mred\x1b[0m [?25l text [y] more\r\n",
		"[0m\x1b]0;t\x07plain",
		"mixed \x1b[1;32mbold green\x1b[0m and [2J orphan",
	}

	for _, input := range inputs {
		first := New(nil)
		once, _ := first.Normalize([]byte(input))
		once += first.Flush()

		second := New(nil)
		twice, _ := second.Normalize([]byte(once))
		twice += second.Flush()

		if once != twice {
			t.Errorf("Not idempotent for %q: first pass %q, second pass %q", input, once, twice)
		}
	}
}

func TestNormalizeNeverEmitsNUL(t *testing.T) {
	inputs := []string{
		"\x00\x00\x00",
		"a\x00\x1b[31m\x00b",
		"[?25\x00l",
	}

	for _, input := range inputs {
		n := New(nil)
		got, _ := n.Normalize([]byte(input))
		got += n.Flush()
		if strings.ContainsRune(got, 0) {
			t.Errorf("Output of %q contains NUL: %q", input, got)
		}
	}
}

func TestNormalizeSplitAcrossChunks(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{
			name:   "CSI split mid-parameters",
			chunks: []string{"before\x1b[3", "1mafter"},
			want:   "beforeafter",
		},
		{
			name:   "CSI split after ESC",
			chunks: []string{"a\x1b", "[0mb"},
			want:   "ab",
		},
		{
			name:   "OSC split before terminator",
			chunks: []string{"\x1b]0;title", "\x07text"},
			want:   "text",
		},
		{
			name:   "orphan body split",
			chunks: []string{"x[?2", "5ly"},
			want:   "xy",
		},
		{
			name:   "lone bracket at chunk end then prose",
			chunks: []string{"press [", "y] now"},
			want:   "press [y] now",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(nil)
			var out strings.Builder
			for _, c := range tt.chunks {
				text, _ := n.Normalize([]byte(c))
				out.WriteString(text)
			}
			out.WriteString(n.Flush())
			if out.String() != tt.want {
				t.Errorf("Got %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestFlushPreservesTrailingBytes(t *testing.T) {
	n := New(nil)
	text, _ := n.Normalize([]byte("end of stream ["))
	text += n.Flush()
	if text != "end of stream [" {
		t.Errorf("Expected trailing bracket preserved, got %q", text)
	}
}

func TestFlushDropsEscapePrefix(t *testing.T) {
	n := New(nil)
	text, _ := n.Normalize([]byte("done\x1b[3"))
	flushed := n.Flush()
	if text != "done" {
		t.Errorf("Expected %q, got %q", "done", text)
	}
	// The incomplete sequence body is kept as literal text, ESC dropped.
	if flushed != "[3" {
		t.Errorf("Expected flushed %q, got %q", "[3", flushed)
	}
}

func TestOversizedPendingFlushedAsLiteral(t *testing.T) {
	// A bracket followed by far more digits than any real sequence carries
	// must not be buffered forever.
	long := "[" + strings.Repeat("1", maxCarry+10)
	n := New(nil)
	text, _ := n.Normalize([]byte(long))
	text += n.Flush()
	if text != long {
		t.Errorf("Expected oversized candidate emitted as literal, got %q", text)
	}
}

func TestMalformedCSIDropsPrefixOnly(t *testing.T) {
	n := New(nil)
	// ESC [ followed by a byte outside the CSI grammar: only ESC[ is dropped.
	text, _ := n.Normalize([]byte("a\x1b[\x1b[0mb"))
	if text != "ab" {
		t.Errorf("Expected %q, got %q", "ab", text)
	}
}

type countingRecorder struct {
	events int
}

func (c *countingRecorder) IncEventsProcessed() { c.events++ }

func TestNormalizeReportsEvents(t *testing.T) {
	rec := &countingRecorder{}
	n := New(rec)
	n.Normalize([]byte("one"))
	n.Normalize([]byte("two"))
	if rec.events != 2 {
		t.Errorf("Expected 2 events recorded, got %d", rec.events)
	}
}
