// Package logsink collects program log lines for one run under a byte cap.
package logsink

import (
	"unicode/utf8"
)

// Sink is an append-only log buffer bounded by a total byte cap.
// It is not safe for concurrent use; each session owns one.
type Sink struct {
	capBytes  int
	used      int
	lines     []string
	truncated bool
}

// New creates a sink holding at most capBytes bytes. A cap of zero or
// less disables the limit; sessions always run with a positive cap.
func New(capBytes int) *Sink {
	return &Sink{capBytes: capBytes}
}

// Append adds a line. A line that crosses the cap is cut at the last UTF-8
// boundary that fits, and every later line is dropped.
func (s *Sink) Append(line string) {
	if s.truncated {
		return
	}
	if s.capBytes <= 0 || s.used+len(line) <= s.capBytes {
		s.lines = append(s.lines, line)
		s.used += len(line)
		return
	}

	s.truncated = true
	cut := cutUTF8(line, s.capBytes-s.used)
	if cut != "" {
		s.lines = append(s.lines, cut)
		s.used += len(cut)
	}
}

// cutUTF8 returns the longest prefix of line no longer than n bytes that
// does not split a rune.
func cutUTF8(line string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(line) {
		return line
	}
	for n > 0 && !utf8.RuneStart(line[n]) {
		n--
	}
	return line[:n]
}

// Lines returns the stored lines without clearing them.
func (s *Sink) Lines() []string {
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// Len returns the number of stored bytes.
func (s *Sink) Len() int {
	return s.used
}

// Truncated reports whether any line was cut or dropped since the last reset.
func (s *Sink) Truncated() bool {
	return s.truncated
}

// Drain returns the stored lines and clears the sink.
func (s *Sink) Drain() []string {
	out := s.lines
	s.Reset()
	return out
}

// Reset clears the sink.
func (s *Sink) Reset() {
	s.lines = nil
	s.used = 0
	s.truncated = false
}
