// Package segment provides incremental sentence segmentation for streamed
// text. A Splitter accepts an append-only sequence of text fragments and
// emits complete sentences as soon as a terminator is seen, so downstream
// synthesis can start before the full reply is known.
package segment

import (
	"strings"
	"unicode"
)

// terminators is the set of sentence-ending runes, covering both Chinese
// and Western terminal punctuation.
var terminators = [...]rune{'。', '！', '？', '.', '!', '?'}

func isTerminator(r rune) bool {
	for _, t := range terminators {
		if r == t {
			return true
		}
	}
	return false
}

// Splitter is an incremental sentence splitter. It is not safe for
// concurrent use; callers feed it from a single goroutine.
type Splitter struct {
	buf  strings.Builder
	emit func(sentence string)
}

// NewSplitter creates a splitter that calls emit for each complete sentence.
// The emitted sentence is trimmed; empty spans are never emitted.
func NewSplitter(emit func(sentence string)) *Splitter {
	return &Splitter{emit: emit}
}

// AddText appends a fragment to the buffer and emits every complete
// sentence it now contains. A sentence ends at a terminator rune plus any
// immediately following whitespace. Unterminated trailing text stays
// buffered awaiting more input.
func (s *Splitter) AddText(fragment string) {
	if fragment == "" {
		return
	}
	s.buf.WriteString(fragment)
	s.flush()
}

func (s *Splitter) flush() {
	text := s.buf.String()
	start := 0
	runes := []rune(text)
	i := 0
	for i < len(runes) {
		if !isTerminator(runes[i]) {
			i++
			continue
		}
		// Consume the terminator and any trailing whitespace.
		i++
		for i < len(runes) && unicode.IsSpace(runes[i]) {
			i++
		}
		if sentence := strings.TrimSpace(string(runes[start:i])); sentence != "" {
			s.emit(sentence)
		}
		start = i
	}
	if start > 0 {
		s.buf.Reset()
		s.buf.WriteString(string(runes[start:]))
	}
}

// Finish emits any non-empty residual buffer as a final sentence, even
// without a terminator, and clears the buffer. Call it exactly once when
// the source stream is complete, including on early or aborted termination.
func (s *Splitter) Finish() {
	if sentence := strings.TrimSpace(s.buf.String()); sentence != "" {
		s.emit(sentence)
	}
	s.buf.Reset()
}

// Reset discards buffered text without emitting. Used when a turn is
// abandoned before completion.
func (s *Splitter) Reset() {
	s.buf.Reset()
}

// Buffered returns the current unemitted buffer. Mostly useful in tests.
func (s *Splitter) Buffered() string {
	return s.buf.String()
}
