package gateway

import (
	"strings"
	"sync"
)

// turnResult is the terminal outcome of a chat turn.
type turnResult struct {
	text string
	err  error
}

// turn tracks one outstanding chat request. Deltas accumulate until a
// single resolution wins; later resolution attempts are ignored.
type turn struct {
	id      string
	onDelta func(string)

	mu       sync.Mutex
	text     strings.Builder
	resolved bool

	done chan turnResult
}

func newTurn(id string, onDelta func(string)) *turn {
	return &turn{
		id:      id,
		onDelta: onDelta,
		done:    make(chan turnResult, 1),
	}
}

// appendDelta accumulates a streamed text chunk and forwards it to the
// delta callback. Chunks arriving after resolution are dropped.
func (t *turn) appendDelta(chunk string) {
	if chunk == "" {
		return
	}
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return
	}
	t.text.WriteString(chunk)
	t.mu.Unlock()
	if t.onDelta != nil {
		t.onDelta(chunk)
	}
}

// partial returns the text accumulated so far.
func (t *turn) partial() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text.String()
}

// resolve completes the turn. Only the first call wins; it reports
// whether this call was the one that resolved the turn.
func (t *turn) resolve(text string, err error) bool {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	t.mu.Unlock()
	t.done <- turnResult{text: text, err: err}
	return true
}

// resolvePartial completes the turn with the accumulated text, or with
// the fallback string if nothing accumulated.
func (t *turn) resolvePartial(fallback string) bool {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	text := t.text.String()
	t.mu.Unlock()
	if text == "" {
		text = fallback
	}
	t.done <- turnResult{text: text}
	return true
}

// resolveIfText completes the turn with the accumulated text, but only
// if some text has streamed. Used for early lifecycle termination.
func (t *turn) resolveIfText() bool {
	t.mu.Lock()
	if t.resolved || t.text.Len() == 0 {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	text := t.text.String()
	t.mu.Unlock()
	t.done <- turnResult{text: text}
	return true
}

// resolveDeadline completes the turn with the accumulated text if any
// streamed, otherwise with the given error. The check and the resolution
// are one atomic step so a delta cannot slip in between.
func (t *turn) resolveDeadline(err error) bool {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return false
	}
	t.resolved = true
	text := t.text.String()
	t.mu.Unlock()
	if text != "" {
		t.done <- turnResult{text: text}
	} else {
		t.done <- turnResult{err: err}
	}
	return true
}
