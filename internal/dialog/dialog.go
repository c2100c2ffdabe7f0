// Package dialog holds the conversation transcript.
package dialog

import (
	"strings"
	"sync"
	"time"
)

// Speaker is who produced an utterance.
type Speaker int

const (
	User Speaker = iota
	Agent
)

func (s Speaker) String() string {
	if s == Agent {
		return "agent"
	}
	return "user"
}

// Label is the role name used when the history is rendered into a prompt.
func (s Speaker) Label() string {
	if s == Agent {
		return "Assistant"
	}
	return "Customer"
}

// Utterance is one committed piece of text in the conversation.
type Utterance struct {
	Text    string    `json:"text"`
	Speaker Speaker   `json:"-"`
	At      time.Time `json:"at"`
}

// Transcript is an append-only list of utterances. Safe for concurrent use.
type Transcript struct {
	mu    sync.Mutex
	items []Utterance
}

// Append commits u. Empty text is ignored.
func (t *Transcript) Append(u Utterance) {
	if strings.TrimSpace(u.Text) == "" {
		return
	}
	t.mu.Lock()
	t.items = append(t.items, u)
	t.mu.Unlock()
}

// Reset drops everything; used when a new conversation starts.
func (t *Transcript) Reset() {
	t.mu.Lock()
	t.items = nil
	t.mu.Unlock()
}

// Len returns the number of utterances.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// All returns a copy of the transcript.
func (t *Transcript) All() []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Utterance, len(t.items))
	copy(out, t.items)
	return out
}

// Recent returns a copy of the last n utterances (all when n <= 0).
func (t *Transcript) Recent(n int) []Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := 0
	if n > 0 && len(t.items) > n {
		start = len(t.items) - n
	}
	out := make([]Utterance, len(t.items)-start)
	copy(out, t.items[start:])
	return out
}

// LastAgent returns the most recent agent utterance, if any.
func (t *Transcript) LastAgent() (Utterance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.items) - 1; i >= 0; i-- {
		if t.items[i].Speaker == Agent {
			return t.items[i], true
		}
	}
	return Utterance{}, false
}

// Format renders utterances one per line as "Customer: ..." / "Assistant: ...".
func Format(history []Utterance) string {
	var b strings.Builder
	for i, u := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(u.Speaker.Label())
		b.WriteString(": ")
		b.WriteString(u.Text)
	}
	return b.String()
}
