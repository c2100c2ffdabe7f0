// Package llm produces the agent's reply to a user turn.
package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/turn-agent/internal/dialog"
	"github.com/chadiek/turn-agent/internal/logger"
)

// ErrCanceled is returned when a response request was superseded or its
// session ended. Callers must not speak anything for it.
var ErrCanceled = errors.New("response canceled")

// Generator is a language model that answers a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Reply is the text to speak. Fallback is set when the rule table produced it.
type Reply struct {
	Text     string
	Fallback bool
}

// ResponderConfig tunes a Responder.
type ResponderConfig struct {
	// Preamble opens every prompt: persona plus business knowledge.
	Preamble     string
	HistoryLimit int
	Timeout      time.Duration
	Rules        RuleTable
}

// Responder turns user text plus recent history into a reply. Only one
// request is in flight at a time; a new request cancels its predecessor.
type Responder struct {
	gen Generator
	cfg ResponderConfig

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewResponder wraps gen. gen may be nil, in which case every reply comes
// from the rule table.
func NewResponder(gen Generator, cfg ResponderConfig) *Responder {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Responder{gen: gen, cfg: cfg}
}

// Respond generates a reply for userText. history is the conversation so
// far, oldest first, not including userText. Failures and timeouts fall back
// to the rule table; cancellation returns ErrCanceled.
func (r *Responder) Respond(ctx context.Context, userText string, history []dialog.Utterance) (Reply, error) {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.seq++
	seq := r.seq
	reqCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.seq == seq {
			r.cancel = nil
		}
		r.mu.Unlock()
		cancel()
	}()

	if reqCtx.Err() != nil {
		return Reply{}, ErrCanceled
	}
	if r.gen == nil {
		return r.fallback(userText), nil
	}

	genCtx, genCancel := context.WithTimeout(reqCtx, r.cfg.Timeout)
	defer genCancel()
	text, err := r.gen.Generate(genCtx, r.Prompt(userText, history))
	if reqCtx.Err() != nil {
		return Reply{}, ErrCanceled
	}
	if err != nil {
		logger.Warn("response generation failed, using fallback", "error", err)
		return r.fallback(userText), nil
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return r.fallback(userText), nil
	}
	return Reply{Text: text}, nil
}

func (r *Responder) fallback(userText string) Reply {
	return Reply{Text: r.cfg.Rules.Match(userText), Fallback: true}
}

// Prompt renders the full prompt for userText.
func (r *Responder) Prompt(userText string, history []dialog.Utterance) string {
	if len(history) > r.cfg.HistoryLimit {
		history = history[len(history)-r.cfg.HistoryLimit:]
	}
	var b strings.Builder
	if p := strings.TrimSpace(r.cfg.Preamble); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	b.WriteString("CONVERSATION HISTORY:\n")
	b.WriteString(dialog.Format(history))
	b.WriteString("\n\nCURRENT CUSTOMER INPUT: \"")
	b.WriteString(strings.TrimSpace(userText))
	b.WriteString("\"\n\n")
	b.WriteString("RESPONSE RULES:\n")
	b.WriteString("- Keep responses under 2 sentences\n")
	b.WriteString("- Continue from where the conversation left off; don't start over or repeat previous questions\n")
	b.WriteString("- Acknowledge what they just said and ask the next logical question\n\n")
	b.WriteString("Response:")
	return b.String()
}

// Cancel aborts the outstanding request, if any.
func (r *Responder) Cancel() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}
