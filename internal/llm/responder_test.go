package llm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/turn-agent/internal/dialog"
)

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

var pizzaRules = RuleTable{
	Rules: []Rule{
		{Keywords: []string{"order", "pizza"}, Reply: "What type of pizza would you like?"},
		{Keywords: []string{"hour", "open"}, Reply: "We're open daily from 11 AM to 11 PM."},
	},
	Default: "I'm here to help with your order!",
}

func TestRuleTable_Match(t *testing.T) {
	assert.Equal(t, "We're open daily from 11 AM to 11 PM.", pizzaRules.Match("When are you OPEN?"))
	assert.Equal(t, "What type of pizza would you like?", pizzaRules.Match("I want to order"))
	assert.Equal(t, "I'm here to help with your order!", pizzaRules.Match("hmm"))
	assert.NotEmpty(t, RuleTable{}.Match("anything"))
}

func TestResponder_ModelReply(t *testing.T) {
	var got string
	r := NewResponder(generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		got = prompt
		return " Large it is. Any toppings? ", nil
	}), ResponderConfig{Preamble: "You are a pizza assistant.", Rules: pizzaRules})

	history := []dialog.Utterance{
		{Text: "What size?", Speaker: dialog.Agent},
	}
	reply, err := r.Respond(context.Background(), "Large", history)
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "Large it is. Any toppings?"}, reply)
	assert.True(t, strings.HasPrefix(got, "You are a pizza assistant."))
	assert.Contains(t, got, "Assistant: What size?")
	assert.Contains(t, got, `CURRENT CUSTOMER INPUT: "Large"`)
}

func TestResponder_PromptBoundsHistory(t *testing.T) {
	r := NewResponder(nil, ResponderConfig{HistoryLimit: 2})
	history := []dialog.Utterance{
		{Text: "one", Speaker: dialog.User},
		{Text: "two", Speaker: dialog.Agent},
		{Text: "three", Speaker: dialog.User},
	}
	p := r.Prompt("four", history)
	assert.NotContains(t, p, "Customer: one")
	assert.Contains(t, p, "Assistant: two")
	assert.Contains(t, p, "Customer: three")
}

func TestResponder_FallbackOnErrorAndEmpty(t *testing.T) {
	failing := NewResponder(generatorFunc(func(context.Context, string) (string, error) {
		return "", errors.New("status 500")
	}), ResponderConfig{Rules: pizzaRules})
	reply, err := failing.Respond(context.Background(), "what are your hours", nil)
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.Equal(t, "We're open daily from 11 AM to 11 PM.", reply.Text)

	empty := NewResponder(generatorFunc(func(context.Context, string) (string, error) { return "  ", nil }), ResponderConfig{Rules: pizzaRules})
	reply, err = empty.Respond(context.Background(), "blah", nil)
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.Equal(t, pizzaRules.Default, reply.Text)
}

func TestResponder_TimeoutFallsBack(t *testing.T) {
	r := NewResponder(generatorFunc(func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), ResponderConfig{Timeout: 20 * time.Millisecond, Rules: pizzaRules})
	reply, err := r.Respond(context.Background(), "I'd like to order", nil)
	require.NoError(t, err)
	assert.True(t, reply.Fallback)
	assert.Equal(t, "What type of pizza would you like?", reply.Text)
}

func TestResponder_CancelNeverFallsBack(t *testing.T) {
	started := make(chan struct{})
	r := NewResponder(generatorFunc(func(ctx context.Context, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}), ResponderConfig{Rules: pizzaRules})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		reply, err := r.Respond(ctx, "order", nil)
		assert.Empty(t, reply.Text)
		done <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-done, ErrCanceled)
}

func TestResponder_NewRequestCancelsPredecessor(t *testing.T) {
	started := make(chan struct{})
	var calls int32
	r := NewResponder(generatorFunc(func(ctx context.Context, _ string) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "second", nil
	}), ResponderConfig{Rules: pizzaRules})

	first := make(chan error, 1)
	go func() {
		_, err := r.Respond(context.Background(), "a", nil)
		first <- err
	}()
	<-started
	reply, err := r.Respond(context.Background(), "b", nil)
	require.NoError(t, err)
	assert.Equal(t, "second", reply.Text)
	assert.ErrorIs(t, <-first, ErrCanceled)
}

func TestResponder_NilGeneratorUsesRules(t *testing.T) {
	r := NewResponder(nil, ResponderConfig{Rules: pizzaRules})
	reply, err := r.Respond(context.Background(), "pizza please", nil)
	require.NoError(t, err)
	assert.Equal(t, Reply{Text: "What type of pizza would you like?", Fallback: true}, reply)
}
