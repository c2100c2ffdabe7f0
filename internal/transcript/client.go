// Package transcript turns a finished recording into text.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/metrics"
)

var (
	// ErrCanceled means the request was superseded or its session ended.
	// Callers drop the result silently.
	ErrCanceled = errors.New("transcription canceled")
	// ErrTimeout means the request exceeded the client's own deadline.
	ErrTimeout = errors.New("transcription timed out")
)

// StatusError is a non-2xx answer from the recognition service.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transcription failed: status=%d body=%s", e.Status, e.Body)
}

// Recognizer performs one recognition request.
type Recognizer interface {
	Recognize(ctx context.Context, audio []byte, contentType string) (string, error)
}

// Client keeps at most one recognition in flight. Starting a new one cancels
// the previous request first.
type Client struct {
	rec      Recognizer
	timeout  time.Duration
	attempts int

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// NewClient wraps rec. timeout bounds each call independently of the
// caller's context; attempts is the number of tries for non-cancel failures.
func NewClient(rec Recognizer, timeout time.Duration, attempts int) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &Client{rec: rec, timeout: timeout, attempts: attempts}
}

// Transcribe sends audio for recognition. The returned error is ErrCanceled,
// ErrTimeout, or a wrapped failure.
func (c *Client) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.seq++
	seq := c.seq
	reqCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.seq == seq {
			c.cancel = nil
		}
		c.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	var (
		text string
		err  error
	)
	for attempt := 1; attempt <= c.attempts; attempt++ {
		text, err = c.attempt(reqCtx, audio, contentType)
		if err == nil || errors.Is(err, ErrCanceled) || errors.Is(err, ErrTimeout) {
			break
		}
		logger.Warn("transcription attempt failed", "attempt", attempt, "error", err)
	}

	switch {
	case err == nil:
		metrics.ObserveTranscribe("success", time.Since(start).Seconds())
		return strings.TrimSpace(text), nil
	case errors.Is(err, ErrCanceled):
		metrics.ObserveTranscribe("canceled", time.Since(start).Seconds())
	default:
		metrics.ObserveTranscribe("error", time.Since(start).Seconds())
	}
	return "", err
}

// attempt runs a single recognition bound to the client timeout.
func (c *Client) attempt(parent context.Context, audio []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(parent, c.timeout)
	defer cancel()
	text, err := c.rec.Recognize(ctx, audio, contentType)
	if err == nil {
		return text, nil
	}
	switch {
	case parent.Err() != nil:
		return "", ErrCanceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "", ErrTimeout
	}
	return "", fmt.Errorf("transcribe: %w", err)
}

// Cancel aborts the outstanding request, if any.
func (c *Client) Cancel() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
}
