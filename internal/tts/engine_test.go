package tts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/turn-agent/internal/speech"
)

type streamFunc func(ctx context.Context, req speech.Request) (<-chan []byte, <-chan error)

func (f streamFunc) StreamPCM48k(ctx context.Context, req speech.Request) (<-chan []byte, <-chan error) {
	return f(ctx, req)
}

// chunks returns a streamer emitting the given chunks then err.
func chunks(err error, parts ...[]byte) streamFunc {
	return func(ctx context.Context, req speech.Request) (<-chan []byte, <-chan error) {
		pcmCh := make(chan []byte, len(parts))
		errCh := make(chan error, 1)
		for _, p := range parts {
			pcmCh <- p
		}
		if err != nil {
			errCh <- err
		}
		close(pcmCh)
		close(errCh)
		return pcmCh, errCh
	}
}

type fakeSink struct {
	mu       sync.Mutex
	written  []byte
	flushes  int
	resets   int
	drainErr error
	drained  int
}

func (s *fakeSink) WritePCM(pcm []byte) {
	s.mu.Lock()
	s.written = append(s.written, pcm...)
	s.mu.Unlock()
}

func (s *fakeSink) FlushTail() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSink) Reset() {
	s.mu.Lock()
	s.resets++
	s.written = nil
	s.mu.Unlock()
}

func (s *fakeSink) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.drained++
	err := s.drainErr
	s.mu.Unlock()
	return err
}

type eventLog struct {
	mu     sync.Mutex
	starts int
	ends   int
	errs   []error
	done   chan struct{}
}

func newEventLog() *eventLog { return &eventLog{done: make(chan struct{}, 4)} }

func (l *eventLog) events() speech.Events {
	return speech.Events{
		OnStart: func() { l.mu.Lock(); l.starts++; l.mu.Unlock() },
		OnEnd: func() {
			l.mu.Lock()
			l.ends++
			l.mu.Unlock()
			l.done <- struct{}{}
		},
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			l.done <- struct{}{}
		},
	}
}

func (l *eventLog) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(time.Second):
		t.Fatal("no terminal event")
	}
}

func TestEngine_PlaysAndEnds(t *testing.T) {
	sink := &fakeSink{}
	e := NewEngine(chunks(nil, []byte{0x10, 0x00}, []byte{0x20, 0x00}), sink)
	ev := newEventLog()

	require.NoError(t, e.Speak(context.Background(), speech.Request{Text: "hi", Volume: 1}, ev.events()))
	ev.wait(t)

	assert.Equal(t, 1, ev.starts)
	assert.Equal(t, 1, ev.ends)
	assert.Empty(t, ev.errs)
	sink.mu.Lock()
	assert.Equal(t, []byte{0x10, 0x00, 0x20, 0x00}, sink.written)
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, 1, sink.drained)
	sink.mu.Unlock()
	assert.Eventually(t, func() bool { return !e.Speaking() }, time.Second, 5*time.Millisecond)
}

func TestEngine_ErrorBeforeAudio(t *testing.T) {
	e := NewEngine(chunks(errors.New("boom")), &fakeSink{})
	ev := newEventLog()
	require.NoError(t, e.Speak(context.Background(), speech.Request{Text: "hi"}, ev.events()))
	ev.wait(t)
	assert.Zero(t, ev.starts)
	require.Len(t, ev.errs, 1)
	assert.EqualError(t, ev.errs[0], "boom")
}

func TestEngine_NoAudioIsAnError(t *testing.T) {
	e := NewEngine(chunks(nil), &fakeSink{})
	ev := newEventLog()
	require.NoError(t, e.Speak(context.Background(), speech.Request{Text: "hi"}, ev.events()))
	ev.wait(t)
	assert.Len(t, ev.errs, 1)
}

func TestEngine_ErrorAfterAudioStillEnds(t *testing.T) {
	e := NewEngine(chunks(errors.New("late"), []byte{1, 0}), &fakeSink{})
	ev := newEventLog()
	require.NoError(t, e.Speak(context.Background(), speech.Request{Text: "hi", Volume: 1}, ev.events()))
	ev.wait(t)
	assert.Equal(t, 1, ev.ends)
	assert.Empty(t, ev.errs)
}

func TestEngine_CancelSuppressesCallbacks(t *testing.T) {
	release := make(chan struct{})
	blocking := streamFunc(func(ctx context.Context, req speech.Request) (<-chan []byte, <-chan error) {
		pcmCh := make(chan []byte)
		errCh := make(chan error)
		go func() {
			defer close(pcmCh)
			defer close(errCh)
			select {
			case pcmCh <- []byte{1, 0}:
			case <-ctx.Done():
				return
			}
			select {
			case <-ctx.Done():
			case <-release:
			}
		}()
		return pcmCh, errCh
	})
	sink := &fakeSink{}
	e := NewEngine(blocking, sink)
	ev := newEventLog()
	require.NoError(t, e.Speak(context.Background(), speech.Request{Text: "hi"}, ev.events()))
	assert.Eventually(t, func() bool { ev.mu.Lock(); defer ev.mu.Unlock(); return ev.starts == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, e.Speaking())

	e.CancelAll()
	close(release)
	assert.False(t, e.Speaking())

	select {
	case <-ev.done:
		t.Fatal("cancelled utterance must not report an end")
	case <-time.After(100 * time.Millisecond):
	}
	sink.mu.Lock()
	assert.GreaterOrEqual(t, sink.resets, 2)
	sink.mu.Unlock()
}

func TestEngine_NotConfigured(t *testing.T) {
	e := NewEngine(nil, nil)
	assert.Error(t, e.Speak(context.Background(), speech.Request{Text: "x"}, speech.Events{}))
}

func TestScaleVolume(t *testing.T) {
	pcm := []byte{0xe8, 0x03, 0x18, 0xfc} // 1000, -1000
	half := ScaleVolume(pcm, 0.5)
	assert.Equal(t, []byte{0xf4, 0x01, 0x0c, 0xfe}, half) // 500, -500
	assert.Equal(t, pcm, ScaleVolume(pcm, 1))
	assert.Equal(t, []byte{0, 0, 0, 0}, ScaleVolume(pcm, 0))
}
