// Package tts synthesizes agent speech and plays it into an audio sink.
package tts

import (
	"context"
	"errors"
	"sync"

	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/speech"
)

// Streamer produces 48kHz 16-bit mono PCM for a request.
type Streamer interface {
	StreamPCM48k(ctx context.Context, req speech.Request) (<-chan []byte, <-chan error)
}

// Sink plays 48kHz PCM. Implementations buffer internally and pace delivery.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pads and queues whatever is buffered.
	FlushTail()
	// Reset drops everything queued immediately.
	Reset()
	// Drain blocks until queued audio has been played or ctx ends.
	Drain(ctx context.Context) error
}

// Engine plays one utterance at a time. It implements speech.Engine.
type Engine struct {
	streamer Streamer
	sink     Sink

	mu       sync.Mutex
	seq      uint64
	cancel   context.CancelFunc
	speaking bool
}

// NewEngine builds an engine writing to sink.
func NewEngine(streamer Streamer, sink Sink) *Engine {
	return &Engine{streamer: streamer, sink: sink}
}

// Speak starts synthesis in the background. OnStart fires with the first
// audio chunk, OnEnd once the sink has played everything.
func (e *Engine) Speak(ctx context.Context, req speech.Request, ev speech.Events) error {
	if e.streamer == nil || e.sink == nil {
		return errors.New("tts: engine not configured")
	}
	e.CancelAll()

	e.mu.Lock()
	e.seq++
	seq := e.seq
	sctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.speaking = true
	e.mu.Unlock()

	go e.play(sctx, seq, req, ev)
	return nil
}

func (e *Engine) play(ctx context.Context, seq uint64, req speech.Request, ev speech.Events) {
	defer e.done(seq)

	pcmCh, errCh := e.streamer.StreamPCM48k(ctx, req)
	var (
		started   bool
		streamErr error
	)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				pcmCh = nil
				continue
			}
			if len(b) == 0 || ctx.Err() != nil {
				continue
			}
			if !started {
				started = true
				if ev.OnStart != nil {
					ev.OnStart()
				}
			}
			e.sink.WritePCM(ScaleVolume(b, req.Volume))
		case err, ok := <-errCh:
			if !ok {
				openErr = false
				errCh = nil
				continue
			}
			if err != nil {
				streamErr = err
			}
		case <-ctx.Done():
			openPCM, openErr = false, false
		}
	}

	if ctx.Err() != nil {
		// cancelled: no callbacks
		return
	}
	if streamErr != nil && !started {
		logger.Warn("tts stream error", "error", streamErr)
		if ev.OnError != nil {
			ev.OnError(streamErr)
		}
		return
	}
	if !started {
		if ev.OnError != nil {
			ev.OnError(errors.New("tts: no audio produced"))
		}
		return
	}
	e.sink.FlushTail()
	if err := e.sink.Drain(ctx); err != nil {
		return
	}
	if ev.OnEnd != nil {
		ev.OnEnd()
	}
}

func (e *Engine) done(seq uint64) {
	e.mu.Lock()
	if e.seq == seq {
		e.speaking = false
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
	e.mu.Unlock()
}

// CancelAll stops the current utterance and drops queued audio.
func (e *Engine) CancelAll() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.seq++
	e.speaking = false
	e.mu.Unlock()
	if e.sink != nil {
		e.sink.Reset()
	}
}

// Speaking reports whether audio is being synthesized or played.
func (e *Engine) Speaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// ScaleVolume returns 16-bit little-endian PCM multiplied by v. v is
// clamped to [0, 1]; at 1 the input is returned as is.
func ScaleVolume(pcm []byte, v float64) []byte {
	if v >= 1 {
		return pcm
	}
	if v <= 0 {
		return make([]byte, len(pcm))
	}
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		scaled := int16(float64(s) * v)
		out[i] = byte(uint16(scaled))
		out[i+1] = byte(uint16(scaled) >> 8)
	}
	return out
}
