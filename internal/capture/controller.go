package capture

import (
	"context"
	"log/slog"

	"github.com/chadiek/turn-agent/internal/logger"
)

// Controller owns the microphone for one conversation.
type Controller struct {
	mic  Microphone
	gate Gate
	loop Loop
	h    Handler
	cfg  Config
	log  *slog.Logger

	state  State
	gen    uint64 // bumped on every open and close; late deliveries carry the old value
	stream Stream
	done   chan struct{}
	rec    Recording
}

// NewController wires a controller. cfg zero fields take DefaultConfig values.
func NewController(mic Microphone, gate Gate, loop Loop, h Handler, cfg Config, log *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.MaxTurn <= 0 {
		cfg.MaxTurn = def.MaxTurn
	}
	if cfg.MinFragments <= 0 {
		cfg.MinFragments = def.MinFragments
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = def.MinBytes
	}
	if log == nil {
		log = logger.DefaultLogger
	}
	return &Controller{mic: mic, gate: gate, loop: loop, h: h, cfg: cfg, log: log}
}

// State returns the current lifecycle state.
func (c *Controller) State() State { return c.state }

// Closed reports whether no capture is in progress.
func (c *Controller) Closed() bool { return c.state == StateClosed }

// Open starts acquiring the microphone. It is a no-op returning false unless
// the controller is closed and the gate allows it.
func (c *Controller) Open(ctx context.Context) bool {
	if c.state != StateClosed || !c.gate.MayOpen() {
		return false
	}
	c.state = StateOpening
	c.gen++
	gen := c.gen
	post := c.loop.Bind()
	go func() {
		s, err := c.mic.Open(ctx, c.cfg.Constraints)
		post(func() { c.opened(gen, s, err) }, func() {
			if s != nil {
				_ = s.Close()
			}
		})
	}()
	return true
}

func (c *Controller) opened(gen uint64, s Stream, err error) {
	if gen != c.gen || c.state != StateOpening {
		// superseded while the device was being acquired
		if s != nil {
			_ = s.Close()
		}
		return
	}
	if err != nil {
		c.state = StateClosed
		c.log.Warn("microphone open failed", "error", err)
		c.h.DeviceFailed(err)
		return
	}
	if !c.gate.MayOpen() {
		_ = s.Close()
		c.state = StateClosed
		return
	}

	c.stream = s
	c.done = make(chan struct{})
	c.rec = Recording{ContentType: s.ContentType()}
	c.state = StateRecording
	c.log.Debug("capture recording", "content_type", c.rec.ContentType)

	c.loop.After(TimerSilence, c.cfg.Silence, func() { c.stop(gen, "silence") })
	c.loop.After(TimerHardCap, c.cfg.MaxTurn, func() { c.stop(gen, "max duration") })

	post := c.loop.Bind()
	done := c.done
	go func() {
		frags := s.Fragments()
		for {
			select {
			case <-done:
				return
			case frag, ok := <-frags:
				if !ok {
					post(func() { c.stop(gen, "stream ended") }, nil)
					return
				}
				post(func() { c.fragment(gen, frag) }, nil)
			}
		}
	}()
}

func (c *Controller) fragment(gen uint64, frag []byte) {
	if gen != c.gen || c.state != StateRecording || len(frag) == 0 {
		return
	}
	if !c.gate.MayOpen() {
		return
	}
	c.rec.add(frag)
	c.loop.After(TimerSilence, c.cfg.Silence, func() { c.stop(gen, "silence") })
}

// stop ends the turn and reports it.
func (c *Controller) stop(gen uint64, reason string) {
	if gen != c.gen || c.state != StateRecording {
		return
	}
	c.state = StateDraining
	c.release()
	rec := c.rec
	c.rec = Recording{}
	c.state = StateClosed

	c.log.Debug("capture stopped", "reason", reason, "fragments", len(rec.Fragments), "bytes", rec.Bytes)
	if !c.cfg.Usable(rec) {
		c.h.NoSpeech()
		return
	}
	c.h.Captured(rec)
}

// Close force-stops capture in any state. Buffered audio is discarded and
// nothing is reported.
func (c *Controller) Close() {
	c.gen++
	c.release()
	c.rec = Recording{}
	c.state = StateClosed
}

func (c *Controller) release() {
	c.loop.Cancel(TimerSilence)
	c.loop.Cancel(TimerHardCap)
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			c.log.Debug("microphone close", "error", err)
		}
		c.stream = nil
	}
}
