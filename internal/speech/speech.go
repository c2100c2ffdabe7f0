// Package speech controls the agent's voice output.
//
// Speaking and listening are mutually exclusive. Before synthesis starts the
// controller stops capture, forbids the microphone and pushes the guard
// window forward; when synthesis ends (or fails) the guard is pushed again
// so the tail of the agent's own audio is not recorded as the next turn.
package speech

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/session"
)

// Request is one utterance to synthesize.
type Request struct {
	Text   string
	Voice  string
	Rate   float64
	Pitch  float64
	Volume float64
}

// Events are the engine's lifecycle callbacks. They may be called from any
// goroutine. OnEnd and OnError are mutually exclusive and fire at most once.
type Events struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

// Engine is a speech synthesizer with audible output.
type Engine interface {
	// Speak starts synthesis and returns without waiting for it to finish.
	Speak(ctx context.Context, req Request, ev Events) error
	// CancelAll stops anything playing or queued. No callbacks fire for
	// cancelled utterances.
	CancelAll()
	Speaking() bool
}

// Host is the conversation that owns the microphone and the guard window.
type Host interface {
	StopCapture()
	SetMicAllowed(allowed bool)
	SetGuard(until time.Time)
	// SpeechEnded is called once per utterance that was not cancelled.
	SpeechEnded(err error)
}

// Loop binds engine callbacks to the session they were started under.
type Loop interface {
	Bind() session.Post
}

// Config tunes output.
type Config struct {
	Deadzone       time.Duration
	Voice          string
	Rate           float64
	Pitch          float64
	Volume         float64
	CancelAttempts int
}

// DefaultConfig returns a 1.5s deadzone and a slightly slow, softer voice.
func DefaultConfig() Config {
	return Config{Deadzone: 1500 * time.Millisecond, Rate: 0.9, Pitch: 1, Volume: 0.8, CancelAttempts: 3}
}

// Controller sequences synthesis against the host. Like the capture
// controller it must only be used from the owner's loop goroutine.
type Controller struct {
	engine Engine
	host   Host
	loop   Loop
	cfg    Config
	now    func() time.Time
	log    *slog.Logger

	gen       uint64
	speaking  bool
	startedAt time.Time
}

// NewController wires a controller. now may be nil.
func NewController(engine Engine, host Host, loop Loop, cfg Config, now func() time.Time, log *slog.Logger) *Controller {
	def := DefaultConfig()
	if cfg.Deadzone <= 0 {
		cfg.Deadzone = def.Deadzone
	}
	if cfg.Rate <= 0 {
		cfg.Rate = def.Rate
	}
	if cfg.Pitch <= 0 {
		cfg.Pitch = def.Pitch
	}
	if cfg.Volume <= 0 {
		cfg.Volume = def.Volume
	}
	if cfg.CancelAttempts <= 0 {
		cfg.CancelAttempts = def.CancelAttempts
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.DefaultLogger
	}
	return &Controller{engine: engine, host: host, loop: loop, cfg: cfg, now: now, log: log}
}

// Speak stops capture and starts synthesizing text.
func (c *Controller) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("speech: empty text")
	}
	if c.Speaking() {
		c.Cancel()
	}
	c.host.StopCapture()
	c.host.SetMicAllowed(false)
	c.host.SetGuard(c.now().Add(c.cfg.Deadzone))

	c.gen++
	gen := c.gen
	c.speaking = true
	c.startedAt = c.now()

	post := c.loop.Bind()
	ev := Events{
		OnStart: func() { post(func() { c.started(gen) }, nil) },
		OnEnd:   func() { post(func() { c.finished(gen, nil) }, nil) },
		OnError: func(err error) { post(func() { c.finished(gen, err) }, nil) },
	}
	req := Request{Text: text, Voice: c.cfg.Voice, Rate: c.cfg.Rate, Pitch: c.cfg.Pitch, Volume: c.cfg.Volume}
	if err := c.engine.Speak(ctx, req, ev); err != nil {
		c.finished(gen, err)
		return err
	}
	return nil
}

func (c *Controller) started(gen uint64) {
	if gen != c.gen || !c.speaking {
		return
	}
	c.startedAt = c.now()
	c.host.SetGuard(c.startedAt.Add(c.cfg.Deadzone))
}

func (c *Controller) finished(gen uint64, err error) {
	if gen != c.gen || !c.speaking {
		return
	}
	c.speaking = false
	c.host.SetGuard(c.now().Add(c.cfg.Deadzone))
	if err != nil {
		c.log.Warn("speech synthesis failed", "error", err)
	}
	c.host.SpeechEnded(err)
}

// Cancel stops synthesis without notifying the host. The engine is asked
// repeatedly since some engines keep a queued utterance after one cancel.
func (c *Controller) Cancel() {
	c.gen++
	c.speaking = false
	for i := 0; i < c.cfg.CancelAttempts; i++ {
		c.engine.CancelAll()
		if !c.engine.Speaking() {
			return
		}
	}
	c.log.Warn("speech engine still speaking after cancel", "attempts", c.cfg.CancelAttempts)
}

// Speaking reports whether an utterance is in progress.
func (c *Controller) Speaking() bool {
	return c.speaking || c.engine.Speaking()
}

// LastStart returns when the most recent synthesis started.
func (c *Controller) LastStart() (time.Time, bool) {
	return c.startedAt, !c.startedAt.IsZero()
}

// Reset forgets the last synthesis time; used when a conversation restarts.
func (c *Controller) Reset() {
	c.Cancel()
	c.startedAt = time.Time{}
}
