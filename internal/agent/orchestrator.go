// Package agent runs the half-duplex turn-taking loop of one conversation.
//
// The Orchestrator owns the session id, the guard window, the mic-allowed
// flag and the conversation state. All of it is mutated on a single loop
// goroutine; timers, network completions and engine callbacks are posted
// back as tasks tagged with the session they were started under, and tasks
// from a superseded session are dropped at dispatch.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/chadiek/turn-agent/internal/dialog"
	"github.com/chadiek/turn-agent/internal/echofilter"
	"github.com/chadiek/turn-agent/internal/llm"
	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/metrics"
	"github.com/chadiek/turn-agent/internal/session"
	"github.com/chadiek/turn-agent/internal/speech"
	"github.com/chadiek/turn-agent/internal/transcript"
)

type task struct {
	bound bool // false for commands, which always run
	sid   session.ID
	run   func()
	stale func()
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now for guard and echo decisions.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the conversation logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// Orchestrator drives one conversation. Commands are safe to call from any
// goroutine; they take effect once Run is dispatching.
type Orchestrator struct {
	cfg         Config
	transcriber Transcriber
	responder   Responder
	observer    Observer
	now         func() time.Time
	log         *slog.Logger

	tasks   chan task
	stopped chan struct{}

	// loop-owned
	registry   *session.Registry
	scope      session.Scope
	active     bool
	state      State
	micAllowed bool
	guardUntil time.Time
	timers     *timers
	capture    *capture.Controller
	speech     *speech.Controller
	echo       *echofilter.Filter
	history    dialog.Transcript
}

// New wires an orchestrator. Run must be called to start dispatching.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:         cfg,
		transcriber: deps.Transcriber,
		responder:   deps.Responder,
		observer:    deps.Observer,
		now:         time.Now,
		log:         logger.DefaultLogger,
		tasks:       make(chan task, 256),
		stopped:     make(chan struct{}),
		registry:    session.NewRegistry(),
		timers:      newTimers(),
		echo:        echofilter.New(cfg.Echo),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	o.scope = o.registry.Current()
	p := port{o}
	o.capture = capture.NewController(deps.Mic, p, p, p, cfg.Capture, o.log)
	o.speech = speech.NewController(deps.Speech, p, p, cfg.Speech, o.now, o.log)
	return o
}

// Run dispatches tasks until ctx is done. The conversation is torn down on
// return.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.stopped)
	defer o.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-o.tasks:
			o.dispatch(t)
		}
	}
}

func (o *Orchestrator) dispatch(t task) {
	if t.bound && t.sid != o.scope.ID {
		metrics.RecordStale()
		if t.stale != nil {
			t.stale()
		}
		return
	}
	t.run()
}

func (o *Orchestrator) enqueue(t task) bool {
	select {
	case <-o.stopped:
		if t.stale != nil {
			t.stale()
		}
		return false
	default:
	}
	select {
	case o.tasks <- t:
		return true
	case <-o.stopped:
		if t.stale != nil {
			t.stale()
		}
		return false
	}
}

// bind captures the live session for work that completes later.
func (o *Orchestrator) bind() session.Post {
	sid := o.scope.ID
	return func(run, stale func()) {
		o.enqueue(task{bound: true, sid: sid, run: run, stale: stale})
	}
}

func (o *Orchestrator) after(name string, d time.Duration, fn func()) {
	post := o.bind()
	o.timers.arm(name, d, func(gen uint64) {
		post(func() {
			if o.timers.claim(name, gen) {
				fn()
			}
		}, nil)
	})
}

func (o *Orchestrator) command(fn func()) {
	o.enqueue(task{run: fn})
}

// Start begins a new conversation, superseding any current one.
func (o *Orchestrator) Start() { o.command(o.start) }

// End stops the conversation and discards everything in flight.
func (o *Orchestrator) End() { o.command(o.end) }

// Listen re-enables the microphone after a device error.
func (o *Orchestrator) Listen() { o.command(o.explicitListen) }

// Submit injects a typed user utterance, skipping transcription and echo
// filtering. It is ignored while a turn is being processed.
func (o *Orchestrator) Submit(text string) { o.command(func() { o.submit(text) }) }

// Snapshot returns the current view. It returns the zero value once Run
// has exited.
func (o *Orchestrator) Snapshot() Snapshot {
	ch := make(chan Snapshot, 1)
	if !o.enqueue(task{run: func() { ch <- o.snapshot() }}) {
		return Snapshot{}
	}
	select {
	case s := <-ch:
		return s
	case <-o.stopped:
		return Snapshot{}
	}
}

func (o *Orchestrator) snapshot() Snapshot {
	return Snapshot{
		Session:    o.scope.ID,
		Active:     o.active,
		State:      o.state,
		MicAllowed: o.micAllowed,
		GuardUntil: o.guardUntil,
		Capture:    o.capture.State(),
		Speaking:   o.speech.Speaking(),
		Transcript: o.history.All(),
	}
}

func (o *Orchestrator) start() {
	o.teardown()
	o.scope = o.registry.Start()
	if !o.active {
		metrics.ConversationStarted()
	}
	o.active = true
	o.micAllowed = true
	o.guardUntil = time.Time{}
	o.history.Reset()
	o.speech.Reset()
	o.setState(StateIdle)
	o.log.Info("conversation started", "session", o.scope.ID)

	if g := strings.TrimSpace(o.cfg.Greeting); g != "" {
		o.after(timerGreeting, o.cfg.GreetingDelay, func() { o.say(g) })
	} else {
		o.listen()
	}
	o.after(timerWatchdog, o.cfg.WatchdogInterval, o.watchdog)
}

func (o *Orchestrator) end() {
	o.teardown()
	o.scope = o.registry.Start()
	if o.active {
		metrics.ConversationEnded()
		o.log.Info("conversation ended", "session", o.scope.ID)
	}
	o.active = false
	o.micAllowed = false
	o.history.Reset()
	o.setState(StateIdle)
}

// teardown force-stops everything owned by the current session.
func (o *Orchestrator) teardown() {
	o.capture.Close()
	o.speech.Cancel()
	if o.transcriber != nil {
		o.transcriber.Cancel()
	}
	if o.responder != nil {
		o.responder.Cancel()
	}
	o.timers.stopAll()
}

func (o *Orchestrator) shutdown() {
	if o.active {
		o.end()
	}
	o.registry.Close()
}

func (o *Orchestrator) setState(s State) {
	if o.state == s {
		return
	}
	o.log.Debug("state", "from", o.state, "to", s)
	o.state = s
	o.observer.StateChanged(s)
}

func (o *Orchestrator) notice(kind NoticeKind, text string) {
	o.observer.Notice(Notice{Kind: kind, Text: text})
}

func (o *Orchestrator) extendGuard(d time.Duration) {
	if t := o.now().Add(d); t.After(o.guardUntil) {
		o.guardUntil = t
	}
}

// mayOpen is the capture gate.
func (o *Orchestrator) mayOpen() bool {
	if !o.active || !o.micAllowed || o.speech.Speaking() {
		return false
	}
	if o.state != StateIdle && o.state != StateListening {
		return false
	}
	return !o.now().Before(o.guardUntil)
}

// listen opens capture if allowed, waiting out the guard window first.
func (o *Orchestrator) listen() {
	if !o.active || !o.micAllowed || !o.capture.Closed() || o.speech.Speaking() {
		return
	}
	if o.state != StateIdle {
		return
	}
	if wait := o.guardUntil.Sub(o.now()); wait > 0 {
		o.after(timerRelisten, wait+o.cfg.RelistenSlack, o.listen)
		return
	}
	if o.capture.Open(o.scope.Context) {
		o.setState(StateListening)
	}
}

func (o *Orchestrator) relisten(d time.Duration) {
	o.after(timerRelisten, d, o.listen)
}

func (o *Orchestrator) explicitListen() {
	if !o.active {
		return
	}
	o.micAllowed = true
	o.listen()
}

func (o *Orchestrator) watchdog() {
	if !o.active {
		return
	}
	if o.state == StateIdle && o.capture.Closed() && !o.timers.pending(timerGreeting) && o.mayOpen() {
		o.log.Debug("watchdog re-arming capture")
		o.listen()
	}
	o.after(timerWatchdog, o.cfg.WatchdogInterval, o.watchdog)
}

func (o *Orchestrator) captured(rec capture.Recording) {
	o.setState(StateProcessing)
	if o.transcriber == nil {
		o.transcribed("", errors.New("no transcriber configured"))
		return
	}
	post := o.bind()
	ctx := o.scope.Context
	audio := rec.Audio()
	go func() {
		text, err := o.transcriber.Transcribe(ctx, audio, rec.ContentType)
		post(func() { o.transcribed(text, err) }, nil)
	}()
}

func (o *Orchestrator) transcribed(text string, err error) {
	switch {
	case errors.Is(err, transcript.ErrCanceled):
		o.log.Debug("transcription canceled")
		o.setState(StateIdle)
		o.relisten(0)
		return
	case err != nil:
		o.log.Warn("transcription failed", "error", err)
		metrics.RecordTurn(metrics.OutcomeFailed)
		o.notice(NoticeTranscriptionFailed, o.cfg.TranscriptionFailedText)
		o.setState(StateIdle)
		o.relisten(o.cfg.NoSpeechCooldown)
		return
	}

	text = strings.TrimSpace(text)
	if text == "" {
		metrics.RecordTurn(metrics.OutcomeEmpty)
		o.setState(StateIdle)
		o.relisten(0)
		return
	}

	if v := o.checkEcho(text); v.Echo {
		o.log.Info("dropped echo transcript", "text", text, "reason", v.Reason, "score", v.Score)
		metrics.RecordTurn(metrics.OutcomeEcho)
		o.extendGuard(o.cfg.EchoGuard)
		o.setState(StateIdle)
		o.relisten(0)
		return
	}
	o.respond(text)
}

func (o *Orchestrator) checkEcho(text string) echofilter.Verdict {
	last, ok := o.history.LastAgent()
	if !ok {
		return echofilter.Verdict{Reason: "nothing to compare"}
	}
	since := time.Duration(-1)
	if started, ok := o.speech.LastStart(); ok {
		since = o.now().Sub(started)
	}
	return o.echo.Check(text, last.Text, since)
}

// respond commits the user utterance and asks for a reply.
func (o *Orchestrator) respond(text string) {
	history := o.history.Recent(o.cfg.HistoryLimit)
	u := dialog.Utterance{Text: text, Speaker: dialog.User, At: o.now()}
	o.history.Append(u)
	o.observer.Utterance(u)
	o.setState(StateProcessing)

	if o.responder == nil {
		o.replied(llm.Reply{}, errors.New("no responder configured"))
		return
	}
	post := o.bind()
	ctx := o.scope.Context
	go func() {
		reply, err := o.responder.Respond(ctx, text, history)
		post(func() { o.replied(reply, err) }, nil)
	}()
}

func (o *Orchestrator) replied(reply llm.Reply, err error) {
	if err != nil || strings.TrimSpace(reply.Text) == "" {
		if !errors.Is(err, llm.ErrCanceled) {
			o.log.Warn("no reply", "error", err)
		}
		o.setState(StateIdle)
		o.relisten(0)
		return
	}
	metrics.RecordReply(reply.Fallback)
	metrics.RecordTurn(metrics.OutcomeAnswered)
	o.say(reply.Text)
}

func (o *Orchestrator) say(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	u := dialog.Utterance{Text: text, Speaker: dialog.Agent, At: o.now()}
	o.history.Append(u)
	o.observer.Utterance(u)
	o.timers.stop(timerRelisten)
	o.setState(StateSpeaking)
	if err := o.speech.Speak(o.scope.Context, text); err != nil {
		o.log.Warn("speak failed", "error", err)
	}
}

func (o *Orchestrator) submit(text string) {
	text = strings.TrimSpace(text)
	if !o.active || text == "" {
		return
	}
	if o.state == StateProcessing {
		o.log.Debug("submit ignored while processing", "text", text)
		return
	}
	o.timers.stop(timerRelisten)
	o.capture.Close()
	if o.speech.Speaking() {
		o.speech.Cancel()
	}
	o.respond(text)
}

func (o *Orchestrator) noSpeech() {
	metrics.RecordTurn(metrics.OutcomeNoSpeech)
	o.notice(NoticeNoSpeech, o.cfg.NoSpeechText)
	o.extendGuard(o.cfg.NoSpeechGuard)
	o.setState(StateIdle)
	o.relisten(o.cfg.NoSpeechCooldown)
}

func (o *Orchestrator) deviceFailed(err error) {
	o.log.Warn("microphone unavailable", "error", err)
	o.micAllowed = false
	o.notice(NoticeDeviceError, o.cfg.DeviceErrorText)
	o.setState(StateIdle)
}

func (o *Orchestrator) speechEnded(err error) {
	if !o.active {
		return
	}
	o.micAllowed = true
	o.setState(StateIdle)
	o.relisten(o.cfg.Speech.Deadzone + o.cfg.RelistenSlack)
}

// port is the orchestrator as seen by its capture and speech controllers.
type port struct{ o *Orchestrator }

func (p port) MayOpen() bool                                 { return p.o.mayOpen() }
func (p port) Bind() session.Post                            { return p.o.bind() }
func (p port) After(name string, d time.Duration, fn func()) { p.o.after(name, d, fn) }
func (p port) Cancel(name string)                            { p.o.timers.stop(name) }
func (p port) Captured(rec capture.Recording)                { p.o.captured(rec) }
func (p port) NoSpeech()                                     { p.o.noSpeech() }
func (p port) DeviceFailed(err error)                        { p.o.deviceFailed(err) }
func (p port) StopCapture()                                  { p.o.capture.Close() }
func (p port) SetMicAllowed(allowed bool)                    { p.o.micAllowed = allowed }
func (p port) SetGuard(until time.Time)                      { p.o.guardUntil = until }
func (p port) SpeechEnded(err error)                         { p.o.speechEnded(err) }
