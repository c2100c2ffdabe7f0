package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/chadiek/turn-agent/internal/dialog"
	"github.com/chadiek/turn-agent/internal/llm"
	"github.com/chadiek/turn-agent/internal/speech"
	"github.com/chadiek/turn-agent/internal/transcript"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeStream struct {
	frags  chan []byte
	closed atomic.Bool
}

func (s *fakeStream) ContentType() string      { return "audio/l16;rate=16000;channels=1" }
func (s *fakeStream) Fragments() <-chan []byte { return s.frags }
func (s *fakeStream) Close() error             { s.closed.Store(true); return nil }

// speak sends a usable turn and ends the stream.
func (s *fakeStream) speak() {
	s.frags <- make([]byte, 2000)
	s.frags <- make([]byte, 2000)
	close(s.frags)
}

type fakeMic struct {
	engine *fakeEngine

	mu         sync.Mutex
	streams    []*fakeStream
	err        error
	violations int
}

func (m *fakeMic) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	speaking := m.engine.isSpeaking()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if speaking {
		m.violations++
	}
	s := &fakeStream{frags: make(chan []byte, 16)}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMic) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *fakeMic) opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *fakeMic) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.streams {
		if !s.closed.Load() {
			n++
		}
	}
	return n
}

// waitStream returns the n-th opened stream (1-based) once it is live.
func (m *fakeMic) waitStream(t *testing.T, n int) *fakeStream {
	t.Helper()
	var s *fakeStream
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if len(m.streams) < n {
			return false
		}
		s = m.streams[n-1]
		return !s.closed.Load()
	}, waitFor, tick, "stream %d never opened", n)
	return s
}

type fakeEngine struct {
	mic     *fakeMic
	playFor time.Duration

	mu         sync.Mutex
	spoken     []string
	gen        int
	speaking   bool
	violations int
}

func (e *fakeEngine) Speak(ctx context.Context, req speech.Request, ev speech.Events) error {
	live := e.mic.live()
	e.mu.Lock()
	if live > 0 {
		e.violations++
	}
	e.gen++
	gen := e.gen
	e.speaking = true
	e.spoken = append(e.spoken, req.Text)
	e.mu.Unlock()

	go func() {
		ev.OnStart()
		time.Sleep(e.playFor)
		e.mu.Lock()
		current := e.gen == gen
		if current {
			e.speaking = false
		}
		e.mu.Unlock()
		if current {
			ev.OnEnd()
		}
	}()
	return nil
}

func (e *fakeEngine) CancelAll() {
	e.mu.Lock()
	e.gen++
	e.speaking = false
	e.mu.Unlock()
}

func (e *fakeEngine) Speaking() bool { return e.isSpeaking() }

func (e *fakeEngine) isSpeaking() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

func (e *fakeEngine) said() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.spoken...)
}

type sttResult struct {
	text string
	err  error
}

type fakeTranscriber struct {
	results chan sttResult
	calls   atomic.Int32
	cancels atomic.Int32
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	f.calls.Add(1)
	select {
	case r := <-f.results:
		return r.text, r.err
	case <-ctx.Done():
		return "", transcript.ErrCanceled
	}
}

func (f *fakeTranscriber) Cancel() { f.cancels.Add(1) }

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

type recorder struct {
	mu         sync.Mutex
	states     []State
	utterances []dialog.Utterance
	notices    []Notice
}

func (r *recorder) StateChanged(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) Utterance(u dialog.Utterance) {
	r.mu.Lock()
	r.utterances = append(r.utterances, u)
	r.mu.Unlock()
}

func (r *recorder) Notice(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recorder) said(who dialog.Speaker) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.utterances {
		if u.Speaker == who {
			out = append(out, u.Text)
		}
	}
	return out
}

func (r *recorder) noticeKinds() []NoticeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NoticeKind
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}

// offsetClock is wall time plus a jump the test controls.
type offsetClock struct{ offset atomic.Int64 }

func (c *offsetClock) now() time.Time       { return time.Now().Add(time.Duration(c.offset.Load())) }
func (c *offsetClock) jump(d time.Duration) { c.offset.Add(int64(d)) }

var pizzaRules = llm.RuleTable{
	Rules: []llm.Rule{
		{Keywords: []string{"pizza", "order"}, Reply: "What type of pizza would you like?"},
	},
	Default: "I'm here to help with your Pizza Hut order!",
}

type harness struct {
	o      *Orchestrator
	mic    *fakeMic
	engine *fakeEngine
	stt    *fakeTranscriber
	obs    *recorder
	clock  *offsetClock

	mu      sync.Mutex
	prompts []string
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Capture.Silence = 150 * time.Millisecond
	cfg.Capture.MaxTurn = 2 * time.Second
	cfg.Speech.Deadzone = 20 * time.Millisecond
	cfg.EchoGuard = 20 * time.Millisecond
	cfg.WatchdogInterval = 15 * time.Millisecond
	cfg.GreetingDelay = 10 * time.Millisecond
	cfg.NoSpeechCooldown = 10 * time.Millisecond
	cfg.NoSpeechGuard = 10 * time.Millisecond
	cfg.RelistenSlack = 5 * time.Millisecond
	return cfg
}

// newHarness runs an orchestrator whose model answers through reply.
func newHarness(t *testing.T, cfg Config, reply func(prompt string) (string, error)) *harness {
	t.Helper()
	h := &harness{
		stt:   &fakeTranscriber{results: make(chan sttResult, 8)},
		obs:   &recorder{},
		clock: &offsetClock{},
	}
	h.engine = &fakeEngine{playFor: 10 * time.Millisecond}
	h.mic = &fakeMic{engine: h.engine}
	h.engine.mic = h.mic

	gen := generatorFunc(func(ctx context.Context, prompt string) (string, error) {
		h.mu.Lock()
		h.prompts = append(h.prompts, prompt)
		h.mu.Unlock()
		return reply(prompt)
	})
	responder := llm.NewResponder(gen, llm.ResponderConfig{
		Preamble:     "You are a pizza ordering assistant.",
		HistoryLimit: cfg.HistoryLimit,
		Timeout:      time.Second,
		Rules:        pizzaRules,
	})

	h.o = New(Deps{
		Mic:         h.mic,
		Speech:      h.engine,
		Transcriber: h.stt,
		Responder:   responder,
		Observer:    h.obs,
	}, cfg, WithClock(h.clock.now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) promptCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prompts)
}

func (h *harness) lastPrompt() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.prompts) == 0 {
		return ""
	}
	return h.prompts[len(h.prompts)-1]
}

// turn has the user say text on the n-th stream.
func (h *harness) turn(t *testing.T, n int, text string) {
	t.Helper()
	h.stt.results <- sttResult{text: text}
	h.mic.waitStream(t, n).speak()
}

func (h *harness) waitSpoken(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.engine.said()) >= n }, waitFor, tick)
}

func (h *harness) assertHalfDuplex(t *testing.T) {
	t.Helper()
	h.mic.mu.Lock()
	assert.Zero(t, h.mic.violations, "microphone opened while speaking")
	h.mic.mu.Unlock()
	h.engine.mu.Lock()
	assert.Zero(t, h.engine.violations, "speech started with the microphone open")
	h.engine.mu.Unlock()
}

func fixed(reply string) func(string) (string, error) {
	return func(string) (string, error) { return reply, nil }
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "LISTENING", StateListening.String())
	assert.Equal(t, "PROCESSING", StateProcessing.String())
	assert.Equal(t, "SPEAKING", StateSpeaking.String())
}

func TestOrchestrator_EndToEndPizzaOrder(t *testing.T) {
	replies := []string{"Large pizza, got it. Any toppings?", "Pepperoni it is."}
	var n atomic.Int32
	h := newHarness(t, testConfig(), func(string) (string, error) {
		return replies[n.Add(1)-1], nil
	})
	h.o.Start()

	h.turn(t, 1, "I'd like to order a pizza")
	h.waitSpoken(t, 1)
	assert.Equal(t, "Large pizza, got it. Any toppings?", h.engine.said()[0])
	assert.Contains(t, h.lastPrompt(), `CURRENT CUSTOMER INPUT: "I'd like to order a pizza"`)

	// listening reopens once the deadzone has passed
	h.turn(t, 2, "pepperoni please")
	h.waitSpoken(t, 2)
	assert.Equal(t, "Pepperoni it is.", h.engine.said()[1])

	prompt := h.lastPrompt()
	assert.Contains(t, prompt, "Customer: I'd like to order a pizza\nAssistant: Large pizza, got it. Any toppings?")
	assert.Contains(t, prompt, `CURRENT CUSTOMER INPUT: "pepperoni please"`)

	assert.Equal(t, []string{"I'd like to order a pizza", "pepperoni please"}, h.obs.said(dialog.User))
	assert.Equal(t, []string{"Large pizza, got it. Any toppings?", "Pepperoni it is."}, h.obs.said(dialog.Agent))

	h.mic.waitStream(t, 3)
	snap := h.o.Snapshot()
	assert.True(t, snap.Active)
	assert.Equal(t, StateListening, snap.State)
	assert.Len(t, snap.Transcript, 4)
	h.assertHalfDuplex(t)
}

func TestOrchestrator_StateSequence(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("Sure."))
	h.o.Start()
	h.turn(t, 1, "hello")
	h.mic.waitStream(t, 2)

	h.obs.mu.Lock()
	states := append([]State(nil), h.obs.states...)
	h.obs.mu.Unlock()
	assert.Equal(t, []State{StateListening, StateProcessing, StateSpeaking, StateIdle, StateListening}, states)
}

func TestOrchestrator_EchoSuppression(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("Large pizza, got it"))
	h.o.Start()

	h.turn(t, 1, "I'd like to order a pizza")
	h.waitSpoken(t, 1)

	// the agent's own words come back shortly after synthesis started
	h.turn(t, 2, "large pizza got it")
	h.mic.waitStream(t, 3)
	assert.Equal(t, []string{"I'd like to order a pizza"}, h.obs.said(dialog.User))
	assert.Equal(t, 1, h.promptCount())
	assert.Len(t, h.engine.said(), 1)

	// the same words long after synthesis are a real answer
	h.clock.jump(10 * time.Second)
	h.turn(t, 3, "large pizza got it")
	require.Eventually(t, func() bool { return h.promptCount() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"I'd like to order a pizza", "large pizza got it"}, h.obs.said(dialog.User))
	assert.Empty(t, h.obs.noticeKinds())
	h.assertHalfDuplex(t)
}

func TestOrchestrator_FallbackWhenModelFails(t *testing.T) {
	h := newHarness(t, testConfig(), func(string) (string, error) {
		return "", errors.New("upstream 503")
	})
	h.o.Start()
	h.turn(t, 1, "I'd like to order a pizza")
	h.waitSpoken(t, 1)
	assert.Equal(t, "What type of pizza would you like?", h.engine.said()[0])

	h.turn(t, 2, "hmm")
	h.waitSpoken(t, 2)
	assert.Equal(t, "I'm here to help with your Pizza Hut order!", h.engine.said()[1])
}

func TestOrchestrator_SubThresholdNeverTranscribed(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("unused"))
	h.o.Start()

	s := h.mic.waitStream(t, 1)
	s.frags <- make([]byte, 100)
	close(s.frags)

	h.mic.waitStream(t, 2)
	assert.Zero(t, h.stt.calls.Load())
	assert.Equal(t, []NoticeKind{NoticeNoSpeech}, h.obs.noticeKinds())
	assert.Empty(t, h.engine.said())
}

func TestOrchestrator_SilenceRearms(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("unused"))
	h.o.Start()

	first := h.mic.waitStream(t, 1)
	h.mic.waitStream(t, 2)
	assert.True(t, first.closed.Load())
	assert.Zero(t, h.stt.calls.Load())
	assert.NotContains(t, h.obs.noticeKinds(), NoticeTranscriptionFailed)
	assert.NotContains(t, h.obs.noticeKinds(), NoticeDeviceError)
}

func TestOrchestrator_TranscriptionFailure(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("unused"))
	h.o.Start()

	h.stt.results <- sttResult{err: &transcript.StatusError{Status: 500, Body: "boom"}}
	h.mic.waitStream(t, 1).speak()

	h.mic.waitStream(t, 2)
	assert.Equal(t, []NoticeKind{NoticeTranscriptionFailed}, h.obs.noticeKinds())
	assert.Zero(t, h.promptCount())
	assert.Empty(t, h.obs.said(dialog.User))
}

func TestOrchestrator_EmptyTranscriptIsSilent(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("unused"))
	h.o.Start()
	h.turn(t, 1, "   ")
	h.mic.waitStream(t, 2)
	assert.Empty(t, h.obs.noticeKinds())
	assert.Zero(t, h.promptCount())
}

func TestOrchestrator_DeviceErrorNeedsExplicitListen(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("unused"))
	h.mic.setErr(errors.New("permission denied"))
	h.o.Start()

	require.Eventually(t, func() bool {
		return len(h.obs.noticeKinds()) == 1
	}, waitFor, tick)
	assert.Equal(t, NoticeDeviceError, h.obs.noticeKinds()[0])

	h.mic.setErr(nil)
	// several watchdog periods pass without a retry
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, h.mic.opened())
	assert.False(t, h.o.Snapshot().MicAllowed)

	h.o.Listen()
	h.mic.waitStream(t, 1)
}

func TestOrchestrator_EndCancelsInFlight(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("too late"))
	h.o.Start()

	// nothing queued: transcription blocks until cancelled
	h.mic.waitStream(t, 1).speak()
	require.Eventually(t, func() bool { return h.stt.calls.Load() == 1 }, waitFor, tick)
	require.Equal(t, StateProcessing, h.o.Snapshot().State)

	h.o.End()
	snap := h.o.Snapshot()
	assert.False(t, snap.Active)
	assert.False(t, snap.MicAllowed)
	assert.Equal(t, StateIdle, snap.State)
	assert.Empty(t, snap.Transcript)
	assert.GreaterOrEqual(t, h.stt.cancels.Load(), int32(1))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.engine.said())
	assert.Equal(t, 1, h.mic.opened(), "no capture after end")
	assert.Zero(t, h.mic.live())
}

func TestOrchestrator_SessionIDsIncrease(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("ok"))
	h.o.Start()
	a := h.o.Snapshot().Session
	h.o.Start()
	b := h.o.Snapshot().Session
	h.o.End()
	c := h.o.Snapshot().Session
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestOrchestrator_RestartDropsStaleReply(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, testConfig(), func(string) (string, error) {
		<-release
		return "stale answer", nil
	})
	h.o.Start()
	h.turn(t, 1, "I'd like to order a pizza")
	require.Eventually(t, func() bool { return h.promptCount() == 1 }, waitFor, tick)

	h.o.Start()
	close(release)

	h.mic.waitStream(t, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.engine.said())
	assert.Empty(t, h.o.Snapshot().Transcript)
}

func TestOrchestrator_GreetingFirst(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Welcome to Pizza Hut! What can I get you?"
	h := newHarness(t, cfg, fixed("ok"))
	h.o.Start()

	h.waitSpoken(t, 1)
	assert.Equal(t, cfg.Greeting, h.engine.said()[0])
	h.mic.waitStream(t, 1)
	assert.Equal(t, []string{cfg.Greeting}, h.obs.said(dialog.Agent))
	h.assertHalfDuplex(t)
}

func TestOrchestrator_SubmitSkipsTranscription(t *testing.T) {
	h := newHarness(t, testConfig(), func(prompt string) (string, error) {
		if strings.Contains(prompt, "Order Pizza") {
			return "Great! What size?", nil
		}
		return "ok", nil
	})
	h.o.Start()
	h.mic.waitStream(t, 1)

	h.o.Submit("Order Pizza")
	h.waitSpoken(t, 1)
	assert.Equal(t, "Great! What size?", h.engine.said()[0])
	assert.Zero(t, h.stt.calls.Load())
	assert.Equal(t, []string{"Order Pizza"}, h.obs.said(dialog.User))
	h.mic.waitStream(t, 2)
	h.assertHalfDuplex(t)
}

func TestOrchestrator_CommandsBeforeStartAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig(), fixed("ok"))
	h.o.Submit("hello")
	h.o.Listen()
	snap := h.o.Snapshot()
	assert.False(t, snap.Active)
	assert.Equal(t, StateIdle, snap.State)
	assert.Zero(t, h.mic.opened())
}
