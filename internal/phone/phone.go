// Package phone runs the turn-taking loop over a Twilio voice call.
//
// The call itself is the half-duplex channel: every response is a <Say>
// followed by a <Record>, and Twilio does not start recording until the
// agent has finished speaking. Record's silence timeout and max length play
// the part of the capture controller's silence and hard-cap timers.
package phone

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chadiek/turn-agent/internal/dialog"
	"github.com/chadiek/turn-agent/internal/llm"
	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/metrics"
	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/twiml"
)

// Transcriber converts a recording to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
}

// Responder produces the agent's reply.
type Responder interface {
	Respond(ctx context.Context, userText string, history []dialog.Utterance) (llm.Reply, error)
}

// Line is the per-call pipeline. Transcription and response clients keep a
// single request in flight, so calls never share them.
type Line struct {
	Transcriber Transcriber
	Responder   Responder
}

// LineFactory builds the pipeline for a new call.
type LineFactory func(callSID string) Line

// Recordings downloads and discards Twilio recordings.
type Recordings interface {
	Fetch(ctx context.Context, recordingURL string) ([]byte, string, error)
	Delete(ctx context.Context, recordingSID string) error
}

// Config tunes the phone line.
type Config struct {
	Greeting                string
	NoSpeechText            string
	TranscriptionFailedText string
	GoodbyeText             string
	// Silence ends a recording; MaxTurn caps it.
	Silence time.Duration
	MaxTurn time.Duration
	// MaxMisses is the number of consecutive empty turns before hanging up.
	MaxMisses    int
	HistoryLimit int
	TurnTimeout  time.Duration
	// BaseURL is the public origin Twilio calls back on. Empty derives it
	// from the request.
	BaseURL string
	Voice   string
}

// DefaultConfig mirrors the browser line's wording and timings.
func DefaultConfig() Config {
	return Config{
		NoSpeechText:            "I didn't catch that, please speak again.",
		TranscriptionFailedText: "Voice recognition service temporarily unavailable. Please try again.",
		GoodbyeText:             "Thank you for calling. Goodbye!",
		Silence:                 5 * time.Second,
		MaxTurn:                 60 * time.Second,
		MaxMisses:               3,
		HistoryLimit:            10,
		TurnTimeout:             12 * time.Second,
	}
}

type phoneCall struct {
	line    Line
	history dialog.Transcript
	seen    time.Time

	mu     sync.Mutex
	misses int
}

// miss counts an empty turn and reports the new run length.
func (c *phoneCall) miss() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	return c.misses
}

func (c *phoneCall) heard() {
	c.mu.Lock()
	c.misses = 0
	c.mu.Unlock()
}

// Handler serves Twilio's voice webhooks.
type Handler struct {
	cfg        Config
	newLine    LineFactory
	recordings Recordings

	mu    sync.Mutex
	calls map[string]*phoneCall
}

// NewHandler builds a phone line. cfg zero fields take DefaultConfig values.
func NewHandler(cfg Config, newLine LineFactory, recordings Recordings) *Handler {
	def := DefaultConfig()
	if cfg.NoSpeechText == "" {
		cfg.NoSpeechText = def.NoSpeechText
	}
	if cfg.TranscriptionFailedText == "" {
		cfg.TranscriptionFailedText = def.TranscriptionFailedText
	}
	if cfg.GoodbyeText == "" {
		cfg.GoodbyeText = def.GoodbyeText
	}
	if cfg.Silence <= 0 {
		cfg.Silence = def.Silence
	}
	if cfg.MaxTurn <= 0 {
		cfg.MaxTurn = def.MaxTurn
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = def.MaxMisses
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = def.TurnTimeout
	}
	return &Handler{cfg: cfg, newLine: newLine, recordings: recordings, calls: make(map[string]*phoneCall)}
}

// Register mounts the webhooks on g. Signature validation is the caller's
// middleware and must put the form values under "twilioParams".
func (h *Handler) Register(g *echo.Group) {
	g.POST("/voice", h.Voice)
	g.POST("/recording", h.Recording)
	g.POST("/status", h.Status)
}

func params(c echo.Context) (map[string]string, error) {
	p, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return nil, errors.New("missing twilio parameters")
	}
	return p, nil
}

// Voice answers a new call: greeting first, then the first recording.
func (h *Handler) Voice(c echo.Context) error {
	p, err := params(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := p["CallSid"]
	if sid == "" {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	log := logger.ForCall(sid)
	log.Info("phone call answered", "from", p["From"], "to", p["To"])

	call := h.open(sid)
	var els []twiml.Element
	if g := strings.TrimSpace(h.cfg.Greeting); g != "" {
		call.history.Append(dialog.Utterance{Speaker: dialog.Agent, Text: g, At: time.Now()})
		els = append(els, h.say(g))
	}
	els = append(els, h.record(c))
	return h.respond(c, els)
}

// Recording handles a finished <Record>: transcribe, answer, record again.
func (h *Handler) Recording(c echo.Context) error {
	p, err := params(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	sid := p["CallSid"]
	call := h.lookup(sid)
	if call == nil {
		// the call started before a restart; pick it up without a greeting
		call = h.open(sid)
	}
	log := logger.ForCall(sid)

	recURL := p["RecordingUrl"]
	if recSID := p["RecordingSid"]; recSID != "" && h.recordings != nil {
		defer func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := h.recordings.Delete(ctx, recSID); err != nil {
					log.Debug("delete recording", "recording", recSID, "error", err)
				}
			}()
		}()
	}

	if recURL == "" || p["RecordingDuration"] == "0" {
		metrics.RecordTurn(metrics.OutcomeNoSpeech)
		return h.miss(c, call, h.cfg.NoSpeechText)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.cfg.TurnTimeout)
	defer cancel()

	audio, contentType, err := h.fetch(ctx, recURL)
	if err == nil {
		var text string
		text, err = call.line.Transcriber.Transcribe(ctx, audio, contentType)
		if err == nil {
			return h.answer(c, call, text)
		}
	}
	log.Warn("phone transcription failed", "error", err)
	metrics.RecordTurn(metrics.OutcomeFailed)
	return h.miss(c, call, h.cfg.TranscriptionFailedText)
}

func (h *Handler) fetch(ctx context.Context, recURL string) ([]byte, string, error) {
	if h.recordings == nil {
		return nil, "", errors.New("no recording source configured")
	}
	return h.recordings.Fetch(ctx, recURL)
}

func (h *Handler) answer(c echo.Context, call *phoneCall, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		metrics.RecordTurn(metrics.OutcomeEmpty)
		return h.miss(c, call, "")
	}
	call.heard()
	history := call.history.Recent(h.cfg.HistoryLimit)
	call.history.Append(dialog.Utterance{Speaker: dialog.User, Text: text, At: time.Now()})

	ctx, cancel := context.WithTimeout(c.Request().Context(), h.cfg.TurnTimeout)
	defer cancel()
	reply, err := call.line.Responder.Respond(ctx, text, history)
	if err != nil {
		// only cancellation reaches here; the caller hung up
		return c.NoContent(http.StatusNoContent)
	}
	metrics.RecordTurn(metrics.OutcomeAnswered)
	metrics.RecordReply(reply.Fallback)
	call.history.Append(dialog.Utterance{Speaker: dialog.Agent, Text: reply.Text, At: time.Now()})
	return h.respond(c, []twiml.Element{h.say(reply.Text), h.record(c)})
}

// miss records again after an empty turn, hanging up after too many in a row.
func (h *Handler) miss(c echo.Context, call *phoneCall, notice string) error {
	if call.miss() >= h.cfg.MaxMisses {
		return h.respond(c, []twiml.Element{h.say(h.cfg.GoodbyeText), &twiml.VoiceHangup{}})
	}
	var els []twiml.Element
	if notice != "" {
		els = append(els, h.say(notice))
	}
	return h.respond(c, append(els, h.record(c)))
}

// Status receives call progress; a finished call drops its transcript.
func (h *Handler) Status(c echo.Context) error {
	p, err := params(c)
	if err != nil {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	switch p["CallStatus"] {
	case "completed", "busy", "failed", "no-answer", "canceled":
		h.close(p["CallSid"])
	}
	return c.String(http.StatusOK, "OK")
}

func (h *Handler) open(sid string) *phoneCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	if call, ok := h.calls[sid]; ok {
		call.seen = time.Now()
		return call
	}
	call := &phoneCall{line: h.newLine(sid), seen: time.Now()}
	h.calls[sid] = call
	metrics.ConversationStarted()
	return call
}

func (h *Handler) lookup(sid string) *phoneCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	call := h.calls[sid]
	if call != nil {
		call.seen = time.Now()
	}
	return call
}

func (h *Handler) close(sid string) {
	h.mu.Lock()
	call, ok := h.calls[sid]
	delete(h.calls, sid)
	h.mu.Unlock()
	if !ok {
		return
	}
	metrics.ConversationEnded()
	logger.ForCall(sid).Info("phone call ended", "utterances", call.history.Len())
}

// Prune drops calls not heard from within idle, for calls whose status
// callback never arrived.
func (h *Handler) Prune(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	h.mu.Lock()
	var stale []string
	for sid, call := range h.calls {
		if call.seen.Before(cutoff) {
			stale = append(stale, sid)
		}
	}
	h.mu.Unlock()
	for _, sid := range stale {
		h.close(sid)
	}
	return len(stale)
}

// Calls is the number of live calls.
func (h *Handler) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *Handler) say(text string) twiml.Element {
	return &twiml.VoiceSay{Message: text, Voice: h.cfg.Voice}
}

func (h *Handler) record(c echo.Context) twiml.Element {
	return &twiml.VoiceRecord{
		Action:    h.absoluteURL(c, "/twilio/recording"),
		Method:    "POST",
		Timeout:   seconds(h.cfg.Silence),
		MaxLength: seconds(h.cfg.MaxTurn),
		PlayBeep:  "false",
	}
}

func (h *Handler) respond(c echo.Context, els []twiml.Element) error {
	doc, err := twiml.Voice(els)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, doc)
}

// absoluteURL builds a public absolute URL for callbacks.
// Priority: configured base URL > X-Forwarded-* headers > request Host heuristic.
func (h *Handler) absoluteURL(c echo.Context, path string) string {
	baseURL := strings.TrimRight(h.cfg.BaseURL, "/")
	if baseURL == "" {
		proto := c.Request().Header.Get("X-Forwarded-Proto")
		host := c.Request().Header.Get("X-Forwarded-Host")
		if proto != "" && host != "" {
			baseURL = fmt.Sprintf("%s://%s", proto, host)
		}
	}
	if baseURL == "" {
		host := c.Request().Host
		proto := "https"
		if strings.HasPrefix(host, "localhost:") || strings.HasPrefix(host, "127.0.0.1:") {
			proto = "http"
		}
		baseURL = fmt.Sprintf("%s://%s", proto, host)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return baseURL + path
}

// seconds renders d as whole seconds, at least one.
func seconds(d time.Duration) string {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return strconv.Itoa(s)
}
