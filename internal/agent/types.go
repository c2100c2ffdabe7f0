package agent

import (
	"context"
	"time"

	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/chadiek/turn-agent/internal/dialog"
	"github.com/chadiek/turn-agent/internal/echofilter"
	"github.com/chadiek/turn-agent/internal/llm"
	"github.com/chadiek/turn-agent/internal/session"
	"github.com/chadiek/turn-agent/internal/speech"
)

// State is the conversation's position in the turn cycle.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "LISTENING"
	case StateProcessing:
		return "PROCESSING"
	case StateSpeaking:
		return "SPEAKING"
	default:
		return "IDLE"
	}
}

// NoticeKind classifies a user-visible message.
type NoticeKind int

const (
	NoticeNoSpeech NoticeKind = iota + 1
	NoticeTranscriptionFailed
	NoticeDeviceError
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeNoSpeech:
		return "no_speech"
	case NoticeTranscriptionFailed:
		return "transcription_failed"
	case NoticeDeviceError:
		return "device_error"
	default:
		return "unknown"
	}
}

// Notice is a short status line for the caller. It is never spoken.
type Notice struct {
	Kind NoticeKind
	Text string
}

// Observer receives everything the caller should see. Methods are invoked on
// the orchestrator's loop goroutine and must not block.
type Observer interface {
	StateChanged(s State)
	Utterance(u dialog.Utterance)
	Notice(n Notice)
}

// Transcriber converts a recording to text. Implementations return
// transcript.ErrCanceled for superseded requests.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string) (string, error)
	Cancel()
}

// Responder produces the agent's reply. Implementations return
// llm.ErrCanceled for superseded requests and otherwise always reply.
type Responder interface {
	Respond(ctx context.Context, userText string, history []dialog.Utterance) (llm.Reply, error)
	Cancel()
}

// Deps are the collaborators of one conversation.
type Deps struct {
	Mic         capture.Microphone
	Speech      speech.Engine
	Transcriber Transcriber
	Responder   Responder
	Observer    Observer
}

// Config is the orchestrator's tuning surface.
type Config struct {
	Capture capture.Config
	Speech  speech.Config
	Echo    echofilter.Config

	// HistoryLimit bounds the utterances passed to the responder.
	HistoryLimit int
	// Greeting is spoken GreetingDelay after Start. Empty skips it.
	Greeting      string
	GreetingDelay time.Duration
	// WatchdogInterval is how often an idle conversation re-arms capture.
	WatchdogInterval time.Duration
	// NoSpeechCooldown delays the relisten after a sub-threshold turn and
	// NoSpeechGuard extends the guard window at the same time.
	NoSpeechCooldown time.Duration
	NoSpeechGuard    time.Duration
	// EchoGuard extends the guard window after a transcript is dropped as echo.
	EchoGuard time.Duration
	// RelistenSlack is added to the deadzone before reopening after speech.
	RelistenSlack time.Duration

	NoSpeechText            string
	TranscriptionFailedText string
	DeviceErrorText         string
}

// DefaultConfig returns the production timings.
func DefaultConfig() Config {
	sc := speech.DefaultConfig()
	return Config{
		Capture:                 capture.DefaultConfig(),
		Speech:                  sc,
		Echo:                    echofilter.DefaultConfig(),
		HistoryLimit:            10,
		GreetingDelay:           500 * time.Millisecond,
		WatchdogInterval:        800 * time.Millisecond,
		NoSpeechCooldown:        300 * time.Millisecond,
		NoSpeechGuard:           400 * time.Millisecond,
		EchoGuard:               sc.Deadzone,
		RelistenSlack:           50 * time.Millisecond,
		NoSpeechText:            "I didn't catch that, please speak again.",
		TranscriptionFailedText: "Voice recognition service temporarily unavailable. Please try again.",
		DeviceErrorText:         "Error accessing microphone. Please check permissions.",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.GreetingDelay <= 0 {
		c.GreetingDelay = def.GreetingDelay
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = def.WatchdogInterval
	}
	if c.NoSpeechCooldown <= 0 {
		c.NoSpeechCooldown = def.NoSpeechCooldown
	}
	if c.NoSpeechGuard <= 0 {
		c.NoSpeechGuard = def.NoSpeechGuard
	}
	if c.Speech.Deadzone <= 0 {
		c.Speech.Deadzone = def.Speech.Deadzone
	}
	if c.EchoGuard <= 0 {
		c.EchoGuard = c.Speech.Deadzone
	}
	if c.RelistenSlack <= 0 {
		c.RelistenSlack = def.RelistenSlack
	}
	if c.NoSpeechText == "" {
		c.NoSpeechText = def.NoSpeechText
	}
	if c.TranscriptionFailedText == "" {
		c.TranscriptionFailedText = def.TranscriptionFailedText
	}
	if c.DeviceErrorText == "" {
		c.DeviceErrorText = def.DeviceErrorText
	}
	return c
}

// Snapshot is a consistent view of the conversation.
type Snapshot struct {
	Session    session.ID
	Active     bool
	State      State
	MicAllowed bool
	GuardUntil time.Time
	Capture    capture.State
	Speaking   bool
	Transcript []dialog.Utterance
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)         {}
func (nopObserver) Utterance(dialog.Utterance) {}
func (nopObserver) Notice(Notice)              {}
