package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/turn-agent/internal/agent"
	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/chadiek/turn-agent/internal/config"
	httpserver "github.com/chadiek/turn-agent/internal/httpserver"
	"github.com/chadiek/turn-agent/internal/llm"
	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/phone"
	"github.com/chadiek/turn-agent/internal/profile"
	"github.com/chadiek/turn-agent/internal/rtc"
	"github.com/chadiek/turn-agent/internal/transcript"
	"github.com/chadiek/turn-agent/internal/tts"
)

const (
	transcribeAttempts = 2
	phoneIdleTimeout   = 30 * time.Minute
)

// app holds the process-wide providers. Per-call clients are built from it.
type app struct {
	cfg        config.Config
	profile    profile.Profile
	agentCfg   agent.Config
	generator  llm.Generator
	recognizer transcript.Recognizer
	streamer   tts.Streamer
}

func newApp(ctx context.Context, cfg config.Config) (*app, func(), error) {
	cat, err := profile.Builtin()
	if err != nil {
		return nil, nil, err
	}
	p, err := cat.Get(cfg.BusinessProfile)
	if err != nil {
		return nil, nil, err
	}

	a := &app{
		cfg:        cfg,
		profile:    p,
		agentCfg:   agentConfig(cfg.Turn, p),
		recognizer: transcript.NewDeepgramRecognizer(cfg.DeepgramKey),
		streamer:   newStreamer(cfg),
	}
	cleanup := func() {}
	switch cfg.LLMProvider {
	case "cerebras":
		if cfg.CerebrasKey != "" {
			a.generator = llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
		}
	default:
		if cfg.GeminiKey != "" {
			g, err := llm.NewGeminiClient(ctx, cfg.GeminiKey, cfg.GeminiModel, "")
			if err != nil {
				return nil, nil, fmt.Errorf("gemini: %w", err)
			}
			a.generator = g
			cleanup = func() { _ = g.Close() }
		}
	}
	logger.Info("providers ready", "profile", p.Key, "llm", cfg.LLMProvider, "model_configured", a.generator != nil, "tts", cfg.TTSProvider)
	return a, cleanup, nil
}

func newStreamer(cfg config.Config) tts.Streamer {
	if cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
	}
	return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramTTSModel)
}

// agentConfig applies the configured tunables over the defaults.
func agentConfig(t config.Turn, p profile.Profile) agent.Config {
	c := agent.DefaultConfig()
	c.Greeting = p.Greeting
	if t.Deadzone > 0 {
		c.Speech.Deadzone = t.Deadzone
		c.EchoGuard = t.Deadzone
	}
	if t.SilenceTimeout > 0 {
		c.Capture.Silence = t.SilenceTimeout
	}
	if t.MaxDuration > 0 {
		c.Capture.MaxTurn = t.MaxDuration
	}
	if t.MinFragments > 0 {
		c.Capture.MinFragments = t.MinFragments
	}
	if t.MinBytes > 0 {
		c.Capture.MinBytes = t.MinBytes
	}
	if t.WatchdogInterval > 0 {
		c.WatchdogInterval = t.WatchdogInterval
	}
	if t.EchoWindow > 0 {
		c.Echo.Window = t.EchoWindow
	}
	if t.EchoSimilarity > 0 {
		c.Echo.Similarity = t.EchoSimilarity
	}
	if t.HistoryLimit > 0 {
		c.HistoryLimit = t.HistoryLimit
	}
	if t.GreetingDelay > 0 {
		c.GreetingDelay = t.GreetingDelay
	}
	return c
}

func (a *app) transcriber() *transcript.Client {
	return transcript.NewClient(a.recognizer, a.cfg.Turn.TranscribeTimeout, transcribeAttempts)
}

func (a *app) responder() *llm.Responder {
	return llm.NewResponder(a.generator, llm.ResponderConfig{
		Preamble:     a.profile.Preamble(),
		HistoryLimit: a.agentCfg.HistoryLimit,
		Timeout:      a.cfg.Turn.RespondTimeout,
		Rules:        a.profile.Fallback,
	})
}

// conversation builds the orchestrator for one browser call.
func (a *app) conversation(callID string, mic capture.Microphone, sink tts.Sink, obs agent.Observer) *agent.Orchestrator {
	return agent.New(agent.Deps{
		Mic:         mic,
		Speech:      tts.NewEngine(a.streamer, sink),
		Transcriber: a.transcriber(),
		Responder:   a.responder(),
		Observer:    obs,
	}, a.agentCfg, agent.WithLogger(logger.ForCall(callID)))
}

// line builds the pipeline for one phone call.
func (a *app) line(string) phone.Line {
	return phone.Line{Transcriber: a.transcriber(), Responder: a.responder()}
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	calls := rtc.NewHandler(a.conversation).WithICEServers(cfg.ICEServersJSON)
	line := phone.NewHandler(phone.Config{
		Greeting:     a.profile.Greeting,
		Silence:      a.agentCfg.Capture.Silence,
		MaxTurn:      a.agentCfg.Capture.MaxTurn,
		HistoryLimit: a.agentCfg.HistoryLimit,
		BaseURL:      cfg.BaseURL,
	}, a.line, phone.NewTwilioRecordings(cfg.TwilioAccountSID, cfg.TwilioAuthToken))

	srv := httpserver.New(cfg, httpserver.Deps{Calls: calls, Phone: line, Profile: a.profile})
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = server.Close()
		}
		return nil
	})
	g.Go(func() error {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				if n := line.Prune(phoneIdleTimeout); n > 0 {
					logger.Info("pruned idle phone calls", "count", n)
				}
			}
		}
	})
	return g.Wait()
}
