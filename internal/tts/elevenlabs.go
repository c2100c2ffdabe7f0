package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/chadiek/turn-agent/internal/logger"
	"github.com/chadiek/turn-agent/internal/speech"
)

const defaultElevenLabsModel = "eleven_flash_v2_5"

// ElevenLabsClient streams PCM_48000 from the HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      defaultElevenLabsModel,
		BaseURL:    "https://api.elevenlabs.io",
		HTTPClient: &http.Client{},
	}
}

// Name identifies the provider in logs.
func (e *ElevenLabsClient) Name() string { return "elevenlabs" }

// StreamPCM48k synthesizes req.Text. req.Voice overrides the voice id and
// req.Rate is sent as the speaking speed.
func (e *ElevenLabsClient) StreamPCM48k(ctx context.Context, req speech.Request) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		voice := e.VoiceID
		if req.Voice != "" {
			voice = req.Voice
		}
		if e.APIKey == "" || voice == "" {
			errCh <- fmt.Errorf("elevenlabs: api key or voice id missing")
			return
		}
		if req.Text == "" {
			return
		}
		if err := e.httpStream(ctx, voice, req, pcmCh); err != nil {
			if ctx.Err() == nil {
				errCh <- err
			}
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, voice string, sr speech.Request, pcmCh chan<- []byte) error {
	u, err := url.Parse(e.BaseURL)
	if err != nil {
		return fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + voice + "/stream"
	model := e.Model
	if model == "" {
		model = defaultElevenLabsModel
	}
	q := u.Query()
	q.Set("output_format", "pcm_48000")
	// lower is lower latency (0..4)
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	settings := map[string]any{
		"stability":         0.4,
		"similarity_boost":  0.7,
		"style":             0.0,
		"use_speaker_boost": true,
	}
	if sr.Rate > 0 {
		settings["speed"] = clampSpeed(sr.Rate)
	}
	body := map[string]any{
		"model_id":       model,
		"text":           sr.Text,
		"voice_settings": settings,
		// shorter chunks reduce tail cutoff
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := e.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs http stream error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	chunk := make([]byte, 4096)
	logged := false
	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			if !logged {
				logger.Debug("elevenlabs receiving audio", "first_chunk", n)
				logged = true
			}
			out := make([]byte, n)
			copy(out, chunk[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return fmt.Errorf("elevenlabs http read error: %w", rerr)
		}
	}
}

// clampSpeed keeps the rate inside the range the API accepts.
func clampSpeed(r float64) float64 {
	switch {
	case r < 0.7:
		return 0.7
	case r > 1.2:
		return 1.2
	}
	return r
}
