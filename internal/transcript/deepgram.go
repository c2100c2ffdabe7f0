package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	prerecorded "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/listen"
)

// DeepgramRecognizer transcribes a complete recording with Deepgram's
// pre-recorded API.
type DeepgramRecognizer struct {
	APIKey string
	Model  string
	// Host overrides the API origin; empty uses api.deepgram.com.
	Host string

	once   sync.Once
	client *prerecorded.Client
}

// NewDeepgramRecognizer returns a recognizer using nova-2 with smart formatting.
func NewDeepgramRecognizer(apiKey string) *DeepgramRecognizer {
	return &DeepgramRecognizer{APIKey: apiKey, Model: "nova-2"}
}

func (d *DeepgramRecognizer) rest() *prerecorded.Client {
	d.once.Do(func() {
		if c := listen.NewREST(d.APIKey, &interfaces.ClientOptions{Host: d.Host}); c != nil {
			d.client = prerecorded.New(c)
		}
	})
	return d.client
}

// Recognize sends audio as the request body and returns the first
// alternative of the first channel. An empty string is a valid result.
func (d *DeepgramRecognizer) Recognize(ctx context.Context, audio []byte, contentType string) (string, error) {
	if d.APIKey == "" {
		return "", fmt.Errorf("deepgram api key missing")
	}
	c := d.rest()
	if c == nil {
		return "", errors.New("deepgram: client options rejected")
	}
	if contentType != "" {
		ctx = interfaces.WithCustomHeaders(ctx, http.Header{"Content-Type": []string{contentType}})
	}

	resp, err := c.FromStream(ctx, bytes.NewReader(audio), d.options(contentType))
	if err != nil {
		var se *interfaces.StatusError
		if errors.As(err, &se) && se.Resp != nil {
			body := ""
			if se.DeepgramError != nil {
				body = se.DeepgramError.ErrMsg
			}
			return "", &StatusError{Status: se.Resp.StatusCode, Body: body}
		}
		return "", fmt.Errorf("deepgram: %w", err)
	}
	if resp.Results == nil || len(resp.Results.Channels) == 0 || len(resp.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Results.Channels[0].Alternatives[0].Transcript), nil
}

// options maps the content type onto query options. Raw PCM carries no
// container header, so its format has to be spelled out.
func (d *DeepgramRecognizer) options(contentType string) *interfaces.PreRecordedTranscriptionOptions {
	opts := &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.Model,
		SmartFormat: true,
		Punctuate:   true,
	}
	mt, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.EqualFold(mt, "audio/l16") {
		return opts
	}
	opts.Encoding = "linear16"
	if r, err := strconv.Atoi(params["rate"]); err == nil {
		opts.SampleRate = r
	}
	if ch, err := strconv.Atoi(params["channels"]); err == nil {
		opts.Channels = ch
	}
	return opts
}
