package tts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/turn-agent/internal/speech"
)

// Without an API key the stream must fail fast, before any network access.
func TestDeepgram_StreamPCM48k_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, speech.Request{Text: "hello"})
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "API key missing")
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgram_DefaultModel(t *testing.T) {
	d := NewDeepgramClient("k", "")
	assert.Equal(t, "aura-2-thalia-en", d.model)
	assert.Equal(t, "deepgram", d.Name())
}
