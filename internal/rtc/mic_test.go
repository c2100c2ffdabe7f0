package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 20ms frames at 16kHz
func tone(amp int16) []int16 {
	f := make([]int16, 320)
	for i := range f {
		if i%2 == 0 {
			f[i] = amp
		} else {
			f[i] = -amp
		}
	}
	return f
}

func silence() []int16 { return make([]int16, 320) }

func TestVAD_Hysteresis(t *testing.T) {
	v := newVAD(VADParams{MinVolume: 0.01, StartSecs: 0.06, StopSecs: 0.06})

	assert.Equal(t, vadQuiet, v.process(silence()))
	assert.Equal(t, vadStarting, v.process(tone(8000)))
	assert.Equal(t, vadStarting, v.process(tone(8000)))
	assert.Equal(t, vadSpeaking, v.process(tone(8000)))

	assert.Equal(t, vadStopping, v.process(silence()))
	assert.Equal(t, vadSpeaking, v.process(tone(8000)), "voice during the stop window resumes speech")
	v.process(silence())
	v.process(silence())
	assert.Equal(t, vadQuiet, v.process(silence()))
}

func TestVAD_BriefNoiseNeverStarts(t *testing.T) {
	v := newVAD(VADParams{MinVolume: 0.01, StartSecs: 0.1, StopSecs: 0.1})
	for i := 0; i < 10; i++ {
		v.process(tone(8000))
		assert.NotEqual(t, vadSpeaking, v.process(silence()))
	}
}

func TestRMS(t *testing.T) {
	assert.Zero(t, rms(nil))
	assert.Zero(t, rms(silence()))
	assert.InDelta(t, 0.5, rms(tone(16384)), 1e-9)
}

func openMic(t *testing.T, m *Microphone) capture.Stream {
	t.Helper()
	m.Attach()
	s, err := m.Open(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	return s
}

func TestMicrophone_EmitsFragmentsOnlyDuringSpeech(t *testing.T) {
	m := NewMicrophone(VADParams{MinVolume: 0.01, StartSecs: 0.02, StopSecs: 0.04}, nil)
	s := openMic(t, m)
	assert.Equal(t, MicContentType, s.ContentType())

	for i := 0; i < 20; i++ {
		m.Feed(silence())
	}
	assert.Empty(t, s.Fragments())

	// 300ms of voice: one full fragment, the remainder flushed when speech ends
	for i := 0; i < 15; i++ {
		m.Feed(tone(8000))
	}
	for i := 0; i < 3; i++ {
		m.Feed(silence())
	}

	frag := <-s.Fragments()
	assert.Len(t, frag, fragmentBytes)
	rest := <-s.Fragments()
	assert.Len(t, rest, 16*640-fragmentBytes)
	assert.Empty(t, s.Fragments())
}

func TestMicrophone_ClosedStreamGetsNothing(t *testing.T) {
	m := NewMicrophone(VADParams{StartSecs: 0.02}, nil)
	s := openMic(t, m)
	require.NoError(t, s.Close())
	for i := 0; i < 30; i++ {
		m.Feed(tone(8000))
	}
	assert.Empty(t, s.Fragments())

	s2, err := m.Open(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	assert.NotSame(t, s, s2)
}

func TestMicrophone_Busy(t *testing.T) {
	m := NewMicrophone(DefaultVADParams(), nil)
	openMic(t, m)
	_, err := m.Open(context.Background(), capture.DefaultConstraints())
	assert.ErrorIs(t, err, ErrMicBusy)
}

func TestMicrophone_OpenWaitsForTrack(t *testing.T) {
	m := NewMicrophone(DefaultVADParams(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.Open(ctx, capture.DefaultConstraints())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Attach()
	}()
	s, err := m.Open(context.Background(), capture.DefaultConstraints())
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestMicrophone_ShutdownEndsStream(t *testing.T) {
	m := NewMicrophone(DefaultVADParams(), nil)
	s := openMic(t, m)
	m.Shutdown()
	m.Shutdown()

	_, ok := <-s.Fragments()
	assert.False(t, ok, "fragments channel closes when the track ends")
	_, err := m.Open(context.Background(), capture.DefaultConstraints())
	assert.ErrorIs(t, err, ErrTrackEnded)
}
