package rtc

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"

	"github.com/chadiek/turn-agent/internal/capture"
	"github.com/chadiek/turn-agent/internal/logger"
)

const (
	micRate = 16000
	// fragmentBytes is 250ms of 16kHz mono PCM16.
	fragmentBytes = 8000
	// MicContentType labels the fragments for the recognizer.
	MicContentType = "audio/l16;rate=16000;channels=1"
)

var (
	ErrMicBusy    = errors.New("rtc: microphone already open")
	ErrTrackEnded = errors.New("rtc: caller audio track ended")
)

// Microphone turns the caller's decoded audio into capture fragments. Audio
// only flows while a stream is open and the detector hears voice, so quiet
// stretches reach the capture controller as silence.
type Microphone struct {
	log   *slog.Logger
	ready chan struct{}
	gone  chan struct{}

	mu        sync.Mutex
	readyOnce sync.Once
	goneOnce  sync.Once
	vad       *vad
	cur       *micStream
	preroll   []byte
	buf       []byte
}

// NewMicrophone returns a microphone waiting for its track.
func NewMicrophone(p VADParams, log *slog.Logger) *Microphone {
	if log == nil {
		log = logger.DefaultLogger
	}
	return &Microphone{
		log:   log,
		ready: make(chan struct{}),
		gone:  make(chan struct{}),
		vad:   newVAD(p),
	}
}

// Attach marks the caller's track as available. Opens block until then.
func (m *Microphone) Attach() {
	m.readyOnce.Do(func() { close(m.ready) })
}

// Shutdown ends the open stream, if any, and fails later opens.
func (m *Microphone) Shutdown() {
	m.goneOnce.Do(func() {
		close(m.gone)
		m.mu.Lock()
		if m.cur != nil {
			close(m.cur.frags)
			m.cur = nil
		}
		m.mu.Unlock()
	})
}

// Open implements capture.Microphone.
func (m *Microphone) Open(ctx context.Context, c capture.Constraints) (capture.Stream, error) {
	select {
	case <-m.ready:
	case <-m.gone:
		return nil, ErrTrackEnded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case <-m.gone:
		return nil, ErrTrackEnded
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		return nil, ErrMicBusy
	}
	m.log.Debug("microphone open",
		"echo_cancellation", c.EchoCancellation,
		"noise_suppression", c.NoiseSuppression,
		"auto_gain", c.AutoGainControl)
	m.vad.reset()
	m.preroll = m.preroll[:0]
	m.buf = m.buf[:0]
	m.cur = &micStream{m: m, frags: make(chan []byte, 32)}
	return m.cur, nil
}

// Feed takes one decoded 16kHz frame from the caller.
func (m *Microphone) Feed(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(s))
	}

	switch m.vad.process(samples) {
	case vadQuiet:
		m.preroll = m.preroll[:0]
		if len(m.buf) > 0 {
			m.emit(m.buf)
			m.buf = m.buf[:0]
		}
		return
	case vadStarting:
		m.preroll = append(m.preroll, pcm...)
		return
	case vadSpeaking, vadStopping:
		if len(m.preroll) > 0 {
			m.buf = append(m.buf, m.preroll...)
			m.preroll = m.preroll[:0]
		}
		m.buf = append(m.buf, pcm...)
	}
	for len(m.buf) >= fragmentBytes {
		m.emit(m.buf[:fragmentBytes])
		m.buf = append(m.buf[:0], m.buf[fragmentBytes:]...)
	}
}

// emit copies frag out to the open stream. Callers hold mu.
func (m *Microphone) emit(frag []byte) {
	out := make([]byte, len(frag))
	copy(out, frag)
	select {
	case m.cur.frags <- out:
	default:
		m.log.Debug("microphone fragment dropped", "bytes", len(out))
	}
}

type micStream struct {
	m     *Microphone
	frags chan []byte
}

func (s *micStream) ContentType() string      { return MicContentType }
func (s *micStream) Fragments() <-chan []byte { return s.frags }

func (s *micStream) Close() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.m.cur == s {
		s.m.cur = nil
		s.m.buf = s.m.buf[:0]
		s.m.preroll = s.m.preroll[:0]
	}
	return nil
}
