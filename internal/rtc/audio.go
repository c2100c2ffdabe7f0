package rtc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	speakerRate    = 48000
	frameDuration  = 20 * time.Millisecond
	speakerSamples = 960 // 20ms at 48kHz
	tailFrames     = 10  // ~200ms of silence after each utterance
)

// sampleWriter is the outgoing track. *webrtc.TrackLocalStaticSample
// satisfies it.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM mono to Opus frames and writes them to
// the track at real-time pace. It is the agent's speaker and implements
// tts.Sink.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	inflight     atomic.Int32 // frames queued or being written
	epoch        atomic.Uint64
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(speakerRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: speakerSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers little-endian PCM and queues every full frame.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	epoch := w.epoch.Load()
	w.mu.Lock()
	defer w.mu.Unlock()
	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encode(w.pcmBuf[:w.frameSamples], opusBuf, epoch)
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence
// tail so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	epoch := w.epoch.Load()
	w.mu.Lock()
	defer w.mu.Unlock()
	opusBuf := make([]byte, 4000)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encode(pad, opusBuf, epoch)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailFrames; i++ {
		w.encode(silence, opusBuf, epoch)
	}
}

func (w *OpusPacedWriter) encode(frame []int16, buf []byte, epoch uint64) {
	if w.enc == nil {
		return
	}
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n <= 0 {
		return
	}
	pkt := make([]byte, n)
	copy(pkt, buf[:n])
	w.pushFrame(pkt, epoch)
}

// Drain blocks until every queued frame has been written to the track.
func (w *OpusPacedWriter) Drain(ctx context.Context) error {
	t := time.NewTicker(frameDuration)
	defer t.Stop()
	for w.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-t.C:
		}
	}
	return nil
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
				w.inflight.Add(-1)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available. Frames
// from before the last Reset are dropped.
func (w *OpusPacedWriter) pushFrame(pkt []byte, epoch uint64) {
	if w.epoch.Load() != epoch {
		return
	}
	w.inflight.Add(1)
	select {
	case <-w.stopCh:
		w.inflight.Add(-1)
	case w.frames <- pkt:
	}
}

// Reset drops everything queued so the agent goes quiet immediately.
func (w *OpusPacedWriter) Reset() {
	w.epoch.Add(1)
	w.drainQueue()
	w.mu.Lock()
	w.pcmBuf = w.pcmBuf[:0]
	w.mu.Unlock()
	// a writer blocked in pushFrame may have slipped one frame in
	w.drainQueue()
}

func (w *OpusPacedWriter) drainQueue() {
	for {
		select {
		case <-w.frames:
			w.inflight.Add(-1)
		default:
			return
		}
	}
}
