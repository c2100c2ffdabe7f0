// Package capture records one user turn from the microphone.
//
// The Controller runs entirely on its owner's event loop: every method must
// be called from that goroutine, and everything asynchronous (device
// acquisition, incoming fragments, timers) is posted back through Loop.
// A turn ends on silence, on the hard cap, or when the stream closes; the
// buffered audio is then either handed over or reported as "no speech".
package capture

import (
	"context"
	"time"

	"github.com/chadiek/turn-agent/internal/session"
)

// State is the controller's lifecycle position.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateRecording
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRecording:
		return "recording"
	case StateDraining:
		return "draining"
	default:
		return "closed"
	}
}

// Timer names owned by the controller.
const (
	TimerSilence = "capture.silence"
	TimerHardCap = "capture.hardcap"
)

// Constraints are the processing hints requested from the device.
type Constraints struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// DefaultConstraints asks for echo cancellation and noise suppression but
// leaves gain alone, so the agent's own voice is not pumped up.
func DefaultConstraints() Constraints {
	return Constraints{EchoCancellation: true, NoiseSuppression: true}
}

// Microphone acquires an audio stream.
type Microphone interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is an open microphone. Fragments yields encoded audio chunks;
// Close releases the device.
type Stream interface {
	ContentType() string
	Fragments() <-chan []byte
	Close() error
}

// Gate reports whether the microphone may be (or stay) open right now.
type Gate interface {
	MayOpen() bool
}

// Loop is the owner's event loop as seen by the controller.
type Loop interface {
	// Bind captures the current session.
	Bind() session.Post
	// After (re)schedules the named timer under the current session.
	After(name string, d time.Duration, fn func())
	// Cancel stops the named timer.
	Cancel(name string)
}

// Handler receives the outcome of a turn.
type Handler interface {
	Captured(rec Recording)
	NoSpeech()
	DeviceFailed(err error)
}

// Recording is the audio captured during one turn.
type Recording struct {
	Fragments   [][]byte
	ContentType string
	Bytes       int
}

// Audio concatenates the fragments.
func (r Recording) Audio() []byte {
	out := make([]byte, 0, r.Bytes)
	for _, f := range r.Fragments {
		out = append(out, f...)
	}
	return out
}

func (r *Recording) add(frag []byte) {
	r.Fragments = append(r.Fragments, frag)
	r.Bytes += len(frag)
}

// Config tunes turn boundaries.
type Config struct {
	Silence      time.Duration
	MaxTurn      time.Duration
	MinFragments int
	MinBytes     int
	Constraints  Constraints
}

// DefaultConfig matches the browser widget: 5s of silence ends a turn,
// 60s is the hard cap, and anything under two fragments or 3500 bytes is
// treated as nothing said.
func DefaultConfig() Config {
	return Config{
		Silence:      5 * time.Second,
		MaxTurn:      60 * time.Second,
		MinFragments: 2,
		MinBytes:     3500,
		Constraints:  DefaultConstraints(),
	}
}

// Usable reports whether rec clears the minimum-content threshold.
func (c Config) Usable(rec Recording) bool {
	return len(rec.Fragments) >= c.MinFragments && rec.Bytes >= c.MinBytes
}
