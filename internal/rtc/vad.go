package rtc

import "math"

type vadState int

const (
	vadQuiet vadState = iota
	vadStarting
	vadSpeaking
	vadStopping
)

// VADParams tunes the energy detector that gates the caller's audio.
type VADParams struct {
	// MinVolume is the normalised RMS level treated as voice.
	MinVolume float64
	// StartSecs of voice are needed before speech is declared.
	StartSecs float64
	// StopSecs of quiet end the speech run.
	StopSecs float64
}

// DefaultVADParams suits a browser microphone with echo cancellation on.
func DefaultVADParams() VADParams {
	return VADParams{MinVolume: 0.01, StartSecs: 0.2, StopSecs: 0.8}
}

// vad is an RMS energy detector with start and stop hysteresis over 16kHz
// mono samples.
type vad struct {
	minVolume    float64
	startSamples int
	stopSamples  int

	state  vadState
	voiced int
	quiet  int
}

func newVAD(p VADParams) *vad {
	d := DefaultVADParams()
	if p.MinVolume <= 0 {
		p.MinVolume = d.MinVolume
	}
	if p.StartSecs <= 0 {
		p.StartSecs = d.StartSecs
	}
	if p.StopSecs <= 0 {
		p.StopSecs = d.StopSecs
	}
	return &vad{
		minVolume:    p.MinVolume,
		startSamples: int(p.StartSecs * micRate),
		stopSamples:  int(p.StopSecs * micRate),
	}
}

func (v *vad) reset() {
	v.state = vadQuiet
	v.voiced, v.quiet = 0, 0
}

// process classifies one frame and returns the new state.
func (v *vad) process(frame []int16) vadState {
	loud := rms(frame) >= v.minVolume
	n := len(frame)
	switch v.state {
	case vadQuiet, vadStarting:
		if !loud {
			v.voiced = 0
			v.state = vadQuiet
			break
		}
		v.voiced += n
		if v.voiced >= v.startSamples {
			v.state = vadSpeaking
			v.quiet = 0
		} else {
			v.state = vadStarting
		}
	case vadSpeaking, vadStopping:
		if loud {
			v.quiet = 0
			v.state = vadSpeaking
			break
		}
		v.quiet += n
		if v.quiet >= v.stopSamples {
			v.state = vadQuiet
			v.voiced = 0
		} else {
			v.state = vadStopping
		}
	}
	return v.state
}

// rms returns the root mean square of frame normalised to [0,1].
func rms(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		f := float64(s) / 32768
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(frame)))
}
