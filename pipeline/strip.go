package pipeline

import "sync"

// maxGain is the ceiling of the linear channel and master faders.
const maxGain = 4.0

// StripState is one consistent view of a channel strip's parameters.
type StripState struct {
	Gain  float64
	Pan   float64
	Muted bool
	Solo  bool
}

// Strip holds the mixer-facing parameters of one channel. The control path
// mutates it, the mix loop reads one snapshot per cycle; a frame is never
// mixed with a half-applied parameter set. Out-of-range values are clamped,
// never rejected: parameter changes must not halt the audio path.
type Strip struct {
	mu    sync.Mutex
	state StripState
}

// NewStrip returns a strip with the given initial parameters, clamped.
func NewStrip(gain, pan float64, muted, solo bool) *Strip {
	return &Strip{state: StripState{
		Gain:  clampGain(gain),
		Pan:   clampPan(pan),
		Muted: muted,
		Solo:  solo,
	}}
}

// SetGain sets the linear fader gain, clamped to [0, 4].
func (s *Strip) SetGain(gain float64) {
	s.mu.Lock()
	s.state.Gain = clampGain(gain)
	s.mu.Unlock()
}

// SetPan sets the stereo position, clamped to [-1, 1].
func (s *Strip) SetPan(pan float64) {
	s.mu.Lock()
	s.state.Pan = clampPan(pan)
	s.mu.Unlock()
}

// SetMuted sets the mute flag.
func (s *Strip) SetMuted(muted bool) {
	s.mu.Lock()
	s.state.Muted = muted
	s.mu.Unlock()
}

// SetSolo sets the solo flag.
func (s *Strip) SetSolo(solo bool) {
	s.mu.Lock()
	s.state.Solo = solo
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the current parameters.
func (s *Strip) Snapshot() StripState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func clampGain(g float64) float64 {
	if g < 0 {
		return 0
	}
	if g > maxGain {
		return maxGain
	}
	return g
}

func clampPan(p float64) float64 {
	if p < -1 {
		return -1
	}
	if p > 1 {
		return 1
	}
	return p
}
