package effects

import (
	"math"
	"time"
)

// Limiter defaults.
const (
	defaultCeilingDB = -0.1
	limiterReleaseMs = 50.0
	// DefaultLookahead is the delay the channel-chain limiter uses to pull
	// gain down before a peak leaves the delay line. A zero lookahead gives
	// an instantaneous clamp with no added latency, which is what the master
	// bus uses.
	DefaultLookahead = 2 * time.Millisecond

	minLimiterGain = 0.001
)

// Limiter guarantees its output stays within [-1, 1] for any finite input.
type Limiter struct {
	channels int
	ceiling  float64 // linear
	release  float64

	gain  float64
	delay []float64 // interleaved ring, empty when lookahead is zero
	pos   int
}

// NewLimiter returns a limiter for interleaved buffers. lookahead sets the
// delay-line length; zero selects the instantaneous clamp variant.
func NewLimiter(sampleRate, channels int, lookahead time.Duration) *Limiter {
	if channels < 1 {
		channels = 1
	}
	frames := int(float64(sampleRate) * lookahead.Seconds())
	l := &Limiter{
		channels: channels,
		ceiling:  FromDB(defaultCeilingDB),
		release:  timeCoeff(limiterReleaseMs, sampleRate),
		gain:     1,
	}
	if frames > 0 {
		l.delay = make([]float64, frames*channels)
	}
	return l
}

// Process limits an interleaved buffer in place. The buffer length must be
// a multiple of the channel count.
func (l *Limiter) Process(buf []float64) {
	for i := 0; i+l.channels <= len(buf); i += l.channels {
		peak := 0.0
		for ch := 0; ch < l.channels; ch++ {
			buf[i+ch] = Flush(buf[i+ch])
			if a := math.Abs(buf[i+ch]); a > peak {
				peak = a
			}
		}

		desired := 1.0
		if peak > l.ceiling {
			desired = l.ceiling / peak
		}
		if desired < l.gain {
			l.gain = desired
		} else {
			l.gain = l.release*(l.gain-1) + 1
		}
		l.gain = clamp(l.gain, minLimiterGain, 1)

		if l.delay == nil {
			for ch := 0; ch < l.channels; ch++ {
				buf[i+ch] = clamp(Flush(buf[i+ch]*l.gain), -1, 1)
			}
			continue
		}
		at := l.pos * l.channels
		for ch := 0; ch < l.channels; ch++ {
			delayed := l.delay[at+ch]
			l.delay[at+ch] = buf[i+ch]
			buf[i+ch] = clamp(Flush(delayed*l.gain), -1, 1)
		}
		l.pos++
		if l.pos*l.channels >= len(l.delay) {
			l.pos = 0
		}
	}
}

// Reset clears the delay line and gain state.
func (l *Limiter) Reset() {
	l.gain = 1
	l.pos = 0
	for i := range l.delay {
		l.delay[i] = 0
	}
}
