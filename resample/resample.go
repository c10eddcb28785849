// Package resample converts frame streams between sample rates. Converters
// are stateful: fractional phase and sample history survive between calls,
// so chunked conversion composes into one continuous stream. The conversion
// ratio can be nudged at run time to follow clock drift without a buffer
// reset.
package resample

import (
	"errors"
	"fmt"
)

// Quality selects the converter implementation.
type Quality int

const (
	// Linear interpolation, cheapest.
	Linear Quality = iota
	// Cubic Catmull-Rom interpolation with an anti-alias low-pass when
	// downsampling.
	Cubic
)

// maxDriftRatio bounds drift adjustment to ±5% of the nominal ratio.
const maxDriftRatio = 0.05

// antiAliasAlpha is the one-pole low-pass coefficient applied to the input
// when downsampling.
const antiAliasAlpha = 0.5

// ErrBadRate is returned for non-positive sample rates.
var ErrBadRate = errors.New("sample rate must be positive")

// Converter converts an interleaved stream from one rate to another.
type Converter interface {
	// Convert consumes one interleaved chunk and returns the converted
	// interleaved chunk. State carries over between calls.
	Convert(in []float64) []float64
	// Ratio returns the effective input/output rate ratio including drift.
	Ratio() float64
	// SetDrift adjusts the ratio by the given parts-per-million offset,
	// clamped to ±5%. The change is phase-continuous.
	SetDrift(ppm float64)
	// Reset clears phase and history.
	Reset()
}

// New returns a converter of the requested quality.
func New(q Quality, inRate, outRate, channels int) (Converter, error) {
	if inRate < 1 || outRate < 1 {
		return nil, ErrBadRate
	}
	if channels < 1 {
		channels = 1
	}
	nominal := float64(inRate) / float64(outRate)
	switch q {
	case Linear:
		return &linear{
			nominal:  nominal,
			drift:    1,
			channels: channels,
			prev:     make([]float64, channels),
		}, nil
	case Cubic:
		c := &cubic{
			nominal:  nominal,
			drift:    1,
			channels: channels,
			lowpass:  make([]float64, channels),
		}
		for i := range c.history {
			c.history[i] = make([]float64, channels)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown quality %d", q)
	}
}

func clampDrift(ppm float64) float64 {
	f := 1 + ppm/1e6
	if f < 1-maxDriftRatio {
		f = 1 - maxDriftRatio
	}
	if f > 1+maxDriftRatio {
		f = 1 + maxDriftRatio
	}
	return f
}

// linear interpolates between the previous and current frame.
type linear struct {
	nominal  float64
	drift    float64
	channels int

	phase  float64
	prev   []float64
	primed bool
}

func (l *linear) Ratio() float64 {
	return l.nominal * l.drift
}

func (l *linear) SetDrift(ppm float64) {
	l.drift = clampDrift(ppm)
}

func (l *linear) Reset() {
	l.phase = 0
	l.primed = false
	for i := range l.prev {
		l.prev[i] = 0
	}
}

func (l *linear) Convert(in []float64) []float64 {
	ratio := l.Ratio()
	frames := len(in) / l.channels
	out := make([]float64, 0, int(float64(frames)/ratio)+l.channels)

	for f := 0; f < frames; f++ {
		cur := in[f*l.channels : (f+1)*l.channels]
		if !l.primed {
			copy(l.prev, cur)
			l.primed = true
			continue
		}
		for l.phase < 1 {
			for ch := 0; ch < l.channels; ch++ {
				out = append(out, l.prev[ch]+l.phase*(cur[ch]-l.prev[ch]))
			}
			l.phase += ratio
		}
		l.phase--
		copy(l.prev, cur)
	}
	return out
}

// cubic interpolates with a Catmull-Rom spline over a four-frame history.
type cubic struct {
	nominal  float64
	drift    float64
	channels int

	phase   float64
	history [4][]float64
	primed  int
	lowpass []float64
}

func (c *cubic) Ratio() float64 {
	return c.nominal * c.drift
}

func (c *cubic) SetDrift(ppm float64) {
	c.drift = clampDrift(ppm)
}

func (c *cubic) Reset() {
	c.phase = 0
	c.primed = 0
	for i := range c.history {
		for ch := range c.history[i] {
			c.history[i][ch] = 0
		}
	}
	for ch := range c.lowpass {
		c.lowpass[ch] = 0
	}
}

func (c *cubic) push(frame []float64) {
	first := c.history[0]
	copy(c.history[:], c.history[1:])
	c.history[3] = first
	copy(c.history[3], frame)
	if c.primed < 4 {
		c.primed++
	}
}

// catmullRom evaluates the spline between y1 and y2 at t.
func catmullRom(y0, y1, y2, y3, t float64) float64 {
	a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
	a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
	a2 := -0.5*y0 + 0.5*y2
	a3 := y1
	return ((a0*t+a1)*t+a2)*t + a3
}

func (c *cubic) Convert(in []float64) []float64 {
	ratio := c.Ratio()
	frames := len(in) / c.channels
	out := make([]float64, 0, int(float64(frames)/ratio)+c.channels)
	filter := ratio > 1

	frame := make([]float64, c.channels)
	for f := 0; f < frames; f++ {
		copy(frame, in[f*c.channels:(f+1)*c.channels])
		if filter {
			for ch := range frame {
				c.lowpass[ch] += antiAliasAlpha * (frame[ch] - c.lowpass[ch])
				frame[ch] = c.lowpass[ch]
			}
		}
		c.push(frame)
		if c.primed < 4 {
			continue
		}
		for c.phase < 1 {
			for ch := 0; ch < c.channels; ch++ {
				out = append(out, catmullRom(
					c.history[0][ch],
					c.history[1][ch],
					c.history[2][ch],
					c.history[3][ch],
					c.phase,
				))
			}
			c.phase += ratio
		}
		c.phase--
	}
	return out
}
