package effects

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterCeilingNeverExceeded(t *testing.T) {
	tests := []struct {
		name      string
		lookahead time.Duration
	}{
		{name: "instantaneous", lookahead: 0},
		{name: "lookahead", lookahead: DefaultLookahead},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			l := NewLimiter(48000, 2, test.lookahead)

			buf := sine(440, 48000, 4800, 2)
			for i := range buf {
				buf[i] *= 5 // heavy overdrive
			}
			buf[100] = math.Inf(1)
			buf[101] = math.NaN()
			buf[200] = 150
			l.Process(buf)

			for _, v := range buf {
				assert.LessOrEqual(t, math.Abs(v), 1.0)
			}
		})
	}
}

func TestLimiterTransparentBelowCeiling(t *testing.T) {
	l := NewLimiter(48000, 1, 0)
	in := sine(440, 48000, 2048, 1)
	for i := range in {
		in[i] *= 0.5
	}
	out := make([]float64, len(in))
	copy(out, in)
	l.Process(out)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-9)
	}
}

func TestLimiterSilence(t *testing.T) {
	l := NewLimiter(48000, 2, DefaultLookahead)
	buf := make([]float64, 1024)
	l.Process(buf)
	for _, v := range buf {
		assert.Equal(t, 0.0, v)
	}
}

func TestLimiterLookaheadDelaysSignal(t *testing.T) {
	l := NewLimiter(48000, 1, DefaultLookahead)
	frames := int(48000 * DefaultLookahead.Seconds())

	buf := make([]float64, frames*2)
	for i := range buf {
		buf[i] = 0.5
	}
	l.Process(buf)

	// the first lookahead window is the empty delay line
	for i := 0; i < frames; i++ {
		assert.Equal(t, 0.0, buf[i])
	}
	for i := frames; i < len(buf); i++ {
		assert.InDelta(t, 0.5, buf[i], 1e-9)
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(48000, 1, DefaultLookahead)
	loud := sine(440, 48000, 4800, 1)
	for i := range loud {
		loud[i] *= 3
	}
	l.Process(loud)
	assert.Less(t, l.gain, 1.0)

	l.Reset()
	assert.Equal(t, 1.0, l.gain)
	silence := make([]float64, 512)
	l.Process(silence)
	for _, v := range silence {
		assert.Equal(t, 0.0, v)
	}
}
