package effects

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompressorBelowThreshold(t *testing.T) {
	c := NewCompressor(44100)
	in := sine(1000, 44100, 4096, 1)
	for i := range in {
		in[i] *= 0.1 // -20 dB, well below the -12 dB threshold
	}
	out := make([]float64, len(in))
	copy(out, in)
	c.Process(out)

	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-9)
	}
	assert.Equal(t, 0.0, c.GainReduction())
}

func TestCompressorReducesLoudSignal(t *testing.T) {
	c := NewCompressor(44100)
	in := sine(1000, 44100, 44100, 1) // 0 dB peak, 12 dB over threshold
	out := make([]float64, len(in))
	copy(out, in)
	c.Process(out)

	// steady state: 12 dB over at ratio 4 leaves 3 dB over, i.e. 9 dB of
	// reduction
	assert.Less(t, rmsOf(out[22050:]), rmsOf(in[22050:]))
	assert.Greater(t, c.GainReduction(), 6.0)
	assert.LessOrEqual(t, c.GainReduction(), maxGainReductionDB)
}

func TestCompressorHardLimitRatio(t *testing.T) {
	c := NewCompressor(44100)
	// ratio below one is invalid and clamps to 1:1, which must not divide
	// by zero and must not change the signal
	c.SetParams(-12, 0, 10, 200)
	in := sine(1000, 44100, 4096, 1)
	out := make([]float64, len(in))
	copy(out, in)
	c.Process(out)
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-9)
	}

	// huge ratio behaves as a hard limiter without blowing up
	c.Reset()
	c.SetParams(-12, math.Inf(1), 10, 200)
	loud := sine(1000, 44100, 44100, 1)
	c.Process(loud)
	for _, v := range loud {
		assert.False(t, math.IsNaN(v))
		assert.False(t, math.IsInf(v, 0))
	}
}

func TestCompressorNegativeTimeConstantsClamped(t *testing.T) {
	c := NewCompressor(44100)
	c.SetParams(-12, 4, -5, -100)
	buf := sine(1000, 44100, 1024, 1)
	c.Process(buf)
	for _, v := range buf {
		assert.False(t, math.IsNaN(v))
	}
}

func TestCompressorReset(t *testing.T) {
	c := NewCompressor(44100)
	c.Process(sine(1000, 44100, 4096, 1))
	assert.Greater(t, c.envelope, 0.0)
	c.Reset()
	assert.Equal(t, 0.0, c.envelope)
	assert.Equal(t, 0.0, c.GainReduction())
}
