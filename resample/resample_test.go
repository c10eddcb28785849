package resample_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aukern/mixbus/resample"
)

func sine(freq float64, sampleRate, frames, channels int) []float64 {
	buf := make([]float64, frames*channels)
	for i := 0; i < frames; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / float64(sampleRate))
		for ch := 0; ch < channels; ch++ {
			buf[i*channels+ch] = v
		}
	}
	return buf
}

func peakOf(buf []float64) float64 {
	peak := 0.0
	for _, v := range buf {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}

// zeroCrossings counts positive-going crossings, a cheap frequency estimate.
func zeroCrossings(buf []float64) int {
	count := 0
	for i := 1; i < len(buf); i++ {
		if buf[i-1] <= 0 && buf[i] > 0 {
			count++
		}
	}
	return count
}

func TestNewValidation(t *testing.T) {
	_, err := resample.New(resample.Linear, 0, 48000, 2)
	assert.Equal(t, resample.ErrBadRate, err)
	_, err = resample.New(resample.Cubic, 48000, -1, 2)
	assert.Equal(t, resample.ErrBadRate, err)
	_, err = resample.New(resample.Quality(99), 44100, 48000, 2)
	assert.Error(t, err)
}

func TestSilenceInSilenceOut(t *testing.T) {
	for _, q := range []resample.Quality{resample.Linear, resample.Cubic} {
		conv, err := resample.New(q, 48000, 44100, 2)
		require.NoError(t, err)
		out := conv.Convert(make([]float64, 4096))
		for _, v := range out {
			assert.Equal(t, 0.0, v)
		}
	}
}

func TestRoundTripPreservesFrequency(t *testing.T) {
	const (
		rateA = 48000
		rateB = 32000
		tone  = 1000.0
	)
	for _, q := range []resample.Quality{resample.Linear, resample.Cubic} {
		down, err := resample.New(q, rateA, rateB, 1)
		require.NoError(t, err)
		up, err := resample.New(q, rateB, rateA, 1)
		require.NoError(t, err)

		in := sine(tone, rateA, rateA, 1) // one second
		back := up.Convert(down.Convert(in))

		// skip the onset, measure the steady tail
		tail := back[len(back)/4:]
		seconds := float64(len(tail)) / rateA
		crossings := float64(zeroCrossings(tail))
		measured := crossings / seconds
		assert.InDelta(t, tone, measured, tone*0.01)

		// amplitude bounded by input peak plus interpolation ripple
		assert.LessOrEqual(t, peakOf(back), peakOf(in)+0.05)
	}
}

func TestChunkedEqualsWhole(t *testing.T) {
	for _, q := range []resample.Quality{resample.Linear, resample.Cubic} {
		whole, err := resample.New(q, 44100, 48000, 2)
		require.NoError(t, err)
		chunked, err := resample.New(q, 44100, 48000, 2)
		require.NoError(t, err)

		in := sine(440, 44100, 4410, 2)
		one := whole.Convert(in)

		var two []float64
		const chunk = 512 * 2
		for i := 0; i < len(in); i += chunk {
			end := i + chunk
			if end > len(in) {
				end = len(in)
			}
			two = append(two, chunked.Convert(in[i:end])...)
		}

		require.Equal(t, len(one), len(two))
		for i := range one {
			assert.InDelta(t, one[i], two[i], 1e-9)
		}
	}
}

func TestIdentityRatioPassesValues(t *testing.T) {
	conv, err := resample.New(resample.Linear, 48000, 48000, 1)
	require.NoError(t, err)

	in := []float64{0.5, -0.3, 0.8, -0.1}
	out := conv.Convert(in)
	// streaming conversion holds back one frame of history
	require.Equal(t, 3, len(out))
	assert.Equal(t, []float64{0.5, -0.3, 0.8}, out)
}

func TestSetDriftClamped(t *testing.T) {
	conv, err := resample.New(resample.Cubic, 48000, 48000, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, conv.Ratio(), 1e-12)

	conv.SetDrift(1000) // +1000 ppm
	assert.InDelta(t, 1.001, conv.Ratio(), 1e-9)

	conv.SetDrift(1e6) // absurd, clamps at +5%
	assert.InDelta(t, 1.05, conv.Ratio(), 1e-9)
	conv.SetDrift(-1e6)
	assert.InDelta(t, 0.95, conv.Ratio(), 1e-9)
}

func TestDriftChangeIsPhaseContinuous(t *testing.T) {
	conv, err := resample.New(resample.Linear, 44100, 48000, 1)
	require.NoError(t, err)

	in := sine(440, 44100, 8820, 1)
	first := conv.Convert(in[:len(in)/2])
	conv.SetDrift(500)
	second := conv.Convert(in[len(in)/2:])

	// no discontinuity at the seam
	joined := append(first, second...)
	for i := 1; i < len(joined); i++ {
		assert.Less(t, math.Abs(joined[i]-joined[i-1]), 0.1)
	}
}

func TestResetClearsHistory(t *testing.T) {
	conv, err := resample.New(resample.Cubic, 48000, 44100, 2)
	require.NoError(t, err)
	conv.Convert(sine(440, 48000, 1024, 2))
	conv.Reset()

	out := conv.Convert(make([]float64, 2048))
	for _, v := range out {
		assert.Equal(t, 0.0, v)
	}
}

func TestOptimalChunkSize(t *testing.T) {
	tests := []struct {
		base     int
		inRate   int
		outRate  int
		expected int
	}{
		{base: 1024, inRate: 48000, outRate: 16000, expected: 512},
		{base: 2048, inRate: 48000, outRate: 16000, expected: 512},
		{base: 512, inRate: 48000, outRate: 16000, expected: 256},
		{base: 700, inRate: 48000, outRate: 16000, expected: 256},
		{base: 256, inRate: 48000, outRate: 16000, expected: 256},
		{base: 1024, inRate: 48000, outRate: 48000, expected: 1024},
		{base: 1024, inRate: 44100, outRate: 48000, expected: 1024},
		{base: 1024, inRate: 48000, outRate: 46000, expected: 1024}, // 1.043 < threshold
		{base: 0, inRate: 48000, outRate: 16000, expected: 0},
	}
	for _, test := range tests {
		got := resample.OptimalChunkSize(test.base, test.inRate, test.outRate)
		assert.Equal(t, test.expected, got, "base %d %d->%d", test.base, test.inRate, test.outRate)
	}
}
