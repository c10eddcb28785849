package effects

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func rmsOf(buf []float64) float64 {
	sum := 0.0
	for _, v := range buf {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(buf)))
}

func TestHighPassBlocksDC(t *testing.T) {
	b := NewBiquad(1, HighPass(44100, 20, 0.7))

	dc := make([]float64, 44100)
	for i := range dc {
		dc[i] = 0.7
	}
	b.Process(dc)

	// after settling, DC is gone
	tail := dc[len(dc)/2:]
	assert.Less(t, rmsOf(tail), 0.01)
}

func TestPeakingFlatIsTransparent(t *testing.T) {
	b := NewBiquad(1, Peaking(44100, 1000, 0.7, 0))
	in := sine(1000, 44100, 4096, 1)
	out := make([]float64, len(in))
	copy(out, in)
	b.Process(out)
	// unity gain band leaves the signal untouched
	for i := range in {
		assert.InDelta(t, in[i], out[i], 1e-9)
	}
}

func TestBiquadStability(t *testing.T) {
	b := NewBiquad(1, LowShelf(48000, 200, 0.7, 12))
	buf := make([]float64, 48000)
	buf[0] = 1 // impulse
	b.Process(buf)

	// the impulse response decays instead of ringing up
	tail := buf[47000:]
	for _, v := range tail {
		assert.Less(t, math.Abs(v), 1e-6)
	}
}

func TestBiquadPerChannelState(t *testing.T) {
	// one stereo biquad must equal two independent mono biquads
	stereo := NewBiquad(2, Peaking(44100, 1000, 0.7, 6))
	left := NewBiquad(1, Peaking(44100, 1000, 0.7, 6))
	right := NewBiquad(1, Peaking(44100, 1000, 0.7, 6))

	frames := 512
	l := sine(440, 44100, frames, 1)
	r := sine(880, 44100, frames, 1)
	inter := make([]float64, frames*2)
	for i := 0; i < frames; i++ {
		inter[i*2] = l[i]
		inter[i*2+1] = r[i]
	}

	stereo.Process(inter)
	left.Process(l)
	right.Process(r)

	for i := 0; i < frames; i++ {
		require.InDelta(t, l[i], inter[i*2], 1e-12)
		require.InDelta(t, r[i], inter[i*2+1], 1e-12)
	}
}

func TestBiquadSetCoefficientsKeepsState(t *testing.T) {
	// processing a stream in two halves with an identical coefficient swap
	// in between must equal processing it in one pass
	whole := NewBiquad(1, LowShelf(44100, 200, 0.7, 6))
	split := NewBiquad(1, LowShelf(44100, 200, 0.7, 6))

	in := sine(100, 44100, 1024, 1)
	one := make([]float64, len(in))
	copy(one, in)
	whole.Process(one)

	two := make([]float64, len(in))
	copy(two, in)
	split.Process(two[:512])
	split.SetCoefficients(LowShelf(44100, 200, 0.7, 6))
	split.Process(two[512:])

	for i := range one {
		assert.InDelta(t, one[i], two[i], 1e-12)
	}
}

func TestBiquadReset(t *testing.T) {
	b := NewBiquad(1, Peaking(44100, 1000, 0.7, 6))
	b.Process(sine(1000, 44100, 256, 1))
	b.Reset()

	silence := make([]float64, 256)
	b.Process(silence)
	for _, v := range silence {
		assert.Equal(t, 0.0, v)
	}
}

func TestEqualizerFlatAndBoost(t *testing.T) {
	flat := NewEqualizer(44100, 1)
	in := sine(1000, 44100, 8192, 1)
	out := make([]float64, len(in))
	copy(out, in)
	flat.Process(out)
	// flat bands pass a mid-band sine through the DC blocker nearly intact
	assert.InDelta(t, rmsOf(in), rmsOf(out[4096:]), 0.01)

	boosted := NewEqualizer(44100, 1)
	boosted.SetGains(0, 6, 0)
	loud := make([]float64, len(in))
	copy(loud, in)
	boosted.Process(loud)
	assert.Greater(t, rmsOf(loud[4096:]), rmsOf(out[4096:])*1.5)

	low, mid, high := boosted.Gains()
	assert.Equal(t, 0.0, low)
	assert.Equal(t, 6.0, mid)
	assert.Equal(t, 0.0, high)
}
