package effects

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeakAndRMSKnownSignal(t *testing.T) {
	samples := []float64{0.5, -0.3, 0.8, -0.1}

	peak := &PeakDetector{}
	peak.Process(samples)
	assert.InDelta(t, 0.8, peak.Peak(), 1e-3)

	rms := NewRMSDetector(44100, 1)
	rms.Process(samples)
	expected := math.Sqrt((0.25 + 0.09 + 0.64 + 0.01) / 4)
	assert.InDelta(t, expected, rms.RMS(), 1e-9)
	assert.LessOrEqual(t, rms.RMS(), peak.Peak()+1e-9)
}

func TestPeakDecays(t *testing.T) {
	p := &PeakDetector{}
	p.Process([]float64{1.0})
	first := p.Peak()

	silence := make([]float64, 4096)
	p.Process(silence)
	assert.Less(t, p.Peak(), first)
	assert.Greater(t, p.Peak(), 0.0)
}

func TestRMSWindowSlides(t *testing.T) {
	r := NewRMSDetector(1000, 1) // window of 100 samples
	loud := make([]float64, 100)
	for i := range loud {
		loud[i] = 1
	}
	r.Process(loud)
	assert.InDelta(t, 1.0, r.RMS(), 1e-9)

	quiet := make([]float64, 100)
	r.Process(quiet)
	assert.InDelta(t, 0.0, r.RMS(), 1e-9)
}

func TestSpectrumFindsTone(t *testing.T) {
	s := NewSpectrumAnalyzer(44100, 1)

	bin := 10
	freq := s.BinFrequency(bin)
	s.Process(sine(freq, 44100, fftSize, 1))

	mags := s.Magnitudes()
	require.NotNil(t, mags)
	require.Len(t, mags, fftSize/2+1)

	max := 0
	for i := range mags {
		if mags[i] > mags[max] {
			max = i
		}
	}
	assert.Equal(t, bin, max)
	// everything is floored, nothing below the display range
	for _, m := range mags {
		assert.GreaterOrEqual(t, m, spectrumDB)
	}
}

func TestSpectrumNotReadyBeforeFullBlock(t *testing.T) {
	s := NewSpectrumAnalyzer(44100, 2)
	s.Process(make([]float64, 100))
	assert.Nil(t, s.Magnitudes())
}

func TestAnalyzerIsReadOnly(t *testing.T) {
	a := NewAnalyzer(44100, 2)
	in := sine(440, 44100, 2048, 2)
	snapshot := make([]float64, len(in))
	copy(snapshot, in)

	a.Process(in)
	assert.Equal(t, snapshot, in)

	a.Reset()
	assert.Equal(t, 0.0, a.Peak.Peak())
	assert.Equal(t, 0.0, a.RMS.RMS())
	assert.Nil(t, a.Spectrum.Magnitudes())
}
