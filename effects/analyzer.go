package effects

import (
	"math"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	peakDecay   = 0.999
	rmsWindowMs = 100.0
	fftSize     = 1024
	spectrumDB  = -100.0
)

// PeakDetector follows the absolute sample peak with a slow decay. Readers
// may sample Peak from any goroutine.
type PeakDetector struct {
	peak uint64 // float64 bits
}

// Process updates the peak from an interleaved buffer. Read-only on the
// buffer.
func (p *PeakDetector) Process(samples []float64) {
	peak := math.Float64frombits(atomic.LoadUint64(&p.peak))
	for _, s := range samples {
		peak *= peakDecay
		if a := math.Abs(Flush(s)); a > peak {
			peak = a
		}
	}
	atomic.StoreUint64(&p.peak, math.Float64bits(peak))
}

// Peak returns the current decayed peak.
func (p *PeakDetector) Peak() float64 {
	return math.Float64frombits(atomic.LoadUint64(&p.peak))
}

// Reset clears the detector.
func (p *PeakDetector) Reset() {
	atomic.StoreUint64(&p.peak, 0)
}

// RMSDetector keeps a running sum of squares over a 100 ms window.
type RMSDetector struct {
	window []float64
	pos    int
	filled int
	sum    float64

	rms uint64 // float64 bits
}

// NewRMSDetector returns a detector sized for the given format.
func NewRMSDetector(sampleRate, channels int) *RMSDetector {
	if channels < 1 {
		channels = 1
	}
	size := int(float64(sampleRate) * rmsWindowMs / 1000.0 * float64(channels))
	if size < 1 {
		size = 1
	}
	return &RMSDetector{window: make([]float64, size)}
}

// Process updates the running window from an interleaved buffer. Read-only
// on the buffer.
func (r *RMSDetector) Process(samples []float64) {
	for _, s := range samples {
		x := Flush(s)
		sq := x * x
		r.sum += sq - r.window[r.pos]
		r.window[r.pos] = sq
		r.pos++
		if r.pos == len(r.window) {
			r.pos = 0
		}
		if r.filled < len(r.window) {
			r.filled++
		}
	}
	if r.sum < 0 {
		r.sum = 0
	}
	rms := 0.0
	if r.filled > 0 {
		rms = math.Sqrt(r.sum / float64(r.filled))
	}
	atomic.StoreUint64(&r.rms, math.Float64bits(rms))
}

// RMS returns the current windowed RMS level.
func (r *RMSDetector) RMS() float64 {
	return math.Float64frombits(atomic.LoadUint64(&r.rms))
}

// Reset clears the window.
func (r *RMSDetector) Reset() {
	for i := range r.window {
		r.window[i] = 0
	}
	r.pos, r.filled = 0, 0
	r.sum = 0
	atomic.StoreUint64(&r.rms, 0)
}

// SpectrumAnalyzer folds the signal to mono, accumulates fixed-size blocks
// and produces a Hann-windowed magnitude spectrum in dB.
type SpectrumAnalyzer struct {
	sampleRate int
	channels   int
	fft        *fourier.FFT

	block []float64
	pos   int

	mu   sync.Mutex
	mags []float64
}

// NewSpectrumAnalyzer returns a 1024-point analyzer for the given format.
func NewSpectrumAnalyzer(sampleRate, channels int) *SpectrumAnalyzer {
	if channels < 1 {
		channels = 1
	}
	return &SpectrumAnalyzer{
		sampleRate: sampleRate,
		channels:   channels,
		fft:        fourier.NewFFT(fftSize),
		block:      make([]float64, fftSize),
	}
}

// Process accumulates an interleaved buffer. Read-only on the buffer; a new
// spectrum is published every time a full block is collected.
func (s *SpectrumAnalyzer) Process(samples []float64) {
	for i := 0; i+s.channels <= len(samples); i += s.channels {
		mono := 0.0
		for ch := 0; ch < s.channels; ch++ {
			mono += Flush(samples[i+ch])
		}
		s.block[s.pos] = mono / float64(s.channels)
		s.pos++
		if s.pos == fftSize {
			s.compute()
			s.pos = 0
		}
	}
}

func (s *SpectrumAnalyzer) compute() {
	windowed := make([]float64, fftSize)
	copy(windowed, s.block)
	window.Hann(windowed)

	coeffs := s.fft.Coefficients(nil, windowed)
	mags := make([]float64, len(coeffs))
	scale := float64(fftSize) / 2
	for i, c := range coeffs {
		db := ToDB(cmplxAbs(c) / scale)
		if db < spectrumDB {
			db = spectrumDB
		}
		mags[i] = db
	}

	s.mu.Lock()
	s.mags = mags
	s.mu.Unlock()
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

// Magnitudes returns a copy of the latest spectrum in dB, or nil if no full
// block has been analyzed yet.
func (s *SpectrumAnalyzer) Magnitudes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mags == nil {
		return nil
	}
	out := make([]float64, len(s.mags))
	copy(out, s.mags)
	return out
}

// BinFrequency returns the center frequency of a spectrum bin in Hz.
func (s *SpectrumAnalyzer) BinFrequency(bin int) float64 {
	return float64(bin) * float64(s.sampleRate) / fftSize
}

// Reset clears the accumulation block and the published spectrum.
func (s *SpectrumAnalyzer) Reset() {
	for i := range s.block {
		s.block[i] = 0
	}
	s.pos = 0
	s.mu.Lock()
	s.mags = nil
	s.mu.Unlock()
}

// Analyzer is the read-only tap at the end of an effects chain. It never
// alters the sample stream.
type Analyzer struct {
	Peak     *PeakDetector
	RMS      *RMSDetector
	Spectrum *SpectrumAnalyzer
}

// NewAnalyzer returns a full analyzer set for the given format.
func NewAnalyzer(sampleRate, channels int) *Analyzer {
	return &Analyzer{
		Peak:     &PeakDetector{},
		RMS:      NewRMSDetector(sampleRate, channels),
		Spectrum: NewSpectrumAnalyzer(sampleRate, channels),
	}
}

// Process feeds all detectors. Read-only on the buffer.
func (a *Analyzer) Process(samples []float64) {
	a.Peak.Process(samples)
	a.RMS.Process(samples)
	a.Spectrum.Process(samples)
}

// Reset clears all detectors.
func (a *Analyzer) Reset() {
	a.Peak.Reset()
	a.RMS.Reset()
	a.Spectrum.Reset()
}
