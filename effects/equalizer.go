package effects

// Band corner frequencies and shared quality of the fixed three-band layout.
const (
	dcBlockFreq   = 20.0
	lowShelfFreq  = 200.0
	peakFreq      = 1000.0
	highShelfFreq = 8000.0
	bandQ         = 0.7
)

// Equalizer is a cascade of a DC-blocking high-pass and three gain bands
// (low shelf, peak, high shelf). Coefficients are recomputed only on
// parameter change, never per sample.
type Equalizer struct {
	sampleRate int
	channels   int

	lowDB, midDB, highDB float64

	dc   *Biquad
	low  *Biquad
	mid  *Biquad
	high *Biquad
}

// NewEqualizer returns a flat equalizer for the given format.
func NewEqualizer(sampleRate, channels int) *Equalizer {
	eq := &Equalizer{
		sampleRate: sampleRate,
		channels:   channels,
		dc:         NewBiquad(channels, HighPass(sampleRate, dcBlockFreq, bandQ)),
		low:        NewBiquad(channels, LowShelf(sampleRate, lowShelfFreq, bandQ, 0)),
		mid:        NewBiquad(channels, Peaking(sampleRate, peakFreq, bandQ, 0)),
		high:       NewBiquad(channels, HighShelf(sampleRate, highShelfFreq, bandQ, 0)),
	}
	return eq
}

// SetGains updates the band gains in dB. Values are clamped to the working
// range; delay lines are preserved so the change does not click.
func (eq *Equalizer) SetGains(lowDB, midDB, highDB float64) {
	eq.lowDB = ClampDB(lowDB)
	eq.midDB = ClampDB(midDB)
	eq.highDB = ClampDB(highDB)
	eq.low.SetCoefficients(LowShelf(eq.sampleRate, lowShelfFreq, bandQ, eq.lowDB))
	eq.mid.SetCoefficients(Peaking(eq.sampleRate, peakFreq, bandQ, eq.midDB))
	eq.high.SetCoefficients(HighShelf(eq.sampleRate, highShelfFreq, bandQ, eq.highDB))
}

// Gains returns the current band gains in dB.
func (eq *Equalizer) Gains() (lowDB, midDB, highDB float64) {
	return eq.lowDB, eq.midDB, eq.highDB
}

// Process filters an interleaved buffer in place.
func (eq *Equalizer) Process(buf []float64) {
	eq.dc.Process(buf)
	eq.low.Process(buf)
	eq.mid.Process(buf)
	eq.high.Process(buf)
}

// Reset clears all filter history.
func (eq *Equalizer) Reset() {
	eq.dc.Reset()
	eq.low.Reset()
	eq.mid.Reset()
	eq.high.Reset()
}
