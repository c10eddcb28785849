package effects

import "math"

// Coefficients holds one normalized biquad section.
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// LowShelf computes low-shelf coefficients for the given corner frequency,
// quality and shelf gain.
func LowShelf(sampleRate int, freq, q, gainDB float64) Coefficients {
	cosw, alpha := section(sampleRate, freq, q)
	a := math.Pow(10, ClampDB(gainDB)/40)
	sqa := 2 * math.Sqrt(a) * alpha

	b0 := a * ((a + 1) - (a-1)*cosw + sqa)
	b1 := 2 * a * ((a - 1) - (a+1)*cosw)
	b2 := a * ((a + 1) - (a-1)*cosw - sqa)
	a0 := (a + 1) + (a-1)*cosw + sqa
	a1 := -2 * ((a - 1) + (a+1)*cosw)
	a2 := (a + 1) + (a-1)*cosw - sqa
	return normalize(b0, b1, b2, a0, a1, a2)
}

// HighShelf computes high-shelf coefficients.
func HighShelf(sampleRate int, freq, q, gainDB float64) Coefficients {
	cosw, alpha := section(sampleRate, freq, q)
	a := math.Pow(10, ClampDB(gainDB)/40)
	sqa := 2 * math.Sqrt(a) * alpha

	b0 := a * ((a + 1) + (a-1)*cosw + sqa)
	b1 := -2 * a * ((a - 1) + (a+1)*cosw)
	b2 := a * ((a + 1) + (a-1)*cosw - sqa)
	a0 := (a + 1) - (a-1)*cosw + sqa
	a1 := 2 * ((a - 1) - (a+1)*cosw)
	a2 := (a + 1) - (a-1)*cosw - sqa
	return normalize(b0, b1, b2, a0, a1, a2)
}

// Peaking computes peaking-band coefficients.
func Peaking(sampleRate int, freq, q, gainDB float64) Coefficients {
	cosw, alpha := section(sampleRate, freq, q)
	a := math.Pow(10, ClampDB(gainDB)/40)

	b0 := 1 + alpha*a
	b1 := -2 * cosw
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosw
	a2 := 1 - alpha/a
	return normalize(b0, b1, b2, a0, a1, a2)
}

// HighPass computes high-pass coefficients.
func HighPass(sampleRate int, freq, q float64) Coefficients {
	cosw, alpha := section(sampleRate, freq, q)

	b0 := (1 + cosw) / 2
	b1 := -(1 + cosw)
	b2 := (1 + cosw) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw
	a2 := 1 - alpha
	return normalize(b0, b1, b2, a0, a1, a2)
}

func section(sampleRate int, freq, q float64) (cosw, alpha float64) {
	if q <= 0 {
		q = 0.7
	}
	nyquist := float64(sampleRate) / 2
	freq = clamp(freq, 1, nyquist-1)
	w0 := 2 * math.Pi * freq / float64(sampleRate)
	cosw = math.Cos(w0)
	alpha = math.Sin(w0) / (2 * q)
	return
}

func normalize(b0, b1, b2, a0, a1, a2 float64) Coefficients {
	return Coefficients{
		B0: b0 / a0,
		B1: b1 / a0,
		B2: b2 / a0,
		A1: a1 / a0,
		A2: a2 / a0,
	}
}

// Biquad is a direct form I biquad section with an independent delay line
// per audio channel, so interleaved buffers are filtered correctly.
type Biquad struct {
	coeffs         Coefficients
	x1, x2, y1, y2 []float64
}

// NewBiquad returns a biquad for interleaved buffers with the given channel
// count.
func NewBiquad(channels int, c Coefficients) *Biquad {
	if channels < 1 {
		channels = 1
	}
	return &Biquad{
		coeffs: c,
		x1:     make([]float64, channels),
		x2:     make([]float64, channels),
		y1:     make([]float64, channels),
		y2:     make([]float64, channels),
	}
}

// SetCoefficients swaps the filter coefficients. The delay line is kept so
// a parameter change does not click.
func (b *Biquad) SetCoefficients(c Coefficients) {
	b.coeffs = c
}

// Reset clears the delay line. Used on worker restart so stale filter
// history never leaks across a reconnect.
func (b *Biquad) Reset() {
	for i := range b.x1 {
		b.x1[i], b.x2[i], b.y1[i], b.y2[i] = 0, 0, 0, 0
	}
}

// Process filters an interleaved buffer in place.
func (b *Biquad) Process(buf []float64) {
	channels := len(b.x1)
	c := b.coeffs
	for i := range buf {
		ch := i % channels
		x := Flush(buf[i])
		y := c.B0*x + c.B1*b.x1[ch] + c.B2*b.x2[ch] - c.A1*b.y1[ch] - c.A2*b.y2[ch]
		y = Flush(y)
		b.x2[ch] = b.x1[ch]
		b.x1[ch] = x
		b.y2[ch] = b.y1[ch]
		b.y1[ch] = y
		buf[i] = y
	}
}
