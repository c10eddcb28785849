package effects

import "math"

// Compressor defaults.
const (
	defaultThresholdDB = -12.0
	defaultRatio       = 4.0
	defaultAttackMs    = 10.0
	defaultReleaseMs   = 200.0

	maxGainReductionDB = 60.0
	minCompressorGain  = 0.001
	maxCompressorGain  = 2.0
)

// Compressor reduces gain above a threshold with an envelope follower. The
// envelope is shared across the interleaved channels so stereo images do
// not shift under compression.
type Compressor struct {
	sampleRate int

	thresholdDB float64
	ratio       float64
	attack      float64 // per-sample smoothing coefficient
	release     float64

	envelope  float64
	reduction float64 // last gain reduction, dB
}

// NewCompressor returns a compressor with default settings.
func NewCompressor(sampleRate int) *Compressor {
	c := &Compressor{sampleRate: sampleRate}
	c.SetParams(defaultThresholdDB, defaultRatio, defaultAttackMs, defaultReleaseMs)
	return c
}

// SetParams updates threshold, ratio and time constants. Invalid values are
// clamped to the nearest valid one, never rejected: the audio path must not
// halt on configuration.
func (c *Compressor) SetParams(thresholdDB, ratio, attackMs, releaseMs float64) {
	c.thresholdDB = ClampDB(thresholdDB)
	if ratio < 1 {
		ratio = 1
	}
	c.ratio = ratio
	c.attack = timeCoeff(attackMs, c.sampleRate)
	c.release = timeCoeff(releaseMs, c.sampleRate)
}

// timeCoeff converts a time constant in milliseconds to a one-pole
// smoothing coefficient at the given rate.
func timeCoeff(ms float64, sampleRate int) float64 {
	if ms < 0.01 {
		ms = 0.01
	}
	return math.Exp(-1 / (ms * 0.001 * float64(sampleRate)))
}

// Process compresses an interleaved buffer in place.
func (c *Compressor) Process(buf []float64) {
	for i := range buf {
		x := Flush(buf[i])
		level := math.Abs(x)

		// one-pole envelope: attack when rising, release when falling
		if level > c.envelope {
			c.envelope = c.attack*(c.envelope-level) + level
		} else {
			c.envelope = c.release*(c.envelope-level) + level
		}
		c.envelope = Flush(c.envelope)

		over := ToDB(c.envelope) - c.thresholdDB
		if over > 0 {
			c.reduction = clamp(over*(1-1/c.ratio), 0, maxGainReductionDB)
		} else {
			c.reduction = 0
		}
		gain := clamp(FromDB(-c.reduction), minCompressorGain, maxCompressorGain)
		buf[i] = Flush(x * gain)
	}
}

// GainReduction returns the last applied gain reduction in dB.
func (c *Compressor) GainReduction() float64 {
	return c.reduction
}

// Reset clears the envelope follower.
func (c *Compressor) Reset() {
	c.envelope = 0
	c.reduction = 0
}
