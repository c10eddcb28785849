// Package effects implements the per-channel DSP chain of the mixing
// pipeline: a three-band equalizer with DC blocking, a compressor, a
// lookahead limiter and read-only level analyzers. Every stage shares the
// same numeric-stability rules so that near-silence input can never develop
// denormal stalls or popping in the filter loops.
package effects

import "math"

const (
	// denormalLimit is the magnitude below which samples are flushed to zero.
	denormalLimit = 1e-15
	// clipLimit is the magnitude above which samples are hard-clamped.
	clipLimit = 100.0
	// minDB and maxDB bound the working range of gain values.
	minDB = -100.0
	maxDB = 40.0
	// logFloor keeps log arguments strictly positive.
	logFloor = 1e-10
)

// Flush sanitizes one sample: non-finite values and denormals become exactly
// zero, magnitudes beyond the clip limit are clamped.
func Flush(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	if x > -denormalLimit && x < denormalLimit {
		return 0
	}
	if x > clipLimit {
		return clipLimit
	}
	if x < -clipLimit {
		return -clipLimit
	}
	return x
}

// FlushAll sanitizes a buffer in place.
func FlushAll(buf []float64) {
	for i := range buf {
		buf[i] = Flush(buf[i])
	}
}

// FromDB converts a decibel value to linear gain. The input is clamped to
// the working range first.
func FromDB(db float64) float64 {
	return math.Pow(10, ClampDB(db)/20)
}

// ToDB converts a linear magnitude to decibels with a floored log argument.
func ToDB(x float64) float64 {
	if x < 0 {
		x = -x
	}
	if x < logFloor {
		x = logFloor
	}
	return 20 * math.Log10(x)
}

// ClampDB bounds a decibel value to the working range.
func ClampDB(db float64) float64 {
	return clamp(db, minDB, maxDB)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
