// Package signal provides helpers to manipulate interleaved PCM signals:
//	- convert bit depth for int signals
//	- convert between float64 and float32 sample formats
package signal

import (
	"math"
	"time"
)

const (
	// BitDepth8 is 8 bit depth.
	BitDepth8 = BitDepth(8)
	// BitDepth16 is 16 bit depth.
	BitDepth16 = BitDepth(16)
	// BitDepth24 is 24 bit depth.
	BitDepth24 = BitDepth(24)
	// BitDepth32 is 32 bit depth.
	BitDepth32 = BitDepth(32)
)

// BitDepth contains values required for int-to-float and backward conversion.
type BitDepth int

// divider is used when int to float conversion is done.
func (b BitDepth) divider() float64 {
	switch b {
	case BitDepth8:
		return math.MaxInt8
	case BitDepth16:
		return math.MaxInt16
	case BitDepth24:
		return 1<<23 - 1
	case BitDepth32:
		return math.MaxInt32
	default:
		return 1
	}
}

// multiplier is used when float to int conversion is done.
func (b BitDepth) multiplier() float64 {
	switch b {
	case BitDepth8:
		return math.MaxInt8 - 1
	case BitDepth16:
		return math.MaxInt16 - 1
	case BitDepth24:
		return 1<<23 - 2
	case BitDepth32:
		return math.MaxInt32 - 1
	default:
		return 1
	}
}

// InterInt is an interleaved integer PCM signal.
type InterInt struct {
	Data     []int
	Channels int
	BitDepth
}

// AsFloat64 converts the interleaved int signal to interleaved float64
// samples in the [-1, 1] range.
func (ints InterInt) AsFloat64() []float64 {
	if ints.Data == nil {
		return nil
	}
	divider := ints.BitDepth.divider()
	floats := make([]float64, len(ints.Data))
	for i, v := range ints.Data {
		floats[i] = float64(v) / divider
	}
	return floats
}

// AsInterInt converts interleaved float64 samples to interleaved ints of the
// requested bit depth.
func AsInterInt(floats []float64, channels int, bitDepth BitDepth) InterInt {
	multiplier := bitDepth.multiplier()
	ints := make([]int, len(floats))
	for i, v := range floats {
		ints[i] = int(v * multiplier)
	}
	return InterInt{Data: ints, Channels: channels, BitDepth: bitDepth}
}

// Float32 converts an interleaved float64 buffer to float32.
func Float32(src []float64) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float32(v)
	}
	return dst
}

// Float64 converts an interleaved float32 buffer to float64.
func Float64(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}

// DurationOf returns time duration of passed frames for this sample rate.
func DurationOf(sampleRate int, frames int64) time.Duration {
	return time.Duration(float64(frames) / float64(sampleRate) * float64(time.Second))
}
