package resample

// downsampleThreshold is the conversion ratio above which upstream capture
// chunks are shrunk to avoid cyclic starvation of the converter.
const downsampleThreshold = 1.05

// OptimalChunkSize returns the capture chunk size to request upstream for a
// conversion. Heavy downsampling halves large chunks so the converter's
// output cadence stays regular; everything else keeps the caller's size.
func OptimalChunkSize(base, inRate, outRate int) int {
	if base < 1 || inRate < 1 || outRate < 1 {
		return base
	}
	ratio := float64(inRate) / float64(outRate)
	if ratio <= downsampleThreshold {
		return base
	}
	switch {
	case base >= 1024:
		return 512
	case base >= 512:
		return 256
	default:
		return base
	}
}
