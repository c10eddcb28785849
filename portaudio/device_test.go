//go:build portaudio

// Real-device tests, run with -tags portaudio on a host with audio hardware.
package portaudio_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/portaudio"
)

func TestDevices(t *testing.T) {
	devices, err := portaudio.Devices()
	require.NoError(t, err)
	assert.NotEmpty(t, devices)
}

func TestSinkPlayback(t *testing.T) {
	sink, err := portaudio.NewSink("", 48000, 2)
	require.NoError(t, err)

	// Half a second of 440Hz.
	samples := make([]float64, 48000)
	for i := 0; i < len(samples); i += 2 {
		v := 0.2 * math.Sin(2*math.Pi*440*float64(i/2)/48000)
		samples[i], samples[i+1] = v, v
	}
	require.NoError(t, sink.Write(mixbus.Frame{
		Samples:    samples,
		Channels:   2,
		SampleRate: 48000,
		Seq:        1,
		Captured:   time.Now(),
	}))
	assert.NoError(t, sink.Flush())
}
