package mp3_test

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/mp3"
	"github.com/aukern/mixbus/queue"
)

// encodeSine writes a 440 Hz stereo sine at half amplitude and returns the
// number of per-channel samples encoded.
func encodeSine(t *testing.T, path string, chunks int) int {
	t.Helper()
	enc := mp3.NewEncoder(path, 192, 2)

	const rate, chunk = 44100, 441
	for n := 0; n < chunks; n++ {
		samples := make([]float64, 2*chunk)
		for i := 0; i < chunk; i++ {
			v := 0.5 * math.Sin(2*math.Pi*440*float64(n*chunk+i)/rate)
			samples[2*i] = v
			samples[2*i+1] = v
		}
		require.NoError(t, enc.Write(mixbus.Frame{
			Samples:    samples,
			Channels:   2,
			SampleRate: rate,
			Seq:        uint64(n + 1),
			Captured:   time.Now(),
		}))
	}
	require.NoError(t, enc.Flush())
	return chunks * chunk
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "bounce.mp3")
	wantFrames := encodeSine(t, path, 100) // one second of audio

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(1000), "a second of VBR audio is not empty")

	src, err := mp3.NewSource(path)
	require.NoError(t, err)
	assert.Equal(t, 44100, src.SampleRate())
	assert.Equal(t, 2, src.Channels())

	q := queue.New(256, queue.Block)
	require.NoError(t, src.Start(t.Context(), q))

	var got []float64
	var lastSeq uint64
	for {
		f, ok := q.Pop(time.Second)
		if !ok {
			require.True(t, q.Drained(), "source stalled")
			break
		}
		assert.Equal(t, lastSeq+1, f.Seq)
		lastSeq = f.Seq
		assert.Equal(t, 2, f.Channels)
		assert.Equal(t, 44100, f.SampleRate)
		got = append(got, f.Samples...)
	}
	require.NoError(t, src.Stop())

	// LAME pads the stream with codec delay on both ends.
	assert.InDelta(t, wantFrames, len(got)/2, 6000)

	var peak float64
	for _, v := range got {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	assert.InDelta(t, 0.5, peak, 0.15, "the sine survives lossy coding near its amplitude")
}

func TestSourceStopMidFile(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "long.mp3")
	encodeSine(t, path, 200)

	src, err := mp3.NewSource(path)
	require.NoError(t, err)

	// nobody consumes, the source blocks on the full queue
	q := queue.New(1, queue.Block, queue.WithPushTimeout(time.Millisecond))
	require.NoError(t, src.Start(t.Context(), q))
	assert.Error(t, src.Start(t.Context(), q), "a source reads its file once")
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, src.Stop())
	assert.False(t, q.Closed(), "an interrupted source does not signal end of stream")
	assert.NoError(t, src.Stop(), "stop is idempotent")
}

func TestNewSourceRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noise.mp3")
	require.NoError(t, os.WriteFile(path, []byte("definitely not mpeg"), 0o644))

	_, err := mp3.NewSource(path)
	assert.Error(t, err)

	_, err = mp3.NewSource(filepath.Join(t.TempDir(), "missing.mp3"))
	assert.Error(t, err)
}

func TestEncoderStreamFormatFixed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.mp3")
	enc := mp3.NewEncoder(path, 0, 0)

	stereo := mixbus.Frame{Samples: []float64{0, 0}, Channels: 2, SampleRate: 44100}
	mono := mixbus.Frame{Samples: []float64{0}, Channels: 1, SampleRate: 44100}
	require.NoError(t, enc.Write(stereo))
	assert.Error(t, enc.Write(mono), "the first frame fixes the stream format")

	require.NoError(t, enc.Flush())
	assert.NoError(t, enc.Flush(), "flush is idempotent")
	assert.Error(t, enc.Write(stereo), "a finalized stream takes no more audio")
}

func TestEncoderFlushWithoutFrames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.mp3")
	enc := mp3.NewEncoder(path, 192, 2)

	assert.NoError(t, enc.Flush(), "flushing an unused encoder is a no-op")
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "no frames, no file")
}
