package mixbus

import (
	"context"
	"time"

	"github.com/rs/xid"
)

// Frame is one slice of interleaved multi-channel PCM samples together with
// its format and ordering metadata. Frames are immutable once queued:
// ownership transfers from producer to consumer on dequeue.
type Frame struct {
	Samples    []float64 // interleaved, len(Samples)%Channels == 0
	Channels   int
	SampleRate int
	Seq        uint64 // monotonically increasing per producer
	Captured   time.Time
}

// NumFrames returns the number of sample frames in the buffer.
func (f Frame) NumFrames() int {
	if f.Channels == 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(float64(f.NumFrames()) / float64(f.SampleRate) * float64(time.Second))
}

// Validate checks the frame shape invariants.
func (f Frame) Validate() error {
	if f.Channels < 1 || f.SampleRate < 1 || len(f.Samples)%f.Channels != 0 {
		return ErrMalformedFrame
	}
	return nil
}

// Silence returns a zero-filled frame of the requested shape.
func Silence(numFrames, channels, sampleRate int) Frame {
	return Frame{
		Samples:    make([]float64, numFrames*channels),
		Channels:   channels,
		SampleRate: sampleRate,
		Captured:   time.Now(),
	}
}

// Pusher accepts frames from a capture source. It is implemented by the
// pipeline's bounded input queues.
type Pusher interface {
	Push(Frame) error
}

// CaptureSource produces a stream of frames. Start begins delivery into dst
// and returns once delivery is running; delivery continues until Stop is
// called or ctx is done. Implementations report read failures through their
// return values and logs, they never panic the pipeline.
type CaptureSource interface {
	Start(ctx context.Context, dst Pusher) error
	Stop() error
}

// OutputSink consumes mixed frames. Device playback, streaming encoders and
// file recorders all implement it.
type OutputSink interface {
	Write(Frame) error
}

// Flusher is implemented by sinks and sources that buffer data internally
// and need a finalization call during shutdown.
type Flusher interface {
	Flush() error
}

// Resetter is implemented by components that carry state between buffers
// and need an explicit reset on restart.
type Resetter interface {
	Reset() error
}

// MeteringSink receives level-measurement taps from the pipeline. Calls are
// fire-and-forget: implementations must never block the audio path.
type MeteringSink interface {
	ProcessChannelAudio(channelID string, samples []float64)
	ProcessMasterAudio(samples []float64)
}

// NewID returns a new globally unique component id.
func NewID() string {
	return xid.New().String()
}
