// Package portaudio binds physical audio devices to the pipeline. Source
// captures from an input device, Sink plays the master bus on an output
// device. Both hold the portaudio runtime initialized for their lifetime;
// several sources and sinks may coexist, initialization is reference
// counted by the C library.
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/signal"
)

// defaultFrameLen is the per-channel sample count of each device buffer,
// 10ms at 48kHz.
const defaultFrameLen = 480

// Device describes one audio endpoint known to the host.
type Device struct {
	Name       string
	Inputs     int
	Outputs    int
	SampleRate int
	Default    bool
}

// Devices lists the capture and playback endpoints of the host.
func Devices() ([]Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	devices := make([]Device, 0, len(infos))
	for _, info := range infos {
		isDefault := (defIn != nil && info.Index == defIn.Index) ||
			(defOut != nil && info.Index == defOut.Index)
		devices = append(devices, Device{
			Name:       info.Name,
			Inputs:     info.MaxInputChannels,
			Outputs:    info.MaxOutputChannels,
			SampleRate: int(info.DefaultSampleRate),
			Default:    isDefault,
		})
	}
	return devices, nil
}

// lookupDevice resolves a device by name, empty meaning the default for the
// requested direction.
func lookupDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}
	return nil, fmt.Errorf("no device named %q", name)
}

// Source captures from one input device and pushes the audio as frames. The
// device clock drives delivery; a full destination sheds the buffer, the
// capture callback must never wait on a slow consumer.
type Source struct {
	// FrameLen is the per-channel sample count of each pushed frame.
	// Default 480.
	FrameLen int

	device     string
	sampleRate int
	channels   int

	stream *portaudio.Stream
	buf    []float32

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	readErr error
}

var _ mixbus.CaptureSource = (*Source)(nil)

// NewSource returns a source capturing from the named device, or the default
// input device for an empty name, at the given rate and channel count.
func NewSource(device string, sampleRate, channels int) (*Source, error) {
	if sampleRate < 8000 || sampleRate > 192000 {
		return nil, fmt.Errorf("portaudio: sample rate %d out of range", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("portaudio: capture must be mono or stereo, got %d channels", channels)
	}
	return &Source{device: device, sampleRate: sampleRate, channels: channels}, nil
}

// SampleRate returns the capture rate.
func (s *Source) SampleRate() int { return s.sampleRate }

// Channels returns the capture channel count.
func (s *Source) Channels() int { return s.channels }

// Start opens the device and begins pushing captured frames into dst. It
// returns once the stream is running.
func (s *Source) Start(ctx context.Context, dst mixbus.Pusher) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("portaudio: source %q already started", s.device)
	}
	if s.FrameLen < 1 {
		s.FrameLen = defaultFrameLen
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	info, err := lookupDevice(s.device, true)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open %q: %w", s.device, err)
	}

	s.buf = make([]float32, s.FrameLen*s.channels)
	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = s.channels
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = s.FrameLen
	stream, err := portaudio.OpenStream(params, &s.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open %q: %w", s.device, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start %q: %w", s.device, err)
	}
	s.stream = stream

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, dst)
	return nil
}

func (s *Source) run(ctx context.Context, dst mixbus.Pusher) {
	defer close(s.done)

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.stream.Read(); err != nil {
			s.fail(fmt.Errorf("portaudio: read %q: %w", s.device, err))
			return
		}
		seq++
		// Push after the read so the device never waits on the queue; a
		// full queue sheds this buffer and the next read realigns.
		_ = dst.Push(mixbus.Frame{
			Samples:    signal.Float64(s.buf),
			Channels:   s.channels,
			SampleRate: s.sampleRate,
			Seq:        seq,
			Captured:   time.Now(),
		})
	}
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

// Stop ends capture, closes the device and returns the read error the stream
// ended with, if any. It is safe to call more than once and before Start.
func (s *Source) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stream != nil {
		s.stream.Abort()
	}
	if s.done != nil {
		<-s.done
	}
	if s.stream != nil {
		s.stream.Close()
		s.stream = nil
		portaudio.Terminate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Sink plays mixed frames on one output device. The device is opened on the
// first frame, whose shape fixes the stream format; frames are rechunked to
// the device buffer size, so any frame length plays correctly.
type Sink struct {
	// FrameLen is the per-channel sample count of each device write.
	// Default 480.
	FrameLen int

	device     string
	sampleRate int
	channels   int

	mu     sync.Mutex
	stream *portaudio.Stream
	buf    []float32
	carry  []float64
	closed bool
}

var (
	_ mixbus.OutputSink = (*Sink)(nil)
	_ mixbus.Flusher    = (*Sink)(nil)
)

// NewSink returns a sink playing on the named device, or the default output
// device for an empty name.
func NewSink(device string, sampleRate, channels int) (*Sink, error) {
	if sampleRate < 8000 || sampleRate > 192000 {
		return nil, fmt.Errorf("portaudio: sample rate %d out of range", sampleRate)
	}
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("portaudio: playback must be mono or stereo, got %d channels", channels)
	}
	return &Sink{device: device, sampleRate: sampleRate, channels: channels}, nil
}

// SampleRate returns the playback rate.
func (s *Sink) SampleRate() int { return s.sampleRate }

// Channels returns the playback channel count.
func (s *Sink) Channels() int { return s.channels }

// Write plays one frame, blocking on the device clock. Short remainders are
// carried into the next write.
func (s *Sink) Write(f mixbus.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("portaudio: sink %q closed", s.device)
	}
	if f.Channels != s.channels || f.SampleRate != s.sampleRate {
		return fmt.Errorf("portaudio: %q: frame format %d/%d does not match stream format %d/%d",
			s.device, f.SampleRate, f.Channels, s.sampleRate, s.channels)
	}
	if s.stream == nil {
		if err := s.open(); err != nil {
			return err
		}
	}

	s.carry = append(s.carry, f.Samples...)
	step := len(s.buf)
	for len(s.carry) >= step {
		for i := 0; i < step; i++ {
			s.buf[i] = float32(s.carry[i])
		}
		s.carry = s.carry[step:]
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("portaudio: write %q: %w", s.device, err)
		}
	}
	return nil
}

func (s *Sink) open() error {
	if s.FrameLen < 1 {
		s.FrameLen = defaultFrameLen
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	info, err := lookupDevice(s.device, false)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open %q: %w", s.device, err)
	}

	s.buf = make([]float32, s.FrameLen*s.channels)
	params := portaudio.LowLatencyParameters(nil, info)
	params.Output.Channels = s.channels
	params.SampleRate = float64(s.sampleRate)
	params.FramesPerBuffer = s.FrameLen
	stream, err := portaudio.OpenStream(params, &s.buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open %q: %w", s.device, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start %q: %w", s.device, err)
	}
	s.stream = stream
	return nil
}

// Flush pads the carried remainder with silence, plays it out and closes the
// device.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stream == nil {
		return nil
	}
	if len(s.carry) > 0 {
		for i := range s.buf {
			s.buf[i] = 0
		}
		for i, v := range s.carry {
			s.buf[i] = float32(v)
		}
		s.carry = nil
		if err := s.stream.Write(); err != nil {
			s.stream.Close()
			portaudio.Terminate()
			return fmt.Errorf("portaudio: write %q: %w", s.device, err)
		}
	}
	if err := s.stream.Stop(); err != nil {
		s.stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: stop %q: %w", s.device, err)
	}
	if err := s.stream.Close(); err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: close %q: %w", s.device, err)
	}
	return portaudio.Terminate()
}
