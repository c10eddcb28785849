// Package wav streams WAV files into the pipeline and records the master
// bus back to disk. Source is a capture source with a synthetic timeline,
// so several file sources sharing an epoch mix in sync; Recorder is an
// output sink whose encoder finalizes on Flush.
package wav

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/queue"
	"github.com/aukern/mixbus/signal"
)

// ErrUnsupportedBitDepth is returned for depths other than 16 and 32 bit.
var ErrUnsupportedBitDepth = errors.New("wav: only 16 and 32 bit depth supported")

// defaultFrameLen is the per-channel sample count of pushed frames, 10ms at
// 48kHz.
const defaultFrameLen = 480

// Source reads one WAV file and pushes its audio as capture frames. A
// source reads its file once and cannot be restarted.
type Source struct {
	// FrameLen is the per-channel sample count of each pushed frame.
	// Default 480.
	FrameLen int
	// Epoch anchors the synthetic capture timeline. Zero means Start time.
	Epoch time.Time

	path    string
	file    *os.File
	decoder *wav.Decoder

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	readErr error
}

var _ mixbus.CaptureSource = (*Source)(nil)

// NewSource opens the file at path and validates its header.
func NewSource(path string) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wav: open: %w", err)
	}
	decoder := wav.NewDecoder(file)
	if !decoder.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("wav: %s is not a valid wav file", path)
	}
	depth := signal.BitDepth(decoder.BitDepth)
	if depth != signal.BitDepth16 && depth != signal.BitDepth32 {
		file.Close()
		return nil, fmt.Errorf("wav: %s: %d bit: %w", path, decoder.BitDepth, ErrUnsupportedBitDepth)
	}
	return &Source{path: path, file: file, decoder: decoder}, nil
}

// SampleRate returns the file's sample rate.
func (s *Source) SampleRate() int { return int(s.decoder.SampleRate) }

// Channels returns the file's channel count.
func (s *Source) Channels() int { return int(s.decoder.NumChans) }

// Duration returns the file's play time.
func (s *Source) Duration() (time.Duration, error) { return s.decoder.Duration() }

// Start begins pushing the file into dst and returns immediately. A full
// destination is retried, never shed: file delivery is lossless. At the end
// of the file a destination with a Close method is closed, signalling the
// channel that no more audio is coming.
func (s *Source) Start(ctx context.Context, dst mixbus.Pusher) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("wav: %s already started", s.path)
	}
	if s.FrameLen < 1 {
		s.FrameLen = defaultFrameLen
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, dst)
	return nil
}

func (s *Source) run(ctx context.Context, dst mixbus.Pusher) {
	defer close(s.done)

	epoch := s.Epoch
	if epoch.IsZero() {
		epoch = time.Now()
	}
	rate := s.SampleRate()
	channels := s.Channels()
	depth := signal.BitDepth(s.decoder.BitDepth)
	ib := &audio.IntBuffer{
		Format:         s.decoder.Format(),
		Data:           make([]int, s.FrameLen*channels),
		SourceBitDepth: int(s.decoder.BitDepth),
	}

	var seq, frames uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := s.decoder.PCMBuffer(ib)
		if err != nil {
			s.fail(fmt.Errorf("wav: read %s: %w", s.path, err))
			return
		}
		if n == 0 {
			break
		}

		seq++
		f := mixbus.Frame{
			Samples:    signal.InterInt{Data: ib.Data[:n], Channels: channels, BitDepth: depth}.AsFloat64(),
			Channels:   channels,
			SampleRate: rate,
			Seq:        seq,
			Captured:   epoch.Add(signal.DurationOf(rate, int64(frames))),
		}
		frames += uint64(n / channels)

	push:
		for {
			switch err := dst.Push(f); err {
			case nil:
				break push
			case queue.ErrFull:
				select {
				case <-ctx.Done():
					return
				default:
				}
			default:
				return
			}
		}
	}

	if c, ok := dst.(interface{ Close() }); ok {
		c.Close()
	}
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
}

// Stop ends delivery, closes the file and returns the read error the stream
// ended with, if any. It is safe to call more than once and before Start.
func (s *Source) Stop() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readErr
}

// Recorder writes mixed frames to a WAV file. The encoder is created on the
// first frame, whose rate and channel count fix the file format; Flush
// finalizes the header. A Recorder records one file and cannot be reused.
type Recorder struct {
	path     string
	bitDepth signal.BitDepth

	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	ib      *audio.IntBuffer
	flushed bool
}

var (
	_ mixbus.OutputSink = (*Recorder)(nil)
	_ mixbus.Flusher    = (*Recorder)(nil)
)

// NewRecorder returns a recorder writing to path at the given bit depth.
func NewRecorder(path string, bitDepth signal.BitDepth) (*Recorder, error) {
	if bitDepth != signal.BitDepth16 && bitDepth != signal.BitDepth32 {
		return nil, fmt.Errorf("wav: %d bit: %w", bitDepth, ErrUnsupportedBitDepth)
	}
	return &Recorder{path: path, bitDepth: bitDepth}, nil
}

// Write appends one frame. Every frame must carry the format of the first.
func (r *Recorder) Write(f mixbus.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushed {
		return fmt.Errorf("wav: %s already finalized", r.path)
	}
	if r.encoder == nil {
		file, err := os.Create(r.path)
		if err != nil {
			return fmt.Errorf("wav: create: %w", err)
		}
		r.file = file
		r.encoder = wav.NewEncoder(file, f.SampleRate, int(r.bitDepth), f.Channels, 1)
		r.ib = &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
			SourceBitDepth: int(r.bitDepth),
		}
	}
	if f.Channels != r.ib.Format.NumChannels || f.SampleRate != r.ib.Format.SampleRate {
		return fmt.Errorf("wav: %s: frame format %d/%d does not match file format %d/%d",
			r.path, f.SampleRate, f.Channels, r.ib.Format.SampleRate, r.ib.Format.NumChannels)
	}

	r.ib.Data = signal.AsInterInt(f.Samples, f.Channels, r.bitDepth).Data
	if err := r.encoder.Write(r.ib); err != nil {
		return fmt.Errorf("wav: write %s: %w", r.path, err)
	}
	return nil
}

// Flush finalizes the header and closes the file. A recorder that never saw
// a frame has no file to finalize.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.flushed || r.encoder == nil {
		r.flushed = true
		return nil
	}
	r.flushed = true
	if err := r.encoder.Close(); err != nil {
		r.file.Close()
		return fmt.Errorf("wav: finalize %s: %w", r.path, err)
	}
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("wav: close %s: %w", r.path, err)
	}
	return nil
}
