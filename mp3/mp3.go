// Package mp3 streams MP3 files into the pipeline and encodes the master
// bus to disk through LAME. The decoder always produces stereo; the mixing
// layer handles any channel adaptation.
package mp3

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hajimehoshi/go-mp3"
	"github.com/viert/lame"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/queue"
	"github.com/aukern/mixbus/signal"
)

// bytesPerSample is one decoded interleaved stereo sample pair.
const bytesPerSample = 4

// defaultFrameLen is the per-channel sample count of pushed frames.
const defaultFrameLen = 480

// Source decodes one MP3 file and pushes its audio as capture frames. The
// decoder emits stereo regardless of the encoded layout. A source reads its
// file once and cannot be restarted.
type Source struct {
	// FrameLen is the per-channel sample count of each pushed frame.
	// Default 480.
	FrameLen int
	// Epoch anchors the synthetic capture timeline. Zero means Start time.
	Epoch time.Time

	path    string
	file    *os.File
	decoder *mp3.Decoder

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	readErr error
}

var _ mixbus.CaptureSource = (*Source)(nil)

// NewSource opens and validates the file at path.
func NewSource(path string) (*Source, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mp3: open: %w", err)
	}
	decoder, err := mp3.NewDecoder(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mp3: decode %s: %w", path, err)
	}
	return &Source{path: path, file: file, decoder: decoder}, nil
}

// SampleRate returns the decoded sample rate.
func (s *Source) SampleRate() int { return s.decoder.SampleRate() }

// Channels returns the decoded channel count, always stereo.
func (s *Source) Channels() int { return 2 }

// Start begins pushing the file into dst and returns immediately. A full
// destination is retried, never shed. At the end of the file a destination
// with a Close method is closed.
func (s *Source) Start(ctx context.Context, dst mixbus.Pusher) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("mp3: %s already started", s.path)
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
	buf := make([]byte, s.FrameLen*bytesPerSample)

	var seq, frames uint64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := io.ReadFull(s.decoder, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			s.fail(fmt.Errorf("mp3: read %s: %w", s.path, err))
			return
		}
		n -= n % bytesPerSample
		if n == 0 {
			break
		}

		ints := make([]int, n/2)
		for i := range ints {
			ints[i] = int(int16(binary.LittleEndian.Uint16(buf[2*i:])))
		}
		seq++
		f := mixbus.Frame{
			Samples:    signal.InterInt{Data: ints, Channels: 2, BitDepth: signal.BitDepth16}.AsFloat64(),
			Channels:   2,
			SampleRate: rate,
			Seq:        seq,
			Captured:   epoch.Add(signal.DurationOf(rate, int64(frames))),
		}
		frames += uint64(n / bytesPerSample)

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

		if err == io.ErrUnexpectedEOF {
			break
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

// Encoder writes mixed frames to an MP3 file. LAME is initialized on the
// first frame, whose rate and channel count fix the stream format; Flush
// finalizes the stream. An Encoder records one file and cannot be reused.
type Encoder struct {
	path    string
	bitRate int
	quality int

	mu       sync.Mutex
	file     *os.File
	writer   *lame.LameWriter
	rate     int
	channels int
	flushed  bool
}

var (
	_ mixbus.OutputSink = (*Encoder)(nil)
	_ mixbus.Flusher    = (*Encoder)(nil)
)

// NewEncoder returns an encoder writing to path. bitRate is in kbit/s,
// quality is the LAME quality knob 0..9 where lower is better. Zero values
// mean 192 kbit/s at quality 2.
func NewEncoder(path string, bitRate, quality int) *Encoder {
	if bitRate <= 0 {
		bitRate = 192
	}
	if quality <= 0 {
		quality = 2
	}
	return &Encoder{path: path, bitRate: bitRate, quality: quality}
}

// Write appends one frame. Every frame must carry the format of the first.
func (e *Encoder) Write(f mixbus.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushed {
		return fmt.Errorf("mp3: %s already finalized", e.path)
	}
	if e.writer == nil {
		file, err := os.Create(e.path)
		if err != nil {
			return fmt.Errorf("mp3: create: %w", err)
		}
		e.file = file
		e.writer = lame.NewWriter(file)
		e.writer.Encoder.SetBitrate(e.bitRate)
		e.writer.Encoder.SetQuality(e.quality)
		e.writer.Encoder.SetNumChannels(f.Channels)
		e.writer.Encoder.SetInSamplerate(f.SampleRate)
		e.writer.Encoder.SetMode(lame.JOINT_STEREO)
		e.writer.Encoder.SetVBR(lame.VBR_RH)
		e.writer.Encoder.InitParams()
		e.rate, e.channels = f.SampleRate, f.Channels
	}
	if f.Channels != e.channels || f.SampleRate != e.rate {
		return fmt.Errorf("mp3: %s: frame format %d/%d does not match stream format %d/%d",
			e.path, f.SampleRate, f.Channels, e.rate, e.channels)
	}

	ints := signal.AsInterInt(f.Samples, f.Channels, signal.BitDepth16)
	buf := make([]byte, 2*len(ints.Data))
	for i, v := range ints.Data {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(int16(v)))
	}
	if _, err := e.writer.Write(buf); err != nil {
		return fmt.Errorf("mp3: write %s: %w", e.path, err)
	}
	return nil
}

// Flush drains the LAME buffers and closes the file. An encoder that never
// saw a frame has no file to finalize.
func (e *Encoder) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushed || e.writer == nil {
		e.flushed = true
		return nil
	}
	e.flushed = true
	if err := e.writer.Close(); err != nil {
		e.file.Close()
		return fmt.Errorf("mp3: finalize %s: %w", e.path, err)
	}
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("mp3: close %s: %w", e.path, err)
	}
	return nil
}
