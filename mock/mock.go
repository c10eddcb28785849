// Package mock provides deterministic capture sources and recording sinks
// for pipeline tests and offline experiments.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/queue"
)

// Source produces a deterministic frame stream. Configure the fields before
// Start; the zero value produces nothing useful. Frames carry a synthetic
// capture timeline starting at Epoch, so several sources sharing an Epoch
// stay aligned regardless of delivery speed.
type Source struct {
	SampleRate int
	Channels   int
	// FrameLen is the per-channel sample count of each pushed frame.
	FrameLen int
	// Limit is the number of frames to deliver before closing the
	// destination. Zero means deliver until Stop.
	Limit int
	// Interval paces delivery. Zero pushes as fast as the queue accepts.
	Interval time.Duration
	// Value fills every sample unless Fn is set.
	Value float64
	// Fn, when set, generates the sample at absolute per-channel index i.
	Fn func(i int) float64
	// Epoch anchors the synthetic capture timeline. Zero means Start time.
	Epoch time.Time
	// StartErr, when set, is returned by Start without delivering anything.
	StartErr error

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	pushed  atomic.Uint64
}

// Start begins delivery into dst and returns immediately. Delivery runs
// until Limit frames are pushed, Stop is called or ctx is done. A full
// destination is retried, never shed. When Limit is reached, a destination
// with a Close method is closed, the way file sources signal their end.
func (s *Source) Start(ctx context.Context, dst mixbus.Pusher) error {
	if s.StartErr != nil {
		return s.StartErr
	}
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("mock: source already started")
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
	frameDur := time.Duration(s.FrameLen) * time.Second / time.Duration(s.SampleRate)

	for n := 0; s.Limit == 0 || n < s.Limit; n++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		samples := make([]float64, s.FrameLen*s.Channels)
		for i := range samples {
			if s.Fn != nil {
				samples[i] = s.Fn(n*s.FrameLen*s.Channels + i)
			} else {
				samples[i] = s.Value
			}
		}
		f := mixbus.Frame{
			Samples:    samples,
			Channels:   s.Channels,
			SampleRate: s.SampleRate,
			Seq:        uint64(n + 1),
			Captured:   epoch.Add(time.Duration(n) * frameDur),
		}

	push:
		for {
			switch err := dst.Push(f); err {
			case nil:
				s.pushed.Add(1)
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

		if s.Interval > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.Interval):
			}
		}
	}

	if c, ok := dst.(interface{ Close() }); ok {
		c.Close()
	}
}

// Stop ends delivery and waits for the delivery goroutine to exit. It is
// safe to call more than once and before Start.
func (s *Source) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	return nil
}

// Pushed returns the number of frames delivered so far.
func (s *Source) Pushed() uint64 {
	return s.pushed.Load()
}

// Sink records every written frame and can inject write failures.
type Sink struct {
	mu      sync.Mutex
	frames  []mixbus.Frame
	writes  int
	flushes int
	failN   int
	failErr error
	writeFn func(mixbus.Frame) error
}

// FailNext makes the next n writes return err.
func (s *Sink) FailNext(n int, err error) {
	s.mu.Lock()
	s.failN, s.failErr = n, err
	s.mu.Unlock()
}

// OnWrite installs a hook invoked for every incoming frame before it is
// recorded. A non-nil return fails the write.
func (s *Sink) OnWrite(fn func(mixbus.Frame) error) {
	s.mu.Lock()
	s.writeFn = fn
	s.mu.Unlock()
}

// Write records the frame, or fails it when a failure is pending.
func (s *Sink) Write(f mixbus.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.failN > 0 {
		s.failN--
		return s.failErr
	}
	if s.writeFn != nil {
		if err := s.writeFn(f); err != nil {
			return err
		}
	}
	s.frames = append(s.frames, f)
	return nil
}

// Flush counts finalization calls.
func (s *Sink) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

// Frames returns a copy of the recorded frames.
func (s *Sink) Frames() []mixbus.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mixbus.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Samples returns the recorded audio as one concatenated buffer.
func (s *Sink) Samples() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []float64
	for _, f := range s.frames {
		out = append(out, f.Samples...)
	}
	return out
}

// Writes returns the number of Write calls, failed ones included.
func (s *Sink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Flushes returns the number of Flush calls.
func (s *Sink) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}
