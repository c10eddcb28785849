package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/log"
	"github.com/aukern/mixbus/observe"
	"github.com/aukern/mixbus/queue"
	"github.com/aukern/mixbus/resample"
)

// OutputConfig describes one output worker.
type OutputConfig struct {
	ID          string
	BusRate     int
	BusChannels int
	// SinkRate and SinkChannels describe the sink's native format. Zero
	// means the bus format.
	SinkRate     int
	SinkChannels int
	Quality      resample.Quality
	// PopTimeout bounds each wait on the sink queue.
	PopTimeout time.Duration
	// Retries is how many times a failed write is retried before the frame
	// is shed. The worker never terminates on write errors.
	Retries int
	// Backoff is the delay before the first retry, doubled per attempt.
	Backoff time.Duration

	Logger  log.Logger
	Meter   mixbus.MeteringSink
	Metrics *observe.Metrics
}

// OutputWorker delivers mixed frames from its queue to one sink, adapting
// the bus format to the sink's native rate and channel count. Write failures
// are retried with backoff and shed after Retries attempts; the worker stays
// up so a recovering sink resumes where the stream is, not where it failed.
type OutputWorker struct {
	cfg    OutputConfig
	logger log.Logger

	in   *queue.Queue
	sink mixbus.OutputSink
	conv resample.Converter

	health *healthTracker

	state   atomic.Int32
	started atomic.Bool
	done    chan struct{}
}

// NewOutputWorker builds a worker draining in to sink. The caller owns the
// queue and closes it to stop the worker after the in-flight frames are
// delivered.
func NewOutputWorker(cfg OutputConfig, in *queue.Queue, sink mixbus.OutputSink) (*OutputWorker, error) {
	if cfg.BusChannels != 1 && cfg.BusChannels != 2 {
		return nil, fmt.Errorf("pipeline: output %s: bus must be mono or stereo, got %d channels", cfg.ID, cfg.BusChannels)
	}
	if cfg.SinkRate == 0 {
		cfg.SinkRate = cfg.BusRate
	}
	if cfg.SinkChannels == 0 {
		cfg.SinkChannels = cfg.BusChannels
	}
	if cfg.SinkChannels != 1 && cfg.SinkChannels != 2 {
		return nil, fmt.Errorf("pipeline: output %s: sink must be mono or stereo, got %d channels", cfg.ID, cfg.SinkChannels)
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 10 * time.Millisecond
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}

	conv, err := resample.New(cfg.Quality, cfg.BusRate, cfg.SinkRate, cfg.SinkChannels)
	if err != nil {
		return nil, fmt.Errorf("pipeline: output %s: %w", cfg.ID, err)
	}
	return &OutputWorker{
		cfg:    cfg,
		logger: cfg.Logger.WithField("sink", cfg.ID),
		in:     in,
		sink:   sink,
		conv:   conv,
		done:   make(chan struct{}),
	}, nil
}

// ID returns the sink id the worker serves.
func (w *OutputWorker) ID() string { return w.cfg.ID }

// State returns the current lifecycle state.
func (w *OutputWorker) State() WorkerState { return WorkerState(w.state.Load()) }

// Done is closed when the worker goroutine has exited.
func (w *OutputWorker) Done() <-chan struct{} { return w.done }

// Run starts the worker goroutine. The returned channel carries the sink's
// flush error, if any, and is closed when the worker exits. Write failures
// never appear on it.
func (w *OutputWorker) Run(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	if !w.started.CompareAndSwap(false, true) {
		errc <- fmt.Errorf("pipeline: output %s: %w", w.cfg.ID, ErrAlreadyRunning)
		close(errc)
		return errc
	}
	w.setState(Running)
	go w.run(ctx, errc)
	return errc
}

func (w *OutputWorker) run(ctx context.Context, errc chan<- error) {
	defer close(errc)
	defer close(w.done)
	defer w.conv.Reset()

	for {
		select {
		case <-ctx.Done():
			w.setState(Draining)
			for {
				f, ok := w.in.Pop(0)
				if !ok {
					break
				}
				w.deliver(f)
			}
			w.finish(errc)
			return
		default:
		}

		f, ok := w.in.Pop(w.cfg.PopTimeout)
		if !ok {
			if w.in.Drained() {
				w.setState(Draining)
				w.finish(errc)
				return
			}
			continue
		}
		w.deliver(f)
	}
}

// finish flushes buffering sinks so recorders and encoders finalize their
// files on shutdown.
func (w *OutputWorker) finish(errc chan<- error) {
	if fl, ok := w.sink.(mixbus.Flusher); ok {
		if err := fl.Flush(); err != nil {
			w.logger.Errorf("flush: %v", err)
			errc <- fmt.Errorf("output %s: flush: %w", w.cfg.ID, err)
		}
	}
	w.setState(Stopped)
}

func (w *OutputWorker) deliver(f mixbus.Frame) {
	ctx := context.Background()
	w.cfg.Metrics.AddQueueDepth(ctx, "sink:"+w.cfg.ID, -1)

	samples := adaptChannels(f.Samples, f.Channels, w.cfg.SinkChannels)
	if samples == nil {
		w.logger.Warnf("%d-channel frame for a %d-channel sink, frame %d shed", f.Channels, w.cfg.SinkChannels, f.Seq)
		return
	}
	if w.conv.Ratio() != 1 {
		samples = w.conv.Convert(samples)
	}
	out := mixbus.Frame{
		Samples:    samples,
		Channels:   w.cfg.SinkChannels,
		SampleRate: w.cfg.SinkRate,
		Seq:        f.Seq,
		Captured:   f.Captured,
	}

	for attempt := 0; ; attempt++ {
		err := w.sink.Write(out)
		if err == nil {
			if w.health != nil {
				w.health.success()
			}
			w.cfg.Metrics.RecordFrames(ctx, "output", w.cfg.ID, 1)
			return
		}
		serr := &mixbus.SinkError{Sink: w.cfg.ID, Err: err}
		if w.health != nil {
			w.health.failure(serr)
		}
		w.cfg.Metrics.RecordSinkError(ctx, w.cfg.ID)
		if attempt == w.cfg.Retries {
			w.logger.Warnf("write failed after %d attempts, frame %d shed: %v", attempt+1, out.Seq, err)
			return
		}
		w.logger.Debugf("write failed, retrying: %v", err)
		time.Sleep(w.cfg.Backoff << uint(attempt))
	}
}

func (w *OutputWorker) setState(s WorkerState) {
	old := WorkerState(w.state.Swap(int32(s)))
	if old != s {
		w.logger.Debugf("%s -> %s", old, s)
	}
}
