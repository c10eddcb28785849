package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/clock"
	"github.com/aukern/mixbus/effects"
	"github.com/aukern/mixbus/log"
	"github.com/aukern/mixbus/observe"
	"github.com/aukern/mixbus/queue"
	"github.com/aukern/mixbus/resample"
)

// WorkerState is the lifecycle state of a pipeline worker.
type WorkerState int32

const (
	// Idle means the worker was built but not started.
	Idle WorkerState = iota
	// Running means the worker is pulling frames.
	Running
	// Draining means the worker is flushing in-flight data after a stop.
	Draining
	// Stopped means the worker finished draining and exited.
	Stopped
	// Faulted means the worker gave up after repeated capture failures or a
	// frame invariant violation. Siblings keep running.
	Faulted
)

func (s WorkerState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

var errNoFrames = errors.New("no frames from capture")

// InputConfig describes one input worker.
type InputConfig struct {
	ID          string
	SourceRate  int
	BusRate     int
	BusChannels int
	// FrameSize is the fixed frame count of every emitted buffer.
	FrameSize int
	// OutCapacity is the processed-queue capacity in frames.
	OutCapacity int
	Quality     resample.Quality
	// PopTimeout bounds each wait on the capture queue.
	PopTimeout time.Duration
	// FaultAfter is the consecutive empty-pop count after which the worker
	// transitions to Faulted. Zero disables faulting, for offline feeds
	// whose producers legitimately pause.
	FaultAfter int
	// StartSeq seeds the output sequence so a restarted worker resumes
	// without duplication.
	StartSeq             uint64
	EQLow, EQMid, EQHigh float64
	// Bypass skips the chain's processing stages. The analyzer tap and the
	// metering feed stay active.
	Bypass bool
	// Lossless retries a full output queue instead of shedding the frame.
	// Offline runs set it so backpressure stalls the worker; realtime runs
	// must not, a stalled consumer there means dropping is correct.
	Lossless bool

	Logger  log.Logger
	Meter   mixbus.MeteringSink
	Metrics *observe.Metrics
}

// InputWorker owns one input channel: it pulls raw captured frames from its
// queue, adapts the channel count, resamples to the bus rate under drift
// correction, runs the channel's effects chain and emits fixed-size frames
// with a fresh monotonic sequence.
type InputWorker struct {
	cfg    InputConfig
	logger log.Logger

	in    *queue.Queue
	out   *queue.Queue
	conv  resample.Converter
	chain *effects.Chain
	sync  *clock.Sync
	clk   *clock.Clock

	health    *healthTracker
	mutations chan func()

	state   atomic.Int32
	seq     atomic.Uint64
	started atomic.Bool
	done    chan struct{}

	residual []float64
	srcRate  int
}

// NewInputWorker builds a worker reading raw frames from in. The worker owns
// its output queue, exposed by Out, and closes it when it exits.
func NewInputWorker(cfg InputConfig, in *queue.Queue) (*InputWorker, error) {
	if cfg.BusChannels != 1 && cfg.BusChannels != 2 {
		return nil, fmt.Errorf("pipeline: input %s: bus must be mono or stereo, got %d channels", cfg.ID, cfg.BusChannels)
	}
	if cfg.FrameSize < 1 {
		return nil, fmt.Errorf("pipeline: input %s: frame size %d", cfg.ID, cfg.FrameSize)
	}
	if cfg.OutCapacity < 1 {
		cfg.OutCapacity = 8
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}

	conv, err := resample.New(cfg.Quality, cfg.SourceRate, cfg.BusRate, cfg.BusChannels)
	if err != nil {
		return nil, fmt.Errorf("pipeline: input %s: %w", cfg.ID, err)
	}
	chain := effects.NewChain(cfg.BusRate, cfg.BusChannels)
	chain.SetBypass(cfg.Bypass)
	if cfg.EQLow != 0 || cfg.EQMid != 0 || cfg.EQHigh != 0 {
		chain.Equalizer().SetGains(cfg.EQLow, cfg.EQMid, cfg.EQHigh)
	}

	outOpts := []queue.Option{queue.WithDropHook(func() {
		cfg.Metrics.RecordDrops(context.Background(), "processed:"+cfg.ID, 1)
	})}
	if cfg.Lossless {
		// Lossless pushes are retried, not shed, so expiries are not drops.
		outOpts = []queue.Option{queue.WithPushTimeout(50 * time.Millisecond)}
	}
	w := &InputWorker{
		cfg:       cfg,
		logger:    cfg.Logger.WithField("channel", cfg.ID),
		in:        in,
		conv:      conv,
		chain:     chain,
		sync:      clock.NewSync(cfg.SourceRate),
		clk:       clock.New(cfg.SourceRate),
		out:       queue.New(cfg.OutCapacity, queue.Block, outOpts...),
		mutations: make(chan func(), 16),
		done:      make(chan struct{}),
		srcRate:   cfg.SourceRate,
	}
	w.seq.Store(cfg.StartSeq)
	return w, nil
}

// ID returns the channel id the worker serves.
func (w *InputWorker) ID() string { return w.cfg.ID }

// Out returns the processed-frame queue feeding the mixer.
func (w *InputWorker) Out() *queue.Queue { return w.out }

// State returns the current lifecycle state.
func (w *InputWorker) State() WorkerState { return WorkerState(w.state.Load()) }

// Seq returns the last emitted sequence number.
func (w *InputWorker) Seq() uint64 { return w.seq.Load() }

// ClockInfo returns the worker's stream clock snapshot.
func (w *InputWorker) ClockInfo() clock.Info { return w.clk.Info() }

// SyncMetrics returns the drift-correction counters.
func (w *InputWorker) SyncMetrics() clock.Metrics { return w.sync.Metrics() }

// Done is closed when the worker goroutine has exited.
func (w *InputWorker) Done() <-chan struct{} { return w.done }

// SetEQ queues an equalizer update. The worker applies it between frames so
// parameter changes never race the filter state.
func (w *InputWorker) SetEQ(lowDB, midDB, highDB float64) error {
	return w.mutate(func() { w.chain.Equalizer().SetGains(lowDB, midDB, highDB) })
}

// SetBypass queues a bypass toggle for the chain's processing stages.
func (w *InputWorker) SetBypass(bypass bool) error {
	return w.mutate(func() { w.chain.SetBypass(bypass) })
}

func (w *InputWorker) mutate(fn func()) error {
	select {
	case w.mutations <- fn:
		return nil
	default:
		return fmt.Errorf("pipeline: input %s: mutation backlog", w.cfg.ID)
	}
}

// Run starts the worker goroutine. The returned channel carries fatal errors
// and is closed when the worker exits. Transient starvation never appears on
// it; repeated starvation transitions the worker to Faulted instead.
func (w *InputWorker) Run(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	if !w.started.CompareAndSwap(false, true) {
		errc <- fmt.Errorf("pipeline: input %s: %w", w.cfg.ID, ErrAlreadyRunning)
		close(errc)
		return errc
	}
	w.setState(Running)
	go w.run(ctx, errc)
	return errc
}

func (w *InputWorker) run(ctx context.Context, errc chan<- error) {
	defer close(errc)
	defer close(w.done)
	defer w.out.Close()
	defer w.chain.Reset()
	defer w.conv.Reset()

	misses := 0
	for {
		w.applyMutations()

		select {
		case <-ctx.Done():
			w.drain()
			return
		default:
		}

		f, ok := w.in.Pop(w.cfg.PopTimeout)
		if !ok {
			if w.in.Drained() {
				w.drain()
				return
			}
			misses++
			if w.health != nil {
				w.health.failure(errNoFrames)
			}
			if w.cfg.FaultAfter > 0 && misses >= w.cfg.FaultAfter {
				w.logger.Errorf("no frames after %d reads, worker faulted", misses)
				w.setState(Faulted)
				return
			}
			continue
		}
		misses = 0
		if w.health != nil {
			w.health.success()
		}

		if err := w.process(f); err != nil {
			w.logger.Errorf("%v", err)
			w.setState(Faulted)
			errc <- fmt.Errorf("input %s: %w", w.cfg.ID, err)
			return
		}
	}
}

// drain finishes the in-flight buffer and stops. The trailing partial frame
// is padded with silence to keep the emitted frame size fixed.
func (w *InputWorker) drain() {
	w.setState(Draining)
	if len(w.residual) > 0 {
		stride := w.cfg.FrameSize * w.cfg.BusChannels
		chunk := make([]float64, stride)
		copy(chunk, w.residual)
		w.residual = w.residual[:0]
		w.emit(chunk, time.Now())
	}
	w.setState(Stopped)
}

func (w *InputWorker) process(f mixbus.Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("frame seq %d: %w", f.Seq, err)
	}
	if f.SampleRate != w.srcRate {
		w.logger.Warnf("source rate changed %d -> %d, rebuilding converter", w.srcRate, f.SampleRate)
		conv, err := resample.New(w.cfg.Quality, f.SampleRate, w.cfg.BusRate, w.cfg.BusChannels)
		if err != nil {
			return fmt.Errorf("rebuild converter: %w", err)
		}
		w.conv = conv
		w.sync = clock.NewSync(f.SampleRate)
		w.clk = clock.New(f.SampleRate)
		w.srcRate = f.SampleRate
	}

	w.clk.Advance(f.NumFrames())
	at := f.Captured
	if at.IsZero() {
		at = time.Now()
	}
	if ppm, significant := w.sync.Tick(at, f.NumFrames()); significant {
		w.conv.SetDrift(-ppm)
		w.logger.Debugf("drift %+.0f ppm, ratio %.6f", ppm, w.conv.Ratio())
		if ppm > 0 {
			w.cfg.Metrics.RecordUnderrun(context.Background(), w.cfg.ID)
		} else {
			w.cfg.Metrics.RecordOverrun(context.Background(), w.cfg.ID)
		}
		w.cfg.Metrics.RecordAdjustment(context.Background(), w.cfg.ID)
	}

	samples := adaptChannels(f.Samples, f.Channels, w.cfg.BusChannels)
	if samples == nil {
		return fmt.Errorf("frame seq %d: %d channels: %w", f.Seq, f.Channels, mixbus.ErrMalformedFrame)
	}
	if w.conv.Ratio() != 1 {
		samples = w.conv.Convert(samples)
	}

	w.residual = append(w.residual, samples...)
	stride := w.cfg.FrameSize * w.cfg.BusChannels
	for len(w.residual) >= stride {
		chunk := make([]float64, stride)
		copy(chunk, w.residual[:stride])
		n := copy(w.residual, w.residual[stride:])
		w.residual = w.residual[:n]
		w.emit(chunk, at)
	}
	return nil
}

func (w *InputWorker) emit(chunk []float64, captured time.Time) {
	w.chain.Process(chunk)
	if w.cfg.Meter != nil {
		w.cfg.Meter.ProcessChannelAudio(w.cfg.ID, chunk)
	}
	f := mixbus.Frame{
		Samples:    chunk,
		Channels:   w.cfg.BusChannels,
		SampleRate: w.cfg.BusRate,
		Seq:        w.seq.Add(1),
		Captured:   captured,
	}
	err := w.out.Push(f)
	for err == queue.ErrFull && w.cfg.Lossless {
		err = w.out.Push(f)
	}
	switch err {
	case nil:
		w.cfg.Metrics.RecordFrames(context.Background(), "input", w.cfg.ID, 1)
		w.cfg.Metrics.AddQueueDepth(context.Background(), "processed:"+w.cfg.ID, 1)
	case queue.ErrFull:
		w.logger.Debugf("processed queue full, frame %d shed", f.Seq)
	case queue.ErrClosed:
	}
}

func (w *InputWorker) applyMutations() {
	for {
		select {
		case fn := <-w.mutations:
			fn()
		default:
			return
		}
	}
}

func (w *InputWorker) setState(s WorkerState) {
	old := WorkerState(w.state.Swap(int32(s)))
	if old != s {
		w.logger.Debugf("%s -> %s", old, s)
	}
}

// adaptChannels converts interleaved samples between mono and stereo: mono
// is duplicated onto both sides, stereo is averaged down. It returns nil for
// any other conversion.
func adaptChannels(samples []float64, from, to int) []float64 {
	switch {
	case from == to:
		return samples
	case from == 1 && to == 2:
		out := make([]float64, len(samples)*2)
		for i, s := range samples {
			out[2*i], out[2*i+1] = s, s
		}
		return out
	case from == 2 && to == 1:
		out := make([]float64, len(samples)/2)
		for i := range out {
			out[i] = (samples[2*i] + samples[2*i+1]) / 2
		}
		return out
	default:
		return nil
	}
}
