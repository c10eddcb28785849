package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/clock"
	"github.com/aukern/mixbus/effects"
	"github.com/aukern/mixbus/log"
	"github.com/aukern/mixbus/observe"
	"github.com/aukern/mixbus/queue"
)

// Input binds one processed stream into the mix.
type Input struct {
	ID    string
	Strip *Strip
	Queue *queue.Queue
	// Worker, when set, lets the mixer detect channel completion so offline
	// runs can finish. A nil worker is fine for realtime and test feeds.
	Worker *InputWorker
}

// Output is one fan-out target of the mixed master stream.
type Output struct {
	ID    string
	Queue *queue.Queue
}

// MixerConfig describes the master bus.
type MixerConfig struct {
	SampleRate int
	Channels   int
	FrameSize  int
	MasterGain float64
	// Offline makes Run mix as fast as input arrives instead of on the
	// wall-clock cadence, pacing cycles so every unfinished channel is
	// represented, and finishing once every bound worker has stopped.
	Offline bool

	Logger  log.Logger
	Meter   mixbus.MeteringSink
	Metrics *observe.Metrics
}

// Mixer sums the processed channel streams into the master bus and fans the
// bus out to one queue per sink. Structural changes through SetInputs and
// SetOutputs are observed at cycle boundaries only; parameter changes travel
// through each channel's Strip. One frame copy is pushed per sink, so queue
// consumers own their frames.
type Mixer struct {
	cfg    MixerConfig
	logger log.Logger

	inputs  atomic.Pointer[[]Input]
	outputs atomic.Pointer[[]Output]

	align      *syncBuffer
	limiter    *effects.Limiter
	clk        *clock.Clock
	masterBits atomic.Uint64
	seq        uint64

	started atomic.Bool
	done    chan struct{}
}

// NewMixer returns a mixer for the given bus format. A zero MasterGain means
// unity.
func NewMixer(cfg MixerConfig) (*Mixer, error) {
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("pipeline: mixer: bus must be mono or stereo, got %d channels", cfg.Channels)
	}
	if cfg.SampleRate < 1 {
		return nil, fmt.Errorf("pipeline: mixer: sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSize < 1 {
		return nil, fmt.Errorf("pipeline: mixer: frame size %d", cfg.FrameSize)
	}
	if cfg.MasterGain == 0 {
		cfg.MasterGain = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Discard()
	}

	m := &Mixer{
		cfg:     cfg,
		logger:  cfg.Logger.WithField("component", "mixer"),
		align:   newSyncBuffer(),
		limiter: effects.NewLimiter(cfg.SampleRate, cfg.Channels, 0),
		clk:     clock.New(cfg.SampleRate),
		done:    make(chan struct{}),
	}
	m.masterBits.Store(math.Float64bits(clampGain(cfg.MasterGain)))
	inputs := []Input{}
	outputs := []Output{}
	m.inputs.Store(&inputs)
	m.outputs.Store(&outputs)
	return m, nil
}

// SetInputs replaces the mixed channel set. The change takes effect at the
// next cycle; buffered frames of removed channels are discarded.
func (m *Mixer) SetInputs(inputs []Input) {
	set := make([]Input, len(inputs))
	copy(set, inputs)
	m.inputs.Store(&set)

	keep := make(map[string]bool, len(set))
	for i := range set {
		keep[set[i].ID] = true
	}
	m.align.retain(keep)
}

// SetOutputs replaces the fan-out set. The change takes effect at the next
// cycle. The caller closes the queues of removed sinks.
func (m *Mixer) SetOutputs(outputs []Output) {
	set := make([]Output, len(outputs))
	copy(set, outputs)
	m.outputs.Store(&set)
}

// SetMasterGain sets the master fader, clamped to [0, 4].
func (m *Mixer) SetMasterGain(gain float64) {
	m.masterBits.Store(math.Float64bits(clampGain(gain)))
}

// MasterGain returns the master fader value.
func (m *Mixer) MasterGain() float64 {
	return math.Float64frombits(m.masterBits.Load())
}

// ClockInfo returns the bus clock snapshot.
func (m *Mixer) ClockInfo() clock.Info { return m.clk.Info() }

// Drops returns the frames shed by the alignment buffer.
func (m *Mixer) Drops() uint64 { return m.align.totalDrops() }

// Done is closed when the mix loop has exited and the sink queues are
// closed.
func (m *Mixer) Done() <-chan struct{} { return m.done }

// Pending reports whether any channel has frames waiting to be mixed.
func (m *Mixer) Pending() bool {
	if m.align.hasPending() {
		return true
	}
	inputs := *m.inputs.Load()
	for i := range inputs {
		if inputs[i].Queue.Len() > 0 {
			return true
		}
	}
	return false
}

// fill moves ready frames from the channel queues into the alignment
// buffer, up to its per-channel bound.
func (m *Mixer) fill(ctx context.Context, inputs []Input) {
	for i := range inputs {
		in := &inputs[i]
		for m.align.len(in.ID) < maxPending {
			f, ok := in.Queue.Pop(0)
			if !ok {
				break
			}
			m.cfg.Metrics.AddQueueDepth(ctx, "processed:"+in.ID, -1)
			if dropped := m.align.put(in.ID, f); dropped > 0 {
				m.cfg.Metrics.RecordDrops(ctx, "align:"+in.ID, int64(dropped))
			}
		}
	}
}

// MixOnce runs one mix cycle: pull ready frames into the alignment buffer,
// sum the aligned heads under each strip's snapshot, apply master gain and
// the bus limiter, and fan the cycle's frame out to every sink queue. A
// cycle with no contributing channel emits exact silence. It reports whether
// any channel frame was consumed.
//
// MixOnce is not safe for concurrent use; Run is the only caller while the
// mixer is running.
func (m *Mixer) MixOnce() bool {
	start := time.Now()
	ctx := context.Background()
	inputs := *m.inputs.Load()
	outputs := *m.outputs.Load()

	m.fill(ctx, inputs)

	mix := make([]float64, m.cfg.FrameSize*m.cfg.Channels)
	contributed := 0
	if oldest, newest, ok := m.align.anchors(); ok {
		anySolo := false
		states := make([]StripState, len(inputs))
		for i := range inputs {
			states[i] = snapshotStrip(inputs[i].Strip)
			if states[i].Solo {
				anySolo = true
			}
		}

		for i := range inputs {
			in := &inputs[i]
			f, ok := m.align.take(in.ID, oldest, newest)
			if !ok {
				continue
			}
			contributed++
			if f.Channels != m.cfg.Channels {
				m.logger.Warnf("channel %s: %d-channel frame on a %d-channel bus, skipped", in.ID, f.Channels, m.cfg.Channels)
				continue
			}
			st := states[i]
			if st.Muted || (anySolo && !st.Solo) {
				continue
			}
			sumInto(mix, f.Samples, st, m.cfg.Channels)
		}

		if contributed > 0 {
			if g := m.MasterGain(); g != 1 {
				for i := range mix {
					mix[i] *= g
				}
			}
			m.limiter.Process(mix)
		}
	}

	m.seq++
	if m.cfg.Meter != nil {
		m.cfg.Meter.ProcessMasterAudio(mix)
	}
	for i := range outputs {
		out := &outputs[i]
		cp := make([]float64, len(mix))
		copy(cp, mix)
		f := mixbus.Frame{
			Samples:    cp,
			Channels:   m.cfg.Channels,
			SampleRate: m.cfg.SampleRate,
			Seq:        m.seq,
			Captured:   time.Now(),
		}
		for {
			err := out.Queue.Push(f)
			if err == nil {
				m.cfg.Metrics.AddQueueDepth(ctx, "sink:"+out.ID, 1)
				break
			}
			// An offline bounce keeps every frame: a full sink queue stalls
			// the mix until the writer catches up. Realtime sheds and moves
			// on, the drop hook has already counted it.
			if !m.cfg.Offline || err != queue.ErrFull {
				break
			}
		}
	}

	m.clk.Advance(m.cfg.FrameSize)
	m.cfg.Metrics.RecordFrames(ctx, "mix", "master", 1)
	m.cfg.Metrics.RecordMixDuration(ctx, time.Since(start))
	return contributed > 0
}

// Run drives mix cycles until ctx is done, then drains the pending frames
// and closes every sink queue. In offline mode it instead runs as fast as
// input arrives and returns once all bound workers have stopped.
func (m *Mixer) Run(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	if !m.started.CompareAndSwap(false, true) {
		errc <- fmt.Errorf("pipeline: mixer: %w", ErrAlreadyRunning)
		close(errc)
		return errc
	}
	go func() {
		defer close(errc)
		defer close(m.done)
		defer m.closeOutputs()

		if m.cfg.Offline {
			m.runOffline(ctx)
			return
		}
		interval := time.Second * time.Duration(m.cfg.FrameSize) / time.Duration(m.cfg.SampleRate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				for m.Pending() {
					m.MixOnce()
				}
				return
			case <-ticker.C:
				m.MixOnce()
			}
		}
	}()
	return errc
}

// runOffline mixes as fast as input arrives. It cycles only when every
// unfinished channel has a frame buffered, so a slow reader stalls the bus
// instead of being left behind, and no audio is shed as stale.
func (m *Mixer) runOffline(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for m.Pending() {
				m.MixOnce()
			}
			return
		default:
		}
		if m.alignReady() {
			m.MixOnce()
			continue
		}
		if m.inputsFinished() && !m.Pending() {
			return
		}
		time.Sleep(200 * time.Microsecond)
	}
}

// alignReady reports whether a cycle can run with every channel accounted
// for: each one has a head buffered or has finished with nothing left to
// deliver, and at least one head is buffered.
func (m *Mixer) alignReady() bool {
	inputs := *m.inputs.Load()
	m.fill(context.Background(), inputs)
	any := false
	for i := range inputs {
		in := &inputs[i]
		if m.align.len(in.ID) > 0 {
			any = true
			continue
		}
		if !workerFinished(in.Worker) || in.Queue.Len() > 0 {
			return false
		}
	}
	return any
}

// inputsFinished reports whether every bound worker has reached a terminal
// state. Inputs without a worker never finish.
func (m *Mixer) inputsFinished() bool {
	inputs := *m.inputs.Load()
	for i := range inputs {
		if !workerFinished(inputs[i].Worker) {
			return false
		}
	}
	return true
}

func (m *Mixer) closeOutputs() {
	outputs := *m.outputs.Load()
	for i := range outputs {
		outputs[i].Queue.Close()
	}
}

func workerFinished(w *InputWorker) bool {
	if w == nil {
		return false
	}
	s := w.State()
	return s == Stopped || s == Faulted
}

func snapshotStrip(s *Strip) StripState {
	if s == nil {
		return StripState{Gain: 1}
	}
	return s.Snapshot()
}

// sumInto adds a gain/pan-weighted frame into the mix buffer. On a stereo
// bus the pan law keeps the center at unity: left = gain*min(1, 1-pan),
// right = gain*min(1, 1+pan). A mono bus applies gain only.
func sumInto(dst, src []float64, st StripState, channels int) {
	n := len(src)
	if len(dst) < n {
		n = len(dst)
	}
	if channels == 2 {
		lg := st.Gain * math.Min(1, 1-st.Pan)
		rg := st.Gain * math.Min(1, 1+st.Pan)
		for i := 0; i+1 < n; i += 2 {
			dst[i] += src[i] * lg
			dst[i+1] += src[i+1] * rg
		}
		return
	}
	for i := 0; i < n; i++ {
		dst[i] += src[i] * st.Gain
	}
}
