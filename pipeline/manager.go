// Package pipeline assembles the realtime mixing graph: one input worker per
// capture channel, a mixing layer summing the aligned streams onto the master
// bus, and one output worker per bound sink. A Manager owns the graph. Every
// mutation travels through one control goroutine and is applied between mix
// cycles, so the audio path never observes half-applied state and a slow or
// failing component never stalls its siblings.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/log"
	"github.com/aukern/mixbus/observe"
	"github.com/aukern/mixbus/queue"
	"github.com/aukern/mixbus/resample"
	"github.com/aukern/mixbus/store"
)

// Config describes the master bus the manager runs.
type Config struct {
	// SampleRate is the bus rate every input is resampled to. Default 48000.
	SampleRate int
	// Channels is the bus layout, 1 or 2. Default 2.
	Channels int
	// FrameSize is the fixed frame count of every mixed buffer. Default 480,
	// 10 ms at the default rate.
	FrameSize int
	// MasterGain is the initial master fader. Zero means unity.
	MasterGain float64
	// Offline switches the pipeline to bounce mode: sources are drained
	// losslessly as fast as they deliver, input faulting is disabled and the
	// mix finishes once every channel is exhausted. Wait blocks until then.
	Offline bool
}

// SourceFactory builds a capture source for a stored channel config. The
// manager uses it to restore persisted channels and to rebuild sources on
// restart.
type SourceFactory func(cfg store.ChannelConfig) (mixbus.CaptureSource, error)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by the manager and its workers.
func WithLogger(l log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMeter sets the metering sink fed by every channel tap and the master
// bus.
func WithMeter(meter mixbus.MeteringSink) Option {
	return func(m *Manager) { m.meter = meter }
}

// WithMetrics sets the metrics recorder. A nil recorder is valid and records
// nothing.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithStore sets the config store. Channel changes persist before they
// apply; a persistence failure fails the operation.
func WithStore(st store.Store) Option {
	return func(m *Manager) { m.st = st }
}

// WithSourceFactory sets the factory used by Restore and RestartChannel.
func WithSourceFactory(f SourceFactory) Option {
	return func(m *Manager) { m.factory = f }
}

// WithCaptureCapacity sets the capture queue depth in frames. Default 32.
func WithCaptureCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.captureCap = n
		}
	}
}

// WithProcessedCapacity sets the processed queue depth in frames. Default 8.
func WithProcessedCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.processedCap = n
		}
	}
}

// WithSinkCapacity sets the per-sink queue depth in frames. Default 16.
func WithSinkCapacity(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.sinkCap = n
		}
	}
}

// WithPushTimeout sets how long a capture push blocks when the queue is
// full. Default 5ms.
func WithPushTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pushTimeout = d
		}
	}
}

// WithPopTimeout sets how long workers wait per queue read. Default 10ms.
func WithPopTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.popTimeout = d
		}
	}
}

// WithResampleQuality sets the input resampler quality. Default Cubic.
func WithResampleQuality(q resample.Quality) Option {
	return func(m *Manager) { m.quality = q }
}

// WithFaultThreshold sets the consecutive-failure count at which a channel
// or sink is reported Unhealthy. Default 5.
func WithFaultThreshold(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.faultThreshold = n
		}
	}
}

// managed is the manager's record of one input channel. The capture queue
// and worker exist only while the channel is live; lastSeq and lastState
// carry over restarts.
type managed struct {
	cfg    store.ChannelConfig
	src    mixbus.CaptureSource
	strip  *Strip
	health *healthTracker

	lastSeq   uint64
	lastState WorkerState

	capQ   *queue.Queue
	worker *InputWorker
}

// boundSink is the manager's record of one output binding.
type boundSink struct {
	id     string
	cfg    OutputConfig
	sink   mixbus.OutputSink
	health *healthTracker

	lastState WorkerState

	q      *queue.Queue
	worker *OutputWorker
}

type command struct {
	apply func() error
	errc  chan error
}

// Manager owns the pipeline graph and serializes every mutation through its
// control loop. All exported methods are safe for concurrent use.
type Manager struct {
	logger  log.Logger
	meter   mixbus.MeteringSink
	metrics *observe.Metrics
	st      store.Store
	factory SourceFactory

	busCfg         Config
	captureCap     int
	processedCap   int
	sinkCap        int
	pushTimeout    time.Duration
	popTimeout     time.Duration
	quality        resample.Quality
	faultThreshold int

	commands  chan command
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	// Loop-confined state below. Only the control loop touches it, so no
	// lock is needed; commands are fully processed one at a time.
	running    bool
	closedFlag bool
	channels   map[string]*managed
	order      []string
	sinks      map[string]*boundSink
	sinkOrder  []string

	mixer          *Mixer
	mixerCancel    context.CancelFunc
	runCtx         context.Context
	runCancel      context.CancelFunc
	merger         *errorMerger
	runErr         error
	lastMixerDrops uint64
}

// NewManager returns a manager for the given bus config. The control loop
// runs until Close.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = 480
	}
	if cfg.MasterGain == 0 {
		cfg.MasterGain = 1
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, fmt.Errorf("pipeline: bus must be mono or stereo, got %d channels", cfg.Channels)
	}
	if cfg.SampleRate < 8000 || cfg.SampleRate > 192000 {
		return nil, fmt.Errorf("pipeline: bus sample rate %d out of range", cfg.SampleRate)
	}
	if cfg.FrameSize < 1 {
		return nil, fmt.Errorf("pipeline: frame size %d", cfg.FrameSize)
	}

	m := &Manager{
		logger:         log.Discard(),
		busCfg:         cfg,
		captureCap:     32,
		processedCap:   8,
		sinkCap:        16,
		pushTimeout:    5 * time.Millisecond,
		popTimeout:     10 * time.Millisecond,
		quality:        resample.Cubic,
		faultThreshold: defaultFaultThreshold,
		commands:       make(chan command),
		closed:         make(chan struct{}),
		channels:       make(map[string]*managed),
		sinks:          make(map[string]*boundSink),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.loop()
	return m, nil
}

// loop is the control goroutine. The commands channel is unbuffered, so a
// command is either fully processed and answered or never taken; there is no
// in-between after Close.
func (m *Manager) loop() {
	for {
		select {
		case cmd := <-m.commands:
			cmd.errc <- cmd.apply()
		case <-m.closed:
			return
		}
	}
}

func (m *Manager) do(fn func() error) error {
	cmd := command{apply: fn, errc: make(chan error, 1)}
	select {
	case m.commands <- cmd:
		return <-cmd.errc
	case <-m.closed:
		return ErrClosed
	}
}

// AddChannel registers an input channel and persists its config. An empty
// cfg.ID gets a generated id; a zero cfg.Gain means unity, use Muted for
// silence. With a nil src the configured source factory builds one. On a
// running pipeline the channel goes live immediately. It returns the
// channel id.
func (m *Manager) AddChannel(ctx context.Context, cfg store.ChannelConfig, src mixbus.CaptureSource) (string, error) {
	err := m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		if cfg.ID == "" {
			cfg.ID = mixbus.NewID()
		}
		if cfg.Gain == 0 {
			cfg.Gain = 1
		}
		cfg.Gain = clampGain(cfg.Gain)
		cfg.Pan = clampPan(cfg.Pan)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if _, ok := m.channels[cfg.ID]; ok {
			return fmt.Errorf("channel %s: %w", cfg.ID, ErrChannelExists)
		}
		if src == nil {
			if m.factory == nil {
				return fmt.Errorf("channel %s: %w", cfg.ID, ErrNoSource)
			}
			var err error
			if src, err = m.factory(cfg); err != nil {
				return fmt.Errorf("channel %s: build source: %w", cfg.ID, err)
			}
		}
		if err := m.persistLocked(ctx, cfg); err != nil {
			return err
		}

		ch := &managed{
			cfg:    cfg,
			src:    src,
			strip:  NewStrip(cfg.Gain, cfg.Pan, cfg.Muted, cfg.Solo),
			health: newHealthTracker(m.faultThreshold),
		}
		m.channels[cfg.ID] = ch
		m.order = append(m.order, cfg.ID)

		if m.running {
			if err := m.startChannelLocked(ch); err != nil {
				m.dropChannelLocked(cfg.ID)
				return err
			}
			m.rebuildInputsLocked()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// RemoveChannel stops a channel, discards its pending audio and deletes its
// persisted config.
func (m *Manager) RemoveChannel(ctx context.Context, id string) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		ch, ok := m.channels[id]
		if !ok {
			return fmt.Errorf("channel %s: %w", id, ErrChannelNotFound)
		}
		if m.st != nil {
			if err := m.st.DeleteChannelConfig(ctx, id); err != nil {
				return fmt.Errorf("channel %s: delete config: %w", id, err)
			}
		}
		m.stopChannelLocked(ch)
		m.dropChannelLocked(id)
		if m.running {
			m.rebuildInputsLocked()
		}
		return nil
	})
}

// RestartChannel tears one channel's worker down and brings it back with a
// fresh capture source when a factory is configured. The emitted sequence
// continues where it left off. The pipeline must be running.
func (m *Manager) RestartChannel(id string) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		if !m.running {
			return ErrNotRunning
		}
		ch, ok := m.channels[id]
		if !ok {
			return fmt.Errorf("channel %s: %w", id, ErrChannelNotFound)
		}
		err := m.restartChannelLocked(ch)
		m.rebuildInputsLocked()
		return err
	})
}

// SetGain sets a channel's fader gain, clamped to [0, 4], persisting first.
func (m *Manager) SetGain(ctx context.Context, id string, gain float64) error {
	return m.setParam(ctx, id, func(cfg *store.ChannelConfig) { cfg.Gain = clampGain(gain) })
}

// SetPan sets a channel's stereo position, clamped to [-1, 1], persisting
// first.
func (m *Manager) SetPan(ctx context.Context, id string, pan float64) error {
	return m.setParam(ctx, id, func(cfg *store.ChannelConfig) { cfg.Pan = clampPan(pan) })
}

// SetMute sets a channel's mute flag, persisting first.
func (m *Manager) SetMute(ctx context.Context, id string, muted bool) error {
	return m.setParam(ctx, id, func(cfg *store.ChannelConfig) { cfg.Muted = muted })
}

// SetSolo sets a channel's solo flag, persisting first. Any soloed channel
// silences every non-soloed one.
func (m *Manager) SetSolo(ctx context.Context, id string, solo bool) error {
	return m.setParam(ctx, id, func(cfg *store.ChannelConfig) { cfg.Solo = solo })
}

// SetEQ sets a channel's three-band equalizer gains in dB, persisting first.
func (m *Manager) SetEQ(ctx context.Context, id string, lowDB, midDB, highDB float64) error {
	return m.setParam(ctx, id, func(cfg *store.ChannelConfig) {
		cfg.EQ = store.EQ{Low: lowDB, Mid: midDB, High: highDB}
	})
}

func (m *Manager) setParam(ctx context.Context, id string, mutate func(*store.ChannelConfig)) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		ch, ok := m.channels[id]
		if !ok {
			return fmt.Errorf("channel %s: %w", id, ErrChannelNotFound)
		}
		cfg := ch.cfg
		mutate(&cfg)
		if err := m.persistLocked(ctx, cfg); err != nil {
			return err
		}
		ch.cfg = cfg
		return m.applyStripLocked(ch)
	})
}

// applyStripLocked pushes the channel's stored parameters to its strip and
// live worker.
func (m *Manager) applyStripLocked(ch *managed) error {
	ch.strip.SetGain(ch.cfg.Gain)
	ch.strip.SetPan(ch.cfg.Pan)
	ch.strip.SetMuted(ch.cfg.Muted)
	ch.strip.SetSolo(ch.cfg.Solo)
	if ch.worker != nil {
		if err := ch.worker.SetEQ(ch.cfg.EQ.Low, ch.cfg.EQ.Mid, ch.cfg.EQ.High); err != nil {
			return err
		}
	}
	return nil
}

// SetMasterGain sets the master fader, clamped to [0, 4]. It applies
// immediately and is not persisted.
func (m *Manager) SetMasterGain(gain float64) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		m.busCfg.MasterGain = clampGain(gain)
		if m.mixer != nil {
			m.mixer.SetMasterGain(gain)
		}
		return nil
	})
}

// MasterGain returns the master fader value.
func (m *Manager) MasterGain() float64 {
	var g float64
	_ = m.do(func() error {
		g = m.busCfg.MasterGain
		if m.mixer != nil {
			g = m.mixer.MasterGain()
		}
		return nil
	})
	return g
}

// Channels returns the registered channel configs in registration order.
func (m *Manager) Channels() []store.ChannelConfig {
	var configs []store.ChannelConfig
	_ = m.do(func() error {
		configs = make([]store.ChannelConfig, 0, len(m.order))
		for _, id := range m.order {
			configs = append(configs, m.channels[id].cfg)
		}
		return nil
	})
	return configs
}

// BindOutput fans the master bus out to sink behind its own drop-oldest
// queue, so a slow sink sheds frames instead of stalling the others. An
// empty id gets a generated one. Zero cfg values mean the bus format and
// linear resampling. It returns the sink id.
func (m *Manager) BindOutput(id string, sink mixbus.OutputSink, cfg OutputConfig) (string, error) {
	err := m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		if sink == nil {
			return fmt.Errorf("pipeline: bind %s: nil sink", id)
		}
		if id == "" {
			id = mixbus.NewID()
		}
		if _, ok := m.sinks[id]; ok {
			return fmt.Errorf("sink %s: %w", id, ErrSinkExists)
		}
		bs := &boundSink{
			id:     id,
			cfg:    cfg,
			sink:   sink,
			health: newHealthTracker(m.faultThreshold),
		}
		m.sinks[id] = bs
		m.sinkOrder = append(m.sinkOrder, id)

		if m.running {
			if err := m.startSinkLocked(bs); err != nil {
				m.dropSinkLocked(id)
				return err
			}
			m.rebuildOutputsLocked()
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UnbindOutput stops delivering to a sink after flushing the frames already
// queued for it.
func (m *Manager) UnbindOutput(id string) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		bs, ok := m.sinks[id]
		if !ok {
			return fmt.Errorf("sink %s: %w", id, ErrSinkNotFound)
		}
		m.dropSinkLocked(id)
		if m.running {
			m.rebuildOutputsLocked()
		}
		m.stopSinkLocked(bs)
		return nil
	})
}

// Restore loads the persisted channel configs and registers each through the
// source factory. Already-registered ids are left alone; a channel whose
// source cannot be built is logged and skipped.
func (m *Manager) Restore(ctx context.Context) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		if m.st == nil {
			return fmt.Errorf("pipeline: restore: no store configured")
		}
		if m.factory == nil {
			return fmt.Errorf("pipeline: restore: %w", ErrNoSource)
		}
		configs, err := m.st.LoadChannelConfigs(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: restore: %w", err)
		}
		for _, cfg := range configs {
			if _, ok := m.channels[cfg.ID]; ok {
				continue
			}
			src, err := m.factory(cfg)
			if err != nil {
				m.logger.Errorf("restore channel %s: %v", cfg.ID, err)
				continue
			}
			ch := &managed{
				cfg:    cfg,
				src:    src,
				strip:  NewStrip(cfg.Gain, cfg.Pan, cfg.Muted, cfg.Solo),
				health: newHealthTracker(m.faultThreshold),
			}
			m.channels[cfg.ID] = ch
			m.order = append(m.order, cfg.ID)
			if m.running {
				if err := m.startChannelLocked(ch); err != nil {
					m.logger.Errorf("restore channel %s: %v", cfg.ID, err)
					m.dropChannelLocked(cfg.ID)
				}
			}
		}
		if m.running {
			m.rebuildInputsLocked()
		}
		return nil
	})
}

// Reconcile applies an externally changed config snapshot, as delivered by a
// store watcher, without persisting it back. Parameter changes reach the
// strips and equalizers; device, rate or format changes restart the channel
// through the source factory; new ids are registered through it. Channels
// missing from the snapshot are left running.
func (m *Manager) Reconcile(configs []store.ChannelConfig) error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		var firstErr error
		for _, cfg := range configs {
			if err := m.reconcileOneLocked(cfg); err != nil {
				m.logger.Errorf("reconcile channel %s: %v", cfg.ID, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		if m.running {
			m.rebuildInputsLocked()
		}
		return firstErr
	})
}

func (m *Manager) reconcileOneLocked(cfg store.ChannelConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ch, ok := m.channels[cfg.ID]
	if !ok {
		if m.factory == nil {
			return ErrNoSource
		}
		src, err := m.factory(cfg)
		if err != nil {
			return err
		}
		ch = &managed{
			cfg:    cfg,
			src:    src,
			strip:  NewStrip(cfg.Gain, cfg.Pan, cfg.Muted, cfg.Solo),
			health: newHealthTracker(m.faultThreshold),
		}
		m.channels[cfg.ID] = ch
		m.order = append(m.order, cfg.ID)
		if m.running {
			return m.startChannelLocked(ch)
		}
		return nil
	}

	structural := ch.cfg.Device != cfg.Device ||
		ch.cfg.SampleRate != cfg.SampleRate ||
		ch.cfg.Format != cfg.Format
	ch.cfg = cfg
	if structural && m.running {
		return m.restartChannelLocked(ch)
	}
	return m.applyStripLocked(ch)
}

// Start brings the graph up: sink workers first so the mix has somewhere to
// go, then the mixer, then the input workers and their sources. A source
// that fails to start leaves its channel Degraded; everything else runs.
func (m *Manager) Start() error {
	return m.do(m.startLocked)
}

func (m *Manager) startLocked() error {
	if m.closedFlag {
		return ErrClosed
	}
	if m.running {
		return ErrAlreadyRunning
	}

	mixer, err := NewMixer(MixerConfig{
		SampleRate: m.busCfg.SampleRate,
		Channels:   m.busCfg.Channels,
		FrameSize:  m.busCfg.FrameSize,
		MasterGain: m.busCfg.MasterGain,
		Offline:    m.busCfg.Offline,
		Logger:     m.logger,
		Meter:      m.meter,
		Metrics:    m.metrics,
	})
	if err != nil {
		return err
	}

	m.runCtx, m.runCancel = context.WithCancel(context.Background())
	var mixerCtx context.Context
	mixerCtx, m.mixerCancel = context.WithCancel(context.Background())
	m.mixer = mixer
	m.merger = newErrorMerger()
	m.runErr = nil
	m.lastMixerDrops = 0
	m.running = true

	for _, id := range m.sinkOrder {
		if err := m.startSinkLocked(m.sinks[id]); err != nil {
			m.logger.Errorf("start sink %s: %v", id, err)
			m.sinks[id].health.failure(err)
		}
	}
	m.rebuildOutputsLocked()

	// Workers and the input set go up before the mixer so an offline run
	// cannot observe an empty pipeline and finish early. Sources start last,
	// once every stage downstream of them is consuming.
	for _, id := range m.order {
		ch := m.channels[id]
		if err := m.startWorkerLocked(ch); err != nil {
			m.logger.Errorf("start channel %s: %v", id, err)
			ch.health.failure(err)
		}
	}
	m.rebuildInputsLocked()
	m.merger.add(m.mixer.Run(mixerCtx))
	for _, id := range m.order {
		m.startSourceLocked(m.channels[id])
	}

	m.logger.Infof("pipeline started: %d channels, %d sinks, %d Hz %d-channel bus",
		len(m.order), len(m.sinkOrder), m.busCfg.SampleRate, m.busCfg.Channels)
	return nil
}

// Stop tears the graph down in stream order: sources first, then the input
// workers drain, the mixer drains, and the sink workers flush. It returns
// the first error any component reported while running.
func (m *Manager) Stop() error {
	return m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		return m.stopLocked()
	})
}

func (m *Manager) stopLocked() error {
	if !m.running {
		return ErrNotRunning
	}
	for _, id := range m.order {
		m.stopChannelLocked(m.channels[id])
	}
	m.mixerCancel()
	<-m.mixer.Done()
	for _, id := range m.sinkOrder {
		m.stopSinkLocked(m.sinks[id])
	}
	err := m.merger.wait()
	m.lastMixerDrops = m.mixer.Drops()
	m.runErr = err
	m.runCancel()
	m.mixer = nil
	m.merger = nil
	m.runCtx, m.runCancel, m.mixerCancel = nil, nil, nil
	m.running = false
	m.logger.Infof("pipeline stopped")
	return err
}

// Wait blocks until the mix finishes on its own, which offline mode does
// when every channel is exhausted, then tears the graph down and returns
// the run's first error. Realtime pipelines finish only via Stop or a
// faulting mixer, so Wait there is bounded by ctx.
func (m *Manager) Wait(ctx context.Context) error {
	var done <-chan struct{}
	if err := m.do(func() error {
		if m.closedFlag {
			return ErrClosed
		}
		if !m.running {
			return ErrNotRunning
		}
		done = m.mixer.Done()
		return nil
	}); err != nil {
		return err
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.do(func() error {
		if m.running {
			return m.stopLocked()
		}
		return m.runErr
	})
}

// Health returns a point-in-time snapshot of every channel and sink.
func (m *Manager) Health() Health {
	h := Health{
		Channels: make(map[string]ChannelHealth),
		Sinks:    make(map[string]SinkHealth),
	}
	_ = m.do(func() error {
		h.Running = m.running
		h.MixerDrops = m.lastMixerDrops
		if m.mixer != nil {
			h.MixerDrops = m.mixer.Drops()
		}
		for id, ch := range m.channels {
			state, failures, lastErr := ch.health.snapshot()
			chh := ChannelHealth{
				ID:       id,
				Name:     ch.cfg.Name,
				State:    state,
				Worker:   ch.lastState,
				Failures: failures,
			}
			if lastErr != nil {
				chh.LastErr = lastErr.Error()
			}
			if ch.worker != nil {
				chh.Worker = ch.worker.State()
				chh.QueueLen = ch.capQ.Len()
				chh.Drops = ch.capQ.Drops()
				chh.DriftPPM = ch.worker.ClockInfo().DriftPPM
			}
			h.Channels[id] = chh
		}
		for id, bs := range m.sinks {
			state, failures, lastErr := bs.health.snapshot()
			sh := SinkHealth{
				ID:       id,
				State:    state,
				Worker:   bs.lastState,
				Failures: failures,
			}
			if lastErr != nil {
				sh.LastErr = lastErr.Error()
			}
			if bs.worker != nil {
				sh.Worker = bs.worker.State()
				sh.QueueLen = bs.q.Len()
				sh.Drops = bs.q.Drops()
			}
			h.Sinks[id] = sh
		}
		return nil
	})
	return h
}

// Close stops the pipeline if it is running and shuts the control loop
// down. Every later operation returns ErrClosed. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeErr = m.do(func() error {
			var err error
			if m.running {
				err = m.stopLocked()
			}
			m.closedFlag = true
			return err
		})
		close(m.closed)
	})
	return m.closeErr
}

// faultWindow is how long a realtime input worker tolerates total capture
// starvation before it faults. Health reports Unhealthy much sooner; the
// window keeps slow device opens from killing a channel at startup.
const faultWindow = 5 * time.Second

// startChannelLocked brings one channel fully live: worker first, then its
// source. A source start failure leaves the worker running on an empty
// queue and the channel Degraded.
func (m *Manager) startChannelLocked(ch *managed) error {
	if err := m.startWorkerLocked(ch); err != nil {
		return err
	}
	m.startSourceLocked(ch)
	return nil
}

// startWorkerLocked builds the channel's capture queue and worker and runs
// the worker.
func (m *Manager) startWorkerLocked(ch *managed) error {
	id := ch.cfg.ID
	capQ := queue.New(m.captureCap, queue.Block,
		queue.WithPushTimeout(m.pushTimeout),
		queue.WithDropHook(func() {
			m.metrics.RecordDrops(context.Background(), "capture:"+id, 1)
		}),
	)
	faultAfter := 0
	if !m.busCfg.Offline {
		faultAfter = int(faultWindow / m.popTimeout)
	}
	w, err := NewInputWorker(InputConfig{
		ID:          id,
		SourceRate:  ch.cfg.SampleRate,
		BusRate:     m.busCfg.SampleRate,
		BusChannels: m.busCfg.Channels,
		FrameSize:   m.busCfg.FrameSize,
		OutCapacity: m.processedCap,
		Quality:     m.quality,
		PopTimeout:  m.popTimeout,
		FaultAfter:  faultAfter,
		StartSeq:    ch.lastSeq,
		EQLow:       ch.cfg.EQ.Low,
		EQMid:       ch.cfg.EQ.Mid,
		EQHigh:      ch.cfg.EQ.High,
		Lossless:    m.busCfg.Offline,
		Logger:      m.logger,
		Meter:       m.meter,
		Metrics:     m.metrics,
	}, capQ)
	if err != nil {
		return err
	}
	w.health = ch.health
	ch.capQ, ch.worker = capQ, w
	m.merger.add(w.Run(m.runCtx))
	m.metrics.AddActiveChannels(context.Background(), 1)
	return nil
}

func (m *Manager) startSourceLocked(ch *managed) {
	if ch.worker == nil {
		return
	}
	if err := ch.src.Start(m.runCtx, ch.capQ); err != nil {
		ch.health.failure(err)
		m.logger.Errorf("channel %s: source start: %v", ch.cfg.ID, err)
	}
}

// stopChannelLocked stops the source, closes the capture queue and waits for
// the worker to drain. The last sequence number carries into the next start.
func (m *Manager) stopChannelLocked(ch *managed) {
	if ch.worker == nil {
		return
	}
	if err := ch.src.Stop(); err != nil {
		m.logger.Warnf("channel %s: source stop: %v", ch.cfg.ID, err)
	}
	ch.capQ.Close()
	<-ch.worker.Done()
	ch.lastSeq = ch.worker.Seq()
	ch.lastState = ch.worker.State()
	ch.capQ, ch.worker = nil, nil
	m.metrics.AddActiveChannels(context.Background(), -1)
}

func (m *Manager) restartChannelLocked(ch *managed) error {
	m.stopChannelLocked(ch)
	if m.factory != nil {
		src, err := m.factory(ch.cfg)
		if err != nil {
			return fmt.Errorf("channel %s: rebuild source: %w", ch.cfg.ID, err)
		}
		ch.src = src
	}
	ch.health = newHealthTracker(m.faultThreshold)
	if err := m.startChannelLocked(ch); err != nil {
		return err
	}
	return m.applyStripLocked(ch)
}

func (m *Manager) startSinkLocked(bs *boundSink) error {
	id := bs.id
	// Realtime sinks shed their oldest frame to protect the delivery
	// deadline; an offline bounce has no deadline and must keep every frame,
	// so its queues block the mixer instead.
	policy := queue.DropOldest
	if m.busCfg.Offline {
		policy = queue.Block
	}
	q := queue.New(m.sinkCap, policy,
		queue.WithDropHook(func() {
			m.metrics.RecordDrops(context.Background(), "sink:"+id, 1)
		}),
	)
	cfg := bs.cfg
	cfg.ID = id
	cfg.BusRate = m.busCfg.SampleRate
	cfg.BusChannels = m.busCfg.Channels
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = m.popTimeout
	}
	cfg.Logger = m.logger
	cfg.Meter = m.meter
	cfg.Metrics = m.metrics
	w, err := NewOutputWorker(cfg, q, bs.sink)
	if err != nil {
		return err
	}
	w.health = bs.health
	bs.q, bs.worker = q, w
	m.merger.add(w.Run(m.runCtx))
	return nil
}

// stopSinkLocked closes the sink queue and waits for the worker to deliver
// what is left and flush.
func (m *Manager) stopSinkLocked(bs *boundSink) {
	if bs.worker == nil {
		return
	}
	bs.q.Close()
	<-bs.worker.Done()
	bs.lastState = bs.worker.State()
	bs.q, bs.worker = nil, nil
}

func (m *Manager) dropChannelLocked(id string) {
	delete(m.channels, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Manager) dropSinkLocked(id string) {
	delete(m.sinks, id)
	for i, v := range m.sinkOrder {
		if v == id {
			m.sinkOrder = append(m.sinkOrder[:i], m.sinkOrder[i+1:]...)
			break
		}
	}
}

// rebuildInputsLocked publishes the live channel set to the mixer.
func (m *Manager) rebuildInputsLocked() {
	if m.mixer == nil {
		return
	}
	inputs := make([]Input, 0, len(m.order))
	for _, id := range m.order {
		ch := m.channels[id]
		if ch.worker == nil {
			continue
		}
		inputs = append(inputs, Input{
			ID:     id,
			Strip:  ch.strip,
			Queue:  ch.worker.Out(),
			Worker: ch.worker,
		})
	}
	m.mixer.SetInputs(inputs)
}

// rebuildOutputsLocked publishes the live sink set to the mixer.
func (m *Manager) rebuildOutputsLocked() {
	if m.mixer == nil {
		return
	}
	outputs := make([]Output, 0, len(m.sinkOrder))
	for _, id := range m.sinkOrder {
		bs := m.sinks[id]
		if bs.worker == nil {
			continue
		}
		outputs = append(outputs, Output{ID: id, Queue: bs.q})
	}
	m.mixer.SetOutputs(outputs)
}

func (m *Manager) persistLocked(ctx context.Context, cfg store.ChannelConfig) error {
	if m.st == nil {
		return nil
	}
	if _, err := m.st.SaveChannelConfig(ctx, cfg); err != nil {
		return fmt.Errorf("channel %s: persist: %w", cfg.ID, err)
	}
	return nil
}
