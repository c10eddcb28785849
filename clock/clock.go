// Package clock tracks per-stream timing. Each capture stream runs on its
// own hardware clock; the pipeline measures how far a stream's delivery
// cadence drifts from its nominal rate and feeds the estimate into the
// stream's resampler, keeping all streams aligned to the single pipeline
// clock without hard resets.
package clock

import (
	"sync"
	"sync/atomic"
	"time"
)

// driftThreshold is the relative interval deviation beyond which a
// correction is emitted.
const driftThreshold = 0.10

// Info is a snapshot of one stream's drift estimate.
type Info struct {
	DriftPPM       float64
	Samples        uint64
	LastCorrection time.Time
}

// Clock counts processed samples for one stream and estimates drift of the
// stream clock against the wall clock. Each worker owns its clock; no two
// writers share one.
type Clock struct {
	sampleRate int

	mu      sync.Mutex
	started time.Time
	samples uint64
	info    Info
}

// New returns a clock for a stream of the given nominal rate.
func New(sampleRate int) *Clock {
	return &Clock{sampleRate: sampleRate}
}

// Advance records processed frames and refreshes the drift estimate.
func (c *Clock) Advance(frames int) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started.IsZero() {
		c.started = now
	}
	c.samples += uint64(frames)

	elapsed := now.Sub(c.started).Seconds()
	if elapsed <= 0 {
		return
	}
	nominal := float64(c.samples) / float64(c.sampleRate)
	c.info = Info{
		DriftPPM:       (nominal - elapsed) / elapsed * 1e6,
		Samples:        c.samples,
		LastCorrection: now,
	}
}

// Info returns the current drift snapshot.
func (c *Clock) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// Reset clears the clock state.
func (c *Clock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = time.Time{}
	c.samples = 0
	c.info = Info{}
}

// Metrics counts the timing events of one stream.
type Metrics struct {
	Underruns   uint64
	Overruns    uint64
	Adjustments uint64
}

// Sync watches the delivery cadence of one stream. Devices deliver chunks
// of varying size, so the expected interval between two arrivals is derived
// from the previous chunk's frame count. A deviation above 10% is
// significant: it counts as an underrun or overrun and yields a ppm
// correction for the stream's resampler.
type Sync struct {
	sampleRate int

	last       time.Time
	lastFrames int

	underruns   atomic.Uint64
	overruns    atomic.Uint64
	adjustments atomic.Uint64
}

// NewSync returns a cadence tracker for a stream at sampleRate.
func NewSync(sampleRate int) *Sync {
	return &Sync{sampleRate: sampleRate}
}

// Tick records the arrival of a chunk of frames frames. It returns the ppm
// correction to apply and whether the deviation was significant. Tick is
// called by the owning worker only.
func (s *Sync) Tick(now time.Time, frames int) (ppm float64, significant bool) {
	if s.last.IsZero() || s.lastFrames < 1 {
		s.last = now
		s.lastFrames = frames
		return 0, false
	}
	expected := float64(s.lastFrames) / float64(s.sampleRate)
	interval := now.Sub(s.last).Seconds()
	s.last = now
	s.lastFrames = frames
	if expected <= 0 || interval <= 0 {
		return 0, false
	}

	deviation := (interval - expected) / expected
	if deviation > driftThreshold {
		s.underruns.Add(1)
	} else if deviation < -driftThreshold {
		s.overruns.Add(1)
	} else {
		return 0, false
	}
	s.adjustments.Add(1)
	return deviation * 1e6, true
}

// Reset clears the cadence reference, keeping the counters.
func (s *Sync) Reset() {
	s.last = time.Time{}
	s.lastFrames = 0
}

// Metrics returns the accumulated timing counters.
func (s *Sync) Metrics() Metrics {
	return Metrics{
		Underruns:   s.underruns.Load(),
		Overruns:    s.overruns.Load(),
		Adjustments: s.adjustments.Load(),
	}
}
