package pipeline

import "sync"

// HealthState is the liveness classification of a channel or sink.
type HealthState int

const (
	// Healthy means the last operation succeeded.
	Healthy HealthState = iota
	// Degraded means recent consecutive failures below the fault threshold.
	Degraded
	// Unhealthy means consecutive failures reached the fault threshold.
	Unhealthy
)

func (s HealthState) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// defaultFaultThreshold is the consecutive-failure count at which a channel
// or sink is reported Unhealthy and an input worker gives up pulling.
const defaultFaultThreshold = 5

// healthTracker counts consecutive failures for one channel or sink. Workers
// update it from their own goroutine, the manager reads snapshots from the
// control path.
type healthTracker struct {
	mu        sync.Mutex
	threshold int
	failures  int
	lastErr   error
}

func newHealthTracker(threshold int) *healthTracker {
	if threshold < 1 {
		threshold = defaultFaultThreshold
	}
	return &healthTracker{threshold: threshold}
}

// failure records one more consecutive failure and returns the resulting
// state.
func (t *healthTracker) failure(err error) HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures++
	t.lastErr = err
	return t.stateLocked()
}

// success resets the consecutive-failure count.
func (t *healthTracker) success() {
	t.mu.Lock()
	t.failures = 0
	t.lastErr = nil
	t.mu.Unlock()
}

func (t *healthTracker) state() HealthState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *healthTracker) snapshot() (HealthState, int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(), t.failures, t.lastErr
}

func (t *healthTracker) stateLocked() HealthState {
	switch {
	case t.failures == 0:
		return Healthy
	case t.failures < t.threshold:
		return Degraded
	default:
		return Unhealthy
	}
}

// ChannelHealth is the health snapshot of one input channel.
type ChannelHealth struct {
	ID       string
	Name     string
	State    HealthState
	Worker   WorkerState
	Failures int
	LastErr  string
	QueueLen int
	Drops    uint64
	DriftPPM float64
}

// SinkHealth is the health snapshot of one bound output sink.
type SinkHealth struct {
	ID       string
	State    HealthState
	Worker   WorkerState
	Failures int
	LastErr  string
	QueueLen int
	Drops    uint64
}

// Health is the pipeline-wide snapshot returned by Manager.Health.
type Health struct {
	Running bool
	// MixerDrops counts frames shed by the alignment stage since Start.
	MixerDrops uint64
	Channels   map[string]ChannelHealth
	Sinks      map[string]SinkHealth
}
