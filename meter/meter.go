// Package meter publishes channel and master bus levels. Three transports
// are provided: Events broadcasts through an event dispatcher, Chan feeds
// a buffered channel and drops when the consumer lags, Nop discards. All
// of them compute instantaneous per-buffer levels; the smoothed detectors
// live in the effect chain's analyzer.
package meter

import (
	"math"
	"sync"
	"time"

	"github.com/kelindar/event"

	"github.com/aukern/mixbus"
	"github.com/aukern/mixbus/effects"
)

// TypeLevel is the event type identifier for Level.
const TypeLevel uint32 = 1

// Level carries the measured levels of one buffer. ChannelID is empty for
// the master bus. Peak and RMS are in dBFS.
type Level struct {
	ChannelID string
	Peak      float64
	RMS       float64
	Time      time.Time
}

// Type returns the event type identifier for Level.
func (l Level) Type() uint32 { return TypeLevel }

func levelOf(channelID string, samples []float64) Level {
	var peak, sum float64
	for _, s := range samples {
		if a := math.Abs(s); a > peak {
			peak = a
		}
		sum += s * s
	}
	var rms float64
	if len(samples) > 0 {
		rms = math.Sqrt(sum / float64(len(samples)))
	}
	return Level{
		ChannelID: channelID,
		Peak:      effects.ToDB(peak),
		RMS:       effects.ToDB(rms),
		Time:      time.Now(),
	}
}

// Events broadcasts levels through a kelindar event dispatcher. Publishing
// never blocks the audio path; slow subscribers lag on their own buffers.
type Events struct {
	dispatcher *event.Dispatcher
}

var _ mixbus.MeteringSink = (*Events)(nil)

// NewEvents returns a dispatcher backed meter.
func NewEvents() *Events {
	return &Events{dispatcher: event.NewDispatcher()}
}

// Subscribe registers a level handler. The returned function unsubscribes.
func (m *Events) Subscribe(handler func(Level)) func() {
	return event.Subscribe(m.dispatcher, handler)
}

// ProcessChannelAudio publishes the level of one channel buffer.
func (m *Events) ProcessChannelAudio(channelID string, samples []float64) {
	event.Publish(m.dispatcher, levelOf(channelID, samples))
}

// ProcessMasterAudio publishes the level of one master buffer.
func (m *Events) ProcessMasterAudio(samples []float64) {
	event.Publish(m.dispatcher, levelOf("", samples))
}

// Chan feeds levels into a buffered channel. When the consumer lags the
// newest level is dropped, never the audio path.
type Chan struct {
	levels    chan Level
	closeOnce sync.Once
}

var _ mixbus.MeteringSink = (*Chan)(nil)

// NewChan returns a channel backed meter with the given buffer size.
func NewChan(buffer int) *Chan {
	if buffer < 1 {
		buffer = 1
	}
	return &Chan{levels: make(chan Level, buffer)}
}

// Levels returns the receive side. It is closed by Close.
func (m *Chan) Levels() <-chan Level { return m.levels }

// Close closes the level channel. No Process calls may follow.
func (m *Chan) Close() {
	m.closeOnce.Do(func() { close(m.levels) })
}

func (m *Chan) publish(l Level) {
	select {
	case m.levels <- l:
	default:
	}
}

// ProcessChannelAudio queues the level of one channel buffer.
func (m *Chan) ProcessChannelAudio(channelID string, samples []float64) {
	m.publish(levelOf(channelID, samples))
}

// ProcessMasterAudio queues the level of one master buffer.
func (m *Chan) ProcessMasterAudio(samples []float64) {
	m.publish(levelOf("", samples))
}

// Nop discards all levels.
type Nop struct{}

var _ mixbus.MeteringSink = Nop{}

// ProcessChannelAudio discards the buffer.
func (Nop) ProcessChannelAudio(string, []float64) {}

// ProcessMasterAudio discards the buffer.
func (Nop) ProcessMasterAudio([]float64) {}
