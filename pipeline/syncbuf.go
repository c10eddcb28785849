package pipeline

import (
	"sync"
	"time"

	"github.com/aukern/mixbus"
)

const (
	// alignWindow is the temporal window within which frames from different
	// channels are considered simultaneous and mixed into one cycle.
	alignWindow = 25 * time.Millisecond
	// maxPending bounds the frames buffered per channel while waiting for
	// alignment.
	maxPending = 10
	// staleAfter is how far a channel may lag behind the freshest stream
	// before its backlog is shed.
	staleAfter = 3 * alignWindow
)

// syncBuffer time-aligns the processed streams feeding the mix. Each channel
// keeps a short FIFO of frames keyed by capture time; a cycle mixes every
// head frame within the alignment window of the most-lagging stream, so a
// slow channel contributes silence instead of stalling the bus and a fast
// one waits its turn.
type syncBuffer struct {
	mu      sync.Mutex
	pending map[string][]mixbus.Frame
	drops   uint64
}

func newSyncBuffer() *syncBuffer {
	return &syncBuffer{pending: make(map[string][]mixbus.Frame)}
}

// put appends a frame to the channel's FIFO, evicting the oldest when the
// buffer is full. It returns the number of frames shed.
func (b *syncBuffer) put(id string, f mixbus.Frame) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.pending[id]
	dropped := 0
	for len(list) >= maxPending {
		list = list[1:]
		dropped++
	}
	b.pending[id] = append(list, f)
	b.drops += uint64(dropped)
	return dropped
}

// anchors returns the oldest and newest head timestamps across channels.
// ok is false when nothing is pending.
func (b *syncBuffer) anchors() (oldest, newest time.Time, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, list := range b.pending {
		if len(list) == 0 {
			continue
		}
		head := list[0].Captured
		if !ok {
			oldest, newest, ok = head, head, true
			continue
		}
		if head.Before(oldest) {
			oldest = head
		}
		if head.After(newest) {
			newest = head
		}
	}
	return oldest, newest, ok
}

// take pops the channel's head frame when it falls within the alignment
// window of the cycle reference. Heads lagging more than staleAfter behind
// the freshest stream are shed first.
func (b *syncBuffer) take(id string, oldest, newest time.Time) (mixbus.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.pending[id]
	for len(list) > 0 && newest.Sub(list[0].Captured) > staleAfter {
		list = list[1:]
		b.drops++
	}
	if len(list) == 0 {
		delete(b.pending, id)
		return mixbus.Frame{}, false
	}
	head := list[0]
	if head.Captured.After(oldest.Add(alignWindow)) {
		b.pending[id] = list
		return mixbus.Frame{}, false
	}
	if len(list) == 1 {
		delete(b.pending, id)
	} else {
		b.pending[id] = list[1:]
	}
	return head, true
}

// hasPending reports whether any channel has buffered frames.
func (b *syncBuffer) hasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, list := range b.pending {
		if len(list) > 0 {
			return true
		}
	}
	return false
}

// len reports the buffered frame count of one channel.
func (b *syncBuffer) len(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[id])
}

// retain drops the buffered frames of every channel not in keep.
func (b *syncBuffer) retain(keep map[string]bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.pending {
		if !keep[id] {
			delete(b.pending, id)
		}
	}
}

// totalDrops returns the number of frames shed by capacity or staleness.
func (b *syncBuffer) totalDrops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}
