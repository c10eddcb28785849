// Package queue provides the bounded frame transport between pipeline
// stages. Every queue connects exactly one producer to one consumer and
// carries frames in order. The overflow policy differs by pipeline side: an
// input queue blocks the producer briefly because a slow consumer can catch
// up, an output queue sheds the oldest frame because a slow sink must not
// stall real-time delivery.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aukern/mixbus"
)

var (
	// ErrFull is returned by Push when the queue stayed full for the whole
	// push timeout.
	ErrFull = errors.New("queue full")
	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("queue closed")
)

// Policy selects the overflow behavior of a queue.
type Policy int

const (
	// Block makes Push wait up to the push timeout for free capacity.
	Block Policy = iota
	// DropOldest makes Push evict the oldest queued frame and count the drop.
	DropOldest
)

const defaultPushTimeout = 5 * time.Millisecond

// Queue is a bounded, ordered frame channel between one producer and one
// consumer.
type Queue struct {
	frames      chan mixbus.Frame
	policy      Policy
	pushTimeout time.Duration
	onDrop      func()

	drops atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a queue.
type Option func(*Queue)

// WithPushTimeout sets how long a Block-policy Push waits for capacity.
func WithPushTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pushTimeout = d
		}
	}
}

// WithDropHook registers a callback invoked on every dropped frame. The
// callback runs on the producer's goroutine and must not block.
func WithDropHook(fn func()) Option {
	return func(q *Queue) {
		q.onDrop = fn
	}
}

// New returns a queue with fixed capacity and the given overflow policy.
func New(capacity int, policy Policy, options ...Option) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue{
		frames:      make(chan mixbus.Frame, capacity),
		policy:      policy,
		pushTimeout: defaultPushTimeout,
		done:        make(chan struct{}),
	}
	for _, option := range options {
		option(q)
	}
	return q
}

// Push enqueues a frame according to the queue policy. With Block it waits
// up to the push timeout and returns ErrFull on expiry. With DropOldest it
// never waits: it evicts the head frame to make room and records the drop.
func (q *Queue) Push(f mixbus.Frame) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	if q.policy == DropOldest {
		for {
			select {
			case q.frames <- f:
				return nil
			case <-q.done:
				return ErrClosed
			default:
			}
			select {
			case <-q.frames:
				q.drop()
			default:
			}
		}
	}

	select {
	case q.frames <- f:
		return nil
	case <-q.done:
		return ErrClosed
	case <-time.After(q.pushTimeout):
		q.drop()
		return ErrFull
	}
}

// Pop dequeues the next frame, waiting up to timeout. A timeout of zero or
// less makes Pop non-blocking. ok is false when no frame arrived.
func (q *Queue) Pop(timeout time.Duration) (f mixbus.Frame, ok bool) {
	select {
	case f = <-q.frames:
		return f, true
	default:
	}
	if timeout <= 0 {
		return mixbus.Frame{}, false
	}
	select {
	case f = <-q.frames:
		return f, true
	case <-q.done:
		// drain remainder before reporting closed
		select {
		case f = <-q.frames:
			return f, true
		default:
			return mixbus.Frame{}, false
		}
	case <-time.After(timeout):
		return mixbus.Frame{}, false
	}
}

// Close marks the queue closed. Pending frames remain poppable; the consumer
// observes Drained once they are gone. Close is safe to call multiple times.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Drained reports that the queue is closed and fully consumed.
func (q *Queue) Drained() bool {
	return q.Closed() && len(q.frames) == 0
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	return len(q.frames)
}

// Cap returns the fixed queue capacity.
func (q *Queue) Cap() int {
	return cap(q.frames)
}

// Drops returns the total number of frames shed by this queue.
func (q *Queue) Drops() uint64 {
	return q.drops.Load()
}

func (q *Queue) drop() {
	q.drops.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
}
