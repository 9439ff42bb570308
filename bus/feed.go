package bus

import (
	"context"
	"sync"

	"github.com/MissPeppermintPatty/taskolib"
)

// DefaultTapCapacity is the queue depth of a tap attached without an
// explicit capacity.
const DefaultTapCapacity = 256

// Feed fans execution messages out to any number of taps. Each tap has its
// own filter and its own bounded queue; publishing never blocks, and a tap
// that falls behind loses its oldest messages first (the comm channel's
// drop-oldest policy, applied per consumer).
type Feed struct {
	mu     sync.Mutex
	taps   map[*Tap]struct{}
	closed bool
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		taps: make(map[*Tap]struct{}),
	}
}

// Attach registers a new tap with the given filter. A capacity <= 0 selects
// DefaultTapCapacity. Attaching to a closed feed returns a tap that is
// already closed.
func (f *Feed) Attach(filter Filter, capacity int) *Tap {
	if capacity <= 0 {
		capacity = DefaultTapCapacity
	}
	t := &Tap{
		feed:     f,
		filter:   filter,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		t.closed = true
		return t
	}
	f.taps[t] = struct{}{}
	return t
}

// Publish offers a message to every attached tap whose filter matches.
// Publishing on a closed feed is a no-op.
func (f *Feed) Publish(m taskolib.Message) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	taps := make([]*Tap, 0, len(f.taps))
	for t := range f.taps {
		taps = append(taps, t)
	}
	f.mu.Unlock()

	for _, t := range taps {
		if t.filter.matches(m) {
			t.push(m)
		}
	}
}

// Close shuts down the feed and closes every attached tap. Queued messages
// remain readable until each tap is drained.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	taps := make([]*Tap, 0, len(f.taps))
	for t := range f.taps {
		taps = append(taps, t)
	}
	f.taps = make(map[*Tap]struct{})
	f.mu.Unlock()

	for _, t := range taps {
		t.markClosed()
	}
	return nil
}

// detach removes a tap from the feed.
func (f *Feed) detach(t *Tap) {
	f.mu.Lock()
	delete(f.taps, t)
	f.mu.Unlock()
}

// Tap is one consumer attached to a Feed. It is meant for a single reading
// goroutine; the feed side may push concurrently.
type Tap struct {
	feed     *Feed
	filter   Filter
	capacity int
	notify   chan struct{}

	mu      sync.Mutex
	queue   []taskolib.Message
	dropped uint64
	closed  bool
}

// push enqueues a message, evicting the oldest one if the queue is full.
func (t *Tap) push(m taskolib.Message) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if len(t.queue) >= t.capacity {
		t.queue = t.queue[1:]
		t.dropped++
	}
	t.queue = append(t.queue, m)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Next returns the next queued message, blocking until one arrives, the
// context is cancelled, or the tap is closed and drained.
func (t *Tap) Next(ctx context.Context) (taskolib.Message, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			m := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return m, nil
		}
		closed := t.closed
		t.mu.Unlock()

		if closed {
			return taskolib.Message{}, ErrTapClosed
		}

		select {
		case <-ctx.Done():
			return taskolib.Message{}, ctx.Err()
		case <-t.notify:
		}
	}
}

// TryNext returns the next queued message without blocking. The second
// return value is false if the queue is empty.
func (t *Tap) TryNext() (taskolib.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.queue) == 0 {
		return taskolib.Message{}, false
	}
	m := t.queue[0]
	t.queue = t.queue[1:]
	return m, true
}

// Dropped returns how many messages this tap lost to its bounded queue.
func (t *Tap) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Close detaches the tap from its feed. Queued messages remain readable via
// TryNext; Next returns ErrTapClosed once the queue is drained.
func (t *Tap) Close() {
	t.feed.detach(t)
	t.markClosed()
}

func (t *Tap) markClosed() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}
