package taskolib

import (
	"sync"
	"sync/atomic"
)

// DefaultCommChannelCapacity is the message queue capacity used when
// NewCommChannel is called with a non-positive capacity.
const DefaultCommChannelCapacity = 256

// CommChannel carries asynchronous signals between a running executor and an
// external observer: a termination flag and a bounded queue of progress
// messages. It is safe for concurrent use; the executor is the only producer,
// while any number of goroutines may consume messages or request termination.
type CommChannel struct {
	terminate atomic.Bool

	mu    sync.Mutex
	msgs  chan Message
	runID string
	seq   atomic.Uint64
}

// NewCommChannel creates a comm channel whose message queue holds up to
// capacity messages. On overflow the oldest message is dropped so that the
// producer never blocks. A capacity <= 0 selects DefaultCommChannelCapacity.
func NewCommChannel(capacity int) *CommChannel {
	if capacity <= 0 {
		capacity = DefaultCommChannelCapacity
	}
	return &CommChannel{
		msgs: make(chan Message, capacity),
	}
}

// RequestTermination asks the executor to stop as soon as possible. The call
// is idempotent and lock-free; the running script observes it at the next
// watchdog tick. The flag stays set for the remainder of the execution.
func (c *CommChannel) RequestTermination() {
	c.terminate.Store(true)
}

// TerminationRequested reports whether termination has been requested.
func (c *CommChannel) TerminationRequested() bool {
	return c.terminate.Load()
}

// Send enqueues a message, stamping it with the next sequence number and, if
// it carries no run ID yet, with the current run ID. If the queue is full, the
// oldest message is dropped; the caller is never blocked.
func (c *CommChannel) Send(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.RunID == "" {
		m.RunID = c.runID
	}
	m.Seq = c.seq.Add(1)

	for {
		select {
		case c.msgs <- m:
			return
		default:
		}
		// Queue full: drop the oldest message and retry.
		select {
		case <-c.msgs:
		default:
		}
	}
}

// TryRecv returns the next queued message without blocking. The second return
// value is false if the queue is empty.
func (c *CommChannel) TryRecv() (Message, bool) {
	select {
	case m := <-c.msgs:
		return m, true
	default:
		return Message{}, false
	}
}

// Recv blocks until a message is available and returns it.
func (c *CommChannel) Recv() Message {
	return <-c.msgs
}

// Pending returns the number of queued messages.
func (c *CommChannel) Pending() int {
	return len(c.msgs)
}

// beginRun associates subsequent messages with the given run ID and restarts
// the per-run sequence numbering. Called by the executor at run entry.
func (c *CommChannel) beginRun(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runID = runID
	c.seq.Store(0)
}
