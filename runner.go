package taskolib

import (
	"sync"
)

// AsyncRun is the handle to a sequence execution running on its own
// goroutine. The sequence and context passed to Start must not be touched by
// the caller until the run has finished.
type AsyncRun struct {
	comm *CommChannel
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Start launches Run on a new goroutine and returns a handle for observing
// and cancelling the execution. If comm is nil, a fresh comm channel is
// created so that Cancel and message draining work.
func (e *Executor) Start(seq *Sequence, runContext *Context, comm *CommChannel) *AsyncRun {
	if comm == nil {
		comm = NewCommChannel(0)
	}

	r := &AsyncRun{
		comm: comm,
		done: make(chan struct{}),
	}

	go func() {
		defer close(r.done)
		err := e.Run(seq, runContext, comm)
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()

	return r
}

// Comm returns the comm channel of this run, for draining messages or
// requesting termination directly.
func (r *AsyncRun) Comm() *CommChannel {
	return r.comm
}

// Running reports whether the execution goroutine is still active.
func (r *AsyncRun) Running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Cancel requests termination of the run. The running script observes the
// request at the next watchdog tick.
func (r *AsyncRun) Cancel() {
	r.comm.RequestTermination()
}

// Wait blocks until the run has finished and returns its error, if any.
func (r *AsyncRun) Wait() error {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Done returns a channel that is closed when the run has finished.
func (r *AsyncRun) Done() <-chan struct{} {
	return r.done
}
