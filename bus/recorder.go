package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/MissPeppermintPatty/taskolib"
)

// recorderPollInterval bounds how long the recorder sleeps between polls of
// an empty comm channel.
const recorderPollInterval = 5 * time.Millisecond

// RecorderConfig configures a Recorder. Both sinks are optional; a recorder
// with neither simply drains the comm channel.
type RecorderConfig struct {
	// Store receives every message for durable history. Persist failures
	// are logged, not fatal; the live feed keeps flowing.
	Store MessageStore

	// Feed receives every message for live observers.
	Feed *Feed

	// Logger reports persist failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Recorder drains a comm channel on a background goroutine and delivers each
// message to the configured store and feed, in comm-channel order. It is the
// glue between an executor (which only knows its comm channel) and the
// observer side of this package.
type Recorder struct {
	comm   *taskolib.CommChannel
	store  MessageStore
	feed   *Feed
	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewRecorder starts recording messages from comm.
func NewRecorder(comm *taskolib.CommChannel, cfg RecorderConfig) *Recorder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		comm:   comm,
		store:  cfg.Store,
		feed:   cfg.Feed,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)

	for {
		if m, ok := r.comm.TryRecv(); ok {
			r.deliver(m)
			continue
		}
		select {
		case <-r.stop:
			// Drain whatever is still queued before shutting down.
			for {
				m, ok := r.comm.TryRecv()
				if !ok {
					return
				}
				r.deliver(m)
			}
		case <-time.After(recorderPollInterval):
		}
	}
}

func (r *Recorder) deliver(m taskolib.Message) {
	if r.store != nil {
		if err := r.store.Append(context.Background(), m); err != nil {
			r.logger.Error("failed to persist message",
				"run_id", m.RunID,
				"type", m.Type,
				"seq", m.Seq,
				"error", err,
			)
		}
	}
	if r.feed != nil {
		r.feed.Publish(m)
	}
}

// Stop drains the remaining queued messages and stops the recorder. It does
// not close the feed or the store; those belong to the caller.
func (r *Recorder) Stop() {
	select {
	case <-r.stop:
		// Already stopped.
	default:
		close(r.stop)
	}
	<-r.done
}
