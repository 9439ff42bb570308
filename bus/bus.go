// Package bus carries execution messages from a running sequence to its
// observers. A Recorder drains the executor's comm channel and feeds two
// kinds of sinks: a Feed, which fans messages out live to filtered taps, and
// a MessageStore, which keeps the per-run history for later inspection.
//
// Delivery follows the same policy as the comm channel itself: a slow
// consumer never blocks a producer, the oldest queued message is dropped
// instead. Taps report how much they lost, so an observer can tell a gap
// from a quiet run.
package bus

import (
	"errors"

	"github.com/MissPeppermintPatty/taskolib"
)

// ErrTapClosed is returned by Tap.Next once the tap is closed and its queue
// is drained.
var ErrTapClosed = errors.New("tap closed")

// Filter selects which messages a tap receives. The zero value matches every
// message.
type Filter struct {
	// RunID restricts delivery to one run. Empty matches every run.
	RunID string

	// Types restricts delivery to the listed message types. Empty matches
	// every type.
	Types []taskolib.MessageType

	// StepsOnly drops sequence-level messages, leaving only the per-step
	// stream (step_started, step_stopped, step_stopped_with_error).
	StepsOnly bool
}

// matches reports whether the filter lets m through.
func (f Filter) matches(m taskolib.Message) bool {
	if f.RunID != "" && m.RunID != f.RunID {
		return false
	}
	if f.StepsOnly && m.StepIndex == taskolib.SequenceMessageIndex {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if m.Type == t {
			return true
		}
	}
	return false
}
