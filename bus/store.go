package bus

import (
	"context"
	"time"

	"github.com/MissPeppermintPatty/taskolib"
)

// RunSummary condenses the message history of one sequence run. It is
// derived entirely from the sequence-level messages: sequence_started opens
// the run, sequence_stopped or sequence_stopped_with_error closes it.
type RunSummary struct {
	// RunID identifies the run.
	RunID string

	// Started is the time of the sequence_started message (zero if the
	// history begins mid-run).
	Started time.Time

	// Finished is the time of the terminal message. Zero while the run is
	// still going or if the history never recorded an end.
	Finished time.Time

	// Failed reports whether the run ended with
	// sequence_stopped_with_error.
	Failed bool

	// Error carries the text of the failure message, empty otherwise.
	Error string

	// Messages is the number of messages recorded for the run.
	Messages int
}

// HasFinished reports whether the run has a recorded terminal message.
func (s RunSummary) HasFinished() bool {
	return !s.Finished.IsZero()
}

// MessageStore keeps the message history of sequence runs.
type MessageStore interface {
	// Append records a message under its run.
	Append(ctx context.Context, m taskolib.Message) error

	// History returns the full ordered message history of a run.
	History(ctx context.Context, runID string) ([]taskolib.Message, error)

	// Tail returns the messages of a run with Seq > afterSeq, at most limit
	// of them (0 means no limit). It is the polling surface for observers
	// that resume from a known position.
	Tail(ctx context.Context, runID string, afterSeq uint64, limit int) ([]taskolib.Message, error)

	// Runs summarizes every recorded run, ordered by first appearance.
	Runs(ctx context.Context) ([]RunSummary, error)
}

// summarizeRun folds an ordered message history into a RunSummary.
func summarizeRun(runID string, history []taskolib.Message) RunSummary {
	s := RunSummary{RunID: runID, Messages: len(history)}
	for _, m := range history {
		switch m.Type {
		case taskolib.MessageSequenceStarted:
			s.Started = m.Time
		case taskolib.MessageSequenceStopped:
			s.Finished = m.Time
		case taskolib.MessageSequenceStoppedWithError:
			s.Finished = m.Time
			s.Failed = true
			s.Error = m.Text
		}
	}
	return s
}
