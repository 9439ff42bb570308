package taskolib

import (
	"time"
)

// MessageType identifies the type of message emitted during execution.
type MessageType string

const (
	// MessageSequenceStarted is emitted when a sequence run begins.
	MessageSequenceStarted MessageType = "sequence_started"

	// MessageSequenceStopped is emitted when a sequence run completes cleanly.
	MessageSequenceStopped MessageType = "sequence_stopped"

	// MessageSequenceStoppedWithError is emitted when a sequence run ends with
	// an uncaught error or an abort.
	MessageSequenceStoppedWithError MessageType = "sequence_stopped_with_error"

	// MessageStepStarted is emitted when a step begins execution.
	MessageStepStarted MessageType = "step_started"

	// MessageStepStopped is emitted when a step completes.
	MessageStepStopped MessageType = "step_stopped"

	// MessageStepStoppedWithError is emitted when a step's script fails.
	MessageStepStoppedWithError MessageType = "step_stopped_with_error"
)

// String returns the string representation of the MessageType.
func (t MessageType) String() string {
	return string(t)
}

// SequenceMessageIndex is the StepIndex used for sequence-level messages,
// which are not associated with a single step.
const SequenceMessageIndex = -1

// Message is a structured record of what happened during execution. Messages
// are streamed to the observer through the CommChannel in program order.
type Message struct {
	// Type identifies the message type.
	Type MessageType

	// Text is a short human-readable description.
	Text string

	// Time is when the message was created.
	Time time.Time

	// StepIndex is the 0-based index of the step this message refers to, or
	// SequenceMessageIndex for sequence-level messages.
	StepIndex int

	// RunID identifies the execution this message belongs to. It is stamped
	// by the comm channel when a run begins.
	RunID string

	// Seq is a monotonically increasing number within one run, stamped by the
	// comm channel. It provides a total order for stores and observers.
	Seq uint64
}

// NewMessage creates a message of the given type with the current timestamp.
func NewMessage(t MessageType, runID string) Message {
	return Message{
		Type:      t,
		Time:      time.Now(),
		StepIndex: SequenceMessageIndex,
		RunID:     runID,
	}
}

// WithText sets the message text.
func (m Message) WithText(text string) Message {
	m.Text = text
	return m
}

// WithStepIndex sets the step index on the message.
func (m Message) WithStepIndex(index int) Message {
	m.StepIndex = index
	return m
}

// MessageHandler is a function type for handling messages. Implementations
// can log, store, or forward messages as needed.
type MessageHandler func(Message)

// MultiMessageHandler combines multiple handlers into one.
func MultiMessageHandler(handlers ...MessageHandler) MessageHandler {
	return func(m Message) {
		for _, h := range handlers {
			if h != nil {
				h(m)
			}
		}
	}
}

// ChannelMessageHandler returns a handler that sends messages to a channel.
// Messages are dropped if the channel is full.
func ChannelMessageHandler(ch chan<- Message) MessageHandler {
	return func(m Message) {
		select {
		case ch <- m:
		default:
			// Drop message if channel is full.
		}
	}
}

// sendMessage delivers a message to the comm channel. A nil channel skips
// sending.
func sendMessage(comm *CommChannel, m Message) {
	if comm != nil {
		comm.Send(m)
	}
}
