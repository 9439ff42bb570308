// Package otel provides OpenTelemetry integration for sequence execution
// messages.
package otel

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MissPeppermintPatty/taskolib"
)

// TracingHandler translates execution messages into OpenTelemetry spans: one
// root span per sequence run and one child span per step execution. It
// maintains maps of active run and step spans, creating and ending them based
// on message type.
type TracingHandler struct {
	tracer trace.Tracer

	mu        sync.RWMutex
	runSpans  map[string]trace.Span       // runID -> span
	runCtxs   map[string]context.Context  // runID -> context (for child spans)
	stepSpans map[string]trace.Span       // runID:stepIndex -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from execution messages.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:    tracer,
		runSpans:  make(map[string]trace.Span),
		runCtxs:   make(map[string]context.Context),
		stepSpans: make(map[string]trace.Span),
	}
}

// Handle processes a message and creates or ends spans accordingly. It
// implements taskolib.MessageHandler semantics.
func (h *TracingHandler) Handle(m taskolib.Message) {
	switch m.Type {
	case taskolib.MessageSequenceStarted:
		h.handleSequenceStarted(m)
	case taskolib.MessageStepStarted:
		h.handleStepStarted(m)
	case taskolib.MessageStepStopped:
		h.handleStepStopped(m, codes.Ok, "")
	case taskolib.MessageStepStoppedWithError:
		h.handleStepStopped(m, codes.Error, m.Text)
	case taskolib.MessageSequenceStopped:
		h.handleSequenceStopped(m, codes.Ok, "")
	case taskolib.MessageSequenceStoppedWithError:
		h.handleSequenceStopped(m, codes.Error, m.Text)
	}
}

// handleSequenceStarted creates a root span for the run.
func (h *TracingHandler) handleSequenceStarted(m taskolib.Message) {
	ctx, span := h.tracer.Start(context.Background(), "sequence:"+m.RunID,
		trace.WithAttributes(
			attribute.String("taskolib.run_id", m.RunID),
		),
		trace.WithTimestamp(m.Time),
	)

	h.mu.Lock()
	h.runSpans[m.RunID] = span
	h.runCtxs[m.RunID] = ctx
	h.mu.Unlock()
}

// handleStepStarted creates a child span under the run span.
func (h *TracingHandler) handleStepStarted(m taskolib.Message) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[m.RunID]
	h.mu.RUnlock()

	if !ok {
		// No parent run span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, fmt.Sprintf("step:%d", m.StepIndex),
		trace.WithAttributes(
			attribute.String("taskolib.run_id", m.RunID),
			attribute.Int("taskolib.step_index", m.StepIndex),
		),
		trace.WithTimestamp(m.Time),
	)

	h.mu.Lock()
	h.stepSpans[stepKey(m.RunID, m.StepIndex)] = span
	h.mu.Unlock()
}

// handleStepStopped ends the step span with the given status.
func (h *TracingHandler) handleStepStopped(m taskolib.Message, code codes.Code, errMsg string) {
	key := stepKey(m.RunID, m.StepIndex)

	h.mu.Lock()
	span, ok := h.stepSpans[key]
	if ok {
		delete(h.stepSpans, key)
	}
	h.mu.Unlock()

	if !ok {
		return
	}

	if code == codes.Error {
		if errMsg == "" {
			errMsg = "step failed"
		}
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(spanError(errMsg), trace.WithTimestamp(m.Time))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(m.Time))
}

// handleSequenceStopped ends the root run span. Any step spans that are still
// open (the sequence aborted mid-step) are closed too; if the run failed they
// get an error status carrying the message text, otherwise no status is set.
func (h *TracingHandler) handleSequenceStopped(m taskolib.Message, code codes.Code, errMsg string) {
	h.mu.Lock()
	span, ok := h.runSpans[m.RunID]
	if ok {
		delete(h.runSpans, m.RunID)
		delete(h.runCtxs, m.RunID)
	}
	var dangling []trace.Span
	for key, stepSpan := range h.stepSpans {
		if runOfStepKey(key) == m.RunID {
			dangling = append(dangling, stepSpan)
			delete(h.stepSpans, key)
		}
	}
	h.mu.Unlock()

	for _, stepSpan := range dangling {
		if code == codes.Error {
			stepSpan.SetStatus(codes.Error, errMsg)
		}
		stepSpan.End(trace.WithTimestamp(m.Time))
	}

	if !ok {
		return
	}

	if code == codes.Error {
		if errMsg == "" {
			errMsg = "sequence failed"
		}
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(m.Time))
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func stepKey(runID string, index int) string {
	return fmt.Sprintf("%s:%d", runID, index)
}

func runOfStepKey(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
