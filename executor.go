package taskolib

import (
	"github.com/google/uuid"
)

// Executor interprets a validated sequence as control flow over its step
// stream, driving the individual step executions. Execution is synchronous
// and single-threaded; use Start for detached runs.
type Executor struct{}

// NewExecutor creates an executor.
func NewExecutor() *Executor {
	return &Executor{}
}

// execFrame is one open block on the executor's control stack.
type execFrame struct {
	kind     blockKind
	headerIP int
	level    int
	taken    bool // IF chains: a branch body has been entered
	caught   bool // TRY frames: the catch handler has already been dispatched
}

// Run executes the sequence under the given context, streaming progress
// messages through comm (which may be nil). It fails fast if the sequence has
// an indentation error; that error is returned before any message is sent.
//
// Step errors are either caught by an enclosing TRY block or terminate the
// sequence; abort errors (termination request, timeout) always terminate.
// Any error that ends a started run has been reported with a
// MessageSequenceStoppedWithError message.
func (e *Executor) Run(seq *Sequence, runContext *Context, comm *CommChannel) error {
	if err := seq.CheckCorrectnessOfSteps(); err != nil {
		return err
	}

	runID := uuid.NewString()
	if comm != nil {
		comm.beginRun(runID)
	}

	sendMessage(comm, NewMessage(MessageSequenceStarted, runID).
		WithText("Sequence started"))

	if err := e.interpret(seq, runContext, comm); err != nil {
		sendMessage(comm, NewMessage(MessageSequenceStoppedWithError, runID).
			WithText(err.Error()))
		return err
	}

	sendMessage(comm, NewMessage(MessageSequenceStopped, runID).
		WithText("Sequence finished"))
	return nil
}

// interpret consumes the step list with an instruction pointer and a control
// stack.
func (e *Executor) interpret(seq *Sequence, runContext *Context, comm *CommChannel) error {
	steps := seq.steps
	ip := 0
	var stack []execFrame

	// handle routes a step error to the innermost eligible TRY frame, or
	// reports it as fatal. It returns the new instruction pointer when the
	// error was caught.
	handle := func(err error) (int, bool) {
		if IsAbortError(err) {
			return 0, false
		}
		for i := len(stack) - 1; i >= 0; i-- {
			fr := stack[i]
			if fr.kind != blockTry || fr.caught {
				continue
			}
			catchIP := findInBlock(steps, fr.headerIP+1, fr.level, StepTypeCatch)
			if catchIP >= len(steps) {
				continue
			}
			stack = stack[:i+1]
			stack[i].caught = true
			runContext.Variables.Set(ErrorMessageVariable, StringValue(err.Error()))
			return catchIP + 1, true
		}
		return 0, false
	}

	for ip < len(steps) {
		if comm != nil && comm.TerminationRequested() {
			return &AbortError{Reason: "Sequence aborted: Stop on user request"}
		}

		st := &steps[ip]
		switch st.typ {
		case StepTypeAction:
			if _, err := st.Execute(runContext, comm, ip); err != nil {
				if next, caught := handle(err); caught {
					ip = next
					continue
				}
				return err
			}
			ip++

		case StepTypeIf:
			res, err := st.Execute(runContext, comm, ip)
			if err != nil {
				if next, caught := handle(err); caught {
					ip = next
					continue
				}
				return err
			}
			stack = append(stack, execFrame{
				kind:     blockIf,
				headerIP: ip,
				level:    st.indentationLevel,
				taken:    res,
			})
			if res {
				ip++
			} else {
				ip = findInBlock(steps, ip+1, st.indentationLevel,
					StepTypeElseIf, StepTypeElse, StepTypeEnd)
			}

		case StepTypeElseIf:
			top := &stack[len(stack)-1]
			if top.taken {
				// A previous branch ran; skip to the matching END.
				ip = findInBlock(steps, ip+1, top.level, StepTypeEnd)
				continue
			}
			res, err := st.Execute(runContext, comm, ip)
			if err != nil {
				if next, caught := handle(err); caught {
					ip = next
					continue
				}
				return err
			}
			if res {
				top.taken = true
				ip++
			} else {
				ip = findInBlock(steps, ip+1, top.level,
					StepTypeElseIf, StepTypeElse, StepTypeEnd)
			}

		case StepTypeElse:
			top := &stack[len(stack)-1]
			if top.taken {
				ip = findInBlock(steps, ip+1, top.level, StepTypeEnd)
			} else {
				top.taken = true
				ip++
			}

		case StepTypeWhile:
			res, err := st.Execute(runContext, comm, ip)
			if err != nil {
				if next, caught := handle(err); caught {
					ip = next
					continue
				}
				return err
			}
			if res {
				stack = append(stack, execFrame{
					kind:     blockWhile,
					headerIP: ip,
					level:    st.indentationLevel,
				})
				ip++
			} else {
				// Skip the whole loop body; no frame was pushed.
				endIP := findInBlock(steps, ip+1, st.indentationLevel, StepTypeEnd)
				if endIP < len(steps) {
					ip = endIP + 1
				} else {
					ip = endIP
				}
			}

		case StepTypeTry:
			stack = append(stack, execFrame{
				kind:     blockTry,
				headerIP: ip,
				level:    st.indentationLevel,
			})
			ip++

		case StepTypeCatch:
			// Reached by normal fall-through: no error occurred. Skip to the
			// matching END, which pops the TRY frame.
			top := &stack[len(stack)-1]
			ip = findInBlock(steps, ip+1, top.level, StepTypeEnd)

		case StepTypeEnd:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.kind == blockWhile {
				ip = top.headerIP
			} else {
				ip++
			}
		}
	}

	return nil
}

// findInBlock returns the index of the first step at or after from whose
// indentation level matches level and whose type is one of types. For a block
// opened at indentation level L, its ELSE IF, ELSE, CATCH, and END steps sit
// at level L. Validated sequences always contain the sought step; len(steps)
// is returned otherwise.
func findInBlock(steps []Step, from, level int, types ...StepType) int {
	for i := from; i < len(steps); i++ {
		if steps[i].indentationLevel != level {
			continue
		}
		for _, t := range types {
			if steps[i].typ == t {
				return i
			}
		}
	}
	return len(steps)
}
