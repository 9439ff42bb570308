package taskolib

import (
	"fmt"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// StepType identifies the role a step plays in the control flow of a
// sequence.
type StepType string

const (
	// StepTypeAction runs its script for its side effects; the logical result
	// is discarded by the executor.
	StepTypeAction StepType = "action"

	// StepTypeIf opens a conditional block.
	StepTypeIf StepType = "if"

	// StepTypeElseIf continues a not-yet-taken conditional chain.
	StepTypeElseIf StepType = "elseif"

	// StepTypeElse is the unconditional tail of a conditional chain.
	StepTypeElse StepType = "else"

	// StepTypeWhile opens a loop block.
	StepTypeWhile StepType = "while"

	// StepTypeTry opens an exception-handling block.
	StepTypeTry StepType = "try"

	// StepTypeCatch separates the protected body of a TRY block from its
	// handler.
	StepTypeCatch StepType = "catch"

	// StepTypeEnd closes the innermost IF, WHILE, or TRY block.
	StepTypeEnd StepType = "end"
)

// String returns the string representation of the StepType.
func (t StepType) String() string {
	return string(t)
}

// valid reports whether t is one of the defined step types.
func (t StepType) valid() bool {
	switch t {
	case StepTypeAction, StepTypeIf, StepTypeElseIf, StepTypeElse,
		StepTypeWhile, StepTypeTry, StepTypeCatch, StepTypeEnd:
		return true
	}
	return false
}

// MaxIndentationLevel is the deepest block nesting a step may have.
const MaxIndentationLevel = 16

// Step is one typed instruction of a sequence with an embedded script
// fragment. Steps are value types; a Sequence owns its steps exclusively.
type Step struct {
	typ              StepType
	label            string
	script           string
	usedVars         []VariableName
	timeout          Timeout
	indentationLevel int
	lastModified     time.Time
	lastExecuted     time.Time
}

// NewStep creates a step of the given type with an infinite timeout.
func NewStep(t StepType) Step {
	return Step{
		typ:          t,
		timeout:      InfiniteTimeout(),
		lastModified: time.Now(),
	}
}

// Type returns the step type.
func (s *Step) Type() StepType {
	return s.typ
}

// SetType changes the step type and updates the modification timestamp.
func (s *Step) SetType(t StepType) {
	s.typ = t
	s.lastModified = time.Now()
}

// Label returns the short human-readable description of the step.
func (s *Step) Label() string {
	return s.label
}

// SetLabel changes the label and updates the modification timestamp.
func (s *Step) SetLabel(label string) {
	s.label = label
	s.lastModified = time.Now()
}

// Script returns the source text handed to the sandbox on execution.
func (s *Step) Script() string {
	return s.script
}

// SetScript changes the script and updates the modification timestamp.
func (s *Step) SetScript(script string) {
	s.script = script
	s.lastModified = time.Now()
}

// Timeout returns the per-execution timeout.
func (s *Step) Timeout() Timeout {
	return s.timeout
}

// SetTimeout assigns the per-execution timeout. Negative durations were
// already clamped to zero by NewTimeout.
func (s *Step) SetTimeout(t Timeout) {
	s.timeout = t
}

// UsedContextVariableNames returns the declared read/write set of this step.
func (s *Step) UsedContextVariableNames() []VariableName {
	out := make([]VariableName, len(s.usedVars))
	copy(out, s.usedVars)
	return out
}

// SetUsedContextVariableNames records which context variables the script
// consumes and produces. Duplicates are removed; order is preserved.
func (s *Step) SetUsedContextVariableNames(names ...VariableName) {
	seen := make(map[VariableName]struct{}, len(names))
	out := make([]VariableName, 0, len(names))
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	s.usedVars = out
}

// IndentationLevel returns the nesting depth assigned by the owning sequence.
func (s *Step) IndentationLevel() int {
	return s.indentationLevel
}

// SetIndentationLevel assigns the nesting depth. Levels outside [0,
// MaxIndentationLevel] are rejected. Callers normally leave this to the
// sequence, which recomputes indentation on every structural mutation.
func (s *Step) SetIndentationLevel(level int) error {
	if level < 0 {
		return fmt.Errorf("%w: cannot set negative indentation level (%d)",
			ErrInvalidArgument, level)
	}
	if level > MaxIndentationLevel {
		return fmt.Errorf("%w: indentation level exceeds maximum (%d > %d)",
			ErrInvalidArgument, level, MaxIndentationLevel)
	}
	s.indentationLevel = level
	return nil
}

// TimeOfLastModification returns when the label, script, or type was last
// changed.
func (s *Step) TimeOfLastModification() time.Time {
	return s.lastModified
}

// TimeOfLastExecution returns when the step was last executed.
func (s *Step) TimeOfLastExecution() time.Time {
	return s.lastExecuted
}

// Execute runs the step's script in a fresh sandbox and returns its logical
// result. index is the 0-based position of the step in its sequence and is
// used for messages and diagnostics.
//
// The sandbox sees only the safe library subset plus the custom sleep()
// function and whatever the context's SandboxInit callback registers. The
// declared context variables are copied in before the script runs and copied
// back after it completes normally. A watchdog aborts the script when
// termination is requested through comm or when the step timeout expires;
// such aborts surface as errors carrying the AbortErrorPrefix and cannot be
// intercepted by the script.
//
// The result is the boolean returned by the script, or false if the script
// returned no boolean.
func (s *Step) Execute(stepContext *Context, comm *CommChannel, index int) (bool, error) {
	now := time.Now()
	s.lastExecuted = now

	sendMessage(comm, NewMessage(MessageStepStarted, "").
		WithText(fmt.Sprintf("Step %d started", index+1)).
		WithStepIndex(index))

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	openSafeLibrarySubset(L)

	w := newWatchdog(comm, now, s.timeout)
	installCustomCommands(L, w)

	if stepContext.SandboxInit != nil {
		stepContext.SandboxInit(L)
	}

	w.install(L)
	defer w.release()

	if err := importVariables(stepContext.Variables, s.usedVars, L); err != nil {
		sendMessage(comm, NewMessage(MessageStepStoppedWithError, "").
			WithText(err.Error()).
			WithStepIndex(index))
		return false, err
	}

	result, err := s.runScript(L)
	if err != nil {
		scriptErr := translateScriptError(w, index, err)
		sendMessage(comm, NewMessage(MessageStepStoppedWithError, "").
			WithText(scriptErr.Error()).
			WithStepIndex(index))
		return false, scriptErr
	}

	exportVariables(L, s.usedVars, stepContext.Variables)

	sendMessage(comm, NewMessage(MessageStepStopped, "").
		WithText(fmt.Sprintf("Step %d finished (logical result: %t)", index+1, result)).
		WithStepIndex(index))

	return result, nil
}

// runScript executes the script under protected semantics and extracts the
// boolean result, if any.
func (s *Step) runScript(L *lua.LState) (bool, error) {
	fn, err := L.LoadString(s.script)
	if err != nil {
		return false, err
	}
	L.Push(fn)
	if err := L.PCall(0, 1, nil); err != nil {
		return false, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	if b, ok := ret.(lua.LBool); ok {
		return bool(b), nil
	}
	return false, nil
}
