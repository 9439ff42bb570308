package taskolib

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// watchdogInterval is how often the watchdog polls the termination flag and
// the step deadline while a script runs.
const watchdogInterval = 10 * time.Millisecond

// sleepSlice bounds the poll slices of the custom sleep() function so that
// termination and timeout are honored even mid-sleep.
const sleepSlice = 10 * time.Millisecond

// openSafeLibrarySubset opens the base, math, string, and table libraries in
// the sandbox and removes the globals that would break isolation:
// garbage-collection controls, file I/O, dynamic code loading, console
// output, and module loading. The debug, io, os, and package libraries are
// never opened.
func openSafeLibrarySubset(L *lua.LState) {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(err)
		}
	}

	for _, name := range []string{
		"collectgarbage", "dofile", "load", "loadfile", "loadstring",
		"print", "require",
	} {
		L.SetGlobal(name, lua.LNil)
	}
}

// watchdog polls the termination flag and the step deadline while a script
// runs. When either condition fires, it records the abort reason and cancels
// the interpreter's context, which stops the sandbox within one instruction
// in a way the script cannot intercept.
type watchdog struct {
	comm           *CommChannel
	deadline       time.Time
	hasDeadline    bool
	timeoutSeconds float64

	cancel context.CancelFunc
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	reason string
}

func newWatchdog(comm *CommChannel, start time.Time, timeout Timeout) *watchdog {
	w := &watchdog{
		comm: comm,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if deadline, ok := timeout.Deadline(start); ok {
		w.deadline = deadline
		w.hasDeadline = true
		w.timeoutSeconds = timeout.Seconds()
	}
	return w
}

// install attaches the watchdog to the sandbox and starts the polling
// goroutine.
func (w *watchdog) install(L *lua.LState) {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	L.SetContext(ctx)
	go w.loop()
}

func (w *watchdog) loop() {
	defer close(w.done)

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if reason, fired := w.check(); fired {
				w.abort(reason)
				return
			}
		}
	}
}

// check evaluates the abort conditions: (a) the termination flag, (b) the
// timeout deadline. It does not mutate state.
func (w *watchdog) check() (string, bool) {
	if w.comm != nil && w.comm.TerminationRequested() {
		return "Step aborted on user request", true
	}
	if w.hasDeadline && time.Now().After(w.deadline) {
		return fmt.Sprintf("Timeout: Script took more than %s s to run",
			formatSeconds(w.timeoutSeconds)), true
	}
	return "", false
}

// abort records the reason (first one wins) and cancels the sandbox context.
func (w *watchdog) abort(reason string) {
	w.mu.Lock()
	if w.reason == "" {
		w.reason = reason
	}
	w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

// abortReason returns the recorded abort reason, if any.
func (w *watchdog) abortReason() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason, w.reason != ""
}

// release stops the polling goroutine and frees the context. Safe to call on
// all exit paths.
func (w *watchdog) release() {
	w.once.Do(func() {
		close(w.stop)
	})
	<-w.done
	if w.cancel != nil {
		w.cancel()
	}
}

// installCustomCommands registers the host functions available to scripts.
// sleep(seconds) pauses in slices of at most sleepSlice, polling the watchdog
// conditions so that termination and timeout are honored mid-sleep.
func installCustomCommands(L *lua.LState, w *watchdog) {
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		seconds := float64(L.CheckNumber(1))
		start := time.Now()
		for {
			if reason, fired := w.check(); fired {
				w.abort(reason)
				L.RaiseError("%s", AbortErrorPrefix+reason)
			}
			remaining := time.Duration((seconds - time.Since(start).Seconds()) * float64(time.Second))
			if remaining <= 0 {
				return 0
			}
			if remaining > sleepSlice {
				remaining = sleepSlice
			}
			time.Sleep(remaining)
		}
	}))
}

// importVariables copies the declared variables from the store into sandbox
// globals. Absent variables are silently skipped; an unhandled kind is a
// programming bug in the host.
func importVariables(vars VariableStore, names []VariableName, L *lua.LState) error {
	for _, name := range names {
		v, ok := vars.Get(name)
		if !ok {
			continue
		}
		switch v.Kind() {
		case VariableKindInteger:
			i, _ := v.AsInteger()
			L.SetGlobal(string(name), lua.LNumber(i))
		case VariableKindFloat:
			f, _ := v.AsFloat()
			L.SetGlobal(string(name), lua.LNumber(f))
		case VariableKindString:
			s, _ := v.AsString()
			L.SetGlobal(string(name), lua.LString(s))
		default:
			return fmt.Errorf("%w: unhandled variable kind %q", ErrInternal, v.Kind())
		}
	}
	return nil
}

// exportVariables copies the declared variables from sandbox globals back
// into the store. Numbers whose value is provably integral are exported as
// integers, all other numbers as doubles. Sandbox values of any other type
// (tables, functions, booleans, nil) do not cross the boundary.
func exportVariables(L *lua.LState, names []VariableName, vars VariableStore) {
	for _, name := range names {
		switch lv := L.GetGlobal(string(name)).(type) {
		case lua.LNumber:
			f := float64(lv)
			if isIntegral(f) {
				vars.Set(name, IntegerValue(int64(f)))
			} else {
				vars.Set(name, FloatValue(f))
			}
		case lua.LString:
			vars.Set(name, StringValue(string(lv)))
		default:
		}
	}
}

// isIntegral reports whether f can be represented exactly as an int64.
func isIntegral(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) &&
		f == math.Trunc(f) &&
		f >= math.MinInt64 && f < math.MaxInt64
}

// luaErrorMessage extracts the diagnostic text from a sandbox error.
func luaErrorMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

// translateScriptError converts a sandbox error into the error surfaced by
// Step.Execute. Watchdog aborts take precedence over whatever error text the
// dying interpreter produced.
func translateScriptError(w *watchdog, index int, err error) *ScriptError {
	if reason, aborted := w.abortReason(); aborted {
		return &ScriptError{
			StepIndex: index,
			Message:   AbortErrorPrefix + reason,
			cause:     &AbortError{Reason: reason},
		}
	}

	msg := luaErrorMessage(err)
	if strings.HasPrefix(msg, AbortErrorPrefix) {
		return &ScriptError{
			StepIndex: index,
			Message:   msg,
			cause:     &AbortError{Reason: strings.TrimPrefix(msg, AbortErrorPrefix)},
		}
	}
	return &ScriptError{StepIndex: index, Message: msg}
}
