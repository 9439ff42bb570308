package taskolib

import (
	"errors"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestStep_SetTimeoutClampsNegative(t *testing.T) {
	s := NewStep(StepTypeAction)

	s.SetTimeout(NewTimeout(-5 * time.Second))

	if s.Timeout().IsInfinite() {
		t.Fatal("clamped timeout must be finite")
	}
	if got := s.Timeout().Duration(); got != 0 {
		t.Errorf("Timeout().Duration() = %v, want 0", got)
	}
}

func TestStep_DefaultTimeoutIsInfinite(t *testing.T) {
	s := NewStep(StepTypeAction)
	if !s.Timeout().IsInfinite() {
		t.Error("a fresh step should have an infinite timeout")
	}
}

func TestStep_MutatorsTouchModificationTime(t *testing.T) {
	s := NewStep(StepTypeAction)
	before := s.TimeOfLastModification()
	time.Sleep(2 * time.Millisecond)

	s.SetLabel("increment")
	if !s.TimeOfLastModification().After(before) {
		t.Error("SetLabel should update the modification timestamp")
	}

	before = s.TimeOfLastModification()
	time.Sleep(2 * time.Millisecond)
	s.SetScript("a = 1")
	if !s.TimeOfLastModification().After(before) {
		t.Error("SetScript should update the modification timestamp")
	}

	before = s.TimeOfLastModification()
	time.Sleep(2 * time.Millisecond)
	s.SetType(StepTypeWhile)
	if !s.TimeOfLastModification().After(before) {
		t.Error("SetType should update the modification timestamp")
	}
}

func TestStep_SetIndentationLevelRange(t *testing.T) {
	s := NewStep(StepTypeAction)

	if err := s.SetIndentationLevel(-1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("negative level: got %v, want ErrInvalidArgument", err)
	}
	if err := s.SetIndentationLevel(MaxIndentationLevel + 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("overlarge level: got %v, want ErrInvalidArgument", err)
	}
	if err := s.SetIndentationLevel(MaxIndentationLevel); err != nil {
		t.Errorf("maximum level: unexpected error %v", err)
	}
}

func TestStep_SetUsedContextVariableNamesDeduplicates(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetUsedContextVariableNames("a", "b", "a")

	got := s.UsedContextVariableNames()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("UsedContextVariableNames() = %v, want [a b]", got)
	}
}

func TestStep_ExecuteRoundTripInteger(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("x = x + 1")
	s.SetUsedContextVariableNames("x")

	ctx := NewContext()
	ctx.Variables.Set("x", IntegerValue(41))

	if _, err := s.Execute(ctx, nil, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	v, ok := ctx.Variables.Get("x")
	if !ok {
		t.Fatal("x missing from context after execution")
	}
	if v.Kind() != VariableKindInteger {
		t.Fatalf("x kind = %v, want integer", v.Kind())
	}
	if i, _ := v.AsInteger(); i != 42 {
		t.Errorf("x = %d, want 42", i)
	}
}

func TestStep_ExecuteMarshalsAllKinds(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript(`f = f * 2
msg = msg .. "!"
n = 7`)
	s.SetUsedContextVariableNames("f", "msg", "n")

	ctx := NewContext()
	ctx.Variables.Set("f", FloatValue(1.25))
	ctx.Variables.Set("msg", StringValue("hi"))

	if _, err := s.Execute(ctx, nil, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if v, _ := ctx.Variables.Get("f"); !v.Equal(FloatValue(2.5)) {
		t.Errorf("f = %v, want double 2.5", v)
	}
	if v, _ := ctx.Variables.Get("msg"); !v.Equal(StringValue("hi!")) {
		t.Errorf("msg = %v, want \"hi!\"", v)
	}
	if v, _ := ctx.Variables.Get("n"); !v.Equal(IntegerValue(7)) {
		t.Errorf("n = %v, want integer 7", v)
	}
}

func TestStep_ExecuteOnlyDeclaredVariablesChange(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("a = 1\nhidden = 99")
	s.SetUsedContextVariableNames("a")

	ctx := NewContext()
	ctx.Variables.Set("hidden", IntegerValue(5))
	before := ctx.Variables.Clone()

	if _, err := s.Execute(ctx, nil, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if v, _ := ctx.Variables.Get("hidden"); !v.Equal(before["hidden"]) {
		t.Errorf("undeclared variable changed: hidden = %v", v)
	}
	if v, _ := ctx.Variables.Get("a"); !v.Equal(IntegerValue(1)) {
		t.Errorf("a = %v, want integer 1", v)
	}
}

func TestStep_ExecuteSkipsNonMarshallableResults(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("t = {1, 2}\nb = true\nu = nil")
	s.SetUsedContextVariableNames("t", "b", "u")

	ctx := NewContext()
	if _, err := s.Execute(ctx, nil, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for _, name := range []VariableName{"t", "b", "u"} {
		if _, ok := ctx.Variables.Get(name); ok {
			t.Errorf("variable %q of unsupported type was exported", name)
		}
	}
}

func TestStep_ExecuteLogicalResult(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   bool
	}{
		{"explicit true", "return true", true},
		{"explicit false", "return false", false},
		{"no return", "x = 1", false},
		{"non-boolean return", "return 1", false},
		{"string return", `return "yes"`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStep(StepTypeAction)
			s.SetScript(tt.script)

			got, err := s.Execute(NewContext(), nil, 0)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestStep_ExecuteSafeLibrarySubset(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript(`return print == nil and require == nil and load == nil
	and dofile == nil and loadfile == nil and collectgarbage == nil
	and debug == nil and io == nil and os == nil
	and math.floor(1.9) == 1 and string.upper("a") == "A"
	and type(table.insert) == "function"`)

	got, err := s.Execute(NewContext(), nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !got {
		t.Error("library surface differs from the safe subset")
	}
}

func TestStep_ExecuteSandboxInit(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("y = double(21)")
	s.SetUsedContextVariableNames("y")

	ctx := NewContext()
	ctx.SandboxInit = func(L *lua.LState) {
		L.SetGlobal("double", L.NewFunction(func(L *lua.LState) int {
			L.Push(lua.LNumber(float64(L.CheckNumber(1)) * 2))
			return 1
		}))
	}

	if _, err := s.Execute(ctx, nil, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if v, _ := ctx.Variables.Get("y"); !v.Equal(IntegerValue(42)) {
		t.Errorf("y = %v, want integer 42", v)
	}
}

func TestStep_ExecuteScriptError(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript(`error("boom")`)

	comm := NewCommChannel(16)
	_, err := s.Execute(NewContext(), comm, 3)
	if err == nil {
		t.Fatal("expected an error")
	}

	if !strings.HasPrefix(err.Error(), "Error while executing script of step 4: ") {
		t.Errorf("error message %q lacks the step diagnostic prefix", err.Error())
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error message %q does not surface the script diagnostic", err.Error())
	}
	if IsAbortError(err) {
		t.Error("a plain script error must not classify as abort")
	}

	sawError := false
	for {
		m, ok := comm.TryRecv()
		if !ok {
			break
		}
		if m.Type == MessageStepStoppedWithError && m.StepIndex == 3 {
			sawError = true
		}
	}
	if !sawError {
		t.Error("no step_stopped_with_error message emitted")
	}
}

func TestStep_ExecuteSyntaxError(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("this is not lua")

	_, err := s.Execute(NewContext(), nil, 0)
	if err == nil {
		t.Fatal("expected a compile error")
	}
	var scriptErr *ScriptError
	if !errors.As(err, &scriptErr) {
		t.Errorf("error type %T, want *ScriptError", err)
	}
}

func TestStep_ExecuteTimeout(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("while true do end")
	s.SetTimeout(NewTimeout(50 * time.Millisecond))

	start := time.Now()
	_, err := s.Execute(NewContext(), nil, 0)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !IsAbortError(err) {
		t.Errorf("timeout should classify as abort: %v", err)
	}
	if !strings.Contains(err.Error(), "Timeout") {
		t.Errorf("error message %q lacks the timeout diagnostic", err.Error())
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("timeout took %v, want at most 200ms", elapsed)
	}
}

func TestStep_ExecuteTermination(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("while true do end")

	comm := NewCommChannel(16)
	go func() {
		time.Sleep(20 * time.Millisecond)
		comm.RequestTermination()
	}()

	start := time.Now()
	_, err := s.Execute(NewContext(), comm, 0)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an abort error")
	}
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("error %v does not unwrap to *AbortError", err)
	}
	if !strings.HasPrefix(abort.Error(), AbortErrorPrefix) {
		t.Errorf("abort message %q lacks the prefix", abort.Error())
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("termination took %v after the request", elapsed)
	}
}

func TestStep_SleepHonorsTermination(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("sleep(10)")

	comm := NewCommChannel(16)
	go func() {
		time.Sleep(20 * time.Millisecond)
		comm.RequestTermination()
	}()

	start := time.Now()
	_, err := s.Execute(NewContext(), comm, 0)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an abort error from inside sleep")
	}
	if !IsAbortError(err) {
		t.Errorf("sleep abort should classify as abort: %v", err)
	}
	if elapsed > 250*time.Millisecond {
		t.Errorf("sleep termination took %v", elapsed)
	}
}

func TestStep_SleepCompletes(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("sleep(0.02)\nreturn true")

	start := time.Now()
	got, err := s.Execute(NewContext(), nil, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !got {
		t.Error("script after sleep should have run")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("sleep returned early")
	}
}

func TestStep_ExecuteUpdatesLastExecution(t *testing.T) {
	s := NewStep(StepTypeAction)
	s.SetScript("x = 1")

	if !s.TimeOfLastExecution().IsZero() {
		t.Fatal("fresh step should not have an execution timestamp")
	}
	if _, err := s.Execute(NewContext(), nil, 0); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if s.TimeOfLastExecution().IsZero() {
		t.Error("Execute should record the execution timestamp")
	}
}
