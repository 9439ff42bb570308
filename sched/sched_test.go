package sched

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MissPeppermintPatty/taskolib"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"every minute", "* * * * *", ""},
		{"daily at noon", "0 12 * * *", ""},
		{"padded", "  0 12 * * *  ", ""},
		{"empty", "", "must not be empty"},
		{"descriptor", "@daily", "descriptor forms"},
		{"timezone prefix", "CRON_TZ=Europe/Berlin 0 12 * * *", "UTC"},
		{"tz prefix", "TZ=UTC 0 12 * * *", "UTC"},
		{"six fields", "0 0 12 * * *", "schedule"},
		{"garbage", "whenever", "schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSchedule(tt.expr)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 11, 30, 0, 0, time.UTC)

	next, err := NextRun("0 12 * * *", now)
	if err != nil {
		t.Fatalf("NextRun: %v", err)
	}

	want := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func validSequence(t *testing.T) *taskolib.Sequence {
	t.Helper()
	step := taskolib.NewStep(taskolib.StepTypeAction)
	step.SetScript("x = 1")
	step.SetUsedContextVariableNames("x")
	seq, err := taskolib.NewSequence("scheduled", step)
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	return seq
}

func TestScheduler_AddValidation(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	seq := validSequence(t)
	factory := func() *taskolib.Context { return taskolib.NewContext() }

	if _, err := s.Add("* * * * *", nil, factory, nil); err == nil {
		t.Error("nil sequence should be rejected")
	}
	if _, err := s.Add("* * * * *", seq, nil, nil); err == nil {
		t.Error("nil context factory should be rejected")
	}
	if _, err := s.Add("every tuesday", seq, factory, nil); err == nil {
		t.Error("invalid cron expression should be rejected")
	}

	broken, err := taskolib.NewSequence("broken", taskolib.NewStep(taskolib.StepTypeEnd))
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	if _, err := s.Add("* * * * *", broken, factory, nil); !errors.Is(err, taskolib.ErrPreconditionFailed) {
		t.Errorf("invalid sequence: got %v, want ErrPreconditionFailed", err)
	}

	if _, err := s.Add("* * * * *", seq, factory, nil); err != nil {
		t.Errorf("valid job rejected: %v", err)
	}
}

func TestScheduler_FireRunsSequence(t *testing.T) {
	s := NewScheduler(SchedulerConfig{})
	seq := validSequence(t)

	var captured *taskolib.Context
	factory := func() *taskolib.Context {
		captured = taskolib.NewContext()
		return captured
	}

	id, err := s.Add("* * * * *", seq, factory, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Fire directly instead of waiting for the cron tick.
	s.fire(id, seq, factory, nil)

	if captured == nil {
		t.Fatal("context factory was not invoked")
	}
	if v, _ := captured.Variables.Get("x"); !v.Equal(taskolib.IntegerValue(1)) {
		t.Errorf("x = %v, want integer 1", v)
	}
}
