// Package sched runs sequences on recurring cron schedules. Schedules are
// UTC-only five-field cron expressions. Each firing executes the sequence
// with a fresh context produced by the job's context factory, so runs do not
// leak variables into each other.
package sched

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/MissPeppermintPatty/taskolib"
)

// scheduleParser accepts the five standard cron fields
// (minute hour day-of-month month day-of-week). Schedules always evaluate in
// UTC; descriptor and timezone forms are rejected up front so a job never
// silently fires in local time.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseSchedule validates a five-field cron schedule and returns it.
func ParseSchedule(expr string) (cron.Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return nil, errors.New("schedule must not be empty")
	}
	if strings.HasPrefix(trimmed, "@") {
		return nil, fmt.Errorf("schedule %q: descriptor forms are not supported, use five cron fields", trimmed)
	}
	if strings.Contains(strings.ToUpper(trimmed), "TZ=") {
		return nil, fmt.Errorf("schedule %q: schedules always run in UTC, timezone prefixes are not allowed", trimmed)
	}

	schedule, err := scheduleParser.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", trimmed, err)
	}
	return schedule, nil
}

// NextRun reports when the schedule fires next after now, in UTC.
func NextRun(expr string, now time.Time) (time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now.UTC()), nil
}

// ContextFactory produces the execution context for one scheduled run.
type ContextFactory func() *taskolib.Context

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// Executor runs the scheduled sequences. Defaults to a fresh executor.
	Executor *taskolib.Executor

	// Logger receives run outcomes. Defaults to slog.Default().
	Logger *slog.Logger
}

// Scheduler executes sequences on cron schedules. Firings of the same job
// run sequentially; a firing that arrives while the previous run of that job
// is still active is skipped and logged.
type Scheduler struct {
	executor *taskolib.Executor
	logger   *slog.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	running map[cron.EntryID]bool
}

// NewScheduler creates a scheduler. Call Start to begin firing jobs.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	executor := cfg.Executor
	if executor == nil {
		executor = taskolib.NewExecutor()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		executor: executor,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(scheduleParser),
			cron.WithLocation(time.UTC),
		),
		running: make(map[cron.EntryID]bool),
	}
}

// Add registers a sequence to run on the given cron expression. The sequence
// must validate; comm may be nil. The returned entry ID can be passed to
// Remove.
func (s *Scheduler) Add(expr string, seq *taskolib.Sequence, newContext ContextFactory, comm *taskolib.CommChannel) (cron.EntryID, error) {
	if seq == nil {
		return 0, errors.New("sequence is nil")
	}
	if newContext == nil {
		return 0, errors.New("context factory is nil")
	}
	if err := seq.CheckCorrectnessOfSteps(); err != nil {
		return 0, err
	}
	if _, err := ParseSchedule(expr); err != nil {
		return 0, err
	}

	var id cron.EntryID
	var idMu sync.Mutex

	entryID, err := s.cron.AddFunc(expr, func() {
		idMu.Lock()
		jobID := id
		idMu.Unlock()
		s.fire(jobID, seq, newContext, comm)
	})
	if err != nil {
		return 0, fmt.Errorf("scheduling sequence %q: %w", seq.Label(), err)
	}

	idMu.Lock()
	id = entryID
	idMu.Unlock()
	return entryID, nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing new jobs and waits for active runs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) fire(id cron.EntryID, seq *taskolib.Sequence, newContext ContextFactory, comm *taskolib.CommChannel) {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		s.logger.Warn("skipping firing, previous run still active",
			"sequence", seq.Label(),
			"entry_id", int(id),
		)
		return
	}
	s.running[id] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	start := time.Now()
	err := s.executor.Run(seq, newContext(), comm)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error("scheduled run failed",
			"sequence", seq.Label(),
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	s.logger.Info("scheduled run finished",
		"sequence", seq.Label(),
		"elapsed", elapsed,
	)
}
