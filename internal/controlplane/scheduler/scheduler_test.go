package scheduler

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sentryctl/fleet/internal/controlplane/cmdtracker"
)

func TestRegisterPurge_InvalidSchedule(t *testing.T) {
	s := New(nil)
	tracker := cmdtracker.New(nil, nil)
	if err := s.RegisterPurge(tracker, "not a schedule", time.Hour); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRegisterPurge_EmptyScheduleDisables(t *testing.T) {
	s := New(nil)
	tracker := cmdtracker.New(nil, nil)
	if err := s.RegisterPurge(tracker, "", time.Hour); err != nil {
		t.Fatalf("empty schedule should be a no-op, got: %v", err)
	}
	if len(s.jobs) != 0 {
		t.Fatalf("expected no jobs registered, got %d", len(s.jobs))
	}
}

func TestRegisterBackup_InvalidSchedule(t *testing.T) {
	s := New(nil)
	err := s.RegisterBackup("nonsense", func() (string, error) { return "", nil })
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestRunDue_TriggersOnSchedule(t *testing.T) {
	spec, err := cron.ParseStandard("*/5 * * * *")
	if err != nil {
		t.Fatalf("parse schedule: %v", err)
	}

	var ran int
	s := New(nil)
	last := time.Date(2026, 2, 28, 8, 5, 0, 0, time.UTC)
	s.jobs = append(s.jobs, &job{
		name:     "test",
		schedule: spec,
		lastRun:  last,
		run:      func() { ran++ },
	})

	s.runDue(time.Date(2026, 2, 28, 8, 9, 59, 0, time.UTC))
	if ran != 0 {
		t.Fatalf("expected job not due yet, ran=%d", ran)
	}

	s.runDue(time.Date(2026, 2, 28, 8, 10, 0, 0, time.UTC))
	if ran != 1 {
		t.Fatalf("expected job to run once at due time, ran=%d", ran)
	}

	// lastRun advances past the tick, so the immediately following minute
	// is not due again.
	s.runDue(time.Date(2026, 2, 28, 8, 10, 30, 0, time.UTC))
	if ran != 1 {
		t.Fatalf("expected job not to re-run within the same window, ran=%d", ran)
	}
}

func TestRegisterPurge_RunsTrackerPurge(t *testing.T) {
	s := New(nil)
	tracker := cmdtracker.New(nil, nil)
	if err := s.RegisterPurge(tracker, "* * * * *", time.Hour); err != nil {
		t.Fatalf("register purge: %v", err)
	}
	if len(s.jobs) != 1 {
		t.Fatalf("expected one registered job, got %d", len(s.jobs))
	}
	// Purge on an empty tracker removes nothing but must not panic.
	s.jobs[0].run()
}
