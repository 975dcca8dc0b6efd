/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package ratelimit

import (
	"testing"
)

func TestAllow_UnderLimits(t *testing.T) {
	l := NewLimiter(DefaultConfig())
	d := l.Allow("agent-a", false)
	if !d.Allowed {
		t.Fatalf("expected allowed, got: %s", d.Reason)
	}
}

func TestAllow_PerAgentConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentPerAgent = 1
	l := NewLimiter(cfg)

	l.RecordStart("agent-a")

	d := l.Allow("agent-a", false)
	if d.Allowed {
		t.Fatal("expected blocked by per-agent concurrency")
	}

	// Different agent should still be allowed
	d2 := l.Allow("agent-b", false)
	if !d2.Allowed {
		t.Fatalf("different agent should be allowed: %s", d2.Reason)
	}
}

func TestAllow_FleetWideConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentFleet = 2
	cfg.MaxConcurrentPerAgent = 5
	l := NewLimiter(cfg)

	l.RecordStart("agent-a")
	l.RecordStart("agent-b")

	d := l.Allow("agent-c", false)
	if d.Allowed {
		t.Fatal("expected blocked by fleet-wide concurrency")
	}

	// Operator-initiated dispatch gets burst allowance
	d2 := l.Allow("agent-c", true)
	if !d2.Allowed {
		t.Fatalf("operator dispatch should get burst allowance: %s", d2.Reason)
	}
}

func TestAllow_PerAgentRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCommandsPerHourPerAgent = 3
	cfg.MaxConcurrentPerAgent = 100
	cfg.MaxConcurrentFleet = 100
	l := NewLimiter(cfg)

	// Record 3 commands (start + complete to avoid concurrency block)
	for i := 0; i < 3; i++ {
		l.RecordStart("agent-x")
		l.RecordComplete("agent-x")
	}

	d := l.Allow("agent-x", false)
	if d.Allowed {
		t.Fatal("expected blocked by per-agent rate limit")
	}

	// Different agent should be fine
	d2 := l.Allow("agent-y", false)
	if !d2.Allowed {
		t.Fatalf("different agent should be allowed: %s", d2.Reason)
	}
}

func TestAllow_FleetWideRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCommandsPerHourFleet = 5
	cfg.MaxCommandsPerHourPerAgent = 100
	cfg.MaxConcurrentPerAgent = 100
	cfg.MaxConcurrentFleet = 100
	l := NewLimiter(cfg)

	for i := 0; i < 5; i++ {
		l.RecordStart("agent-" + string(rune('a'+i)))
		l.RecordComplete("agent-" + string(rune('a'+i)))
	}

	d := l.Allow("agent-z", false)
	if d.Allowed {
		t.Fatal("expected blocked by fleet-wide rate limit")
	}
}

func TestRecordStartComplete(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	l.RecordStart("agent-a")
	l.RecordStart("agent-a")
	stats := l.GetStats()
	if stats.ConcurrentTotal != 2 {
		t.Fatalf("expected 2 concurrent, got %d", stats.ConcurrentTotal)
	}
	if stats.ConcurrentByAgent["agent-a"] != 2 {
		t.Fatalf("expected 2 for agent-a, got %d", stats.ConcurrentByAgent["agent-a"])
	}

	l.RecordComplete("agent-a")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 1 {
		t.Fatalf("expected 1 concurrent, got %d", stats.ConcurrentTotal)
	}

	l.RecordComplete("agent-a")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 0 {
		t.Fatalf("expected 0 concurrent, got %d", stats.ConcurrentTotal)
	}

	// Complete on empty should not go negative
	l.RecordComplete("agent-a")
	stats = l.GetStats()
	if stats.ConcurrentTotal != 0 {
		t.Fatalf("should not go negative, got %d", stats.ConcurrentTotal)
	}
}

func TestGetStats(t *testing.T) {
	l := NewLimiter(DefaultConfig())

	l.RecordStart("agent-a")
	l.RecordStart("agent-b")
	l.RecordStart("agent-b")

	stats := l.GetStats()
	if stats.ConcurrentTotal != 3 {
		t.Fatalf("expected 3, got %d", stats.ConcurrentTotal)
	}
	if stats.ConcurrentByAgent["agent-a"] != 1 {
		t.Fatalf("expected 1 for a, got %d", stats.ConcurrentByAgent["agent-a"])
	}
	if stats.ConcurrentByAgent["agent-b"] != 2 {
		t.Fatalf("expected 2 for b, got %d", stats.ConcurrentByAgent["agent-b"])
	}
	if stats.DispatchedLastHour != 3 {
		t.Fatalf("expected 3 dispatched in history, got %d", stats.DispatchedLastHour)
	}
}
