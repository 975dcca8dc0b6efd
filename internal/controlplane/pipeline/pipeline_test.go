package pipeline

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentryctl/fleet/internal/controlplane/ctlerr"
	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

func TestClassification(t *testing.T) {
	threshold := domain.SeverityMedium
	cases := []struct {
		severity domain.Severity
		wantHigh bool
	}{
		{domain.SeverityCritical, true},
		{domain.SeverityHigh, true},
		{domain.SeverityMedium, false},
		{domain.SeverityLow, false},
	}
	for _, c := range cases {
		if got := classify(c.severity, threshold); got != c.wantHigh {
			t.Errorf("classify(%v, %v) = %v, want %v", c.severity, threshold, got, c.wantHigh)
		}
	}
}

func TestClassificationLowThreshold(t *testing.T) {
	threshold := domain.SeverityLow
	if !classify(domain.SeverityMedium, threshold) {
		t.Error("expected Medium to be high priority when threshold is Low")
	}
	if !classify(domain.SeverityHigh, threshold) {
		t.Error("expected High to be high priority when threshold is Low")
	}
}

// Invariant 8: queue at capacity-1 accepts; at capacity rejects.
func TestBackpressureBoundary(t *testing.T) {
	p := New(Config{MaxQueueSize: 3, BatchSize: 10, MaxConcurrentProcessors: 1, HighPriorityThreshold: domain.SeverityMedium}, nil, nil, nil, nil, nil)

	for i := 0; i < 3; i++ {
		if err := p.QueueEvent(domain.SecurityEvent{EventID: fmt.Sprintf("e%d", i), Severity: domain.SeverityLow}); err != nil {
			t.Fatalf("event %d: expected accept, got %v", i, err)
		}
	}

	err := p.QueueEvent(domain.SecurityEvent{EventID: "overflow", Severity: domain.SeverityLow})
	if err == nil {
		t.Fatal("expected BackpressureError at capacity")
	}
	if _, ok := err.(*ctlerr.BackpressureError); !ok {
		t.Fatalf("expected *ctlerr.BackpressureError, got %T", err)
	}
}

func TestQueueEventRoutesBySeverity(t *testing.T) {
	p := New(Config{MaxQueueSize: 100, HighPriorityThreshold: domain.SeverityMedium}, nil, nil, nil, nil, nil)
	_ = p.QueueEvent(domain.SecurityEvent{EventID: "c1", Severity: domain.SeverityCritical})
	_ = p.QueueEvent(domain.SecurityEvent{EventID: "l1", Severity: domain.SeverityLow})

	if p.high.len() != 1 {
		t.Fatalf("expected 1 high-priority event, got %d", p.high.len())
	}
	if p.normal.len() != 1 {
		t.Fatalf("expected 1 normal-priority event, got %d", p.normal.len())
	}
}

type countingAlertSink struct {
	n int32
}

func (s *countingAlertSink) CreateAlert(alert domain.ThreatAlert) error {
	atomic.AddInt32(&s.n, 1)
	return nil
}

// S2-flavored check: with events queued in both priorities, the pipeline
// must drain the high-priority queue promptly (it ticks far faster than
// normal) without requiring strict global FIFO across priorities.
func TestHighPriorityDrainsPromptly(t *testing.T) {
	p := New(Config{MaxQueueSize: 1000, BatchSize: 100, MaxConcurrentProcessors: 10, HighPriorityThreshold: domain.SeverityMedium}, nil, nil, nil, nil, nil)

	for i := 0; i < 50; i++ {
		_ = p.QueueEvent(domain.SecurityEvent{EventID: fmt.Sprintf("m%d", i), Severity: domain.SeverityMedium})
	}
	_ = p.QueueEvent(domain.SecurityEvent{EventID: "critical", Severity: domain.SeverityCritical})

	p.Start()
	defer p.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for high-priority queue to drain")
		default:
		}
		if p.high.len() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The normal queue, ticking 5x slower with a much larger backlog,
	// should not yet be fully drained at the moment the single
	// high-priority event clears.
	if p.normal.len() == 0 {
		t.Log("normal queue already drained; not a failure, just a weaker signal on a fast machine")
	}
}

func TestStatsTracksProcessedCount(t *testing.T) {
	sink := &countingAlertSink{}
	p := New(Config{MaxQueueSize: 100, HighPriorityThreshold: domain.SeverityMedium}, nil, nil, sink, nil, nil)
	_ = p.QueueEvent(domain.SecurityEvent{EventID: "e1", Severity: domain.SeverityCritical})

	p.Start()
	defer p.Stop()

	deadline := time.After(time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for event to process")
		default:
		}
		if p.Stats().EventsProcessed >= 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
