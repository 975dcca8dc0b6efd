// Package cmdtracker implements the Command Tracker (C2): a per-command
// state machine with retry/timeout bookkeeping. It is the single owner of
// CommandExecution records; the Session Manager owns delivery, this package
// owns lifecycle.
package cmdtracker

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/events"
	"github.com/sentryctl/fleet/internal/protocol"
)

// Status is the lifecycle state of a tracked command.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusSent       Status = "sent"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// terminal reports whether a status has no further transitions.
func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

// DefaultMaxRetries and DefaultTimeout match spec §4.2/§5's defaults.
const (
	DefaultMaxRetries = 3
	DefaultTimeout    = 300 * time.Second
)

// Execution is the tracker's record for one command: CommandId, expected
// completion instant, retry count, and max retries.
type Execution struct {
	CommandID  string
	AgentID    string
	Kind       protocol.CommandKind
	Status     Status
	Result     map[string]any
	Error      string
	RetryCount int
	MaxRetries int
	Timeout    time.Duration
	IssuedAt   time.Time
	StartedAt  time.Time
	Deadline   time.Time
	UpdatedAt  time.Time
}

// snapshot returns a value copy safe to hand to callers without sharing the
// tracker's internal pointer.
func (e *Execution) snapshot() Execution { return *e }

var (
	// ErrUnknownCommand is returned when a CommandID has no tracked execution.
	ErrUnknownCommand = errors.New("cmdtracker: unknown command id")
	// ErrTerminal is returned when a caller attempts to transition a command
	// that has already reached a terminal state. Per spec §4.2, late
	// responses to terminal commands are dropped with a warning, not errored
	// loudly to the caller's caller — Tracker logs the warning itself.
	ErrTerminal = errors.New("cmdtracker: command already terminal")
)

// Tracker owns every in-flight CommandExecution. Per-CommandId transitions
// are serialized by a single lock so no two callers can observe a command in
// an impossible interleaving (spec concurrency model, point 2).
type Tracker struct {
	mu  sync.Mutex
	cmd map[string]*Execution

	bus *events.Bus
	log *zap.Logger
}

// New creates a Command Tracker. bus receives a state-change event on every
// transition; log receives warnings for dropped late responses.
func New(bus *events.Bus, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		cmd: make(map[string]*Execution),
		bus: bus,
		log: log,
	}
}

// Submit enters a new command in the Queued state and returns its CommandId.
// timeout <= 0 uses DefaultTimeout; maxRetries < 0 uses DefaultMaxRetries.
func (t *Tracker) Submit(agentID string, kind protocol.CommandKind, timeout time.Duration, maxRetries int) string {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}

	now := time.Now().UTC()
	exec := &Execution{
		CommandID:  uuid.NewString(),
		AgentID:    agentID,
		Kind:       kind,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		Timeout:    timeout,
		IssuedAt:   now,
		Deadline:   now.Add(timeout),
		UpdatedAt:  now,
	}

	t.mu.Lock()
	t.cmd[exec.CommandID] = exec
	t.mu.Unlock()

	t.publish(exec, "command queued")
	return exec.CommandID
}

// MarkSent transitions Queued → Sent when the Session Manager hands the
// command to the transport layer.
func (t *Tracker) MarkSent(id string) error {
	return t.transition(id, func(e *Execution) error {
		if e.Status != StatusQueued {
			return ErrTerminal
		}
		e.Status = StatusSent
		return nil
	}, "command sent")
}

// MarkInProgress transitions Sent → InProgress on the agent's first ack.
func (t *Tracker) MarkInProgress(id string) error {
	return t.transition(id, func(e *Execution) error {
		if e.Status != StatusSent {
			return ErrTerminal
		}
		e.Status = StatusInProgress
		e.StartedAt = time.Now().UTC()
		return nil
	}, "command in progress")
}

// RecordResponse applies a terminal agent response (Completed or Failed).
// A response arriving for an already-terminal command is dropped with a
// warning, per spec §4.2.
func (t *Tracker) RecordResponse(id string, status protocol.CommandStatus, result map[string]any, errMsg string) error {
	var newStatus Status
	switch status {
	case protocol.CommandStatusSuccess:
		newStatus = StatusCompleted
	default:
		newStatus = StatusFailed
	}

	return t.transition(id, func(e *Execution) error {
		if e.Status.terminal() {
			return ErrTerminal
		}
		e.Status = newStatus
		e.Result = result
		e.Error = errMsg
		return nil
	}, "command response recorded")
}

// Fail transitions a non-terminal command straight to Failed, e.g. when the
// Session Manager cannot deliver it (agent disconnected mid-flight).
func (t *Tracker) Fail(id string, reason string) error {
	return t.transition(id, func(e *Execution) error {
		if e.Status.terminal() {
			return ErrTerminal
		}
		e.Status = StatusFailed
		e.Error = reason
		return nil
	}, "command failed: "+reason)
}

// Cancel transitions a non-terminal command to Cancelled.
func (t *Tracker) Cancel(id string) error {
	return t.transition(id, func(e *Execution) error {
		if e.Status.terminal() {
			return ErrTerminal
		}
		e.Status = StatusCancelled
		return nil
	}, "command cancelled")
}

// transition applies mutate under the tracker lock, then publishes a
// state-change event on success. A mutate returning ErrTerminal is logged as
// a dropped-late-response warning rather than propagated loudly, matching
// spec §4.2's "dropped with a warning" language — but the error is still
// returned so callers can distinguish success from no-op.
func (t *Tracker) transition(id string, mutate func(*Execution) error, summary string) error {
	t.mu.Lock()
	exec, ok := t.cmd[id]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownCommand
	}

	prevStatus := exec.Status
	err := mutate(exec)
	if err != nil {
		t.mu.Unlock()
		if errors.Is(err, ErrTerminal) {
			t.log.Warn("dropped late response for terminal command",
				zap.String("command_id", id),
				zap.String("status", string(prevStatus)),
			)
		}
		return err
	}
	exec.UpdatedAt = time.Now().UTC()
	snap := exec.snapshot()
	t.mu.Unlock()

	t.publish(&snap, summary)
	return nil
}

// Get returns a snapshot of a tracked command's current execution state.
func (t *Tracker) Get(id string) (Execution, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	exec, ok := t.cmd[id]
	if !ok {
		return Execution{}, false
	}
	return exec.snapshot(), true
}

// PendingFor returns the commands for an agent that are still Queued, used
// to answer "send_pending_commands" on heartbeat (spec open question:
// dispatches CommandIds still in Queued state). Commands already sent are
// not included.
func (t *Tracker) PendingFor(agentID string) []Execution {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Execution
	for _, exec := range t.cmd {
		if exec.AgentID == agentID && exec.Status == StatusQueued {
			out = append(out, exec.snapshot())
		}
	}
	return out
}

// PendingCount returns the number of commands currently queued or in
// flight (non-terminal) across the whole fleet, for metrics reporting.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, exec := range t.cmd {
		if !exec.Status.terminal() {
			count++
		}
	}
	return count
}

// SweepTimeouts is invoked by the command timeout monitor (spec §5, every
// 60s). For every non-terminal command whose deadline has passed: if
// retry-count < max-retries, increment and re-enter Queued with a fresh
// deadline; otherwise transition to terminal Timeout and drop it from active
// tracking. Returns the CommandIds that timed out terminally.
func (t *Tracker) SweepTimeouts(now time.Time) []string {
	t.mu.Lock()
	var (
		timedOut  []string
		toPublish []Execution
	)
	for id, exec := range t.cmd {
		if exec.Status.terminal() || now.Before(exec.Deadline) {
			continue
		}
		if exec.RetryCount < exec.MaxRetries {
			exec.RetryCount++
			exec.Status = StatusQueued
			exec.Deadline = now.Add(exec.Timeout)
			exec.UpdatedAt = now
		} else {
			exec.Status = StatusTimeout
			exec.UpdatedAt = now
			timedOut = append(timedOut, id)
		}
		toPublish = append(toPublish, exec.snapshot())
	}
	t.mu.Unlock()

	for i := range toPublish {
		summary := "command retrying after timeout"
		if toPublish[i].Status == StatusTimeout {
			summary = "command timed out terminally"
		}
		t.publish(&toPublish[i], summary)
	}
	return timedOut
}

// Purge removes terminal commands older than ttl from the in-memory map.
// Terminal executions remain queryable via the durable store; this only
// bounds this process's resident set.
func (t *Tracker) Purge(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, exec := range t.cmd {
		if exec.Status.terminal() && exec.UpdatedAt.Before(cutoff) {
			delete(t.cmd, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) publish(exec *Execution, summary string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(events.Event{
		Type:    events.CommandStateChange,
		AgentID: exec.AgentID,
		Summary: summary,
		Detail: map[string]any{
			"command_id":  exec.CommandID,
			"status":      string(exec.Status),
			"retry_count": exec.RetryCount,
		},
	})
}
