// Package audit provides an append-only audit log for control plane
// actions: agent registrations, command dispatch/results, rule changes,
// alerts, and tamper responses.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventAgentRegistered EventType = "agent.registered"
	EventAgentOffline    EventType = "agent.offline"
	EventAgentIsolated   EventType = "agent.isolated"
	EventCommandSent     EventType = "command.sent"
	EventCommandResult   EventType = "command.result"
	EventRuleChanged     EventType = "rule.changed"
	EventAlertCreated    EventType = "alert.created"
	EventAlertResolved   EventType = "alert.resolved"
	EventTamperDetected  EventType = "tamper.detected"
	EventTamperResponded EventType = "tamper.responded"
	EventAPIKeyGenerated EventType = "api_key.generated"
	EventAPIKeyRevoked   EventType = "api_key.revoked"

	EventLoginSuccess        EventType = "auth.login"
	EventLoginFailed         EventType = "auth.login_failed"
	EventAuthorizationDenied EventType = "auth.authorization_denied"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	Actor     string    `json:"actor,omitempty"` // who initiated: user, system, or the agent itself
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Before    any       `json:"before,omitempty"`
	After     any       `json:"after,omitempty"`
}

// Log is an append-only, optionally ring-bounded audit log.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // 0 = unbounded
}

// NewLog creates an audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log, stamping ID/Timestamp if unset.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Emit is a convenience for recording a minimal event.
func (l *Log) Emit(typ EventType, agentID, actor, summary string) {
	l.Record(Event{Type: typ, AgentID: agentID, Actor: actor, Summary: summary})
}

// Filter selects a subset of the log.
type Filter struct {
	AgentID string
	Type    EventType
	Since   time.Time
	Until   time.Time
	Cursor  string
	Limit   int
}

// Query returns events matching the filter, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]
		if f.AgentID != "" && evt.AgentID != f.AgentID {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}
		result = append(result, evt)
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result
}

// Recent returns the n most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns the total number of retained events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all retained events (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
