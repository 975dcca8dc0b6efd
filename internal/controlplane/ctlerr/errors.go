// Package ctlerr is the typed error taxonomy from spec §7, shared across
// every core component so callers can type-switch on what went wrong
// instead of matching error strings.
package ctlerr

import "fmt"

// AgentNotFound is returned when a referenced AgentId is not in the
// connection map or durable store. Never retried internally.
type AgentNotFound struct {
	AgentID string
}

func (e *AgentNotFound) Error() string {
	return fmt.Sprintf("agent not found: %s", e.AgentID)
}

// ValidationError is returned for malformed registration, invalid
// fingerprint, or invalid command parameters. Rejected at ingress, never
// enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// BackpressureError is returned when a queue is saturated. Callers are
// expected to retry with jitter.
type BackpressureError struct {
	Queue string
	Depth int
	Cap   int
}

func (e *BackpressureError) Error() string {
	return fmt.Sprintf("backpressure: queue %q at depth %d/%d", e.Queue, e.Depth, e.Cap)
}

// CommandTimeout reports a command that reached terminal Timeout after
// exhausting its retries.
type CommandTimeout struct {
	CommandID string
}

func (e *CommandTimeout) Error() string {
	return fmt.Sprintf("command %s timed out after exhausting retries", e.CommandID)
}

// StorageError wraps a transient durable-store failure. It is returned to the
// caller on the first failed attempt; nothing retries the operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// TransportError wraps a transient message-router/transport failure. Like
// StorageError, it is returned on the first failure without a retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
