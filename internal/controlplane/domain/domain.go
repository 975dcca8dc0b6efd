// Package domain holds the shared durable entities of the fleet control
// plane (Agent, SecurityEvent, DetectionRule, ThreatAlert). These are
// shared durable records: in-memory components hold only IDs into them: see
// the ownership note in the data model — the Session Manager, Command
// Tracker, and Correlation Engine each own their own in-memory structures,
// but the entities themselves live here and in the durable store.
package domain

import "time"

// AgentStatus is the lifecycle status of an Agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentError    AgentStatus = "error"
	AgentIsolated AgentStatus = "isolated"
)

// Agent is the durable record for one endpoint agent.
type Agent struct {
	AgentID         string
	TenantID        string
	OwningUserID    string
	Fingerprint     string // >= 10 chars, immutable for the agent's life
	OS              map[string]any
	Status          AgentStatus
	LastHeartbeat   time.Time
	LastSeen        time.Time
	Version         string
	Capabilities    []string
	Tier            string // subscription tier at registration
	RegisteredAt    time.Time
}

// Severity is the shared severity scale for events and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank gives severities a total order for threshold comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s is at or above floor on the severity scale.
func (s Severity) AtLeast(floor Severity) bool {
	return s.Rank() >= floor.Rank()
}

// SecurityEvent is an immutable security observation reported by an agent.
type SecurityEvent struct {
	EventID     string
	AgentID     string
	EventType   string
	Severity    Severity
	Title       string
	Description string
	Details     map[string]any
	RawData     map[string]any
	SourceIP    string
	ProcessName string
	FilePath    string
	User        string
	RegistryKey string
	Success     *bool // for authentication events: nil if not applicable
	OccurredAt  time.Time
	IngestedAt  time.Time
}

// AlertStatus is the lifecycle status of a ThreatAlert.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

// ThreatAlert is a raised alert, optionally tied back to a SecurityEvent and
// DetectionRule.
type ThreatAlert struct {
	AlertID     string
	EventID     string
	RuleID      string
	AgentID     string
	AlertType   string
	Severity    Severity
	Title       string
	Description string
	Status      AlertStatus
	Assignee    string
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// RuleType identifies the condition schema a DetectionRule uses.
type RuleType string

const (
	RuleTypeProcess        RuleType = "process"
	RuleTypeFile           RuleType = "file"
	RuleTypeNetwork        RuleType = "network"
	RuleTypeRegistry       RuleType = "registry"
	RuleTypeAuthentication RuleType = "authentication"
	RuleTypeGeneric        RuleType = "generic"
)

// DetectionRule is an admin-managed detection rule.
type DetectionRule struct {
	RuleID    string
	Name      string
	Type      RuleType
	Severity  Severity
	Condition Condition
	Enabled   bool
	CreatedBy string
}

// Condition is a typed ADT: exactly one field is populated, matching
// RuleType. Rules are data, not code — the engine dispatches on Type rather
// than evaluating arbitrary expressions.
type Condition struct {
	Process        *ProcessCondition
	File           *FileCondition
	Network        *NetworkCondition
	Registry       *RegistryCondition
	Authentication *AuthenticationCondition
	Generic        *GenericCondition
}

// ProcessCondition matches on suspicious process names or file extensions.
type ProcessCondition struct {
	SuspiciousPathFragments []string
	SuspiciousExtensions    []string
}

// FileCondition matches on protected path prefixes and an optional
// operation set.
type FileCondition struct {
	ProtectedPathPrefixes []string
	Operations            []string // empty means any operation matches
}

// NetworkCondition matches a source IP against threat-intel categories,
// falling back to coarse private/public classification.
type NetworkCondition struct {
	Categories []string
}

// RegistryCondition matches a substring against the event's registry key.
type RegistryCondition struct {
	KeyFragments []string
}

// AuthenticationCondition is a windowed failed-login count predicate.
type AuthenticationCondition struct {
	WindowSeconds int
	Threshold     int
}

// GenericCondition is a severity floor check.
type GenericCondition struct {
	MinSeverity Severity
}
