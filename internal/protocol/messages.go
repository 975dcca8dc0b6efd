// Package protocol defines the wire protocol between the control plane and
// endpoint agents. Both sides import this package to ensure type safety.
// Framing is transport-agnostic: every message is a JSON-tagged Envelope: the
// WebSocket/HTTP layer that carries it is a collaborator, not part of this
// package.
package protocol

import "time"

// MessageType identifies the kind of message on the wire.
type MessageType string

const (
	// Agent → Server
	MsgRegister      MessageType = "register"
	MsgHeartbeat     MessageType = "heartbeat"
	MsgSystemInfo    MessageType = "system_info"
	MsgSecurityEvent MessageType = "security_event"
	MsgThreatAlert   MessageType = "threat_alert"
	MsgLogData       MessageType = "log_data"
	MsgCommandResult MessageType = "command_result"
	MsgTamperReport  MessageType = "tamper_report"

	// Server → Agent
	MsgConfiguration MessageType = "configuration"
	MsgCommand       MessageType = "command"
	MsgUpdate        MessageType = "update_available"
	MsgPolicyUpdate  MessageType = "policy_update"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
	Signature string      `json:"signature,omitempty"` // HMAC over command payloads
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

// RegistrationPayload is sent by the agent on initial connection.
type RegistrationPayload struct {
	AgentID      string   `json:"agent_id"`
	Hostname     string   `json:"hostname"`
	Platform     string   `json:"platform"`
	Architecture string   `json:"architecture"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
	Fingerprint  string   `json:"fingerprint"`
}

// HeartbeatPayload is sent by the agent periodically.
type HeartbeatPayload struct {
	AgentID      string         `json:"agent_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Status       string         `json:"status"`
	SystemHealth map[string]any `json:"system_health,omitempty"`
	Version      string         `json:"version"`
}

// SystemInfoPayload carries system metrics (cpu/memory/disk/network/process/uptime).
type SystemInfoPayload struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	CPU       float64        `json:"cpu_percent"`
	Memory    float64        `json:"memory_percent"`
	Disk      float64        `json:"disk_percent"`
	Network   map[string]any `json:"network,omitempty"`
	Processes int            `json:"process_count"`
	UptimeSec int64           `json:"uptime_seconds"`
}

// SecurityEventPayload is a single security observation reported by an agent.
type SecurityEventPayload struct {
	AgentID     string         `json:"agent_id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	RawData     map[string]any `json:"raw_data,omitempty"`
	SourceIP    string         `json:"source_ip,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	FilePath    string         `json:"file_path,omitempty"`
	User        string         `json:"user,omitempty"`
}

// ThreatAlertPayload lets an agent push a pre-classified threat directly.
type ThreatAlertPayload struct {
	AgentID            string         `json:"agent_id"`
	Timestamp          time.Time      `json:"timestamp"`
	ThreatType         string         `json:"threat_type"`
	Severity           Severity       `json:"severity"`
	Confidence         float64        `json:"confidence"` // 0..1
	AffectedResources  []string       `json:"affected_resources,omitempty"`
	MitigationSteps    []string       `json:"mitigation_steps,omitempty"`
	RawData            map[string]any `json:"raw_data,omitempty"`
}

// LogDataPayload streams agent-side log lines upstream.
type LogDataPayload struct {
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// TamperReportPayload is sent by the agent when a local actor attempts to
// disable or modify it (spec §4.7).
type TamperReportPayload struct {
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	TamperKind    string         `json:"tamper_kind"`
	ProcessInfo   map[string]any `json:"process_info,omitempty"`
	SystemContext map[string]any `json:"system_context,omitempty"`
}

// CommandKind enumerates every command an operator may dispatch to an agent.
type CommandKind string

const (
	CmdGetSystemInfo          CommandKind = "get_system_info"
	CmdGetProcessList         CommandKind = "get_process_list"
	CmdGetServices            CommandKind = "get_services"
	CmdGetNetworkConnections  CommandKind = "get_network_connections"
	CmdGetInstalledSoftware   CommandKind = "get_installed_software"
	CmdGetSystemMetrics       CommandKind = "get_system_metrics"
	CmdGetFileHash            CommandKind = "get_file_hash"
	CmdGetFileContent         CommandKind = "get_file_content"
	CmdListDirectoryContents  CommandKind = "list_directory_contents"
	CmdFindFiles              CommandKind = "find_files"
	CmdGetFileMetadata        CommandKind = "get_file_metadata"
	CmdRunQuickScan           CommandKind = "run_quick_scan"
	CmdRunFullScan            CommandKind = "run_full_scan"
	CmdGetSecurityLogs        CommandKind = "get_security_logs"
	CmdGetThreatDetections    CommandKind = "get_threat_detections"
	CmdQuarantineFile         CommandKind = "quarantine_file"
	CmdCollectForensicData    CommandKind = "collect_forensic_data"
	CmdCreateMemoryDump       CommandKind = "create_memory_dump"
	CmdGetRegistryKeys        CommandKind = "get_registry_keys"
	CmdGetEventLogs           CommandKind = "get_event_logs"
	CmdCollectNetworkCapture  CommandKind = "collect_network_capture"
	CmdUpdateConfiguration    CommandKind = "update_configuration"
	CmdRestartAgent           CommandKind = "restart_agent"
	CmdGetAgentStatus         CommandKind = "get_agent_status"
	CmdEnableFeature          CommandKind = "enable_feature"
	CmdDisableFeature         CommandKind = "disable_feature"
	CmdUpdateAgent            CommandKind = "update_agent"
	CmdGetAgentLogs           CommandKind = "get_agent_logs"
	CmdEmergencyIsolate       CommandKind = "emergency_isolate"
	CmdConfigure              CommandKind = "configure"
)

// CommandPayload is dispatched from the control plane to an agent.
type CommandPayload struct {
	CommandID   string         `json:"command_id"`
	CommandKind CommandKind    `json:"command_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
}

// CommandStatus is the terminal/non-terminal status of a command response.
type CommandStatus string

const (
	CommandStatusSuccess      CommandStatus = "success"
	CommandStatusFailed       CommandStatus = "failed"
	CommandStatusTimeout      CommandStatus = "timeout"
	CommandStatusUnauthorized CommandStatus = "unauthorized"
)

// CommandResultPayload is the agent's response to a command.
type CommandResultPayload struct {
	CommandID       string         `json:"command_id"`
	Status          CommandStatus  `json:"status"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
}

// ConfigurationPayload pushes configuration down to an agent.
type ConfigurationPayload struct {
	Configuration map[string]any `json:"configuration"`
	Version       string         `json:"version"`
	AppliedAt     *time.Time     `json:"applied_at,omitempty"`
}

// UpdatePayload tells the agent a new version is available.
type UpdatePayload struct {
	Version           string     `json:"version"`
	DownloadURL       string     `json:"download_url"`
	Checksum          string     `json:"checksum"`
	ChecksumAlgorithm string     `json:"checksum_algorithm"`
	Mandatory         bool       `json:"mandatory"`
	Deadline          *time.Time `json:"deadline,omitempty"`
}

// PolicyUpdatePayload pushes a detection/behavior policy to an agent.
type PolicyUpdatePayload struct {
	PolicyID      string    `json:"policy_id"`
	PolicyName    string    `json:"policy_name"`
	PolicyVersion string    `json:"policy_version"`
	Rules         []any     `json:"rules,omitempty"`
	EffectiveDate time.Time `json:"effective_date"`
}
