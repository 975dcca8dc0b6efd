// Package tamper implements the Tamper Response Controller (C7): it
// classifies agent-side tamper reports by severity and selects a graded
// response depending on the agent's subscription tier, dispatching the
// selected actions through the Agent Session Manager.
package tamper

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/entitlement"
	"github.com/sentryctl/fleet/internal/controlplane/events"
	"github.com/sentryctl/fleet/internal/protocol"
)

// Kind enumerates the tamper signals an agent can report.
type Kind string

const (
	KindShutdown            Kind = "shutdown"
	KindServiceStop         Kind = "service_stop"
	KindUninstallAttempt    Kind = "uninstall_attempt"
	KindProcessKill         Kind = "process_kill"
	KindFileDeletion        Kind = "file_deletion"
	KindRegistryModification Kind = "registry_modification"
	KindConfigTampering     Kind = "config_tampering"
	KindFirewallBlock       Kind = "firewall_block"
	KindNetworkIsolation    Kind = "network_isolation"
)

// Report is a TamperReport from an agent session (spec §4.7).
type Report struct {
	AgentID       string
	Kind          Kind
	ProcessInfo   map[string]any
	SystemContext map[string]any
}

// classify maps a tamper kind to a severity per spec §4.7.
func classify(kind Kind) domain.Severity {
	switch kind {
	case KindShutdown, KindServiceStop, KindUninstallAttempt, KindProcessKill:
		return domain.SeverityHigh
	case KindFileDeletion, KindRegistryModification, KindConfigTampering, KindFirewallBlock, KindNetworkIsolation:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

// Action is a named, idempotent response operation dispatched as a command
// targeted at the reporting agent.
type Action string

const (
	ActionAlertUser               Action = "alert_user"
	ActionAttemptRestart          Action = "attempt_restart"
	ActionEnableEnhancedMonitoring Action = "enable_enhanced_monitoring"
	ActionBlockProcess            Action = "block_process"
	ActionCreateForensicSnapshot  Action = "create_forensic_snapshot"
	ActionIsolateSystem           Action = "isolate_system"
	ActionCreateMemoryDump        Action = "create_memory_dump"
	ActionForensicCollection      Action = "forensic_collection"
)

// actionCommand maps a response action to the command-kind dispatched to
// the agent for it. alert_user is not a command; it is routed through the
// notification collaborator instead (spec §4.7).
var actionCommand = map[Action]protocol.CommandKind{
	ActionAttemptRestart:          protocol.CmdRestartAgent,
	ActionEnableEnhancedMonitoring: protocol.CmdUpdateConfiguration,
	ActionBlockProcess:            protocol.CmdQuarantineFile,
	ActionCreateForensicSnapshot:  protocol.CmdCollectForensicData,
	ActionIsolateSystem:           protocol.CmdEmergencyIsolate,
	ActionCreateMemoryDump:        protocol.CmdCreateMemoryDump,
	ActionForensicCollection:      protocol.CmdCollectForensicData,
}

// SelectResponse returns the ordered set of actions for (tier, kind), per
// spec §4.7's table. Every tier always receives alert_user.
func SelectResponse(tier entitlement.Tier, kind Kind) []Action {
	actions := []Action{ActionAlertUser}

	switch kind {
	case KindShutdown, KindServiceStop:
		actions = append(actions, ActionAttemptRestart, ActionEnableEnhancedMonitoring)
	}

	if (tier == entitlement.TierProfessional || tier == entitlement.TierEnterprise) && kind == KindUninstallAttempt {
		actions = append(actions, ActionBlockProcess, ActionCreateForensicSnapshot, ActionAttemptRestart)
	}

	if tier == entitlement.TierEnterprise {
		actions = append(actions, ActionBlockProcess, ActionIsolateSystem, ActionCreateMemoryDump, ActionForensicCollection)
	}

	return dedupe(actions)
}

func dedupe(actions []Action) []Action {
	seen := make(map[Action]struct{}, len(actions))
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// CommandDispatcher sends a command to a specific agent, matching the
// subset of session.Manager's surface this controller needs.
type CommandDispatcher interface {
	SendCommand(agentID string, kind protocol.CommandKind, params map[string]any, timeout time.Duration, maxRetries int) (string, error)
}

// NotificationSink is the fire-and-forget notification collaborator from
// spec §6.
type NotificationSink interface {
	Send(userID, kind, subject, body string, priority domain.Severity, methods []string) error
}

// Controller is the C7 component.
type Controller struct {
	dispatcher CommandDispatcher
	notify     NotificationSink
	bus        *events.Bus
	log        *zap.Logger
}

// New constructs a Tamper Response Controller.
func New(dispatcher CommandDispatcher, notify NotificationSink, bus *events.Bus, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{dispatcher: dispatcher, notify: notify, bus: bus, log: log}
}

// Handle processes a tamper report: classifies severity, selects the
// graded response for the agent's tier, dispatches each action exactly
// once, and enqueues a Critical user notification.
func (c *Controller) Handle(report Report, agentTier entitlement.Tier, ownerUserID string) error {
	severity := classify(report.Kind)
	actions := SelectResponse(agentTier, report.Kind)

	if c.bus != nil {
		c.bus.Publish(events.Event{
			Type:    events.TamperDetected,
			AgentID: report.AgentID,
			Summary: fmt.Sprintf("tamper detected: %s (%s)", report.Kind, severity),
			Detail:  report,
		})
	}

	for _, action := range actions {
		if action == ActionAlertUser {
			c.sendNotification(ownerUserID, report, severity)
			continue
		}
		kind, ok := actionCommand[action]
		if !ok {
			c.log.Warn("tamper response action has no command mapping; skipping", zap.String("action", string(action)))
			continue
		}
		if c.dispatcher == nil {
			continue
		}
		if _, err := c.dispatcher.SendCommand(report.AgentID, kind, map[string]any{"tamper_action": string(action)}, 300*time.Second, 3); err != nil {
			c.log.Warn("failed to dispatch tamper response action", zap.String("agent_id", report.AgentID), zap.String("action", string(action)), zap.Error(err))
		}
	}

	return nil
}

func (c *Controller) sendNotification(userID string, report Report, severity domain.Severity) {
	if c.notify == nil {
		return
	}
	subject := fmt.Sprintf("Tamper detected on agent %s", report.AgentID)
	body := fmt.Sprintf("Tamper kind %q was reported with severity %s.", report.Kind, severity)
	if err := c.notify.Send(userID, "tamper_alert", subject, body, domain.SeverityCritical, []string{"email", "push"}); err != nil {
		c.log.Warn("tamper notification failed", zap.String("agent_id", report.AgentID), zap.Error(err))
	}
}
