package server

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/entitlement"
	"github.com/sentryctl/fleet/internal/controlplane/tamper"
	"github.com/sentryctl/fleet/internal/protocol"
	"github.com/sentryctl/fleet/internal/shared/security"
)

// handleAgentMessage dispatches one envelope received over the WebSocket
// hub to the collaborator that owns its message type. It is passed to
// transport.NewHub as the onMsg closure.
func (s *Server) handleAgentMessage(agentID string, env protocol.Envelope) {
	switch env.Type {
	case protocol.MsgRegister:
		data, _ := json.Marshal(env.Payload)
		var reg protocol.RegistrationPayload
		if err := json.Unmarshal(data, &reg); err != nil {
			s.log.Warn("malformed registration payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if _, err := s.sessions.Register(reg, agentID); err != nil {
			s.log.Warn("agent registration failed", zap.String("agent_id", agentID), zap.Error(err))
		}

	case protocol.MsgHeartbeat:
		data, _ := json.Marshal(env.Payload)
		var hb protocol.HeartbeatPayload
		if err := json.Unmarshal(data, &hb); err != nil {
			s.log.Warn("malformed heartbeat payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if err := s.sessions.ProcessHeartbeat(agentID, hb, nil); err != nil {
			s.log.Warn("heartbeat processing failed", zap.String("agent_id", agentID), zap.Error(err))
		}

	case protocol.MsgSystemInfo:
		data, _ := json.Marshal(env.Payload)
		var info protocol.SystemInfoPayload
		if err := json.Unmarshal(data, &info); err != nil {
			s.log.Warn("malformed system info payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if err := s.sessions.ProcessHeartbeat(agentID, protocol.HeartbeatPayload{AgentID: agentID}, &info); err != nil {
			s.log.Warn("system info processing failed", zap.String("agent_id", agentID), zap.Error(err))
		}

	case protocol.MsgSecurityEvent:
		data, _ := json.Marshal(env.Payload)
		var payload protocol.SecurityEventPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.log.Warn("malformed security event payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		evt := securityEventFromPayload(agentID, payload)
		if err := s.sessions.ProcessEvents(agentID, []domain.SecurityEvent{evt}); err != nil {
			s.log.Warn("security event processing failed", zap.String("agent_id", agentID), zap.Error(err))
		}

	case protocol.MsgThreatAlert:
		data, _ := json.Marshal(env.Payload)
		var payload protocol.ThreatAlertPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.log.Warn("malformed threat alert payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if err := s.durableStore.CreateAlert(domain.ThreatAlert{
			AgentID:     agentID,
			AlertType:   payload.ThreatType,
			Severity:    domain.Severity(payload.Severity),
			Title:       payload.ThreatType,
			Description: security.Sanitize(strings.Join(payload.AffectedResources, ", ")),
			Status:      domain.AlertOpen,
		}); err != nil {
			s.log.Warn("failed to persist agent-reported alert", zap.String("agent_id", agentID), zap.Error(err))
		}

	case protocol.MsgLogData:
		data, _ := json.Marshal(env.Payload)
		var payload protocol.LogDataPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.log.Warn("malformed log data payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		s.log.Debug("agent log",
			zap.String("agent_id", agentID),
			zap.String("level", payload.Level),
			zap.String("category", payload.Category),
			zap.String("message", payload.Message),
		)

	case protocol.MsgCommandResult:
		data, _ := json.Marshal(env.Payload)
		var result protocol.CommandResultPayload
		if err := json.Unmarshal(data, &result); err != nil {
			s.log.Warn("malformed command result payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		if err := s.sessions.RecordCommandResponse(agentID, result.CommandID, result.Status, result.Result, result.ErrorMessage); err != nil {
			s.log.Warn("command result processing failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		s.dispatchLimiter.RecordComplete(agentID)

	case protocol.MsgTamperReport:
		data, _ := json.Marshal(env.Payload)
		var payload protocol.TamperReportPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			s.log.Warn("malformed tamper report payload", zap.String("agent_id", agentID), zap.Error(err))
			return
		}
		s.handleTamperReport(agentID, payload)

	default:
		s.log.Debug("unhandled message type", zap.String("agent_id", agentID), zap.String("type", string(env.Type)))
	}
}

func (s *Server) handleTamperReport(agentID string, payload protocol.TamperReportPayload) {
	agentTier := entitlement.TierFree
	ownerUserID := ""
	if agent, ok, err := s.durableStore.FindAgent(agentID); err == nil && ok {
		agentTier = entitlement.ParseTier(agent.Tier)
		ownerUserID = agent.OwningUserID
	}

	report := tamper.Report{
		AgentID:       agentID,
		Kind:          tamper.Kind(payload.TamperKind),
		ProcessInfo:   payload.ProcessInfo,
		SystemContext: payload.SystemContext,
	}
	if err := s.tamperCtl.Handle(report, agentTier, ownerUserID); err != nil {
		s.log.Warn("tamper response failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// securityEventFromPayload converts a wire payload into a durable record,
// sanitizing free-text fields an agent controls so a compromised endpoint
// can't smuggle credentials or tokens into the audit trail via its own
// event descriptions.
func securityEventFromPayload(agentID string, p protocol.SecurityEventPayload) domain.SecurityEvent {
	return domain.SecurityEvent{
		AgentID:     agentID,
		EventType:   p.EventType,
		Severity:    domain.Severity(p.Severity),
		Title:       security.Sanitize(p.Title),
		Description: security.Sanitize(p.Description),
		Details:     p.Details,
		RawData:     p.RawData,
		SourceIP:    p.SourceIP,
		ProcessName: p.ProcessName,
		FilePath:    p.FilePath,
		User:        p.User,
		OccurredAt:  p.Timestamp,
	}
}
