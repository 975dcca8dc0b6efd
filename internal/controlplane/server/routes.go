package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sentryctl/fleet/internal/controlplane/audit"
	"github.com/sentryctl/fleet/internal/controlplane/auth"
	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/entitlement"
	"github.com/sentryctl/fleet/internal/controlplane/metrics"
	"github.com/sentryctl/fleet/internal/controlplane/transport"
	"github.com/sentryctl/fleet/internal/protocol"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /version", handleVersion)

	if s.cfg.AuthEnabled {
		mux.HandleFunc("GET /login", auth.HandleLoginPage("web/templates"))
		mux.HandleFunc("POST /login", auth.HandleLoginWithAudit(&userAuthAdapter{store: s.userStore}, &sessionAdapter{store: s.sessionStore, userStore: s.userStore}, s.auditRecorder()))
		mux.HandleFunc("POST /logout", auth.HandleLogout(&sessionAdapter{store: s.sessionStore, userStore: s.userStore}))
		mux.HandleFunc("GET /api/v1/me", auth.HandleMe())

		mux.HandleFunc("GET /api/v1/users", s.withPermission(auth.PermAdmin, s.handleListUsers))
		mux.HandleFunc("POST /api/v1/users", s.withPermission(auth.PermAdmin, s.handleCreateUser))
		mux.HandleFunc("DELETE /api/v1/users/{id}", s.withPermission(auth.PermAdmin, s.handleDeleteUser))

		mux.HandleFunc("GET /api/v1/keys", s.withPermission(auth.PermAdmin, auth.HandleListKeys(s.keyStore)))
		mux.HandleFunc("POST /api/v1/keys", s.withPermission(auth.PermAdmin, auth.HandleCreateKey(s.keyStore)))
		mux.HandleFunc("DELETE /api/v1/keys/{id}", s.withPermission(auth.PermAdmin, auth.HandleDeleteKey(s.keyStore)))
	}

	mux.HandleFunc("GET /api/v1/agents", s.withPermission(auth.PermFleetRead, s.handleListAgents))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.withPermission(auth.PermFleetRead, s.handleGetAgent))
	mux.HandleFunc("POST /api/v1/agents/{id}/commands", s.withPermission(auth.PermCommandExec, s.handleDispatchCommand))
	mux.HandleFunc("POST /api/v1/agents/{id}/isolate", s.withPermission(auth.PermCommandExec, s.handleEmergencyIsolate))

	mux.HandleFunc("GET /api/v1/rules", s.withPermission(auth.PermFleetRead, s.handleListRules))
	mux.HandleFunc("POST /api/v1/rules", s.withPermission(auth.PermFleetWrite, s.handleCreateRule))

	mux.HandleFunc("GET /api/v1/alerts", s.withPermission(auth.PermFleetRead, s.handleRecentAlerts))

	mux.HandleFunc("GET /api/v1/audit", s.withPermission(auth.PermAuditRead, s.handleAuditQuery))
	mux.HandleFunc("GET /api/v1/events", s.withPermission(auth.PermFleetRead, s.handleEventStream))

	mux.HandleFunc("GET /api/v1/webhooks", s.withPermission(auth.PermWebhookManage, s.webhookNotifier.ListWebhooks))
	mux.HandleFunc("POST /api/v1/webhooks", s.withPermission(auth.PermWebhookManage, s.webhookNotifier.RegisterWebhook))
	mux.HandleFunc("GET /api/v1/webhooks/{id}", s.withPermission(auth.PermWebhookManage, s.webhookNotifier.GetWebhook))
	mux.HandleFunc("DELETE /api/v1/webhooks/{id}", s.withPermission(auth.PermWebhookManage, s.webhookNotifier.DeleteWebhook))
	mux.HandleFunc("POST /api/v1/webhooks/{id}/test", s.withPermission(auth.PermWebhookManage, s.webhookNotifier.TestWebhook))
	mux.HandleFunc("GET /api/v1/webhooks/deliveries", s.withPermission(auth.PermWebhookManage, s.webhookNotifier.ListDeliveries))

	s.metrics = metrics.NewCollector(s.durableStore, &hubConnectedAdapter{hub: s.hub}, s.tracker, s.metricsAuditCounter())
	s.webhookNotifier.SetDeliveryObserver(s.metrics)
	mux.Handle("GET /metrics", s.metrics.Handler())

	mux.HandleFunc("GET /ws/agent", s.hub.HandleAgentWS)
}

func (s *Server) withPermission(perm auth.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requirePermission(w, r, perm) {
			return
		}
		next(w, r)
	}
}

// requirePermission returns true (and has written nothing) when the
// request may proceed. With auth disabled, every request passes.
func (s *Server) requirePermission(w http.ResponseWriter, r *http.Request, perm auth.Permission) bool {
	if !s.cfg.AuthEnabled {
		return true
	}

	if !auth.IsAuthenticated(r.Context()) {
		s.recordAuthorizationDenied(r, perm, "unauthenticated")
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
		return false
	}

	if !auth.HasPermissionFromContext(r.Context(), perm) {
		s.recordAuthorizationDenied(r, perm, "missing permission")
		writeJSONError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
		return false
	}

	return true
}

func (s *Server) recordAuthorizationDenied(r *http.Request, perm auth.Permission, reason string) {
	recorder := s.auditRecorder()
	if recorder == nil {
		return
	}

	actor := "unknown"
	if user := auth.UserFromContext(r.Context()); user != nil {
		actor = user.Username
	} else if key := auth.FromContext(r.Context()); key != nil {
		actor = "apikey:" + key.Name
	}

	recorder.Record(audit.Event{
		Timestamp: time.Now().UTC(),
		Type:      audit.EventAuthorizationDenied,
		Actor:     actor,
		Summary:   fmt.Sprintf("denied %s on %s: %s", perm, r.URL.Path, reason),
	})
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version,
		"commit":  commit,
		"date":    date,
	})
}

// --- agents ---

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"counts": s.durableStore.Count()})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, ok, err := s.durableStore.FindAgent(id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type dispatchCommandRequest struct {
	Command protocol.CommandKind `json:"command"`
	Params  map[string]any       `json:"params"`
}

func (s *Server) handleDispatchCommand(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req dispatchCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	agent, ok, err := s.durableStore.FindAgent(agentID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "not_found", "agent not found")
		return
	}

	role := operatorEntitlementRole(r)
	decision := s.entitlements.Resolve(role, entitlement.ParseTier(agent.Tier), req.Command)
	if !decision.Allowed {
		writeJSONError(w, http.StatusForbidden, "entitlement_denied", decision.AsError().Error())
		return
	}

	if d := s.dispatchLimiter.Allow(agentID, true); !d.Allowed {
		writeJSONError(w, http.StatusTooManyRequests, "rate_limited", d.Reason)
		return
	}
	s.dispatchLimiter.RecordStart(agentID)

	commandID, err := s.sessions.SendCommand(agentID, req.Command, req.Params, 5*time.Minute, 2)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "dispatch_failed", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"command_id": commandID})
}

func (s *Server) handleEmergencyIsolate(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "operator-initiated isolation"
	}

	if err := s.sessions.EmergencyIsolate(agentID, body.Reason); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "isolate_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "isolating"})
}

// operatorEntitlementRole maps the authenticated web role (admin/operator/
// viewer) onto the entitlement package's command-dispatch role axis
// (User/Admin/Analyst/SystemAdmin). These are deliberately separate
// enumerations — one gates UI/API surface, the other gates what commands a
// role may issue against an agent of a given tier — so an unauthenticated
// or auth-disabled deployment defaults to the least privileged command
// role rather than silently inheriting admin rights.
func operatorEntitlementRole(r *http.Request) entitlement.Role {
	user := auth.UserFromContext(r.Context())
	if user == nil {
		return entitlement.RoleUser
	}
	switch auth.Role(user.Role) {
	case auth.RoleAdmin:
		return entitlement.RoleSystemAdmin
	case auth.RoleOperator:
		return entitlement.RoleAnalyst
	default:
		return entitlement.RoleUser
	}
}

// --- detection rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled_only") == "true"
	rules, err := s.durableStore.ListRules(enabledOnly)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.DetectionRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid rule body")
		return
	}
	if err := s.durableStore.PersistRule(rule); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

// --- alerts ---

func (s *Server) handleRecentAlerts(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	alerts, err := s.durableStore.RecentAlerts(n)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

// --- audit ---

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	f := audit.Filter{AgentID: r.URL.Query().Get("agent_id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			f.Limit = parsed
		}
	}

	if s.auditStore != nil {
		events, err := s.auditStore.QueryPersisted(f)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, events)
		return
	}
	writeJSON(w, http.StatusOK, s.auditLog.Query(f))
}

// --- event stream (SSE) ---

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	subID := fmt.Sprintf("sse-%p", r)
	ch := s.bus.Subscribe(subID)
	defer s.bus.Unsubscribe(subID)

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", evt.JSON())
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// --- users ---

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	list, err := s.userStore.List()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "storage_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid user body")
		return
	}
	u, err := s.userStore.Create(req.Username, req.DisplayName, req.Password, req.Role)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "create_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.userStore.Delete(r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// hubConnectedAdapter bridges transport.Hub's Connected() []string into
// metrics.HubStats' Connected() int.
type hubConnectedAdapter struct {
	hub *transport.Hub
}

func (a *hubConnectedAdapter) Connected() int {
	return len(a.hub.Connected())
}
