// Package transport manages endpoint agent WebSocket connections on the
// control plane: handshake authentication, per-connection read/write
// loops, keepalive, and command signing on outgoing traffic.
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/protocol"
	"github.com/sentryctl/fleet/internal/shared/signing"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CheckOrigin allows all origins — agents connect from arbitrary
	// networks. Authentication happens before upgrade via Authenticator.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AgentConn represents one connected agent's underlying socket.
type AgentConn struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time
	mu        sync.Mutex
}

// Authenticator validates an agent's identity and bearer credential.
type Authenticator func(agentID, bearerToken string) bool

// Hub owns every live agent socket.
type Hub struct {
	agents        map[string]*AgentConn
	mu            sync.RWMutex
	logger        *zap.Logger
	onMsg         func(agentID string, env protocol.Envelope) // dispatch to session.Manager
	onConnect     func(agentID string)
	onDisconnect  func(agentID string)
	authenticator Authenticator
	signer        *signing.Signer // nil disables outgoing signatures
}

// NewHub creates a Hub that dispatches every inbound message to onMsg.
func NewHub(logger *zap.Logger, onMsg func(string, protocol.Envelope)) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		agents: make(map[string]*AgentConn),
		logger: logger,
		onMsg:  onMsg,
	}
}

// SetSigner enables HMAC signing on outgoing command messages.
func (h *Hub) SetSigner(s *signing.Signer) {
	h.signer = s
}

// SetAuthenticator installs the handshake credential check.
func (h *Hub) SetAuthenticator(auth Authenticator) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authenticator = auth
}

// SetLifecycleHooks installs optional connect/disconnect callbacks.
func (h *Hub) SetLifecycleHooks(onConnect, onDisconnect func(agentID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = onConnect
	h.onDisconnect = onDisconnect
}

// HandleAgentWS is the HTTP handler for agent WebSocket connections.
func (h *Hub) HandleAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("id")
	if agentID == "" {
		http.Error(w, "missing agent id", http.StatusBadRequest)
		return
	}

	if h.authenticator != nil {
		token := extractBearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing authorization"}`, http.StatusUnauthorized)
			h.logger.Warn("agent connection rejected: no bearer token",
				zap.String("agent_id", agentID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
		if !h.authenticator(agentID, token) {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusForbidden)
			h.logger.Warn("agent connection rejected: invalid credentials",
				zap.String("agent_id", agentID),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	ac := &AgentConn{
		ID:        agentID,
		Conn:      conn,
		Connected: time.Now().UTC(),
		LastSeen:  time.Now().UTC(),
	}

	h.mu.Lock()
	if existing, ok := h.agents[agentID]; ok {
		existing.Conn.Close()
	}
	h.agents[agentID] = ac
	h.mu.Unlock()

	h.logger.Info("agent connected", zap.String("agent_id", agentID))
	if h.onConnect != nil {
		h.onConnect(agentID)
	}

	defer func() {
		conn.Close()
		h.mu.Lock()
		if h.agents[agentID] == ac {
			delete(h.agents, agentID)
		}
		h.mu.Unlock()
		h.logger.Info("agent disconnected", zap.String("agent_id", agentID))
		if h.onDisconnect != nil {
			h.onDisconnect(agentID)
		}
	}()

	conn.SetPongHandler(func(string) error {
		ac.mu.Lock()
		ac.LastSeen = time.Now().UTC()
		ac.mu.Unlock()
		return conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			ac.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			ac.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			h.logger.Warn("invalid message from agent",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
			continue
		}

		ac.mu.Lock()
		ac.LastSeen = time.Now().UTC()
		ac.mu.Unlock()

		if h.onMsg != nil {
			h.onMsg(agentID, env)
		}
	}
}

// RouteAgentCommand implements session.MessageRouter: it wraps a command
// payload in a signed Envelope and writes it to the agent's socket.
func (h *Hub) RouteAgentCommand(agentID string, cmd protocol.CommandPayload) error {
	return h.send(agentID, protocol.MsgCommand, cmd)
}

// BroadcastEmergencyAlert implements session.MessageRouter: it pushes an
// unsigned advisory (not a command) to every one of the affected agents
// that is currently connected, best-effort.
func (h *Hub) BroadcastEmergencyAlert(title, message string, severity domain.Severity, affectedAgents []string) error {
	payload := map[string]any{
		"title":    title,
		"message":  message,
		"severity": severity,
	}
	var firstErr error
	for _, agentID := range affectedAgents {
		if err := h.send(agentID, protocol.MsgPolicyUpdate, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *Hub) send(agentID string, msgType protocol.MessageType, payload any) error {
	h.mu.RLock()
	ac, ok := h.agents[agentID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("agent %s not connected", agentID)
	}

	env := protocol.Envelope{
		ID:        uuid.New().String(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	if h.signer != nil && msgType == protocol.MsgCommand {
		sig, err := h.signer.Sign(env.ID, payload)
		if err != nil {
			return fmt.Errorf("sign command: %w", err)
		}
		env.Signature = sig
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ac.mu.Lock()
	defer ac.mu.Unlock()
	return ac.Conn.WriteMessage(websocket.TextMessage, data)
}

// Connected returns the IDs of every currently connected agent.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.agents))
	for id := range h.agents {
		ids = append(ids, id)
	}
	return ids
}

// ConnInfo summarizes one connected agent socket for status endpoints.
type ConnInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
	Online    bool      `json:"online"`
}

// List returns a snapshot of every connected agent socket.
func (h *Hub) List() []ConnInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]ConnInfo, 0, len(h.agents))
	for _, ac := range h.agents {
		ac.mu.Lock()
		out = append(out, ConnInfo{
			ID:        ac.ID,
			Connected: ac.Connected,
			LastSeen:  ac.LastSeen,
			Online:    now.Sub(ac.LastSeen) < 60*time.Second,
		})
		ac.mu.Unlock()
	}
	return out
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
