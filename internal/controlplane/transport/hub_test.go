package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

func agentWSURL(t *testing.T, baseURL, agentID string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	u.Scheme = "ws"
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	q.Set("id", agentID)
	u.RawQuery = q.Encode()
	return u.String()
}

func dialAgentWS(t *testing.T, baseURL, agentID string) *websocket.Conn {
	t.Helper()
	wsURL := agentWSURL(t, baseURL, agentID)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial agent websocket: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatal("expected switching protocols")
	}
	_ = resp.Body.Close()
	return conn
}

func contains(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

func TestNewHub_InitialState(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	if got := hub.Connected(); len(got) != 0 {
		t.Fatalf("expected no connected agents, got %d", len(got))
	}
}

func TestRouteAgentCommand_UnknownAgentReturnsError(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	err := hub.RouteAgentCommand("missing", protocol.CommandPayload{CommandID: "c1"})
	if err == nil {
		t.Fatal("expected error when routing to a disconnected agent")
	}
}

func TestHandleAgentWS_RejectsMissingAgentID(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	req := httptest.NewRequest(http.MethodGet, "/ws/agent", nil)
	w := httptest.NewRecorder()
	hub.HandleAgentWS(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleAgentWS_ConnectAndDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer ts.Close()

	conn := dialAgentWS(t, ts.URL, "agent-one")
	waitFor(t, time.Second, func() bool { return contains(hub.Connected(), "agent-one") })

	conn.Close()
	waitFor(t, time.Second, func() bool { return len(hub.Connected()) == 0 })
}

func TestHandleAgentWS_DispatchesIncomingMessages(t *testing.T) {
	msgCh := make(chan protocol.MessageType, 1)
	hub := NewHub(zap.NewNop(), func(agentID string, env protocol.Envelope) {
		if agentID == "agent-emit" {
			select {
			case msgCh <- env.Type:
			default:
			}
		}
	})

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer ts.Close()

	conn := dialAgentWS(t, ts.URL, "agent-emit")
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return contains(hub.Connected(), "agent-emit") })

	env := protocol.Envelope{
		ID:        "env-1",
		Type:      protocol.MsgHeartbeat,
		Timestamp: time.Now().UTC(),
		Payload:   protocol.HeartbeatPayload{AgentID: "agent-emit"},
	}
	data, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-msgCh:
		if got != protocol.MsgHeartbeat {
			t.Fatalf("expected heartbeat, got %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for onMsg callback")
	}
}

func TestHandleAgentWS_MalformedJSONDoesNotBreakSession(t *testing.T) {
	msgCh := make(chan struct{}, 1)
	hub := NewHub(zap.NewNop(), func(agentID string, env protocol.Envelope) {
		if agentID == "agent-malformed" && env.Type == protocol.MsgHeartbeat {
			select {
			case msgCh <- struct{}{}:
			default:
			}
		}
	})

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer ts.Close()

	conn := dialAgentWS(t, ts.URL, "agent-malformed")
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"bad":`)); err != nil {
		t.Fatalf("write malformed payload: %v", err)
	}
	env := protocol.Envelope{ID: "env-ok", Type: protocol.MsgHeartbeat, Timestamp: time.Now().UTC(), Payload: protocol.HeartbeatPayload{AgentID: "agent-malformed"}}
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write valid payload: %v", err)
	}

	select {
	case <-msgCh:
	case <-time.After(2 * time.Second):
		t.Fatal("expected heartbeat callback after malformed payload")
	}
}

func TestRouteAgentCommand_SendsCommandEnvelope(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer ts.Close()

	conn := dialAgentWS(t, ts.URL, "agent-send")
	defer conn.Close()
	waitFor(t, time.Second, func() bool { return contains(hub.Connected(), "agent-send") })

	cmd := protocol.CommandPayload{CommandID: "cmd-1", CommandKind: protocol.CmdGetSystemInfo, Timeout: 7 * time.Second}
	if err := hub.RouteAgentCommand("agent-send", cmd); err != nil {
		t.Fatalf("route command: %v", err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got protocol.Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if got.Type != protocol.MsgCommand {
		t.Fatalf("expected command envelope, got %s", got.Type)
	}
	if got.ID == "" {
		t.Fatal("expected envelope id")
	}
}

func TestHandleAgentWS_RejectsInvalidCredentials(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	hub.SetAuthenticator(func(agentID, token string) bool {
		return agentID == "agent-good" && token == "valid-key"
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer srv.Close()

	wsURL := agentWSURL(t, srv.URL, "agent-good")
	header := http.Header{"Authorization": []string{"Bearer wrong-key"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestHandleAgentWS_AcceptsValidCredentials(t *testing.T) {
	hub := NewHub(zap.NewNop(), nil)
	hub.SetAuthenticator(func(agentID, token string) bool {
		return agentID == "agent-authed" && token == "valid-key-123"
	})
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleAgentWS))
	defer srv.Close()

	wsURL := agentWSURL(t, srv.URL, "agent-authed")
	header := http.Header{"Authorization": []string{"Bearer valid-key-123"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("expected success: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
}
