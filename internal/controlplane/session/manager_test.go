package session

import (
	"sync"
	"testing"
	"time"

	"github.com/sentryctl/fleet/internal/controlplane/cmdtracker"
	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/events"
	"github.com/sentryctl/fleet/internal/protocol"
)

type memStore struct {
	mu     sync.Mutex
	agents map[string]domain.Agent
}

func newMemStore() *memStore { return &memStore{agents: make(map[string]domain.Agent)} }

func (s *memStore) FindAgent(id string) (domain.Agent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	return a, ok, nil
}

func (s *memStore) PersistAgent(a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentID] = a
	return nil
}

type recordingRouter struct {
	mu       sync.Mutex
	sent     []protocol.CommandPayload
	failNext bool
}

func (r *recordingRouter) RouteAgentCommand(agentID string, cmd protocol.CommandPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, cmd)
	return nil
}

func (r *recordingRouter) BroadcastEmergencyAlert(title, message string, severity domain.Severity, affectedAgents []string) error {
	return nil
}

func newTestManager() (*Manager, *memStore, *recordingRouter, *cmdtracker.Tracker) {
	store := newMemStore()
	router := &recordingRouter{}
	bus := events.NewBus(32)
	tracker := cmdtracker.New(bus, nil)
	mgr := New(DefaultConfig(), store, tracker, nil, router, bus, nil)
	return mgr, store, router, tracker
}

func TestRegisterRejectsShortFingerprint(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	_, err := mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "short"}, "conn-1")
	if err == nil {
		t.Fatal("expected validation error for short fingerprint")
	}
}

func TestRegisterDispatchesConfigureCommand(t *testing.T) {
	mgr, _, router, _ := newTestManager()
	_, err := mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "0123456789"}, "conn-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.sent) != 1 || router.sent[0].CommandKind != protocol.CmdConfigure {
		t.Fatalf("expected one configure command dispatched, got %+v", router.sent)
	}
}

// Invariant 6: re-registering an already-registered AgentId replaces the
// connection atomically — exactly one connection exists afterward, prior
// pending commands remain attached.
func TestReRegisterPreservesPendingCommands(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	_, _ = mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "0123456789"}, "conn-1")

	id, err := mgr.SendCommand("a1", protocol.CmdGetSystemInfo, nil, time.Minute, 3)
	if err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	_, err = mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "0123456789"}, "conn-2")
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	conn, ok := mgr.Get("a1")
	if !ok {
		t.Fatal("expected connection to exist")
	}
	if conn.ConnectionID != "conn-2" {
		t.Fatalf("expected new connection id, got %s", conn.ConnectionID)
	}
	found := false
	for _, pending := range conn.PendingCommands {
		if pending == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected prior pending command %s to remain attached, got %v", id, conn.PendingCommands)
	}
}

func TestSendCommandAgentNotFound(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	_, err := mgr.SendCommand("ghost", protocol.CmdGetSystemInfo, nil, time.Minute, 3)
	if err == nil {
		t.Fatal("expected AgentNotFound error")
	}
}

// S1: heartbeat_interval=50ms (scaled down from spec's 1s for test speed),
// max_missed=3. Register, heartbeat once, wait past the threshold: the
// watchdog must flip the agent to Offline and broadcast exactly once.
func TestHeartbeatWatchdogFlipsOffline_S1(t *testing.T) {
	store := newMemStore()
	router := &recordingRouter{}
	bus := events.NewBus(32)
	tracker := cmdtracker.New(bus, nil)
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.MaxMissedHeartbeats = 3
	mgr := New(cfg, store, tracker, nil, router, bus, nil)

	sub := bus.Subscribe("watch")
	defer bus.Unsubscribe("watch")

	_, err := mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "0123456789"}, "conn-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := mgr.ProcessHeartbeat("a1", protocol.HeartbeatPayload{AgentID: "a1"}, nil); err != nil {
		t.Fatalf("ProcessHeartbeat: %v", err)
	}

	// Directly invoke the watchdog pass rather than waiting on real ticks,
	// simulating elapsed time past the threshold.
	mgr.mu.Lock()
	mgr.conns["a1"].LastHeartbeat = time.Now().UTC().Add(-time.Second)
	mgr.mu.Unlock()

	mgr.runWatchdog(cfg.HeartbeatInterval)

	conn, ok := mgr.Get("a1")
	if !ok || conn.Status != domain.AgentOffline {
		t.Fatalf("expected agent to flip Offline, got %+v", conn)
	}

	offlineEvents := 0
	drain := true
	for drain {
		select {
		case evt := <-sub:
			if evt.Type == events.AgentOffline {
				offlineEvents++
			}
		case <-time.After(50 * time.Millisecond):
			drain = false
		}
	}
	if offlineEvents != 1 {
		t.Fatalf("expected exactly 1 offline broadcast, got %d", offlineEvents)
	}
}

func TestProcessHeartbeatUnknownAgent(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	err := mgr.ProcessHeartbeat("ghost", protocol.HeartbeatPayload{AgentID: "ghost"}, nil)
	if err == nil {
		t.Fatal("expected AgentNotFound")
	}
}

func TestEmergencyIsolateFlipsStatus(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	_, _ = mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "0123456789"}, "conn-1")

	if err := mgr.EmergencyIsolate("a1", "tamper detected"); err != nil {
		t.Fatalf("EmergencyIsolate: %v", err)
	}
	conn, _ := mgr.Get("a1")
	if conn.Status != domain.AgentIsolated {
		t.Fatalf("expected Isolated status, got %v", conn.Status)
	}
}

func TestBroadcastEmergencyOnlyTargetsOnline(t *testing.T) {
	mgr, _, _, _ := newTestManager()
	_, _ = mgr.Register(protocol.RegistrationPayload{AgentID: "a1", Fingerprint: "0123456789"}, "conn-1")
	_, _ = mgr.Register(protocol.RegistrationPayload{AgentID: "a2", Fingerprint: "0123456789"}, "conn-2")

	mgr.mu.Lock()
	mgr.conns["a2"].Status = domain.AgentOffline
	mgr.mu.Unlock()

	accepted, err := mgr.BroadcastEmergency(protocol.CmdRestartAgent, nil)
	if err != nil {
		t.Fatalf("BroadcastEmergency: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != "a1" {
		t.Fatalf("expected only a1 to be targeted, got %v", accepted)
	}
}
