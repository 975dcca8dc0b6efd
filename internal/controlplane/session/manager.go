// Package session implements the Agent Session Manager (C6): the
// authoritative map of connected agents, heartbeat watchdog, command
// fan-out, and emergency isolation. It exclusively owns the AgentConnection
// map (spec §3's ownership note); Agent durable records live behind the
// AgentStore collaborator.
package session

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/cmdtracker"
	"github.com/sentryctl/fleet/internal/controlplane/ctlerr"
	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/events"
	"github.com/sentryctl/fleet/internal/protocol"
)

// AgentStore is the subset of the durable store collaborator (spec §6)
// this manager consults: `find_agent`/`persist_agent`.
type AgentStore interface {
	FindAgent(agentID string) (domain.Agent, bool, error)
	PersistAgent(agent domain.Agent) error
}

// EventQueuer accepts a batch of security events for pipeline processing
// (spec §4.6's `process_events` → `queue_events_batch`).
type EventQueuer interface {
	QueueEventsBatch(evts []domain.SecurityEvent) error
}

// MessageRouter transmits to an agent or broadcasts, per spec §6's
// collaborator contract.
type MessageRouter interface {
	RouteAgentCommand(agentID string, cmd protocol.CommandPayload) error
	BroadcastEmergencyAlert(title, message string, severity domain.Severity, affectedAgents []string) error
}

// metricsRingSize bounds the per-connection buffered-metrics ring.
const metricsRingSize = 20

// Connection is the in-memory-only AgentConnection record from spec §3: at
// most one per AgentId; a new registration supersedes the prior.
type Connection struct {
	AgentID         string
	ConnectionID    string
	Status          domain.AgentStatus
	Tier            string
	Fingerprint     string
	PendingCommands []string
	Metrics         []protocol.SystemInfoPayload
	LastHeartbeat   time.Time
	LastSeen        time.Time
	RegisteredAt    time.Time
}

func (c *Connection) pushMetric(m protocol.SystemInfoPayload) {
	c.Metrics = append(c.Metrics, m)
	if len(c.Metrics) > metricsRingSize {
		c.Metrics = c.Metrics[len(c.Metrics)-metricsRingSize:]
	}
}

func (c *Connection) snapshot() Connection {
	cp := *c
	cp.PendingCommands = append([]string(nil), c.PendingCommands...)
	return cp
}

// Config holds the manager's tunable defaults (spec §4.6/§5/§6).
type Config struct {
	HeartbeatInterval      time.Duration
	MaxMissedHeartbeats    int
	CommandTimeout         time.Duration
	CommandTimeoutMonitor  time.Duration
	ConnectionCleanerEvery time.Duration
	ConnectionMaxAge       time.Duration
}

// DefaultConfig matches spec §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:      30 * time.Second,
		MaxMissedHeartbeats:    3,
		CommandTimeout:         cmdtracker.DefaultTimeout,
		CommandTimeoutMonitor:  60 * time.Second,
		ConnectionCleanerEvery: 5 * time.Minute,
		ConnectionMaxAge:       24 * time.Hour,
	}
}

// Manager is the C6 component.
type Manager struct {
	mu    sync.RWMutex
	conns map[string]*Connection

	cfg     Config
	store   AgentStore
	tracker *cmdtracker.Tracker
	pipe    EventQueuer
	router  MessageRouter
	bus     *events.Bus
	log     *zap.Logger

	runMu      sync.Mutex
	stopCh     chan struct{}
	tickersWG  sync.WaitGroup
}

// New constructs an Agent Session Manager wired to its collaborators.
func New(cfg Config, store AgentStore, tracker *cmdtracker.Tracker, pipe EventQueuer, router MessageRouter, bus *events.Bus, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		conns:   make(map[string]*Connection),
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		pipe:    pipe,
		router:  router,
		bus:     bus,
		log:     log,
	}
}

// Register validates the registration, persists the agent record,
// supersedes any prior connection for the same AgentId, enqueues an
// initial "configure" command, and broadcasts Online status.
func (m *Manager) Register(reg protocol.RegistrationPayload, connectionID string) (domain.Agent, error) {
	if len(reg.Fingerprint) < 10 {
		return domain.Agent{}, &ctlerr.ValidationError{Field: "fingerprint", Reason: "must be at least 10 characters"}
	}
	if reg.AgentID == "" {
		return domain.Agent{}, &ctlerr.ValidationError{Field: "agent_id", Reason: "must not be empty"}
	}

	now := time.Now().UTC()
	agent, found, err := m.store.FindAgent(reg.AgentID)
	if err != nil {
		return domain.Agent{}, &ctlerr.StorageError{Op: "find_agent", Err: err}
	}
	if !found {
		agent = domain.Agent{
			AgentID:      reg.AgentID,
			Fingerprint:  reg.Fingerprint,
			Version:      reg.Version,
			Capabilities: reg.Capabilities,
			Status:       domain.AgentOnline,
			RegisteredAt: now,
		}
	}
	agent.Version = reg.Version
	agent.Capabilities = reg.Capabilities
	agent.OS = map[string]any{"platform": reg.Platform, "architecture": reg.Architecture, "hostname": reg.Hostname}
	agent.Status = domain.AgentOnline
	agent.LastHeartbeat = now
	agent.LastSeen = now

	if err := m.store.PersistAgent(agent); err != nil {
		return domain.Agent{}, &ctlerr.StorageError{Op: "persist_agent", Err: err}
	}

	var priorPending []string
	m.mu.Lock()
	if prior, ok := m.conns[reg.AgentID]; ok {
		// A new registration supersedes the prior connection atomically:
		// exactly one connection exists afterward; prior pending commands
		// remain attached to the AgentId (invariant 6).
		priorPending = prior.PendingCommands
	}
	m.conns[reg.AgentID] = &Connection{
		AgentID:         reg.AgentID,
		ConnectionID:    connectionID,
		Status:          domain.AgentOnline,
		Tier:            agent.Tier,
		Fingerprint:     reg.Fingerprint,
		PendingCommands: priorPending,
		LastHeartbeat:   now,
		LastSeen:        now,
		RegisteredAt:    now,
	}
	m.mu.Unlock()

	m.publish(events.AgentRegistered, reg.AgentID, "agent registered", nil)
	m.publish(events.AgentOnline, reg.AgentID, "agent online", nil)

	if _, err := m.dispatchSynthesized(reg.AgentID, protocol.CmdConfigure, map[string]any{
		"reporting_interval_secs": int(m.effectiveHeartbeatInterval().Seconds()),
	}); err != nil {
		m.log.Warn("failed to dispatch initial configure command", zap.String("agent_id", reg.AgentID), zap.Error(err))
	}

	return agent, nil
}

func (m *Manager) effectiveHeartbeatInterval() time.Duration {
	if m.cfg.HeartbeatInterval <= 0 {
		return DefaultConfig().HeartbeatInterval
	}
	return m.cfg.HeartbeatInterval
}

// ProcessHeartbeat updates last-heartbeat/status, buffers any attached
// system metrics, and dispatches queued commands still in Queued state
// ("send_pending_commands", per spec §9's resolution of that reference).
func (m *Manager) ProcessHeartbeat(agentID string, hb protocol.HeartbeatPayload, metrics *protocol.SystemInfoPayload) error {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if !ok {
		m.mu.Unlock()
		return &ctlerr.AgentNotFound{AgentID: agentID}
	}
	now := time.Now().UTC()
	conn.LastHeartbeat = now
	conn.LastSeen = now
	if conn.Status != domain.AgentIsolated {
		conn.Status = domain.AgentOnline
	}
	if metrics != nil {
		conn.pushMetric(*metrics)
	}
	m.mu.Unlock()

	m.sendPendingCommands(agentID)
	return nil
}

// sendPendingCommands dispatches any CommandIds in the connection's pending
// list that the tracker still reports as Queued.
func (m *Manager) sendPendingCommands(agentID string) {
	if m.tracker == nil {
		return
	}
	m.mu.RLock()
	pending := make(map[string]bool)
	if conn, ok := m.conns[agentID]; ok {
		for _, id := range conn.PendingCommands {
			pending[id] = true
		}
	}
	m.mu.RUnlock()
	for _, exec := range m.tracker.PendingFor(agentID) {
		if !pending[exec.CommandID] {
			continue
		}
		cmd := protocol.CommandPayload{
			CommandID:   exec.CommandID,
			CommandKind: exec.Kind,
			Timeout:     exec.Timeout,
		}
		if err := m.router.RouteAgentCommand(agentID, cmd); err != nil {
			m.log.Warn("failed to send pending command", zap.String("agent_id", agentID), zap.String("command_id", exec.CommandID), zap.Error(err))
			continue
		}
		if err := m.tracker.MarkSent(exec.CommandID); err != nil {
			m.log.Warn("failed to mark pending command sent", zap.String("command_id", exec.CommandID), zap.Error(err))
		}
	}
}

// ProcessEvents updates last-seen and forwards evts into the event
// pipeline.
func (m *Manager) ProcessEvents(agentID string, evts []domain.SecurityEvent) error {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if !ok {
		m.mu.Unlock()
		return &ctlerr.AgentNotFound{AgentID: agentID}
	}
	conn.LastSeen = time.Now().UTC()
	m.mu.Unlock()

	if m.pipe == nil {
		return nil
	}
	return m.pipe.QueueEventsBatch(evts)
}

// SendCommand records a CommandExecution, appends the CommandId to the
// connection's pending list, and transmits it via the message router.
func (m *Manager) SendCommand(agentID string, kind protocol.CommandKind, params map[string]any, timeout time.Duration, maxRetries int) (string, error) {
	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if !ok {
		m.mu.Unlock()
		return "", &ctlerr.AgentNotFound{AgentID: agentID}
	}
	m.mu.Unlock()

	commandID, err := m.submitAndSend(agentID, kind, params, timeout, maxRetries)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	conn.PendingCommands = append(conn.PendingCommands, commandID)
	m.mu.Unlock()

	return commandID, nil
}

func (m *Manager) submitAndSend(agentID string, kind protocol.CommandKind, params map[string]any, timeout time.Duration, maxRetries int) (string, error) {
	if m.tracker == nil {
		return "", fmt.Errorf("session: no command tracker configured")
	}
	commandID := m.tracker.Submit(agentID, kind, timeout, maxRetries)

	cmd := protocol.CommandPayload{
		CommandID:   commandID,
		CommandKind: kind,
		Parameters:  params,
		Timeout:     timeout,
	}
	if err := m.router.RouteAgentCommand(agentID, cmd); err != nil {
		_ = m.tracker.Fail(commandID, err.Error())
		return "", &ctlerr.TransportError{Op: "route_agent_command", Err: err}
	}
	_ = m.tracker.MarkSent(commandID)
	return commandID, nil
}

// dispatchSynthesized sends a server-synthesized command (configure,
// emergency_isolate) that bypasses entitlement (spec §4.1 note).
func (m *Manager) dispatchSynthesized(agentID string, kind protocol.CommandKind, params map[string]any) (string, error) {
	return m.submitAndSend(agentID, kind, params, cmdtracker.DefaultTimeout, cmdtracker.DefaultMaxRetries)
}

// RecordCommandResponse forwards the response to the Command Tracker,
// removes the CommandId from pending, and refreshes last-seen.
func (m *Manager) RecordCommandResponse(agentID, commandID string, status protocol.CommandStatus, result map[string]any, errMsg string) error {
	if err := m.tracker.RecordResponse(commandID, status, result, errMsg); err != nil && err != cmdtracker.ErrTerminal {
		return err
	}

	m.mu.Lock()
	conn, ok := m.conns[agentID]
	if ok {
		conn.LastSeen = time.Now().UTC()
		conn.PendingCommands = removeString(conn.PendingCommands, commandID)
	}
	m.mu.Unlock()

	if !ok {
		return &ctlerr.AgentNotFound{AgentID: agentID}
	}
	return nil
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// EmergencyIsolate synthesizes an emergency_isolate command with
// isolation-level network_and_process, flips the agent to Isolated, and
// broadcasts a Critical alert.
func (m *Manager) EmergencyIsolate(agentID, reason string) error {
	m.mu.RLock()
	_, ok := m.conns[agentID]
	m.mu.RUnlock()
	if !ok {
		return &ctlerr.AgentNotFound{AgentID: agentID}
	}

	if _, err := m.dispatchSynthesized(agentID, protocol.CmdEmergencyIsolate, map[string]any{
		"isolation_level": "network_and_process",
		"reason":          reason,
	}); err != nil {
		return err
	}

	m.mu.Lock()
	if conn, ok := m.conns[agentID]; ok {
		conn.Status = domain.AgentIsolated
	}
	m.mu.Unlock()

	m.publish(events.AgentIsolated, agentID, fmt.Sprintf("agent isolated: %s", reason), map[string]any{"reason": reason})

	if m.router != nil {
		if err := m.router.BroadcastEmergencyAlert(
			"Agent Isolated",
			fmt.Sprintf("Agent %s was isolated: %s", agentID, reason),
			domain.SeverityCritical,
			[]string{agentID},
		); err != nil {
			m.log.Warn("failed to broadcast emergency isolation alert", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil
}

// BroadcastEmergency synthesizes and dispatches a copy of the named command
// to every currently-Online agent, returning the subset that accepted.
func (m *Manager) BroadcastEmergency(kind protocol.CommandKind, params map[string]any) ([]string, error) {
	online := m.onlineAgentIDs()

	var (
		accepted []string
		errs     error
	)
	for _, agentID := range online {
		if _, err := m.dispatchSynthesized(agentID, kind, params); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("agent %s: %w", agentID, err))
			continue
		}
		accepted = append(accepted, agentID)
	}
	return accepted, errs
}

// DispatchNamedResponse implements correlation.ResponseDispatcher: it maps
// a named auto-response (isolate_agents, emergency_isolation,
// block_network) to concrete dispatch against the given agent subset.
func (m *Manager) DispatchNamedResponse(name string, agentIDs []string, reason string) error {
	var errs error
	switch name {
	case "isolate_agents", "emergency_isolation":
		for _, id := range agentIDs {
			if err := m.EmergencyIsolate(id, reason); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	case "block_network":
		for _, id := range agentIDs {
			if _, err := m.dispatchSynthesized(id, protocol.CmdUpdateConfiguration, map[string]any{
				"network_blocked": true,
				"reason":          reason,
			}); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	default:
		m.log.Warn("unknown named auto-response; no-op", zap.String("name", name))
	}
	return errs
}

func (m *Manager) onlineAgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, conn := range m.conns {
		if conn.Status == domain.AgentOnline {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a snapshot of an agent's connection state.
func (m *Manager) Get(agentID string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[agentID]
	if !ok {
		return Connection{}, false
	}
	return conn.snapshot(), true
}

// Count returns the number of connections in each status.
func (m *Manager) Count() map[domain.AgentStatus]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.AgentStatus]int)
	for _, conn := range m.conns {
		out[conn.Status]++
	}
	return out
}

func (m *Manager) publish(t events.Type, agentID, summary string, detail any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{Type: t, AgentID: agentID, Summary: summary, Detail: detail})
}

// Start launches the heartbeat watchdog, command timeout monitor, and
// connection cleaner background loops.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopCh != nil {
		return
	}
	m.stopCh = make(chan struct{})
	m.tickersWG.Add(3)
	go m.watchdogLoop(m.stopCh)
	go m.commandTimeoutLoop(m.stopCh)
	go m.connectionCleanerLoop(m.stopCh)
}

// Stop signals all background loops to exit and waits for them.
func (m *Manager) Stop() {
	m.runMu.Lock()
	stopCh := m.stopCh
	m.stopCh = nil
	m.runMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	m.tickersWG.Wait()
}

func (m *Manager) watchdogLoop(stop <-chan struct{}) {
	defer m.tickersWG.Done()
	interval := m.effectiveHeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.runWatchdog(interval)
		}
	}
}

// runWatchdog flips any Online agent whose last heartbeat exceeds
// heartbeat_interval × max_missed_heartbeats to Offline and broadcasts.
func (m *Manager) runWatchdog(interval time.Duration) {
	maxMissed := m.cfg.MaxMissedHeartbeats
	if maxMissed <= 0 {
		maxMissed = DefaultConfig().MaxMissedHeartbeats
	}
	threshold := interval * time.Duration(maxMissed)
	now := time.Now().UTC()

	m.mu.Lock()
	var flipped []string
	for id, conn := range m.conns {
		if conn.Status == domain.AgentOnline && now.Sub(conn.LastHeartbeat) > threshold {
			conn.Status = domain.AgentOffline
			flipped = append(flipped, id)
		}
	}
	m.mu.Unlock()

	for _, id := range flipped {
		m.publish(events.AgentOffline, id, "agent heartbeat timeout", nil)
	}
}

func (m *Manager) commandTimeoutLoop(stop <-chan struct{}) {
	defer m.tickersWG.Done()
	ticker := time.NewTicker(m.effectiveCommandTimeoutMonitorInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if m.tracker != nil {
				m.tracker.SweepTimeouts(time.Now().UTC())
			}
		}
	}
}

func (m *Manager) effectiveCommandTimeoutMonitorInterval() time.Duration {
	if m.cfg.CommandTimeoutMonitor <= 0 {
		return DefaultConfig().CommandTimeoutMonitor
	}
	return m.cfg.CommandTimeoutMonitor
}

func (m *Manager) connectionCleanerLoop(stop <-chan struct{}) {
	defer m.tickersWG.Done()
	every := m.cfg.ConnectionCleanerEvery
	if every <= 0 {
		every = DefaultConfig().ConnectionCleanerEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.cleanupConnections()
		}
	}
}

// cleanupConnections drops connections last seen longer ago than
// ConnectionMaxAge unless currently Online.
func (m *Manager) cleanupConnections() {
	maxAge := m.cfg.ConnectionMaxAge
	if maxAge <= 0 {
		maxAge = DefaultConfig().ConnectionMaxAge
	}
	cutoff := time.Now().UTC().Add(-maxAge)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, conn := range m.conns {
		if conn.Status != domain.AgentOnline && conn.LastSeen.Before(cutoff) {
			delete(m.conns, id)
		}
	}
}
