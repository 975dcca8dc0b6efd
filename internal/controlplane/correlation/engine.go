// Package correlation implements the Correlation Engine (C4): a sliding
// window of recent events keyed by (event-type, severity), emitting a
// correlated alert once confidence and count thresholds are met, plus a
// separate pass matching declarative named patterns (lateral_movement,
// mass_file_encryption, data_exfiltration) that can trigger an automatic
// response.
package correlation

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/events"
)

// Key derives from event-type + severity, matching spec §4.4.
type Key struct {
	EventType string
	Severity  domain.Severity
}

func (k Key) String() string { return k.EventType + "|" + string(k.Severity) }

// Correlation is the engine's live record for one Key.
type Correlation struct {
	Key          Key
	Contributors map[string]struct{} // AgentIds
	EventCount   int
	Confidence   float64
	FirstSeen    time.Time
	LastSeen     time.Time
	alerted      bool
}

// Snapshot is a read-only copy safe to hand out of the engine.
type Snapshot struct {
	Key             Key
	ContributorIDs  []string
	EventCount      int
	Confidence      float64
	FirstSeen       time.Time
	LastSeen        time.Time
}

func (c *Correlation) snapshot() Snapshot {
	ids := make([]string, 0, len(c.Contributors))
	for id := range c.Contributors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return Snapshot{
		Key:            c.Key,
		ContributorIDs: ids,
		EventCount:     c.EventCount,
		Confidence:     c.Confidence,
		FirstSeen:      c.FirstSeen,
		LastSeen:       c.LastSeen,
	}
}

// AlertIntent is a correlated alert ready for persistence.
type AlertIntent struct {
	AlertType   string
	Severity    domain.Severity
	Title       string
	Description string
	AgentIDs    []string
}

// Pattern is a declarative named correlation pattern loaded at startup
// (spec §4.4 / SPEC_FULL §12): a sequence of event-types, a max time
// window, a minimum distinct-agent count, a confidence threshold, and an
// optional auto-response name.
type Pattern struct {
	Name               string
	EventSequence      []string
	MaxWindow          time.Duration
	MinAgents          int
	ConfidenceThresh   float64
	AutoResponse       string // isolate_agents | emergency_isolation | block_network | ""
}

// ResponseDispatcher executes a named auto-response action against a set of
// agents (spec §4.4: "dispatches the named response via §4.6"). Session
// manager implements this.
type ResponseDispatcher interface {
	DispatchNamedResponse(name string, agentIDs []string, reason string) error
}

const (
	// DefaultWindow is the correlation window (last-seen eviction horizon).
	DefaultWindow = 300 * time.Second
	// SweepInterval is how often the background sweep emits alerts.
	SweepInterval = 30 * time.Second
	// ConfidenceFloor and CountFloor are the emission thresholds from
	// spec §4.4: confidence > 0.7 AND count > 5.
	ConfidenceFloor = 0.7
	CountFloor      = 5
	// MaxContributorsForConfidence is the divisor in
	// confidence = min(1.0, distinct-contributors / 10).
	MaxContributorsForConfidence = 10.0
)

// Engine owns the CorrelationKey → Correlation map exclusively (spec §3
// ownership note).
type Engine struct {
	mu      sync.Mutex
	windows map[Key]*Correlation
	window  time.Duration

	patterns   []Pattern
	matchState map[string]*patternMatch // keyed by pattern name

	bus        *events.Bus
	dispatcher ResponseDispatcher
	log        *zap.Logger

	runMu  sync.Mutex
	ticker *time.Ticker
	stopCh chan struct{}
}

// patternMatch tracks in-sequence progress toward a named pattern.
type patternMatch struct {
	stage      int
	agents     map[string]struct{}
	startedAt  time.Time
	lastEvent  time.Time
	dispatched bool
}

// New creates a Correlation Engine. window <= 0 uses DefaultWindow.
func New(window time.Duration, patterns []Pattern, bus *events.Bus, dispatcher ResponseDispatcher, log *zap.Logger) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		windows:    make(map[Key]*Correlation),
		window:     window,
		patterns:   patterns,
		matchState: make(map[string]*patternMatch),
		bus:        bus,
		dispatcher: dispatcher,
		log:        log,
	}
}

// Feed upserts evt into the correlation window, per spec §4.4: on insert,
// first-seen/count=1/confidence=0.1; on update, append contributor,
// increment count, refresh last-seen, recompute confidence.
func (e *Engine) Feed(evt domain.SecurityEvent) {
	key := Key{EventType: evt.EventType, Severity: evt.Severity}
	now := time.Now().UTC()

	e.mu.Lock()
	c, ok := e.windows[key]
	if !ok {
		c = &Correlation{
			Key:          key,
			Contributors: map[string]struct{}{evt.AgentID: {}},
			EventCount:   1,
			Confidence:   0.1,
			FirstSeen:    now,
			LastSeen:     now,
		}
		e.windows[key] = c
	} else {
		c.Contributors[evt.AgentID] = struct{}{}
		c.EventCount++
		c.LastSeen = now
		c.Confidence = confidenceFor(len(c.Contributors))
	}
	e.mu.Unlock()

	e.feedPatterns(evt, now)
}

func confidenceFor(distinctContributors int) float64 {
	v := float64(distinctContributors) / MaxContributorsForConfidence
	if v > 1.0 {
		v = 1.0
	}
	return v
}

// feedPatterns advances named-pattern matching for evt, and dispatches the
// pattern's auto-response the first time it completes.
func (e *Engine) feedPatterns(evt domain.SecurityEvent, now time.Time) {
	for _, p := range e.patterns {
		if len(p.EventSequence) == 0 {
			continue
		}
		e.mu.Lock()
		m, ok := e.matchState[p.Name]
		if !ok || now.Sub(m.lastEvent) > p.MaxWindow {
			m = &patternMatch{agents: make(map[string]struct{}), startedAt: now}
			e.matchState[p.Name] = m
		}

		wantType := p.EventSequence[m.stage%len(p.EventSequence)]
		if !strings.EqualFold(wantType, evt.EventType) {
			e.mu.Unlock()
			continue
		}

		m.agents[evt.AgentID] = struct{}{}
		m.lastEvent = now
		m.stage++

		patternConfidence := confidenceFor(len(m.agents))
		complete := m.stage >= len(p.EventSequence) && len(m.agents) >= p.MinAgents && patternConfidence >= p.ConfidenceThresh
		var agentIDs []string
		if complete && !m.dispatched {
			m.dispatched = true
			for id := range m.agents {
				agentIDs = append(agentIDs, id)
			}
		}
		e.mu.Unlock()

		if complete && len(agentIDs) > 0 {
			sort.Strings(agentIDs)
			e.publishPatternAlert(p, agentIDs)
			if p.AutoResponse != "" && e.dispatcher != nil {
				reason := fmt.Sprintf("correlation pattern %q matched across %d agents", p.Name, len(agentIDs))
				if err := e.dispatcher.DispatchNamedResponse(p.AutoResponse, agentIDs, reason); err != nil {
					e.log.Warn("pattern auto-response dispatch failed", zap.String("pattern", p.Name), zap.Error(err))
				}
			}
		}
	}
}

func (e *Engine) publishPatternAlert(p Pattern, agentIDs []string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:    events.CorrelationAlert,
		Summary: fmt.Sprintf("correlation pattern %q matched", p.Name),
		Detail: map[string]any{
			"pattern":       p.Name,
			"agent_ids":     agentIDs,
			"auto_response": p.AutoResponse,
		},
	})
}

// Start begins the 30s background sweep.
func (e *Engine) Start() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.ticker != nil {
		return
	}
	e.ticker = time.NewTicker(SweepInterval)
	e.stopCh = make(chan struct{})
	go e.loop(e.ticker.C, e.stopCh)
}

// Stop halts the background sweep. Safe to call multiple times.
func (e *Engine) Stop() {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.ticker == nil {
		return
	}
	e.ticker.Stop()
	close(e.stopCh)
	e.ticker = nil
}

func (e *Engine) loop(tick <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-tick:
			for _, intent := range e.Sweep(time.Now().UTC()) {
				if e.bus != nil {
					e.bus.Publish(events.Event{
						Type:    events.CorrelationAlert,
						Summary: intent.Title,
						Detail:  intent,
					})
				}
			}
		}
	}
}

// Sweep evaluates every live correlation: emits an AlertIntent for any
// correlation with confidence > 0.7 AND count > 5 that hasn't already
// alerted, and evicts correlations whose last-seen is older than the
// configured window.
func (e *Engine) Sweep(now time.Time) []AlertIntent {
	e.mu.Lock()
	defer e.mu.Unlock()

	var intents []AlertIntent
	for key, c := range e.windows {
		if now.Sub(c.LastSeen) > e.window {
			delete(e.windows, key)
			continue
		}
		if c.alerted || !(c.Confidence > ConfidenceFloor && c.EventCount > CountFloor) {
			continue
		}
		c.alerted = true

		ids := make([]string, 0, len(c.Contributors))
		for id := range c.Contributors {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		intents = append(intents, AlertIntent{
			AlertType:   fmt.Sprintf("Correlated Activity: %s", key.EventType),
			Severity:    key.Severity,
			Title:       fmt.Sprintf("Correlated %s activity across %d agents", key.EventType, len(ids)),
			Description: fmt.Sprintf("%d events of type %s (severity %s) from %d distinct agents: %s", c.EventCount, key.EventType, key.Severity, len(ids), strings.Join(ids, ", ")),
			AgentIDs:    ids,
		})
	}
	return intents
}

// Get returns a snapshot of a live correlation, for tests and diagnostics.
func (e *Engine) Get(key Key) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.windows[key]
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(), true
}

// DefaultPatterns returns the three named patterns called out in spec §4.4
// and SPEC_FULL §12, with reasonable defaults. The set is fixed in code; no
// loader reads patterns from a file.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:             "lateral_movement",
			EventSequence:    []string{"authentication_failure", "authentication_success", "network_connection"},
			MaxWindow:        10 * time.Minute,
			MinAgents:        3,
			ConfidenceThresh: 0.6,
			AutoResponse:     "isolate_agents",
		},
		{
			Name:             "mass_file_encryption",
			EventSequence:    []string{"file_modified", "file_modified", "file_modified"},
			MaxWindow:        2 * time.Minute,
			MinAgents:        1,
			ConfidenceThresh: 0.8,
			AutoResponse:     "emergency_isolation",
		},
		{
			Name:             "data_exfiltration",
			EventSequence:    []string{"file_access", "network_connection"},
			MaxWindow:        5 * time.Minute,
			MinAgents:        1,
			ConfidenceThresh: 0.5,
			AutoResponse:     "block_network",
		},
	}
}
