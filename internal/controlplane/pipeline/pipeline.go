// Package pipeline implements the Event Pipeline (C5): two bounded,
// priority-classified queues drained by two worker loops that feed the
// Detection Rule Engine and Correlation Engine, backed by a processing
// semaphore and EMA-smoothed throughput statistics.
package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/correlation"
	"github.com/sentryctl/fleet/internal/controlplane/ctlerr"
	"github.com/sentryctl/fleet/internal/controlplane/detect"
	"github.com/sentryctl/fleet/internal/controlplane/domain"
	"github.com/sentryctl/fleet/internal/controlplane/events"
)

// Config holds the tunables enumerated in spec §6's configuration list
// that are relevant to the pipeline.
type Config struct {
	MaxQueueSize            int
	BatchSize               int
	MaxConcurrentProcessors int
	HighPriorityThreshold   domain.Severity
	AutoResponseEnabled     bool
}

// DefaultConfig matches spec §4.5's defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:            10000,
		BatchSize:               100,
		MaxConcurrentProcessors: 10,
		HighPriorityThreshold:   domain.SeverityMedium,
		AutoResponseEnabled:     true,
	}
}

type queuedEvent struct {
	event      domain.SecurityEvent
	enqueuedAt time.Time
}

// AlertSink persists an alert produced by rule matching or correlation.
// Matches spec §6's durable-store `create_alert(record)` contract.
type AlertSink interface {
	CreateAlert(alert domain.ThreatAlert) error
}

// Stats mirrors the supplemented ProcessingStats surface from SPEC_FULL
// §12 (grounded on the Rust original's event_processor.rs).
type Stats struct {
	EventsProcessed        uint64
	EventsPerSecond        float64
	AlertsGenerated        uint64
	ProcessingLatencyMS    float64
	QueueDepth             int
	CorrelationHits        uint64
	AutoResponsesTriggered uint64
}

const emaAlpha = 0.1

// Pipeline is the C5 component.
type Pipeline struct {
	cfg Config

	high   queue
	normal queue
	sem    chan struct{}

	detector    *detect.Engine
	correlator  *correlation.Engine
	alerts      AlertSink
	bus         *events.Bus
	log         *zap.Logger

	statsMu             sync.Mutex
	eventsProcessed     uint64
	alertsGenerated     uint64
	correlationHits     uint64
	autoResponses       uint64
	eventsPerSecondEMA  float64
	processingLatencyMS float64

	runMu   sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs an Event Pipeline wired to its downstream collaborators.
func New(cfg Config, detector *detect.Engine, correlator *correlation.Engine, alerts AlertSink, bus *events.Bus, log *zap.Logger) *Pipeline {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxConcurrentProcessors <= 0 {
		cfg.MaxConcurrentProcessors = DefaultConfig().MaxConcurrentProcessors
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		cfg:        cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentProcessors),
		detector:   detector,
		correlator: correlator,
		alerts:     alerts,
		bus:        bus,
		log:        log,
	}
}

// classify implements spec §4.5's enqueue classification: Critical is
// always high priority; otherwise an event is high priority iff its
// severity outranks the configured threshold.
func classify(severity, threshold domain.Severity) bool {
	if severity == domain.SeverityCritical {
		return true
	}
	return severity.Rank() > threshold.Rank()
}

func (p *Pipeline) depth() int {
	return p.high.len() + p.normal.len()
}

// QueueEvent enqueues a single event, classifying it into the high or
// normal queue. Returns BackpressureError if the combined depth is at cap.
func (p *Pipeline) QueueEvent(evt domain.SecurityEvent) error {
	if p.depth() >= p.cfg.MaxQueueSize {
		return &ctlerr.BackpressureError{Queue: "combined", Depth: p.depth(), Cap: p.cfg.MaxQueueSize}
	}
	qe := queuedEvent{event: evt, enqueuedAt: time.Now().UTC()}
	if classify(evt.Severity, p.cfg.HighPriorityThreshold) {
		p.high.pushBack(qe)
	} else {
		p.normal.pushBack(qe)
	}
	return nil
}

// QueueEventsBatch enqueues a slice of events, stopping and returning
// BackpressureError the moment capacity is exhausted; events enqueued
// before the failure remain queued (spec is silent on all-or-nothing, and
// the per-event classification already committed resources one at a time).
func (p *Pipeline) QueueEventsBatch(evts []domain.SecurityEvent) error {
	for _, evt := range evts {
		if err := p.QueueEvent(evt); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the high-priority (100Hz) and normal-priority (20Hz)
// worker loops.
func (p *Pipeline) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})

	p.wg.Add(2)
	go p.highLoop(p.stopCh)
	go p.normalLoop(p.stopCh)
}

// Stop signals both worker loops to exit and waits for in-flight processing
// tasks bounded by the semaphore to complete.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.runMu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	p.wg.Wait()

	// With both loops gone no new task can start, so taking every permit
	// waits out the tasks still running; the permits are then handed back.
	for i := 0; i < cap(p.sem); i++ {
		p.sem <- struct{}{}
	}
	for i := 0; i < cap(p.sem); i++ {
		<-p.sem
	}
}

func (p *Pipeline) highLoop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second / 100)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.highTick()
		}
	}
}

func (p *Pipeline) highTick() {
	qe, ok := p.high.popFront()
	if !ok {
		return
	}
	select {
	case p.sem <- struct{}{}:
		go func() {
			defer func() { <-p.sem }()
			p.processOne(qe)
		}()
	default:
		// No permit free: restore to the front and wait for the next tick.
		p.high.pushFront(qe)
	}
}

func (p *Pipeline) normalLoop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second / 20)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.normalTick()
		}
	}
}

func (p *Pipeline) normalTick() {
	batch := p.normal.popBatch(p.cfg.BatchSize)
	if len(batch) == 0 {
		return
	}
	select {
	case p.sem <- struct{}{}:
		go func() {
			defer func() { <-p.sem }()
			p.processBatch(batch)
		}()
	default:
		p.normal.pushFrontBatch(batch)
	}
}

func (p *Pipeline) processBatch(batch []queuedEvent) {
	for _, qe := range batch {
		p.processOne(qe)
	}
}

// processOne runs the per-event processing path from spec §4.5: rule
// evaluation, then correlation feed, then broadcast. Failure of any
// sub-step is logged and the pipeline continues — it never blocks on a
// single failed event.
func (p *Pipeline) processOne(qe queuedEvent) {
	start := time.Now()
	evt := qe.event

	if p.detector != nil {
		intents, err := p.detector.Evaluate(evt)
		if err != nil {
			p.log.Warn("rule evaluation failed", zap.String("event_id", evt.EventID), zap.Error(err))
		} else {
			for _, intent := range intents {
				p.createAlert(domain.ThreatAlert{
					AlertID:     uuid.NewString(),
					EventID:     intent.EventID,
					RuleID:      intent.RuleID,
					AgentID:     intent.AgentID,
					AlertType:   intent.AlertType,
					Severity:    intent.Severity,
					Title:       intent.Title,
					Description: intent.Description,
					Status:      domain.AlertOpen,
					CreatedAt:   time.Now().UTC(),
				})
			}
		}
	}

	if p.correlator != nil {
		p.correlator.Feed(evt)
		atomic.AddUint64(&p.correlationHits, 1)
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:    events.SecurityEventIn,
			AgentID: evt.AgentID,
			Summary: evt.EventType,
			Detail:  evt,
		})
	}

	atomic.AddUint64(&p.eventsProcessed, 1)
	p.recordLatency(time.Since(start))
}

func (p *Pipeline) createAlert(alert domain.ThreatAlert) {
	atomic.AddUint64(&p.alertsGenerated, 1)
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:    events.AlertCreated,
			AgentID: alert.AgentID,
			Summary: alert.Title,
			Detail:  alert,
		})
	}
	if p.alerts == nil {
		return
	}
	if err := p.alerts.CreateAlert(alert); err != nil {
		p.log.Warn("failed to persist alert", zap.String("alert_id", alert.AlertID), zap.Error(err))
	}
}

// recordLatency updates the EMA-smoothed processing latency and the
// derived events-per-second rate (spec §4.5: "events-per-second is an EMA
// with α=0.1 over per-event latency").
func (p *Pipeline) recordLatency(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	instRate := 0.0
	if d > 0 {
		instRate = 1.0 / d.Seconds()
	}

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	if p.processingLatencyMS == 0 {
		p.processingLatencyMS = ms
	} else {
		p.processingLatencyMS = emaAlpha*ms + (1-emaAlpha)*p.processingLatencyMS
	}
	if p.eventsPerSecondEMA == 0 {
		p.eventsPerSecondEMA = instRate
	} else {
		p.eventsPerSecondEMA = emaAlpha*instRate + (1-emaAlpha)*p.eventsPerSecondEMA
	}
}

// Stats returns a snapshot of pipeline throughput statistics, logging a
// high-water warning when combined depth exceeds half of capacity.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	lat := p.processingLatencyMS
	eps := p.eventsPerSecondEMA
	p.statsMu.Unlock()

	depth := p.depth()
	if depth > p.cfg.MaxQueueSize/2 {
		p.log.Warn("event pipeline queue depth high-water mark", zap.Int("depth", depth), zap.Int("cap", p.cfg.MaxQueueSize))
	}

	return Stats{
		EventsProcessed:        atomic.LoadUint64(&p.eventsProcessed),
		EventsPerSecond:        eps,
		AlertsGenerated:        atomic.LoadUint64(&p.alertsGenerated),
		ProcessingLatencyMS:    lat,
		QueueDepth:             depth,
		CorrelationHits:        atomic.LoadUint64(&p.correlationHits),
		AutoResponsesTriggered: atomic.LoadUint64(&p.autoResponses),
	}
}
