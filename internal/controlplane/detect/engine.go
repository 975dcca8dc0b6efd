// Package detect implements the Detection Rule Engine (C3): evaluating a
// SecurityEvent against enabled DetectionRules and producing zero or more
// AlertIntents. Rules are data, not code: each rule-type has a fixed
// condition schema parsed once into a typed ADT (domain.Condition); the
// engine dispatches on the rule's Type rather than interpreting arbitrary
// expressions.
package detect

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

// AlertIntent is a candidate alert produced by a single rule match, not yet
// persisted. The caller (pipeline) is responsible for turning this into a
// domain.ThreatAlert via the durable store.
type AlertIntent struct {
	RuleID      string
	EventID     string
	AgentID     string
	AlertType   string
	Severity    domain.Severity
	Title       string
	Description string
}

// RuleSource is the collaborator this engine consults for the current set
// of rules. Matches spec §6's `list_rules(enabled_only)` durable-store
// contract.
type RuleSource interface {
	ListRules(enabledOnly bool) ([]domain.DetectionRule, error)
}

// ThreatIntel classifies a source IP into zero or more threat categories
// (e.g. tor_exit, malware_c2). Spec §6 collaborator.
type ThreatIntel interface {
	ClassifyIP(ip string) (map[string]bool, error)
}

// Engine evaluates events against enabled rules.
type Engine struct {
	rules       RuleSource
	threatIntel ThreatIntel
	log         *zap.Logger

	// authMu guards authHistory, the per-(rule,source-ip) sliding window of
	// failed-authentication timestamps used by the authentication rule
	// type's windowed count predicate.
	authMu      sync.Mutex
	authHistory map[string][]time.Time
}

// New creates a Detection Rule Engine.
func New(rules RuleSource, threatIntel ThreatIntel, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		rules:       rules,
		threatIntel: threatIntel,
		log:         log,
		authHistory: make(map[string][]time.Time),
	}
}

// Evaluate runs every enabled rule matching the event's type (or rule-type
// "generic", which matches any event) against evt and returns one
// AlertIntent per matching rule.
func (e *Engine) Evaluate(evt domain.SecurityEvent) ([]AlertIntent, error) {
	rules, err := e.rules.ListRules(true)
	if err != nil {
		return nil, fmt.Errorf("detect: list rules: %w", err)
	}

	var intents []AlertIntent
	for _, rule := range rules {
		if !ruleAppliesToEvent(rule, evt) {
			continue
		}
		ok, reason := e.conditionMet(rule, evt)
		if !ok {
			continue
		}
		intents = append(intents, AlertIntent{
			RuleID:      rule.RuleID,
			EventID:     evt.EventID,
			AgentID:     evt.AgentID,
			AlertType:   fmt.Sprintf("Rule Match: %s", rule.Name),
			Severity:    rule.Severity,
			Title:       fmt.Sprintf("Rule Match: %s", rule.Name),
			Description: reason,
		})
	}
	return intents, nil
}

// ruleAppliesToEvent decides whether a rule's type is relevant to the
// event's reported event-type. "generic" rules always apply; every other
// rule-type applies only to events whose event-type matches the rule-type
// family name.
func ruleAppliesToEvent(rule domain.DetectionRule, evt domain.SecurityEvent) bool {
	if rule.Type == domain.RuleTypeGeneric {
		return true
	}
	return string(rule.Type) == strings.ToLower(evt.EventType) || ruleTypeMatchesLoosely(rule.Type, evt.EventType)
}

// ruleTypeMatchesLoosely widens the exact-name match to accept the common
// event-type spellings agents actually send (e.g. "process_start" for a
// process rule, "authentication_failure" for an authentication rule).
func ruleTypeMatchesLoosely(rt domain.RuleType, eventType string) bool {
	eventType = strings.ToLower(eventType)
	switch rt {
	case domain.RuleTypeProcess:
		return strings.HasPrefix(eventType, "process")
	case domain.RuleTypeFile:
		return strings.HasPrefix(eventType, "file")
	case domain.RuleTypeNetwork:
		return strings.HasPrefix(eventType, "network") || strings.HasPrefix(eventType, "connection")
	case domain.RuleTypeRegistry:
		return strings.HasPrefix(eventType, "registry")
	case domain.RuleTypeAuthentication:
		return strings.HasPrefix(eventType, "auth")
	default:
		return false
	}
}

func (e *Engine) conditionMet(rule domain.DetectionRule, evt domain.SecurityEvent) (bool, string) {
	c := rule.Condition
	switch rule.Type {
	case domain.RuleTypeProcess:
		return e.processMatch(c.Process, evt)
	case domain.RuleTypeFile:
		return e.fileMatch(c.File, evt)
	case domain.RuleTypeNetwork:
		return e.networkMatch(c.Network, evt)
	case domain.RuleTypeRegistry:
		return e.registryMatch(c.Registry, evt)
	case domain.RuleTypeAuthentication:
		return e.authenticationMatch(rule.RuleID, c.Authentication, evt)
	case domain.RuleTypeGeneric:
		return e.genericMatch(c.Generic, evt)
	default:
		e.log.Warn("unknown rule type; ignoring", zap.String("rule_id", rule.RuleID), zap.String("type", string(rule.Type)))
		return false, ""
	}
}

func (e *Engine) processMatch(c *domain.ProcessCondition, evt domain.SecurityEvent) (bool, string) {
	if c == nil {
		return false, ""
	}
	for _, frag := range c.SuspiciousPathFragments {
		if frag != "" && strings.Contains(evt.ProcessName, frag) {
			return true, fmt.Sprintf("process %q matches suspicious fragment %q", evt.ProcessName, frag)
		}
	}
	for _, ext := range c.SuspiciousExtensions {
		if ext != "" && strings.HasSuffix(evt.FilePath, ext) {
			return true, fmt.Sprintf("file %q matches suspicious extension %q", evt.FilePath, ext)
		}
	}
	return false, ""
}

func (e *Engine) fileMatch(c *domain.FileCondition, evt domain.SecurityEvent) (bool, string) {
	if c == nil {
		return false, ""
	}
	matchedPrefix := ""
	for _, prefix := range c.ProtectedPathPrefixes {
		if prefix != "" && strings.HasPrefix(evt.FilePath, prefix) {
			matchedPrefix = prefix
			break
		}
	}
	if matchedPrefix == "" {
		return false, ""
	}
	if len(c.Operations) > 0 {
		op, _ := evt.Details["operation"].(string)
		if !containsFold(c.Operations, op) {
			return false, ""
		}
	}
	return true, fmt.Sprintf("file %q under protected path %q", evt.FilePath, matchedPrefix)
}

func (e *Engine) networkMatch(c *domain.NetworkCondition, evt domain.SecurityEvent) (bool, string) {
	if c == nil || evt.SourceIP == "" {
		return false, ""
	}

	if e.threatIntel != nil {
		categories, err := e.threatIntel.ClassifyIP(evt.SourceIP)
		if err != nil {
			e.log.Warn("threat intel lookup failed; falling back to coarse classification", zap.String("source_ip", evt.SourceIP), zap.Error(err))
		} else {
			for _, want := range c.Categories {
				if categories[want] {
					return true, fmt.Sprintf("source IP %s classified as %s", evt.SourceIP, want)
				}
			}
			return false, ""
		}
	}

	// Fall back to coarse private/public classification when no threat-intel
	// collaborator is wired, or it errored.
	ip := net.ParseIP(evt.SourceIP)
	if ip == nil {
		return false, ""
	}
	if !ip.IsPrivate() && containsFold(c.Categories, "public") {
		return true, fmt.Sprintf("source IP %s is public", evt.SourceIP)
	}
	return false, ""
}

func (e *Engine) registryMatch(c *domain.RegistryCondition, evt domain.SecurityEvent) (bool, string) {
	if c == nil || evt.RegistryKey == "" {
		return false, ""
	}
	for _, frag := range c.KeyFragments {
		if frag != "" && strings.Contains(evt.RegistryKey, frag) {
			return true, fmt.Sprintf("registry key %q matches fragment %q", evt.RegistryKey, frag)
		}
	}
	return false, ""
}

// authenticationMatch implements the windowed count predicate: count of
// events in the last WindowSeconds with the same source-IP and
// success=false, compared against Threshold. State is kept per (rule,
// source-IP) so concurrent rules don't share history.
func (e *Engine) authenticationMatch(ruleID string, c *domain.AuthenticationCondition, evt domain.SecurityEvent) (bool, string) {
	if c == nil || evt.SourceIP == "" {
		return false, ""
	}
	if evt.Success == nil || *evt.Success {
		return false, ""
	}

	key := ruleID + "|" + evt.SourceIP
	now := time.Now().UTC()
	window := time.Duration(c.WindowSeconds) * time.Second
	if window <= 0 {
		window = 60 * time.Second
	}

	e.authMu.Lock()
	defer e.authMu.Unlock()

	history := append(e.authHistory[key], now)
	cutoff := now.Add(-window)
	kept := history[:0]
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.authHistory[key] = kept

	if len(kept) >= c.Threshold {
		return true, fmt.Sprintf("%d failed authentications from %s in %s (threshold %d)", len(kept), evt.SourceIP, window, c.Threshold)
	}
	return false, ""
}

func (e *Engine) genericMatch(c *domain.GenericCondition, evt domain.SecurityEvent) (bool, string) {
	if c == nil {
		return false, ""
	}
	if evt.Severity.AtLeast(c.MinSeverity) {
		return true, fmt.Sprintf("event severity %s meets floor %s", evt.Severity, c.MinSeverity)
	}
	return false, ""
}

func containsFold(list []string, needle string) bool {
	for _, v := range list {
		if strings.EqualFold(v, needle) {
			return true
		}
	}
	return false
}
