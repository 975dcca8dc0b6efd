package detect

import (
	"testing"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

type staticRules struct{ rules []domain.DetectionRule }

func (s staticRules) ListRules(enabledOnly bool) ([]domain.DetectionRule, error) {
	if !enabledOnly {
		return s.rules, nil
	}
	var out []domain.DetectionRule
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func boolPtr(b bool) *bool { return &b }

func TestProcessRuleMatch(t *testing.T) {
	rules := staticRules{rules: []domain.DetectionRule{{
		RuleID:   "r1",
		Name:     "suspicious binary",
		Type:     domain.RuleTypeProcess,
		Severity: domain.SeverityHigh,
		Enabled:  true,
		Condition: domain.Condition{Process: &domain.ProcessCondition{
			SuspiciousPathFragments: []string{"Temp"},
		}},
	}}}
	e := New(rules, nil, nil)

	intents, err := e.Evaluate(domain.SecurityEvent{
		EventID:     "e1",
		AgentID:     "a1",
		EventType:   "process_start",
		Severity:    domain.SeverityHigh,
		ProcessName: `C:\Users\bob\AppData\Local\Temp\evil.exe`,
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(intents) != 1 {
		t.Fatalf("expected 1 intent, got %d", len(intents))
	}
	if intents[0].RuleID != "r1" {
		t.Fatalf("unexpected rule id %s", intents[0].RuleID)
	}
}

func TestGenericSeverityFloor(t *testing.T) {
	rules := staticRules{rules: []domain.DetectionRule{{
		RuleID:    "r2",
		Name:      "anything critical",
		Type:      domain.RuleTypeGeneric,
		Severity:  domain.SeverityCritical,
		Enabled:   true,
		Condition: domain.Condition{Generic: &domain.GenericCondition{MinSeverity: domain.SeverityCritical}},
	}}}
	e := New(rules, nil, nil)

	intents, _ := e.Evaluate(domain.SecurityEvent{EventID: "e1", EventType: "whatever", Severity: domain.SeverityLow})
	if len(intents) != 0 {
		t.Fatalf("expected no match for low severity, got %d", len(intents))
	}

	intents, _ = e.Evaluate(domain.SecurityEvent{EventID: "e2", EventType: "whatever", Severity: domain.SeverityCritical})
	if len(intents) != 1 {
		t.Fatalf("expected 1 match for critical severity, got %d", len(intents))
	}
}

func TestAuthenticationWindowedThreshold(t *testing.T) {
	rules := staticRules{rules: []domain.DetectionRule{{
		RuleID:   "r3",
		Name:     "brute force",
		Type:     domain.RuleTypeAuthentication,
		Severity: domain.SeverityHigh,
		Enabled:  true,
		Condition: domain.Condition{Authentication: &domain.AuthenticationCondition{
			WindowSeconds: 60,
			Threshold:     3,
		}},
	}}}
	e := New(rules, nil, nil)

	for i := 0; i < 2; i++ {
		intents, _ := e.Evaluate(domain.SecurityEvent{
			EventID: "e", EventType: "authentication_failure", SourceIP: "10.0.0.5", Success: boolPtr(false),
		})
		if len(intents) != 0 {
			t.Fatalf("expected no match before threshold reached, got %d at i=%d", len(intents), i)
		}
	}

	intents, _ := e.Evaluate(domain.SecurityEvent{
		EventID: "e", EventType: "authentication_failure", SourceIP: "10.0.0.5", Success: boolPtr(false),
	})
	if len(intents) != 1 {
		t.Fatalf("expected match on 3rd failure, got %d", len(intents))
	}
}

func TestAuthenticationIgnoresSuccess(t *testing.T) {
	rules := staticRules{rules: []domain.DetectionRule{{
		RuleID:   "r4",
		Name:     "brute force",
		Type:     domain.RuleTypeAuthentication,
		Severity: domain.SeverityHigh,
		Enabled:  true,
		Condition: domain.Condition{Authentication: &domain.AuthenticationCondition{
			WindowSeconds: 60,
			Threshold:     1,
		}},
	}}}
	e := New(rules, nil, nil)
	intents, _ := e.Evaluate(domain.SecurityEvent{
		EventID: "e", EventType: "authentication_failure", SourceIP: "10.0.0.5", Success: boolPtr(true),
	})
	if len(intents) != 0 {
		t.Fatalf("expected no match for successful auth, got %d", len(intents))
	}
}

func TestDisabledRuleIgnored(t *testing.T) {
	rules := staticRules{rules: []domain.DetectionRule{{
		RuleID:    "r5",
		Name:      "disabled",
		Type:      domain.RuleTypeGeneric,
		Severity:  domain.SeverityLow,
		Enabled:   false,
		Condition: domain.Condition{Generic: &domain.GenericCondition{MinSeverity: domain.SeverityLow}},
	}}}
	e := New(rules, nil, nil)
	intents, _ := e.Evaluate(domain.SecurityEvent{EventID: "e1", EventType: "whatever", Severity: domain.SeverityCritical})
	if len(intents) != 0 {
		t.Fatalf("expected disabled rule to be skipped, got %d", len(intents))
	}
}
