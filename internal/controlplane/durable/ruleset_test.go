package durable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

const sampleRuleSet = `
rules:
  - rule_id: proc-temp-exec
    name: Execution from Temp
    type: process
    severity: high
    enabled: true
    created_by: fixture
    condition:
      suspicious_path_fragments:
        - "\\Temp\\"
        - "/tmp/"
      suspicious_extensions:
        - .scr
  - rule_id: net-tor
    name: Tor exit node contact
    type: network
    severity: medium
    enabled: false
    condition:
      categories:
        - tor_exit
`

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRuleSet(t *testing.T) {
	s := tempStore(t)
	path := writeFixture(t, "rules.yaml", sampleRuleSet)

	n, err := s.LoadRuleSet(path)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rules loaded, got %d", n)
	}

	rules, err := s.ListRules(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 persisted rules, got %d", len(rules))
	}

	var proc, net *domain.DetectionRule
	for i := range rules {
		switch rules[i].RuleID {
		case "proc-temp-exec":
			proc = &rules[i]
		case "net-tor":
			net = &rules[i]
		}
	}
	if proc == nil || net == nil {
		t.Fatalf("expected both fixture rules, got %+v", rules)
	}
	if proc.Condition.Process == nil || len(proc.Condition.Process.SuspiciousPathFragments) != 2 {
		t.Fatalf("unexpected process condition: %+v", proc.Condition)
	}
	if net.Condition.Network == nil || net.Condition.Network.Categories[0] != "tor_exit" {
		t.Fatalf("unexpected network condition: %+v", net.Condition)
	}
	if net.Enabled {
		t.Fatal("expected net-tor to load as disabled")
	}
}

func TestLoadRuleSetMissingFile(t *testing.T) {
	s := tempStore(t)
	if _, err := s.LoadRuleSet(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing fixture file")
	}
}
