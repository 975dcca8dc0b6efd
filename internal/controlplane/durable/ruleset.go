package durable

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

// ruleFixture is the YAML-authored shape operators hand-edit for detection
// rules; LoadRuleSet converts it into domain.DetectionRule and persists it.
type ruleFixture struct {
	RuleID    string   `yaml:"rule_id"`
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Severity  string   `yaml:"severity"`
	Enabled   bool     `yaml:"enabled"`
	CreatedBy string   `yaml:"created_by"`
	Condition struct {
		SuspiciousPathFragments []string `yaml:"suspicious_path_fragments"`
		SuspiciousExtensions    []string `yaml:"suspicious_extensions"`
		ProtectedPathPrefixes   []string `yaml:"protected_path_prefixes"`
		Operations              []string `yaml:"operations"`
		Categories              []string `yaml:"categories"`
		KeyFragments            []string `yaml:"key_fragments"`
		WindowSeconds           int      `yaml:"window_seconds"`
		Threshold               int      `yaml:"threshold"`
		MinSeverity             string   `yaml:"min_severity"`
	} `yaml:"condition"`
}

type ruleSetFile struct {
	Rules []ruleFixture `yaml:"rules"`
}

// LoadRuleSet reads a YAML rule-set fixture file and upserts every rule
// into the durable store, so operators can author detection rules as ops
// artifacts instead of through the API one at a time.
func (s *Store) LoadRuleSet(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rule set %s: %w", path, err)
	}

	var file ruleSetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse rule set %s: %w", path, err)
	}

	for _, f := range file.Rules {
		rule := domain.DetectionRule{
			RuleID:    f.RuleID,
			Name:      f.Name,
			Type:      domain.RuleType(f.Type),
			Severity:  domain.Severity(f.Severity),
			Enabled:   f.Enabled,
			CreatedBy: f.CreatedBy,
		}

		switch rule.Type {
		case domain.RuleTypeProcess:
			rule.Condition.Process = &domain.ProcessCondition{
				SuspiciousPathFragments: f.Condition.SuspiciousPathFragments,
				SuspiciousExtensions:    f.Condition.SuspiciousExtensions,
			}
		case domain.RuleTypeFile:
			rule.Condition.File = &domain.FileCondition{
				ProtectedPathPrefixes: f.Condition.ProtectedPathPrefixes,
				Operations:            f.Condition.Operations,
			}
		case domain.RuleTypeNetwork:
			rule.Condition.Network = &domain.NetworkCondition{Categories: f.Condition.Categories}
		case domain.RuleTypeRegistry:
			rule.Condition.Registry = &domain.RegistryCondition{KeyFragments: f.Condition.KeyFragments}
		case domain.RuleTypeAuthentication:
			rule.Condition.Authentication = &domain.AuthenticationCondition{
				WindowSeconds: f.Condition.WindowSeconds,
				Threshold:     f.Condition.Threshold,
			}
		case domain.RuleTypeGeneric:
			rule.Condition.Generic = &domain.GenericCondition{MinSeverity: domain.Severity(f.Condition.MinSeverity)}
		}

		if err := s.PersistRule(rule); err != nil {
			return 0, fmt.Errorf("persist rule %s: %w", rule.RuleID, err)
		}
	}

	return len(file.Rules), nil
}
