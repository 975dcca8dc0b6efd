package durable

import (
	"encoding/json"
	"fmt"

	"github.com/sentryctl/fleet/internal/controlplane/domain"
)

// encodeCondition/decodeCondition round-trip domain.Condition's typed ADT
// through JSON for storage: only the field matching the rule's RuleType is
// ever populated, so the encoding carries that one sub-struct and null for
// the others.
func encodeCondition(c domain.Condition) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeCondition(ruleType domain.RuleType, raw string) (domain.Condition, error) {
	var c domain.Condition
	if raw == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("decode condition for rule type %s: %w", ruleType, err)
	}
	return c, nil
}
