package durable

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// threatIntelFixture is an operator-authored YAML file mapping CIDR ranges
// to threat categories (e.g. tor_exit, malware_c2), the same fixture
// authoring style as LoadRuleSet.
type threatIntelFixture struct {
	Ranges []struct {
		CIDR       string   `yaml:"cidr"`
		Categories []string `yaml:"categories"`
	} `yaml:"ranges"`
}

type intelRange struct {
	net        *net.IPNet
	categories map[string]bool
}

// StaticThreatIntel classifies source IPs against an operator-maintained
// CIDR-to-category fixture, returning an empty category set when no range
// matches. detect.Engine then reports no network match; its coarse
// private/public fallback applies only when no threat-intel collaborator is
// wired or the lookup returns an error.
type StaticThreatIntel struct {
	ranges []intelRange
}

// LoadThreatIntel reads a YAML threat-intel fixture from disk.
func LoadThreatIntel(path string) (*StaticThreatIntel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read threat intel %s: %w", path, err)
	}

	var file threatIntelFixture
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse threat intel %s: %w", path, err)
	}

	intel := &StaticThreatIntel{}
	for _, r := range file.Ranges {
		_, ipnet, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", r.CIDR, err)
		}
		cats := make(map[string]bool, len(r.Categories))
		for _, c := range r.Categories {
			cats[c] = true
		}
		intel.ranges = append(intel.ranges, intelRange{net: ipnet, categories: cats})
	}
	return intel, nil
}

// ClassifyIP implements detect.ThreatIntel.
func (s *StaticThreatIntel) ClassifyIP(ip string) (map[string]bool, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("invalid IP: %s", ip)
	}
	for _, r := range s.ranges {
		if r.net.Contains(parsed) {
			return r.categories, nil
		}
	}
	return map[string]bool{}, nil
}
