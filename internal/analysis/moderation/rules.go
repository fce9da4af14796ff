package moderation

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// RuleStore loads raw moderation terms keyed by tier name.
type RuleStore interface {
	Load() (map[string][]string, error)
}

// FileStore reads rules from a YAML (or JSON) document on disk.
type FileStore struct {
	Path string
}

// Load parses the rule file. JSON documents are accepted as YAML.
func (s FileStore) Load() (map[string][]string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read moderation rules %s: %w", s.Path, err)
	}

	raw := make(map[string][]string)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse moderation rules %s: %w", s.Path, err)
	}
	return raw, nil
}

// StaticStore serves a fixed rule map.
type StaticStore map[string][]string

func (s StaticStore) Load() (map[string][]string, error) {
	out := make(map[string][]string, len(s))
	for k, v := range s {
		out[k] = append([]string(nil), v...)
	}
	return out, nil
}

type matcher struct {
	term    string
	pattern *regexp.Regexp
}

// RuleSet is an immutable compiled snapshot of all tiers.
type RuleSet struct {
	tiers map[Severity][]matcher
}

// EmptyRuleSet matches nothing.
func EmptyRuleSet() *RuleSet {
	return &RuleSet{tiers: make(map[Severity][]matcher)}
}

// Compile builds word-boundary, case-insensitive matchers for every term.
func Compile(raw map[string][]string) *RuleSet {
	rs := EmptyRuleSet()
	for key, terms := range raw {
		severity, ok := parseTier(key)
		if !ok {
			log.Warn().Str("component", "moderation").Str("tier", key).Msg("ignoring unknown moderation tier")
			continue
		}

		seen := make(map[string]struct{}, len(terms))
		for _, term := range terms {
			normalized := strings.ToLower(strings.TrimSpace(term))
			if normalized == "" {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}

			pattern, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(normalized) + `\b`)
			if err != nil {
				log.Warn().Str("component", "moderation").Str("term", term).Err(err).Msg("skipping invalid moderation term")
				continue
			}
			rs.tiers[severity] = append(rs.tiers[severity], matcher{term: normalized, pattern: pattern})
		}
	}
	return rs
}

// Match returns the highest-priority tier with at least one hit and the terms it matched.
func (rs *RuleSet) Match(text string) (Severity, []string) {
	for _, severity := range tierOrder {
		var hits []string
		for _, m := range rs.tiers[severity] {
			if m.pattern.MatchString(text) {
				hits = append(hits, m.term)
			}
		}
		if len(hits) > 0 {
			return severity, hits
		}
	}
	return SeverityNone, nil
}

// Counts reports the number of terms per tier.
func (rs *RuleSet) Counts() map[Severity]int {
	counts := make(map[Severity]int, len(tierOrder))
	for _, severity := range tierOrder {
		counts[severity] = len(rs.tiers[severity])
	}
	return counts
}

// Total is the number of compiled terms across tiers.
func (rs *RuleSet) Total() int {
	total := 0
	for _, ms := range rs.tiers {
		total += len(ms)
	}
	return total
}

// Terms lists the compiled terms of one tier, sorted.
func (rs *RuleSet) Terms(severity Severity) []string {
	out := make([]string, 0, len(rs.tiers[severity]))
	for _, m := range rs.tiers[severity] {
		out = append(out, m.term)
	}
	sort.Strings(out)
	return out
}

func parseTier(key string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "high":
		return SeverityHigh, true
	case "medium":
		return SeverityMedium, true
	case "low":
		return SeverityLow, true
	case "emergency", "medical_emergency":
		return SeverityEmergency, true
	default:
		return "", false
	}
}
