// Package rules compiles versioned rule sets that turn raw host signals
// (log lines, event-log entries, registry values) into typed events.
// A compiled Set is immutable; config refresh swaps whole sets atomically.
package rules

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/provsight-systems/provsight-agent/internal/logging"
	"github.com/provsight-systems/provsight-agent/internal/models"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Compiled pairs a rule with its compiled pattern and resolved phase hint.
type Compiled struct {
	Rule      models.Rule
	Pattern   *regexp.Regexp
	PhaseHint *models.Phase
}

// Set is an immutable compiled rule set.
type Set struct {
	version  int
	byTarget map[models.MatchType][]Compiled
}

// Compile builds a Set from raw rules. Disabled rules are skipped; rules
// with broken patterns or unknown phase names are skipped and logged,
// never fatal — a bad remote rule must not take a collector down.
func Compile(version int, raw []models.Rule, log *logging.Logger) *Set {
	s := &Set{
		version:  version,
		byTarget: make(map[models.MatchType][]Compiled),
	}
	for _, r := range raw {
		if !r.Enabled {
			continue
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.Warn("skipping rule with invalid pattern", "rule", r.Name, "error", err)
			continue
		}
		c := Compiled{Rule: r, Pattern: re}
		if r.PhaseHint != "" {
			p, ok := models.ParsePhase(r.PhaseHint)
			if !ok {
				log.Warn("skipping rule with unknown phase hint", "rule", r.Name, "phase_hint", r.PhaseHint)
				continue
			}
			c.PhaseHint = &p
		}
		s.byTarget[r.MatchType] = append(s.byTarget[r.MatchType], c)
	}
	return s
}

// Version returns the rule set version this Set was compiled from.
func (s *Set) Version() int { return s.version }

// Len returns the number of active compiled rules.
func (s *Set) Len() int {
	n := 0
	for _, cs := range s.byTarget {
		n += len(cs)
	}
	return n
}

// Match returns the first enabled rule of the given target type whose
// pattern matches input. Rules are evaluated in set order.
func (s *Set) Match(target models.MatchType, input string) (*Compiled, bool) {
	for i := range s.byTarget[target] {
		c := &s.byTarget[target][i]
		if c.Pattern.MatchString(input) {
			return c, true
		}
	}
	return nil, false
}

// Default compiles the rule set bundled with the agent, used until the
// first remote snapshot arrives.
func Default(log *logging.Logger) (*Set, error) {
	var doc struct {
		Version int           `yaml:"version"`
		Rules   []models.Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(defaultRulesYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse bundled rules: %w", err)
	}
	return Compile(doc.Version, doc.Rules, log), nil
}
