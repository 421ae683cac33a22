// Package casil implements the Content-Aware Safety & Inspection Layer: a
// deterministic, bounded pipeline that classifies every in-scope envelope
// and produces exactly one ALLOW / ALLOW_WITH_REDACTION / BLOCK outcome.
package casil

import (
	"fmt"
	"path"
	"regexp"
)

// Mode gates whether policy outcomes actually apply.
type Mode string

const (
	ModeMonitor Mode = "monitor"
	ModeEnforce Mode = "enforce"
)

// Decision is the default/oversize decision.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// OversizeBehavior controls what happens when a payload exceeds the hard
// size limit.
type OversizeBehavior string

const (
	OversizeBlock        OversizeBehavior = "block"
	OversizeAllow        OversizeBehavior = "allow"
	OversizeAllowAndTag  OversizeBehavior = "allow_and_tag"
)

// Action is what a matched rule prescribes.
type Action string

const (
	ActionAllow  Action = "allow"
	ActionRedact Action = "redact"
	ActionBlock  Action = "block"
)

// Rule is a single policy rule; rules are evaluated in declared order and
// the first terminal match wins (spec.md §4.3 step 4).
type Rule struct {
	ID             string   `yaml:"id" json:"id"`
	MatchKinds     []Kind   `yaml:"match_kinds" json:"match_kinds"`
	MatchRisk      []Risk   `yaml:"match_risk" json:"match_risk"`
	MatchFlags     []string `yaml:"match_flags" json:"match_flags"`
	Action         Action   `yaml:"action" json:"action"`
	ReasonCode     string   `yaml:"reason_code" json:"reason_code"`
	RedactFields   []string `yaml:"redact_fields" json:"redact_fields"`
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

func (r Rule) matchesFlags(flags []string) bool {
	if len(r.MatchFlags) == 0 {
		return true
	}
	set := make(map[string]bool, len(flags))
	for _, f := range flags {
		set[f] = true
	}
	for _, want := range r.MatchFlags {
		if set[want] {
			return true
		}
	}
	return false
}

func (r Rule) matchesKind(k Kind) bool {
	if len(r.MatchKinds) == 0 {
		return true
	}
	for _, want := range r.MatchKinds {
		if want == k {
			return true
		}
	}
	return false
}

func (r Rule) matchesRisk(risk Risk) bool {
	if len(r.MatchRisk) == 0 {
		return true
	}
	for _, want := range r.MatchRisk {
		if want == risk {
			return true
		}
	}
	return false
}

// Snapshot is the immutable, atomically-installed policy configuration
// (spec.md §3 "Policy snapshot"). Installed via atomic.Pointer swap in
// Engine; never mutated after Compile succeeds.
type Snapshot struct {
	Enabled               bool
	Mode                  Mode
	DefaultDecision       Decision
	ScopeInclude          []string
	ScopeExclude          []string
	MaxInspectBytes       int
	OversizeBehavior      OversizeBehavior
	Rules                 []Rule
	RedactionPatterns     []string
	PersistMetadata       bool
	ExposeMetadataToClients bool
	BlockOnProbableSecret bool
	MaxPolicies           int
	MaxPatterns           int

	compiledRedactions []*regexp.Regexp
	compiledScopeIn    []globPattern
	compiledScopeOut   []globPattern
}

type globPattern struct{ pattern string }

func (g globPattern) match(s string) bool {
	ok, err := path.Match(g.pattern, s)
	return err == nil && ok
}

// Compile validates snapshot limits and precompiles patterns (spec.md §4.3
// D2: "pattern compilation rejects catastrophic patterns at snapshot
// install time; snapshot count limits enforced"). A snapshot that fails
// Compile must never be installed; the caller keeps the previous snapshot
// (CASIL_RELOAD_REJECTED).
func Compile(s *Snapshot) error {
	if s.MaxPolicies > 0 && len(s.Rules) > s.MaxPolicies {
		return fmt.Errorf("casil: %d rules exceeds max_policies %d", len(s.Rules), s.MaxPolicies)
	}
	if s.MaxPatterns > 0 && len(s.RedactionPatterns) > s.MaxPatterns {
		return fmt.Errorf("casil: %d redaction patterns exceeds max_patterns %d", len(s.RedactionPatterns), s.MaxPatterns)
	}
	if s.MaxInspectBytes <= 0 {
		s.MaxInspectBytes = 65536
	}

	s.compiledRedactions = s.compiledRedactions[:0]
	for _, p := range s.RedactionPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("casil: invalid redaction pattern %q: %w", p, err)
		}
		if isCatastrophic(re) {
			return fmt.Errorf("casil: rejected catastrophic redaction pattern %q", p)
		}
		s.compiledRedactions = append(s.compiledRedactions, re)
	}

	s.compiledScopeIn = s.compiledScopeIn[:0]
	for _, p := range s.ScopeInclude {
		s.compiledScopeIn = append(s.compiledScopeIn, globPattern{p})
	}
	s.compiledScopeOut = s.compiledScopeOut[:0]
	for _, p := range s.ScopeExclude {
		s.compiledScopeOut = append(s.compiledScopeOut, globPattern{p})
	}

	for _, r := range s.Rules {
		for _, p := range r.RedactPatterns {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("casil: rule %s has invalid redact pattern %q: %w", r.ID, p, err)
			}
		}
	}
	return nil
}

// isCatastrophic rejects patterns with nested unbounded quantifiers, a
// cheap static heuristic for classic ReDoS shapes like (a+)+.
func isCatastrophic(re *regexp.Regexp) bool {
	src := re.String()
	nestedQuantifier := regexp.MustCompile(`\([^)]*[+*][^)]*\)[+*]`)
	return nestedQuantifier.MatchString(src)
}

// InScope reports whether (room,channel) is subject to inspection.
func (s *Snapshot) InScope(room, channel string) bool {
	target := room + ":" + channel
	if len(s.compiledScopeOut) > 0 {
		for _, p := range s.compiledScopeOut {
			if p.match(target) || p.match(room) {
				return false
			}
		}
	}
	if len(s.compiledScopeIn) == 0 {
		return true
	}
	for _, p := range s.compiledScopeIn {
		if p.match(target) || p.match(room) {
			return true
		}
	}
	return false
}

// DefaultSnapshot returns a conservative snapshot suitable as a starting
// point (enforce mode, default-allow, no rules).
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Enabled:          true,
		Mode:             ModeEnforce,
		DefaultDecision:  DecisionAllow,
		MaxInspectBytes:  65536,
		OversizeBehavior: OversizeBlock,
		PersistMetadata:  true,
		MaxPolicies:      50,
		MaxPatterns:      50,
	}
}
