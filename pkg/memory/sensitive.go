package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// DefaultRulesetVersion identifies the built-in sensitive ruleset.
const DefaultRulesetVersion = "v1"

// SensitiveRule is one named pattern of the sensitive-content ruleset.
type SensitiveRule struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// DefaultSensitiveRules returns the built-in ruleset: credentials and
// payment or identity numbers that must never become long-term memories.
func DefaultSensitiveRules() []SensitiveRule {
	return []SensitiveRule{
		{Name: "card_number", Pattern: `\b(?:\d[ -]?){13,16}\b`},
		{Name: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`},
		{Name: "password", Pattern: `(?i)\b(?:password|passwd|passphrase)\b\s*(?:is|[:=])`},
		{Name: "secret_assignment", Pattern: `(?i)\b(?:api[_ -]?key|secret[_ -]?key|access[_ -]?token|client[_ -]?secret)\b\s*(?:is)?\s*[:=]\s*\S{6,}`},
		{Name: "bearer_token", Pattern: `(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{20,}`},
		{Name: "private_key", Pattern: `-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`},
		{Name: "iban", Pattern: `\b[A-Z]{2}\d{2}[A-Z0-9]{11,30}\b`},
	}
}

// ParseSensitiveRules decodes a custom ruleset from JSON: a list of
// {"name", "pattern"} objects. Patterns are validated for syntax here so
// a bad config fails at startup, not mid-ingest.
func ParseSensitiveRules(raw string) ([]SensitiveRule, error) {
	var rules []SensitiveRule
	if err := json.Unmarshal([]byte(raw), &rules); err != nil {
		return nil, fmt.Errorf("memory: parse sensitive rules: %w", err)
	}
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("memory: sensitive rule %d (%q) has no pattern", i, r.Name)
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return nil, fmt.Errorf("memory: sensitive rule %q: %w", r.Name, err)
		}
	}
	return rules, nil
}

// SensitiveFilter matches draft content against a compiled ruleset.
// A nil filter matches nothing, so callers can pass it through unchecked.
type SensitiveFilter struct {
	version string
	rules   []compiledRule
}

type compiledRule struct {
	name string
	re   *regexp.Regexp
}

// NewSensitiveFilter compiles a ruleset. Empty version defaults to
// DefaultRulesetVersion; nil rules compile the built-in set.
func NewSensitiveFilter(version string, rules []SensitiveRule) (*SensitiveFilter, error) {
	if version == "" {
		version = DefaultRulesetVersion
	}
	if rules == nil {
		rules = DefaultSensitiveRules()
	}
	f := &SensitiveFilter{version: version, rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("memory: compile sensitive rule %q: %w", r.Name, err)
		}
		f.rules = append(f.rules, compiledRule{name: r.Name, re: re})
	}
	return f, nil
}

// Version returns the ruleset version, or "" for a nil filter.
func (f *SensitiveFilter) Version() string {
	if f == nil {
		return ""
	}
	return f.version
}

// Match reports the name of the first rule whose pattern occurs in
// content. Rules are checked in declaration order.
func (f *SensitiveFilter) Match(content string) (string, bool) {
	if f == nil {
		return "", false
	}
	for _, r := range f.rules {
		if r.re.MatchString(content) {
			return r.name, true
		}
	}
	return "", false
}
