// Package authz implements API-key authentication and authorization for
// the deep-memory server: a rule table mapping keys to roles and allowed
// namespaces, constant-time key matching, and role ranking.
//
// The package holds no HTTP types; pkg/server adapts it into middleware.
package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrUnauthorized is returned when the presented key matches no rule.
	ErrUnauthorized = errors.New("authz: unauthorized")

	// ErrForbidden is returned when the key's role rank is too low.
	ErrForbidden = errors.New("authz: forbidden")
)

// Role is an access level. Higher ranks include lower ones.
type Role int

// Role ranks.
const (
	RoleNone  Role = 0
	RoleRead  Role = 1
	RoleWrite Role = 2
	RoleAdmin Role = 3
)

// ParseRole maps a role name to its rank. Unknown names default to
// RoleAdmin, matching the legacy key format where a bare key implied
// full access.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "reader":
		return RoleRead
	case "write", "writer":
		return RoleWrite
	case "admin", "":
		return RoleAdmin
	default:
		return RoleAdmin
	}
}

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// Allows reports whether r satisfies the minimum role min.
func (r Role) Allows(min Role) bool {
	return r >= min
}

// WildcardNamespace grants a rule access to every namespace.
const WildcardNamespace = "*"

// Rule binds one API key to a role and a namespace allowlist.
type Rule struct {
	Key        string   `json:"key"`
	Role       Role     `json:"-"`
	Namespaces []string `json:"namespaces"`

	// keySum is the SHA-256 of Key, precomputed so Authenticate can
	// compare fixed-length digests in constant time.
	keySum [sha256.Size]byte
}

// ruleWire is the JSON shape of a rule in API_KEYS_JSON.
type ruleWire struct {
	Key        string   `json:"key"`
	Role       string   `json:"role"`
	Namespaces []string `json:"namespaces"`
}

// Rules is an immutable rule table. The zero value requires nothing and
// allows everything.
type Rules struct {
	rules    []Rule
	required bool
}

// ParseRules builds a rule table from the configured key material.
//
// keysJSON, when non-empty, is a JSON list of {key, role, namespaces}
// objects. keysCSV is the legacy format: a comma-separated list of bare
// keys, each granted admin over all namespaces. When both are set, JSON
// wins. requireFlag forces Required() even with an empty table, which
// fails every request closed.
func ParseRules(keysJSON, keysCSV string, requireFlag bool) (*Rules, error) {
	var rules []Rule
	switch {
	case strings.TrimSpace(keysJSON) != "":
		var wires []ruleWire
		if err := json.Unmarshal([]byte(keysJSON), &wires); err != nil {
			return nil, fmt.Errorf("authz: parse keys json: %w", err)
		}
		for i, w := range wires {
			if w.Key == "" {
				return nil, fmt.Errorf("authz: keys json entry %d has no key", i)
			}
			nss := w.Namespaces
			if len(nss) == 0 {
				nss = []string{WildcardNamespace}
			}
			rules = append(rules, newRule(w.Key, ParseRole(w.Role), nss))
		}
	case strings.TrimSpace(keysCSV) != "":
		for _, k := range strings.Split(keysCSV, ",") {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			rules = append(rules, newRule(k, RoleAdmin, []string{WildcardNamespace}))
		}
	}
	return &Rules{rules: rules, required: requireFlag || len(rules) > 0}, nil
}

func newRule(key string, role Role, namespaces []string) Rule {
	return Rule{
		Key:        key,
		Role:       role,
		Namespaces: namespaces,
		keySum:     sha256.Sum256([]byte(key)),
	}
}

// Required reports whether requests must present a valid key. It is true
// as soon as any key is configured, or when the operator forces it.
func (r *Rules) Required() bool {
	return r != nil && r.required
}

// Len returns the number of configured rules.
func (r *Rules) Len() int {
	if r == nil {
		return 0
	}
	return len(r.rules)
}

// Authenticate resolves a raw API key to its rule. Every rule is checked
// so timing does not reveal which prefix matched; digests equalize the
// compared lengths.
func (r *Rules) Authenticate(rawKey string) (*Rule, error) {
	if r == nil || rawKey == "" {
		return nil, ErrUnauthorized
	}
	sum := sha256.Sum256([]byte(rawKey))
	var found *Rule
	for i := range r.rules {
		if subtle.ConstantTimeCompare(sum[:], r.rules[i].keySum[:]) == 1 && found == nil {
			found = &r.rules[i]
		}
	}
	if found == nil {
		return nil, ErrUnauthorized
	}
	return found, nil
}

// AllowNamespace reports whether the rule may touch the namespace. A nil
// rule means authentication was not required; it allows everything.
func AllowNamespace(rule *Rule, ns string) bool {
	if rule == nil {
		return true
	}
	for _, allowed := range rule.Namespaces {
		if allowed == WildcardNamespace || allowed == ns {
			return true
		}
	}
	return false
}

// NamespaceFromKey returns the namespace prefix of a composite id such
// as "acme::mem_ab12" — everything before the first "::" — or "" when
// the id carries no namespace.
func NamespaceFromKey(id string) string {
	if i := strings.Index(id, "::"); i >= 0 {
		return id[:i]
	}
	return ""
}

// KeyID derives the loggable identifier of an API key: the first 12 hex
// characters of its SHA-256. Raw keys never appear in logs or audit
// entries.
func KeyID(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])[:12]
}
