package authz

import (
	"errors"
	"testing"
)

func TestParseRules_JSON(t *testing.T) {
	raw := `[
		{"key":"rk","role":"read","namespaces":["acme"]},
		{"key":"wk","role":"write","namespaces":["acme","beta"]},
		{"key":"ak","role":"admin"}
	]`
	rules, err := ParseRules(raw, "", false)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if !rules.Required() {
		t.Error("Required() = false with configured keys")
	}
	if rules.Len() != 3 {
		t.Fatalf("Len() = %d; want 3", rules.Len())
	}

	rule, err := rules.Authenticate("wk")
	if err != nil {
		t.Fatalf("Authenticate(wk): %v", err)
	}
	if rule.Role != RoleWrite {
		t.Errorf("role = %v; want write", rule.Role)
	}
	if !AllowNamespace(rule, "beta") || AllowNamespace(rule, "gamma") {
		t.Error("namespace allowlist not honored")
	}

	// No namespaces in JSON means wildcard.
	admin, err := rules.Authenticate("ak")
	if err != nil {
		t.Fatalf("Authenticate(ak): %v", err)
	}
	if !AllowNamespace(admin, "anything") {
		t.Error("empty namespaces should default to wildcard")
	}
}

func TestParseRules_LegacyCSV(t *testing.T) {
	rules, err := ParseRules("", "alpha, beta ,", false)
	if err != nil {
		t.Fatalf("ParseRules: %v", err)
	}
	if rules.Len() != 2 {
		t.Fatalf("Len() = %d; want 2", rules.Len())
	}
	rule, err := rules.Authenticate("beta")
	if err != nil {
		t.Fatalf("Authenticate(beta): %v", err)
	}
	if rule.Role != RoleAdmin {
		t.Errorf("legacy key role = %v; want admin", rule.Role)
	}
	if !AllowNamespace(rule, "any-ns") {
		t.Error("legacy key should allow every namespace")
	}
}

func TestParseRules_BadJSON(t *testing.T) {
	if _, err := ParseRules(`{"key":`, "", false); err == nil {
		t.Error("expected error for malformed JSON")
	}
	if _, err := ParseRules(`[{"role":"read"}]`, "", false); err == nil {
		t.Error("expected error for entry without key")
	}
}

func TestRules_Required(t *testing.T) {
	open, _ := ParseRules("", "", false)
	if open.Required() {
		t.Error("empty table without flag should not require keys")
	}
	forced, _ := ParseRules("", "", true)
	if !forced.Required() {
		t.Error("require flag should force Required()")
	}
}

func TestAuthenticate_UnknownKey(t *testing.T) {
	rules, _ := ParseRules("", "good", false)
	if _, err := rules.Authenticate("bad"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown key: err = %v; want ErrUnauthorized", err)
	}
	if _, err := rules.Authenticate(""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty key: err = %v; want ErrUnauthorized", err)
	}
}

func TestRoleRanks(t *testing.T) {
	tests := []struct {
		name string
		role Role
		min  Role
		want bool
	}{
		{"read allows read", RoleRead, RoleRead, true},
		{"read denies write", RoleRead, RoleWrite, false},
		{"write allows read", RoleWrite, RoleRead, true},
		{"write denies admin", RoleWrite, RoleAdmin, false},
		{"admin allows all", RoleAdmin, RoleAdmin, true},
	}
	for _, tt := range tests {
		if got := tt.role.Allows(tt.min); got != tt.want {
			t.Errorf("%s: Allows = %v; want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"read", RoleRead},
		{"reader", RoleRead},
		{"WRITE", RoleWrite},
		{"writer", RoleWrite},
		{"admin", RoleAdmin},
		{"", RoleAdmin},
		{"owner", RoleAdmin}, // unknown defaults to admin, legacy behavior
	}
	for _, tt := range tests {
		if got := ParseRole(tt.in); got != tt.want {
			t.Errorf("ParseRole(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestNamespaceFromKey(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"acme::mem_ab12", "acme"},
		{"acme::session::s1", "acme"},
		{"mem_ab12", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NamespaceFromKey(tt.id); got != tt.want {
			t.Errorf("NamespaceFromKey(%q) = %q; want %q", tt.id, got, tt.want)
		}
	}
}

func TestKeyID(t *testing.T) {
	id := KeyID("super-secret")
	if len(id) != 12 {
		t.Fatalf("KeyID length = %d; want 12", len(id))
	}
	if id == KeyID("other-secret") {
		t.Error("distinct keys produced identical ids")
	}
	// Never the raw key.
	if id == "super-secret"[:12] {
		t.Error("KeyID leaked raw key bytes")
	}
}
