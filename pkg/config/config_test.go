package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepmem/deepmem/pkg/config"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deepmem.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
server:
  addr: ":9000"
  max_update_body_bytes: 8388608
auth:
  api_key: devkey
queue:
  dir: /var/lib/deepmem/queue
  max_attempts: 7
retrieval:
  semantic_weight: 0.7
  relation_weight: 0.3
update:
  disabled_namespaces: [frozen]
embed:
  provider: openai
  routes:
    - pattern: "acme/+"
      provider: hash
      dimension: 64
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9000" {
		t.Errorf("Addr = %q, want :9000", cfg.Server.Addr)
	}
	if cfg.Server.MaxUpdateBodyBytes != 8388608 {
		t.Errorf("MaxUpdateBodyBytes = %d, want 8388608", cfg.Server.MaxUpdateBodyBytes)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", cfg.Queue.MaxAttempts)
	}
	if cfg.Retrieval.SemanticWeight != 0.7 || cfg.Retrieval.RelationWeight != 0.3 {
		t.Errorf("weights = %g/%g, want 0.7/0.3", cfg.Retrieval.SemanticWeight, cfg.Retrieval.RelationWeight)
	}
	if len(cfg.Update.DisabledNamespaces) != 1 || cfg.Update.DisabledNamespaces[0] != "frozen" {
		t.Errorf("DisabledNamespaces = %v, want [frozen]", cfg.Update.DisabledNamespaces)
	}
	if cfg.Embed.Provider != "openai" {
		t.Errorf("Embed.Provider = %q, want openai", cfg.Embed.Provider)
	}
	if len(cfg.Embed.Routes) != 1 || cfg.Embed.Routes[0].Pattern != "acme/+" || cfg.Embed.Routes[0].Dimension != 64 {
		t.Errorf("Embed.Routes = %+v", cfg.Embed.Routes)
	}

	// Untouched keys keep their defaults.
	if cfg.Queue.Concurrency != 2 {
		t.Errorf("Concurrency = %d, want default 2", cfg.Queue.Concurrency)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want info/json", cfg.Logging)
	}
	if !cfg.Filter.Enabled {
		t.Error("Filter.Enabled lost its default")
	}
}

func TestLoadEnvBeatsFile(t *testing.T) {
	path := writeFile(t, "queue:\n  max_attempts: 7\n")

	t.Setenv("QUEUE_MAX_ATTEMPTS", "9")
	t.Setenv("UPDATE_SAMPLE_RATE", "0.25")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "5000")
	t.Setenv("RATE_LIMIT_RETRIEVE_PER_WINDOW", "10")
	t.Setenv("STORAGE_GC_INTERVAL_MS", "120000")
	t.Setenv("UPDATE_DISABLED_NAMESPACES", " toy1, toy2 ,")
	t.Setenv("API_KEYS_JSON", `[{"key":"k1","role":"read"}]`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d, want env override 9", cfg.Queue.MaxAttempts)
	}
	if cfg.Update.SampleRate != 0.25 {
		t.Errorf("SampleRate = %g, want 0.25", cfg.Update.SampleRate)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Window() != 5*time.Second {
		t.Errorf("RateLimit = %+v, want enabled 5s window", cfg.RateLimit)
	}
	if cfg.RateLimit.RetrievePerWindow != 10 {
		t.Errorf("RetrievePerWindow = %d, want 10", cfg.RateLimit.RetrievePerWindow)
	}
	if cfg.Storage.GCInterval() != 2*time.Minute {
		t.Errorf("GCInterval = %v, want 2m", cfg.Storage.GCInterval())
	}
	want := []string{"toy1", "toy2"}
	if len(cfg.Update.DisabledNamespaces) != 2 || cfg.Update.DisabledNamespaces[0] != want[0] || cfg.Update.DisabledNamespaces[1] != want[1] {
		t.Errorf("DisabledNamespaces = %v, want %v", cfg.Update.DisabledNamespaces, want)
	}
	if cfg.Auth.APIKeysJSON == "" {
		t.Error("API_KEYS_JSON not applied")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load: %v, want fs.ErrNotExist", err)
	}
}

func TestLoadBadEnvValue(t *testing.T) {
	t.Setenv("QUEUE_MAX_ATTEMPTS", "soon")
	_, err := config.Load("")
	if err == nil || !strings.Contains(err.Error(), "QUEUE_MAX_ATTEMPTS") {
		t.Fatalf("Load: %v, want QUEUE_MAX_ATTEMPTS parse error", err)
	}
}

func TestValidateFailsClosedWithoutKeys(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.RequireAPIKey = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted REQUIRE_API_KEY with no keys")
	}
	cfg.Auth.APIKey = "k1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad embed provider", func(c *config.Config) { c.Embed.Provider = "word2vec" }, "EMBED_PROVIDER"},
		{"bad analyzer provider", func(c *config.Config) { c.Analyzer.Provider = "llm" }, "ANALYZER_PROVIDER"},
		{"bad migrations mode", func(c *config.Config) { c.Migrations.Mode = "force" }, "MIGRATIONS_MODE"},
		{"bad log level", func(c *config.Config) { c.Logging.Level = "trace" }, "LOG_LEVEL"},
		{"sample rate above one", func(c *config.Config) { c.Update.SampleRate = 1.5 }, "UPDATE_SAMPLE_RATE"},
		{"negative weight", func(c *config.Config) { c.Retrieval.RelationWeight = -0.1 }, "weights"},
		{"zero dedupe", func(c *config.Config) { c.Update.DedupeScore = 0 }, "DEDUPE_SCORE"},
		{"empty queue dir", func(c *config.Config) { c.Queue.Dir = "" }, "QUEUE_DIR"},
		{"zero attempts", func(c *config.Config) { c.Queue.MaxAttempts = 0 }, "QUEUE_MAX_ATTEMPTS"},
		{"broken keys json", func(c *config.Config) { c.Auth.APIKeysJSON = "{" }, "API_KEYS_JSON"},
		{"broken rules json", func(c *config.Config) { c.Filter.RulesJSON = "[" }, "SENSITIVE_RULES_JSON"},
		{"route without pattern", func(c *config.Config) {
			c.Embed.Routes = []config.EmbedRoute{{Provider: "hash"}}
		}, "pattern"},
		{"rate limit without window", func(c *config.Config) {
			c.RateLimit.Enabled = true
			c.RateLimit.WindowMs = 0
		}, "RATE_LIMIT_WINDOW_MS"},
		{"negative gc interval", func(c *config.Config) {
			c.Storage.GCIntervalMs = -1
		}, "STORAGE_GC_INTERVAL_MS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted a broken config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate: %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestAuthKeysCSV(t *testing.T) {
	tests := []struct {
		single, csv, want string
	}{
		{"", "", ""},
		{"k1", "", "k1"},
		{"", "k2,k3", "k2,k3"},
		{"k1", "k2,k3", "k1,k2,k3"},
	}
	for _, tt := range tests {
		a := config.Auth{APIKey: tt.single, APIKeys: tt.csv}
		if got := a.KeysCSV(); got != tt.want {
			t.Errorf("KeysCSV(%q, %q) = %q, want %q", tt.single, tt.csv, got, tt.want)
		}
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := config.Default()
	if got := cfg.Server.ShutdownGrace(); got != 15*time.Second {
		t.Errorf("ShutdownGrace = %v, want 15s", got)
	}
	if got := cfg.Queue.RetryBase(); got != 3*time.Second {
		t.Errorf("RetryBase = %v, want 3s", got)
	}
	if got := cfg.Queue.RetryMax(); got != 10*time.Minute {
		t.Errorf("RetryMax = %v, want 10m", got)
	}
	if got := cfg.Retrieval.CacheTTL(); got != 30*time.Second {
		t.Errorf("CacheTTL = %v, want 30s", got)
	}
	if got := (config.Update{MinIntervalMs: 1500}).MinInterval(); got != 1500*time.Millisecond {
		t.Errorf("MinInterval = %v, want 1.5s", got)
	}
}
