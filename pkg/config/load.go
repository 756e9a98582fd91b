package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
)

// Load builds the effective configuration: defaults, then the YAML file
// at path (skipped when path is empty), then environment overrides,
// then validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays every recognized environment variable onto cfg.
// Unset variables leave the current value alone.
func applyEnv(cfg *Config) error {
	s := &envScan{}

	s.str("LISTEN_ADDR", &cfg.Server.Addr)
	s.boolean("METRICS_PUBLIC", &cfg.Server.MetricsPublic)
	s.int64("MAX_BODY_BYTES", &cfg.Server.MaxBodyBytes)
	s.int64("MAX_UPDATE_BODY_BYTES", &cfg.Server.MaxUpdateBodyBytes)
	s.int64("SHUTDOWN_GRACE_MS", &cfg.Server.ShutdownGraceMs)

	s.boolean("REQUIRE_API_KEY", &cfg.Auth.RequireAPIKey)
	s.str("API_KEY", &cfg.Auth.APIKey)
	s.str("API_KEYS", &cfg.Auth.APIKeys)
	s.str("API_KEYS_JSON", &cfg.Auth.APIKeysJSON)

	s.boolean("RATE_LIMIT_ENABLED", &cfg.RateLimit.Enabled)
	s.int64("RATE_LIMIT_WINDOW_MS", &cfg.RateLimit.WindowMs)
	s.integer("RATE_LIMIT_RETRIEVE_PER_WINDOW", &cfg.RateLimit.RetrievePerWindow)
	s.integer("RATE_LIMIT_UPDATE_PER_WINDOW", &cfg.RateLimit.UpdatePerWindow)
	s.integer("RATE_LIMIT_FORGET_PER_WINDOW", &cfg.RateLimit.ForgetPerWindow)

	s.integer("UPDATE_BACKLOG_REJECT_PENDING", &cfg.Backlog.RejectPending)
	s.integer("UPDATE_BACKLOG_DELAY_PENDING", &cfg.Backlog.DelayPending)
	s.integer("UPDATE_BACKLOG_READ_ONLY_PENDING", &cfg.Backlog.ReadOnlyPending)
	s.integer("UPDATE_BACKLOG_DELAY_SECONDS", &cfg.Backlog.DelaySeconds)

	s.str("QUEUE_DIR", &cfg.Queue.Dir)
	s.integer("UPDATE_CONCURRENCY", &cfg.Queue.Concurrency)
	s.integer("NAMESPACE_UPDATE_CONCURRENCY", &cfg.Queue.NamespaceConcurrency)
	s.integer("QUEUE_MAX_ATTEMPTS", &cfg.Queue.MaxAttempts)
	s.int64("QUEUE_RETRY_BASE_MS", &cfg.Queue.RetryBaseMs)
	s.int64("QUEUE_RETRY_MAX_MS", &cfg.Queue.RetryMaxMs)
	s.boolean("QUEUE_KEEP_DONE", &cfg.Queue.KeepDone)
	s.integer("QUEUE_RETENTION_DAYS", &cfg.Queue.RetentionDays)
	s.int64("QUEUE_MAX_TASK_BYTES", &cfg.Queue.MaxTaskBytes)

	s.list("UPDATE_DISABLED_NAMESPACES", &cfg.Update.DisabledNamespaces)
	s.int64("UPDATE_MIN_INTERVAL_MS", &cfg.Update.MinIntervalMs)
	s.float("UPDATE_SAMPLE_RATE", &cfg.Update.SampleRate)
	s.float("IMPORTANCE_THRESHOLD", &cfg.Update.ImportanceThreshold)
	s.integer("MAX_MEMORIES_PER_UPDATE", &cfg.Update.MaxMemoriesPerUpdate)
	s.float("DEDUPE_SCORE", &cfg.Update.DedupeScore)
	s.integer("RELATED_TOPK", &cfg.Update.RelatedTopK)

	s.float("MIN_SEMANTIC_SCORE", &cfg.Retrieval.MinSemanticScore)
	s.float("SEMANTIC_WEIGHT", &cfg.Retrieval.SemanticWeight)
	s.float("RELATION_WEIGHT", &cfg.Retrieval.RelationWeight)
	s.float("DECAY_HALF_LIFE_DAYS", &cfg.Retrieval.DecayHalfLifeDays)
	s.float("IMPORTANCE_BOOST", &cfg.Retrieval.ImportanceBoost)
	s.float("FREQUENCY_BOOST", &cfg.Retrieval.FrequencyBoost)
	s.integer("NAMESPACE_RETRIEVE_CONCURRENCY", &cfg.Retrieval.NamespaceConcurrency)
	s.integer("RETRIEVE_DEGRADE_RELATED_PENDING", &cfg.Retrieval.DegradeRelatedPending)
	s.integer("RETRIEVE_CACHE_SIZE", &cfg.Retrieval.CacheSize)
	s.int64("RETRIEVE_CACHE_TTL_MS", &cfg.Retrieval.CacheTTLMs)

	s.boolean("SENSITIVE_FILTER_ENABLED", &cfg.Filter.Enabled)
	s.str("SENSITIVE_RULESET_VERSION", &cfg.Filter.RulesetVersion)
	s.str("SENSITIVE_RULES_JSON", &cfg.Filter.RulesJSON)

	s.str("AUDIT_LOG_PATH", &cfg.Audit.LogPath)

	s.str("DATA_DIR", &cfg.Storage.DataDir)
	s.boolean("STORAGE_IN_MEMORY", &cfg.Storage.InMemory)
	s.boolean("STORAGE_SYNC_WRITES", &cfg.Storage.SyncWrites)
	s.int64("STORAGE_GC_INTERVAL_MS", &cfg.Storage.GCIntervalMs)
	s.str("EXPORT_URI", &cfg.Storage.ExportURI)

	s.str("EMBED_PROVIDER", &cfg.Embed.Provider)
	s.str("EMBED_MODEL", &cfg.Embed.Model)
	s.integer("EMBED_DIMENSION", &cfg.Embed.Dimension)
	s.str("EMBED_API_KEY", &cfg.Embed.APIKey)
	s.str("EMBED_BASE_URL", &cfg.Embed.BaseURL)
	s.str("EMBED_TASK_TYPE", &cfg.Embed.TaskType)

	s.str("ANALYZER_PROVIDER", &cfg.Analyzer.Provider)
	s.str("ANALYZER_MODEL", &cfg.Analyzer.Model)
	s.str("ANALYZER_API_KEY", &cfg.Analyzer.APIKey)

	s.str("MIGRATIONS_MODE", &cfg.Migrations.Mode)
	s.boolean("MIGRATIONS_STRICT", &cfg.Migrations.Strict)

	s.str("LOG_LEVEL", &cfg.Logging.Level)
	s.str("LOG_FORMAT", &cfg.Logging.Format)

	return s.err
}

// envScan reads typed environment variables, keeping the first parse
// error and skipping the rest.
type envScan struct {
	err error
}

func (s *envScan) lookup(key string) (string, bool) {
	if s.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (s *envScan) str(key string, dst *string) {
	if v, ok := s.lookup(key); ok {
		*dst = v
	}
}

func (s *envScan) list(key string, dst *[]string) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (s *envScan) boolean(key string, dst *bool) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		s.err = fmt.Errorf("env %s: invalid bool %q", key, v)
		return
	}
	*dst = b
}

func (s *envScan) integer(key string, dst *int) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		s.err = fmt.Errorf("env %s: invalid integer %q", key, v)
		return
	}
	*dst = n
}

func (s *envScan) int64(key string, dst *int64) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		s.err = fmt.Errorf("env %s: invalid integer %q", key, v)
		return
	}
	*dst = n
}

func (s *envScan) float(key string, dst *float64) {
	v, ok := s.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		s.err = fmt.Errorf("env %s: invalid number %q", key, v)
		return
	}
	*dst = f
}

// Validate rejects configurations the server cannot safely run with.
// It reports the first problem found.
func (c *Config) Validate() error {
	if c.Auth.RequireAPIKey && !c.Auth.HasKeys() {
		return fmt.Errorf("config: REQUIRE_API_KEY is set but no API keys are configured; the server would reject every request")
	}
	if c.Auth.APIKeysJSON != "" && !json.Valid([]byte(c.Auth.APIKeysJSON)) {
		return fmt.Errorf("config: API_KEYS_JSON is not valid JSON")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("config: MAX_BODY_BYTES must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.Server.MaxUpdateBodyBytes <= 0 {
		return fmt.Errorf("config: MAX_UPDATE_BODY_BYTES must be positive, got %d", c.Server.MaxUpdateBodyBytes)
	}
	if c.RateLimit.Enabled && c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("config: RATE_LIMIT_WINDOW_MS must be positive when the limiter is enabled, got %d", c.RateLimit.WindowMs)
	}
	if c.Queue.Dir == "" {
		return fmt.Errorf("config: QUEUE_DIR must not be empty")
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.RetryBaseMs <= 0 || c.Queue.RetryMaxMs <= 0 {
		return fmt.Errorf("config: queue retry backoff must be positive, got base=%dms max=%dms", c.Queue.RetryBaseMs, c.Queue.RetryMaxMs)
	}
	if c.Queue.RetentionDays < 0 {
		return fmt.Errorf("config: QUEUE_RETENTION_DAYS must not be negative, got %d", c.Queue.RetentionDays)
	}
	if c.Update.SampleRate < 0 || c.Update.SampleRate > 1 {
		return fmt.Errorf("config: UPDATE_SAMPLE_RATE must be within [0, 1], got %g", c.Update.SampleRate)
	}
	if c.Update.DedupeScore <= 0 || c.Update.DedupeScore > 1 {
		return fmt.Errorf("config: DEDUPE_SCORE must be within (0, 1], got %g", c.Update.DedupeScore)
	}
	if c.Retrieval.MinSemanticScore < 0 || c.Retrieval.MinSemanticScore > 1 {
		return fmt.Errorf("config: MIN_SEMANTIC_SCORE must be within [0, 1], got %g", c.Retrieval.MinSemanticScore)
	}
	if c.Retrieval.SemanticWeight < 0 || c.Retrieval.RelationWeight < 0 {
		return fmt.Errorf("config: retrieval weights must not be negative, got semantic=%g relation=%g", c.Retrieval.SemanticWeight, c.Retrieval.RelationWeight)
	}
	if c.Retrieval.DecayHalfLifeDays < 0 {
		return fmt.Errorf("config: DECAY_HALF_LIFE_DAYS must not be negative, got %g", c.Retrieval.DecayHalfLifeDays)
	}
	if c.Filter.RulesJSON != "" && !json.Valid([]byte(c.Filter.RulesJSON)) {
		return fmt.Errorf("config: SENSITIVE_RULES_JSON is not valid JSON")
	}
	if !c.Storage.InMemory && c.Storage.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR must not be empty in on-disk mode")
	}
	if c.Storage.GCIntervalMs < 0 {
		return fmt.Errorf("config: STORAGE_GC_INTERVAL_MS must not be negative, got %d", c.Storage.GCIntervalMs)
	}
	if err := validateProvider("EMBED_PROVIDER", c.Embed.Provider, ProviderHash, ProviderOpenAI, ProviderGemini); err != nil {
		return err
	}
	for i, r := range c.Embed.Routes {
		if r.Pattern == "" {
			return fmt.Errorf("config: embed route %d has no pattern", i)
		}
		if err := validateProvider(fmt.Sprintf("embed route %q provider", r.Pattern), r.Provider, ProviderHash, ProviderOpenAI, ProviderGemini); err != nil {
			return err
		}
	}
	if err := validateProvider("ANALYZER_PROVIDER", c.Analyzer.Provider, ProviderHeuristic, ProviderGemini); err != nil {
		return err
	}
	if err := validateProvider("MIGRATIONS_MODE", c.Migrations.Mode, MigrationsOff, MigrationsValidate, MigrationsApply); err != nil {
		return err
	}
	if err := validateProvider("LOG_LEVEL", c.Logging.Level, "debug", "info", "warn", "error"); err != nil {
		return err
	}
	return validateProvider("LOG_FORMAT", c.Logging.Format, "json", "console")
}

func validateProvider(name, got string, allowed ...string) error {
	for _, a := range allowed {
		if got == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %s, got %q", name, strings.Join(allowed, ", "), got)
}
