// Package config loads the deepmem server configuration.
//
// Precedence, lowest to highest: built-in defaults, one optional YAML
// file, environment variables. Every tunable has a flat UPPER_SNAKE
// environment name (noted on its field), so containerized deployments
// can run without a config file at all.
//
// Durations and retention windows are plain integers in the unit their
// key names (_ms, _seconds, _days); accessor methods convert them to
// time.Duration for wiring. The zero Config is not runnable — start
// from Default and overlay.
package config

import "time"

// Config is the full configuration tree for one server process.
type Config struct {
	Server     Server     `yaml:"server"`
	Auth       Auth       `yaml:"auth"`
	RateLimit  RateLimit  `yaml:"rate_limit"`
	Backlog    Backlog    `yaml:"backlog"`
	Queue      Queue      `yaml:"queue"`
	Update     Update     `yaml:"update"`
	Retrieval  Retrieval  `yaml:"retrieval"`
	Filter     Filter     `yaml:"filter"`
	Audit      Audit      `yaml:"audit"`
	Storage    Storage    `yaml:"storage"`
	Embed      Embed      `yaml:"embed"`
	Analyzer   Analyzer   `yaml:"analyzer"`
	Migrations Migrations `yaml:"migrations"`
	Logging    Logging    `yaml:"logging"`
}

// Server holds the HTTP listener tunables.
type Server struct {
	// Addr is the listen address. Env: LISTEN_ADDR.
	Addr string `yaml:"addr"`

	// MetricsPublic exposes /metrics without an API key.
	// Env: METRICS_PUBLIC.
	MetricsPublic bool `yaml:"metrics_public"`

	// MaxBodyBytes caps request bodies on every route except update.
	// Env: MAX_BODY_BYTES.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// MaxUpdateBodyBytes caps update_memory_index bodies, which carry
	// whole transcripts. Env: MAX_UPDATE_BODY_BYTES.
	MaxUpdateBodyBytes int64 `yaml:"max_update_body_bytes"`

	// ShutdownGraceMs is how long in-flight requests and queue workers
	// get to finish after SIGTERM. Env: SHUTDOWN_GRACE_MS.
	ShutdownGraceMs int64 `yaml:"shutdown_grace_ms"`
}

// ShutdownGrace returns the drain window as a duration.
func (s Server) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMs) * time.Millisecond
}

// Auth holds API key material. Key sources are checked in order:
// APIKeysJSON wins, then the CSV forms. See authz.ParseRules.
type Auth struct {
	// RequireAPIKey forces authentication even with no keys configured,
	// which Validate rejects: the server fails closed rather than
	// starting unreachable. Env: REQUIRE_API_KEY.
	RequireAPIKey bool `yaml:"require_api_key"`

	// APIKey is a single admin key, the common dev setup. Env: API_KEY.
	APIKey string `yaml:"api_key"`

	// APIKeys is a comma-separated list of admin keys. Env: API_KEYS.
	APIKeys string `yaml:"api_keys"`

	// APIKeysJSON is the full role table:
	// [{"key":"...","role":"read|write|admin","namespaces":["acme"]}].
	// Env: API_KEYS_JSON.
	APIKeysJSON string `yaml:"api_keys_json"`
}

// KeysCSV merges APIKey into APIKeys so the pair feeds authz.ParseRules
// as one list.
func (a Auth) KeysCSV() string {
	switch {
	case a.APIKey == "":
		return a.APIKeys
	case a.APIKeys == "":
		return a.APIKey
	default:
		return a.APIKey + "," + a.APIKeys
	}
}

// HasKeys reports whether any key source is non-empty.
func (a Auth) HasKeys() bool {
	return a.APIKey != "" || a.APIKeys != "" || a.APIKeysJSON != ""
}

// RateLimit holds the fixed-window per-key limiter tunables. A
// per-route limit of zero leaves that route unlimited.
type RateLimit struct {
	// Enabled turns the limiter on. Env: RATE_LIMIT_ENABLED.
	Enabled bool `yaml:"enabled"`

	// WindowMs is the fixed window size. Env: RATE_LIMIT_WINDOW_MS.
	WindowMs int64 `yaml:"window_ms"`

	// RetrievePerWindow caps retrieve_context calls per key per window.
	// Env: RATE_LIMIT_RETRIEVE_PER_WINDOW.
	RetrievePerWindow int `yaml:"retrieve_per_window"`

	// UpdatePerWindow caps update_memory_index calls per key per window.
	// Env: RATE_LIMIT_UPDATE_PER_WINDOW.
	UpdatePerWindow int `yaml:"update_per_window"`

	// ForgetPerWindow caps forget calls per key per window.
	// Env: RATE_LIMIT_FORGET_PER_WINDOW.
	ForgetPerWindow int `yaml:"forget_per_window"`
}

// Window returns the limiter window as a duration.
func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// Backlog holds the update shedding thresholds, matched against the
// update queue's approximate pending count. Zero disables a layer.
type Backlog struct {
	// RejectPending refuses updates with 503 at or above this backlog.
	// Env: UPDATE_BACKLOG_REJECT_PENDING.
	RejectPending int `yaml:"reject_pending"`

	// DelayPending postpones accepted updates at or above this backlog.
	// Env: UPDATE_BACKLOG_DELAY_PENDING.
	DelayPending int `yaml:"delay_pending"`

	// ReadOnlyPending sheds all updates at or above this backlog.
	// Env: UPDATE_BACKLOG_READ_ONLY_PENDING.
	ReadOnlyPending int `yaml:"read_only_pending"`

	// DelaySeconds is the postponement for the delay layer and the
	// Retry-After hint for the shedding layers.
	// Env: UPDATE_BACKLOG_DELAY_SECONDS.
	DelaySeconds int `yaml:"delay_seconds"`
}

// Queue holds the durable-queue tunables, shared by the update and
// forget queues. Each queue claims a subdirectory under Dir.
type Queue struct {
	// Dir is the queue state root. Env: QUEUE_DIR.
	Dir string `yaml:"dir"`

	// Concurrency is the worker fan-out per queue. Env: UPDATE_CONCURRENCY.
	Concurrency int `yaml:"concurrency"`

	// NamespaceConcurrency caps in-flight tasks per namespace; zero
	// means no per-namespace cap. Env: NAMESPACE_UPDATE_CONCURRENCY.
	NamespaceConcurrency int `yaml:"namespace_concurrency"`

	// MaxAttempts is the retry budget per task. Env: QUEUE_MAX_ATTEMPTS.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBaseMs seeds the exponential backoff. Env: QUEUE_RETRY_BASE_MS.
	RetryBaseMs int64 `yaml:"retry_base_ms"`

	// RetryMaxMs caps the backoff. Env: QUEUE_RETRY_MAX_MS.
	RetryMaxMs int64 `yaml:"retry_max_ms"`

	// KeepDone archives completed task files instead of deleting them.
	// Env: QUEUE_KEEP_DONE.
	KeepDone bool `yaml:"keep_done"`

	// RetentionDays prunes archived done files after this many days.
	// Env: QUEUE_RETENTION_DAYS.
	RetentionDays int `yaml:"retention_days"`

	// MaxTaskBytes rejects tasks whose compressed transcript exceeds
	// this size. Env: QUEUE_MAX_TASK_BYTES.
	MaxTaskBytes int64 `yaml:"max_task_bytes"`
}

// RetryBase returns the backoff seed as a duration.
func (q Queue) RetryBase() time.Duration {
	return time.Duration(q.RetryBaseMs) * time.Millisecond
}

// RetryMax returns the backoff cap as a duration.
func (q Queue) RetryMax() time.Duration {
	return time.Duration(q.RetryMaxMs) * time.Millisecond
}

// Update holds ingestion-pipeline tunables.
type Update struct {
	// DisabledNamespaces lists namespaces whose updates are skipped by
	// operator policy. Env: UPDATE_DISABLED_NAMESPACES (comma-separated).
	DisabledNamespaces []string `yaml:"disabled_namespaces"`

	// MinIntervalMs throttles updates per (namespace, session); zero
	// disables the throttle. Env: UPDATE_MIN_INTERVAL_MS.
	MinIntervalMs int64 `yaml:"min_interval_ms"`

	// SampleRate admits this fraction of updates, decided by a stable
	// hash so retries agree. 1 admits everything. Env: UPDATE_SAMPLE_RATE.
	SampleRate float64 `yaml:"sample_rate"`

	// ImportanceThreshold gates scored drafts. Env: IMPORTANCE_THRESHOLD.
	ImportanceThreshold float64 `yaml:"importance_threshold"`

	// MaxMemoriesPerUpdate caps commits per transcript.
	// Env: MAX_MEMORIES_PER_UPDATE.
	MaxMemoriesPerUpdate int `yaml:"max_memories_per_update"`

	// DedupeScore folds a draft into an existing memory at or above this
	// similarity. Env: DEDUPE_SCORE.
	DedupeScore float64 `yaml:"dedupe_score"`

	// RelatedTopK links each written memory to up to this many nearest
	// neighbors; zero disables synapse links. Env: RELATED_TOPK.
	RelatedTopK int `yaml:"related_topk"`
}

// MinInterval returns the per-session throttle as a duration.
func (u Update) MinInterval() time.Duration {
	return time.Duration(u.MinIntervalMs) * time.Millisecond
}

// Retrieval holds the scoring and concurrency tunables for
// retrieve_context.
type Retrieval struct {
	// MinSemanticScore floors vector hits. Env: MIN_SEMANTIC_SCORE.
	MinSemanticScore float64 `yaml:"min_semantic_score"`

	// SemanticWeight and RelationWeight blend the two signals; they are
	// normalized at use. Env: SEMANTIC_WEIGHT, RELATION_WEIGHT.
	SemanticWeight float64 `yaml:"semantic_weight"`
	RelationWeight float64 `yaml:"relation_weight"`

	// DecayHalfLifeDays is the recency half-life; zero disables decay.
	// Env: DECAY_HALF_LIFE_DAYS.
	DecayHalfLifeDays float64 `yaml:"decay_half_life_days"`

	// ImportanceBoost and FrequencyBoost scale the multiplicative
	// boosts. Env: IMPORTANCE_BOOST, FREQUENCY_BOOST.
	ImportanceBoost float64 `yaml:"importance_boost"`
	FrequencyBoost  float64 `yaml:"frequency_boost"`

	// NamespaceConcurrency caps concurrent retrieves per namespace;
	// zero means unlimited. Env: NAMESPACE_RETRIEVE_CONCURRENCY.
	NamespaceConcurrency int `yaml:"namespace_concurrency"`

	// DegradeRelatedPending drops the graph side of retrieval while the
	// update backlog is at or above this count; zero disables.
	// Env: RETRIEVE_DEGRADE_RELATED_PENDING.
	DegradeRelatedPending int `yaml:"degrade_related_pending"`

	// CacheSize is the retrieve-cache capacity in entries; zero
	// disables the cache. Env: RETRIEVE_CACHE_SIZE.
	CacheSize int `yaml:"cache_size"`

	// CacheTTLMs bounds retrieve-cache staleness. Env: RETRIEVE_CACHE_TTL_MS.
	CacheTTLMs int64 `yaml:"cache_ttl_ms"`
}

// CacheTTL returns the retrieve-cache TTL as a duration.
func (r Retrieval) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLMs) * time.Millisecond
}

// Filter holds the sensitive-content filter settings.
type Filter struct {
	// Enabled turns the filter on. Env: SENSITIVE_FILTER_ENABLED.
	Enabled bool `yaml:"enabled"`

	// RulesetVersion tags filtered drafts in logs and metrics.
	// Env: SENSITIVE_RULESET_VERSION.
	RulesetVersion string `yaml:"ruleset_version"`

	// RulesJSON replaces the built-in ruleset when set:
	// [{"name":"card_number","pattern":"..."}].
	// Env: SENSITIVE_RULES_JSON.
	RulesJSON string `yaml:"rules_json"`
}

// Audit holds the forget/admin audit-trail settings.
type Audit struct {
	// LogPath is the JSONL audit file; empty disables auditing.
	// Env: AUDIT_LOG_PATH.
	LogPath string `yaml:"log_path"`
}

// Storage holds the embedded store and export destinations.
type Storage struct {
	// DataDir is the badger directory for memory payloads and the
	// vector index. Env: DATA_DIR.
	DataDir string `yaml:"data_dir"`

	// InMemory runs badger without disk persistence, for tests and
	// scratch deployments. Env: STORAGE_IN_MEMORY.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites makes badger fsync every write. Env: STORAGE_SYNC_WRITES.
	SyncWrites bool `yaml:"sync_writes"`

	// GCIntervalMs is how often the badger value log is garbage
	// collected. Zero disables collection. Env: STORAGE_GC_INTERVAL_MS.
	GCIntervalMs int64 `yaml:"gc_interval_ms"`

	// ExportURI is where queue exports and audit archives land: a local
	// directory, or "s3://bucket/prefix" for an object store.
	// Env: EXPORT_URI.
	ExportURI string `yaml:"export_uri"`
}

// GCInterval returns the value-log collection period as a duration.
func (s Storage) GCInterval() time.Duration {
	return time.Duration(s.GCIntervalMs) * time.Millisecond
}

// Embed selects the embedding provider. Routes override the default
// provider for matching namespaces.
type Embed struct {
	// Provider is one of "hash", "openai", "gemini". Env: EMBED_PROVIDER.
	Provider string `yaml:"provider"`

	// Model overrides the provider default. Env: EMBED_MODEL.
	Model string `yaml:"model"`

	// Dimension overrides the provider default. Env: EMBED_DIMENSION.
	Dimension int `yaml:"dimension"`

	// APIKey falls back to OPENAI_API_KEY or GEMINI_API_KEY when empty.
	// Env: EMBED_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL points openai at a compatible endpoint. Env: EMBED_BASE_URL.
	BaseURL string `yaml:"base_url"`

	// TaskType is the gemini task-type hint, for example
	// "RETRIEVAL_DOCUMENT". Other providers ignore it. Env: EMBED_TASK_TYPE.
	TaskType string `yaml:"task_type"`

	// Routes binds providers to namespace patterns; the default
	// provider serves everything unmatched. YAML only.
	Routes []EmbedRoute `yaml:"routes"`
}

// EmbedRoute is one namespace-pattern binding. Patterns follow the
// embed.Select convention: exact names, "acme/+" wildcards, or "*".
type EmbedRoute struct {
	Pattern   string `yaml:"pattern"`
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Dimension int    `yaml:"dimension"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	TaskType  string `yaml:"task_type"`
}

// Analyzer selects the transcript analyzer.
type Analyzer struct {
	// Provider is "heuristic" or "gemini". Env: ANALYZER_PROVIDER.
	Provider string `yaml:"provider"`

	// Model overrides the gemini default. Env: ANALYZER_MODEL.
	Model string `yaml:"model"`

	// APIKey falls back to GEMINI_API_KEY when empty. Env: ANALYZER_API_KEY.
	APIKey string `yaml:"api_key"`
}

// Migrations controls the startup schema check.
type Migrations struct {
	// Mode is "off", "validate", or "apply". Env: MIGRATIONS_MODE.
	Mode string `yaml:"mode"`

	// Strict exits non-zero when an adapter reports schema-not-ready;
	// otherwise the server starts degraded. Env: MIGRATIONS_STRICT.
	Strict bool `yaml:"strict"`
}

// Logging configures the zap logger.
type Logging struct {
	// Level is one of "debug", "info", "warn", "error". Env: LOG_LEVEL.
	Level string `yaml:"level"`

	// Format is "json" or "console". Env: LOG_FORMAT.
	Format string `yaml:"format"`
}

// Provider names accepted by Embed and Analyzer.
const (
	ProviderHash      = "hash"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderHeuristic = "heuristic"
)

// Migration modes.
const (
	MigrationsOff      = "off"
	MigrationsValidate = "validate"
	MigrationsApply    = "apply"
)

// Default returns a complete runnable configuration: local disk under
// ./data, hash embeddings, heuristic analysis, no auth until keys are
// configured.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:               ":8440",
			MaxBodyBytes:       1 << 20,
			MaxUpdateBodyBytes: 4 << 20,
			ShutdownGraceMs:    15_000,
		},
		RateLimit: RateLimit{
			WindowMs: 60_000,
		},
		Backlog: Backlog{
			DelaySeconds: 60,
		},
		Queue: Queue{
			Dir:           "data/queue",
			Concurrency:   2,
			MaxAttempts:   5,
			RetryBaseMs:   3_000,
			RetryMaxMs:    600_000,
			RetentionDays: 7,
			MaxTaskBytes:  2 << 20,
		},
		Update: Update{
			SampleRate:           1,
			ImportanceThreshold:  0.3,
			MaxMemoriesPerUpdate: 10,
			DedupeScore:          0.92,
			RelatedTopK:          3,
		},
		Retrieval: Retrieval{
			MinSemanticScore:  0.3,
			SemanticWeight:    0.6,
			RelationWeight:    0.4,
			DecayHalfLifeDays: 90,
			ImportanceBoost:   0.3,
			FrequencyBoost:    0.2,
			CacheSize:         256,
			CacheTTLMs:        30_000,
		},
		Filter: Filter{
			Enabled: true,
		},
		Storage: Storage{
			DataDir:      "data/badger",
			GCIntervalMs: 600_000,
			ExportURI:    "data/export",
		},
		Embed: Embed{
			Provider: ProviderHash,
		},
		Analyzer: Analyzer{
			Provider: ProviderHeuristic,
		},
		Migrations: Migrations{
			Mode: MigrationsApply,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}
