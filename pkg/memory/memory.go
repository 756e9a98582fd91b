// Package memory implements the write side of the deep-memory engine:
// turning conversation transcripts into durable, deduplicated memories.
//
// The [Updater] runs the ingestion pipeline for one transcript:
//
//  1. Fingerprint the transcript (canonical JSON hash) and skip replays.
//  2. Analyze the messages into topics, entities, events, and drafts.
//  3. Upsert the session context (topics, entities, events) into the graph.
//  4. Per draft: sensitive filter → embed → novelty probe → importance
//     gate → dedupe-or-create → graph node + links → vector payload →
//     synapse edges.
//  5. Record the transcript hash on the session so the same transcript
//     is never ingested twice.
//
// Adapter calls inside the draft loop are best-effort: a single store
// error is logged and the loop moves on, so one flaky backend cannot
// poison a whole transcript. Analyzer failure aborts the update and is
// returned to the caller (the queue worker retries with backoff).
//
// # Dependency Direction
//
//	memory → analyze, embed, graph, vecstore, encoding
//
// memory never depends on the queue or HTTP layers; they depend on it.
package memory

import (
	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/embed"
	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// DefaultNamespace is used when a request does not name a namespace.
const DefaultNamespace = "default"

// Update outcome statuses.
const (
	StatusProcessed = "processed"
	StatusSkipped   = "skipped"
	StatusError     = "error"
)

// Tunable defaults.
const (
	// DefaultMaxMemories caps how many drafts one transcript may commit.
	DefaultMaxMemories = 10

	// DefaultDedupeScore is the similarity at or above which a draft is
	// folded into the existing memory instead of creating a new one.
	DefaultDedupeScore = 0.92

	// maxListLen caps entity and topic lists on stored payloads.
	maxListLen = 10

	// localIDHexLen is the hex length of generated local memory ids.
	localIDHexLen = 16
)

// UpdateRequest carries one transcript to ingest.
type UpdateRequest struct {
	// Namespace isolates tenants. Empty means DefaultNamespace.
	Namespace string `json:"namespace,omitempty"`

	// SessionID identifies the conversation. Required.
	SessionID string `json:"session_id"`

	// Messages is the full transcript, oldest first.
	Messages []analyze.Message `json:"messages"`
}

// UpdateResult reports the outcome of one ingestion.
type UpdateResult struct {
	// Status is one of StatusProcessed, StatusSkipped, StatusError.
	Status string `json:"status"`

	// MemoriesAdded counts drafts that reached the write stage. A write
	// guarded into a partial failure still counts; the number reflects
	// attempted commits, not confirmed ones.
	MemoriesAdded int `json:"memories_added"`

	// MemoriesFiltered counts drafts dropped by the analyzer budget, the
	// sensitive filter, or the importance gate.
	MemoriesFiltered int `json:"memories_filtered"`

	// Error carries the failure message when Status is StatusError.
	Error string `json:"error,omitempty"`
}

// UpdaterConfig configures an [Updater].
type UpdaterConfig struct {
	// Analyzer extracts drafts from transcripts. Required.
	Analyzer analyze.Analyzer

	// Embedders resolves the embedder for each namespace. Required.
	// Single-model deployments wrap their embedder with embed.Static.
	Embedders embed.Router

	// Vec is the vector index holding memory payloads. Required.
	Vec vecstore.Index

	// Graph is the knowledge graph store. Required.
	Graph graph.Store

	// Filter drops sensitive drafts. Nil admits everything.
	Filter *SensitiveFilter

	// Logger receives best-effort failure reports. Nil means no logging.
	Logger *zap.Logger

	// ImportanceThreshold gates drafts after scoring. Zero admits all
	// non-sensitive drafts.
	ImportanceThreshold float64

	// MaxMemories caps committed drafts per update. Default
	// DefaultMaxMemories.
	MaxMemories int

	// DedupeScore overrides DefaultDedupeScore when positive.
	DedupeScore float64

	// RelatedTopK links each written memory to up to this many nearest
	// neighbors with RELATED_TO edges. Zero disables synapse links.
	RelatedTopK int

	// MinSemanticScore is the retrieval score floor; synapse links use
	// max(MinSemanticScore, 0.8) as their threshold.
	MinSemanticScore float64
}

// Updater ingests transcripts. Safe for concurrent use as long as the
// configured adapters are.
type Updater struct {
	cfg UpdaterConfig
	log *zap.Logger
}

// NewUpdater creates an Updater. The four adapters are required.
func NewUpdater(cfg UpdaterConfig) *Updater {
	if cfg.Analyzer == nil {
		panic("memory: UpdaterConfig.Analyzer is required")
	}
	if cfg.Embedders == nil {
		panic("memory: UpdaterConfig.Embedders is required")
	}
	if cfg.Vec == nil {
		panic("memory: UpdaterConfig.Vec is required")
	}
	if cfg.Graph == nil {
		panic("memory: UpdaterConfig.Graph is required")
	}
	if cfg.MaxMemories <= 0 {
		cfg.MaxMemories = DefaultMaxMemories
	}
	if cfg.DedupeScore <= 0 {
		cfg.DedupeScore = DefaultDedupeScore
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Updater{cfg: cfg, log: log}
}
