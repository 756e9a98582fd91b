// Package recall implements the read side of the deep-memory engine:
// hybrid retrieval that fuses vector similarity with graph relations.
//
// One [Retriever.Retrieve] call runs the full pipeline:
//
//  1. Budget candidates at 5x the requested memory count, clamped to
//     [10, 50].
//  2. Vector search the user input (best-effort; a failed embed or ANN
//     call just drops that signal).
//  3. Graph-query memories related to the caller's entities and topics
//     (best-effort as well).
//  4. Merge both result sets by memory id, drop expired records, and
//     score each survivor: weighted semantic+relation relevance, scaled
//     by importance and frequency boosts, damped by half-life decay.
//  5. Resolve slot conflicts so one memory_key yields one memory, cut to
//     the requested count, and render the context block.
//
// Memories carry source tags naming the backing stores on the wire:
// "qdrant" for vector hits and "neo4j" for graph relations, whatever
// adapter actually served them.
//
// # Dependency Direction
//
//	recall → embed, graph, vecstore
//
// recall never writes; the memory package owns ingestion.
package recall

import (
	"time"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/embed"
	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// DefaultNamespace is used when a request does not name a namespace.
const DefaultNamespace = "default"

// Source tags reported per memory.
const (
	SourceVector = "qdrant"
	SourceGraph  = "neo4j"
)

// Candidate budget bounds: 5x the requested count, clamped.
const (
	candidateFactor = 5
	candidateMin    = 10
	candidateMax    = 50
)

// DefaultMaxMemories applies when a request leaves MaxMemories zero.
const DefaultMaxMemories = 5

// DefaultCacheTTL applies when caching is enabled without a TTL.
const DefaultCacheTTL = 30 * time.Second

// Request asks for the memories most relevant to one user input.
type Request struct {
	// Namespace isolates tenants. Empty means DefaultNamespace.
	Namespace string `json:"namespace,omitempty"`

	// UserInput is the text to match memories against.
	UserInput string `json:"user_input"`

	// SessionID identifies the calling conversation; it scopes the
	// response cache, not the search.
	SessionID string `json:"session_id"`

	// MaxMemories caps the returned list. Default DefaultMaxMemories.
	MaxMemories int `json:"max_memories,omitempty"`

	// Entities and Topics seed the graph relation query. Empty slices
	// skip the graph signal entirely.
	Entities []string `json:"entities,omitempty"`
	Topics   []string `json:"topics,omitempty"`
}

// Memory is one retrieved record as it appears on the wire.
type Memory struct {
	ID      string `json:"id"`
	Content string `json:"content"`

	// Importance is the stored importance in [0, 1].
	Importance float64 `json:"importance"`

	// Relevance is the final ranking score: fused semantic+relation
	// relevance after boosts and decay. The list is sorted by it.
	Relevance float64 `json:"relevance"`

	// SemanticScore and RelationScore are the raw per-signal scores
	// before fusion.
	SemanticScore float64 `json:"semantic_score"`
	RelationScore float64 `json:"relation_score"`

	Kind      string `json:"kind,omitempty"`
	MemoryKey string `json:"memory_key,omitempty"`
	Subject   string `json:"subject,omitempty"`

	// Sources names the stores that contributed this record, a subset
	// of {SourceVector, SourceGraph}.
	Sources []string `json:"sources"`
}

// Response is the retrieval result.
type Response struct {
	// Entities and Topics echo the graph query actually used, so callers
	// can tell a degraded (relation-free) response from a full one.
	Entities []string `json:"entities"`
	Topics   []string `json:"topics"`

	// Memories is sorted by descending relevance.
	Memories []Memory `json:"memories"`

	// Context is the render of Memories for prompt injection; empty when
	// nothing matched.
	Context string `json:"context"`
}

// Config configures a [Retriever].
type Config struct {
	// Embedders resolves the embedder per namespace. Required.
	Embedders embed.Router

	// Vec is the vector index holding memory payloads. Required.
	Vec vecstore.Index

	// Graph is the knowledge graph store. Required.
	Graph graph.Store

	// Logger receives best-effort failure reports. Nil means no logging.
	Logger *zap.Logger

	// MinSemanticScore is the ANN score floor for vector candidates.
	MinSemanticScore float64

	// SemanticWeight and RelationWeight set the fusion mix; they are
	// normalized to sum to 1. Both zero falls back to 0.6/0.4.
	SemanticWeight float64
	RelationWeight float64

	// HalfLifeDays dampens stale memories: the fused relevance halves
	// every HalfLifeDays since lastSeenAt, floored at 0.1. Zero disables
	// decay.
	HalfLifeDays float64

	// ImportanceBoost and FrequencyBoost scale relevance by up to the
	// given fraction for maximally important or frequent memories. Zero
	// disables the respective boost.
	ImportanceBoost float64
	FrequencyBoost  float64

	// CacheSize enables an LRU response cache with that many entries.
	// Zero disables caching.
	CacheSize int

	// CacheTTL bounds the age of served cache entries. Default
	// DefaultCacheTTL when caching is enabled.
	CacheTTL time.Duration
}

// Retriever answers retrieval requests. Safe for concurrent use as long
// as the configured adapters are.
type Retriever struct {
	cfg   Config
	log   *zap.Logger
	cache *responseCache
}

// New creates a Retriever. The three adapters are required.
func New(cfg Config) *Retriever {
	if cfg.Embedders == nil {
		panic("recall: Config.Embedders is required")
	}
	if cfg.Vec == nil {
		panic("recall: Config.Vec is required")
	}
	if cfg.Graph == nil {
		panic("recall: Config.Graph is required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := &Retriever{cfg: cfg, log: log}
	if cfg.CacheSize > 0 {
		ttl := cfg.CacheTTL
		if ttl <= 0 {
			ttl = DefaultCacheTTL
		}
		r.cache = newResponseCache(cfg.CacheSize, ttl)
	}
	return r
}

// InvalidateNamespace drops cached responses for the namespace. No-op when
// caching is disabled.
func (r *Retriever) InvalidateNamespace(ns string) {
	if r.cache != nil {
		r.cache.invalidateNamespace(ns)
	}
}
