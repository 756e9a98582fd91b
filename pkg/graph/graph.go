// Package graph provides the knowledge-graph store used for memory
// retrieval: namespaced nodes (sessions, topics, entities, events,
// memories) connected by typed directed edges, with forward and reverse
// indexes for efficient traversal. Nodes are identified by composite
// string keys (see keys.go) and carry msgpack-encoded attributes.
package graph

import (
	"context"
	"errors"
	"iter"
	"time"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a node does not exist.
	ErrNotFound = errors.New("graph: not found")

	// ErrInvalidKey is returned when a node key is malformed: it lacks
	// the "::" namespace separator or contains the KV separator byte,
	// which would corrupt key encoding.
	ErrInvalidKey = errors.New("graph: invalid node key")
)

// Node kinds, encoded in the node key.
const (
	KindSession = "session"
	KindTopic   = "topic"
	KindEntity  = "entity"
	KindEvent   = "event"
	KindMemory  = "memory"
)

// Edge types. All edges are directed; upserts are idempotent so repeated
// ingestion of the same transcript converges to the same graph.
const (
	// EdgeHasTopic links a session, event, or memory to a topic.
	EdgeHasTopic = "HAS_TOPIC"

	// EdgeHasEvent links a session to an event extracted from it.
	EdgeHasEvent = "HAS_EVENT"

	// EdgeMentions links a memory or topic to an entity.
	EdgeMentions = "MENTIONS"

	// EdgeInvolves links an event to an entity that participates in it.
	EdgeInvolves = "INVOLVES"

	// EdgeFromSession links a memory to the session it was derived from.
	EdgeFromSession = "FROM_SESSION"

	// EdgeRelatedTo links two semantically close memories. The edge
	// score carries the similarity and only ever increases.
	EdgeRelatedTo = "RELATED_TO"
)

// Node is a graph node identified by a composite string key.
type Node struct {
	// Key is the unique node key, e.g. "ns::topic::travel".
	Key string `json:"key"`

	// Attrs holds the node's attributes. Values must be
	// msgpack-serializable.
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Edge is a typed directed edge between two nodes.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`

	// Score is an optional weight. Upserting an existing edge keeps the
	// maximum of the stored and incoming scores.
	Score float64 `json:"score,omitempty"`

	// UpdatedAt is set by the store on every upsert.
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// SessionMeta records per-session ingest progress. A transcript whose
// hash equals LastTranscriptHash is a replay and must not be
// re-processed.
type SessionMeta struct {
	LastTranscriptHash string    `msgpack:"last_transcript_hash,omitempty" json:"last_transcript_hash,omitempty"`
	LastMessageCount   int       `msgpack:"last_message_count,omitempty" json:"last_message_count,omitempty"`
	LastIngestedAt     time.Time `msgpack:"last_ingested_at,omitempty" json:"last_ingested_at,omitzero"`
}

// RelatedQuery selects memories connected to the given topic and entity
// names within a namespace. Empty Entities and Topics yield no results.
type RelatedQuery struct {
	Namespace string
	Entities  []string
	Topics    []string
	Limit     int
}

// RelatedMemory is one relation-scored row returned by RelatedMemories.
// Timestamp fields are RFC 3339 strings and may be empty when the stored
// node never recorded them.
type RelatedMemory struct {
	ID            string
	Content       string
	Importance    float64
	Frequency     int64
	LastSeenAt    string
	RelationScore float64
	Kind          string
	MemoryKey     string
	Subject       string
	ExpiresAt     string
	Confidence    float64
}

// Store is the interface for the memory knowledge graph.
type Store interface {
	// --- Node operations ---

	// GetNode retrieves a node by key. Returns ErrNotFound if not present.
	GetNode(ctx context.Context, key string) (*Node, error)

	// UpsertNode creates the node if absent, otherwise merges the given
	// attributes into it: new keys are added, existing keys are
	// overwritten, keys not in Attrs are left unchanged.
	UpsertNode(ctx context.Context, n Node) error

	// DeleteNode removes a node and all its edges (both directions).
	// Deleting an absent node is a no-op.
	DeleteNode(ctx context.Context, key string) error

	// --- Edge operations ---

	// UpsertEdge creates a directed edge. If the same (from, to, type)
	// already exists, the stored score becomes max(existing, e.Score)
	// and UpdatedAt advances.
	UpsertEdge(ctx context.Context, e Edge) error

	// DeleteEdge removes a specific edge. No error if it does not exist.
	DeleteEdge(ctx context.Context, from, to, typ string) error

	// Edges returns all edges where the given key is either endpoint.
	Edges(ctx context.Context, key string) ([]Edge, error)

	// --- Traversal ---

	// Neighbors returns the keys of nodes directly connected to the
	// given key, in both directions. If types is non-empty, only edges
	// of those types are considered.
	Neighbors(ctx context.Context, key string, types ...string) ([]string, error)

	// Expand performs a multi-hop breadth-first expansion from the given
	// seed keys, returning all discovered keys (including seeds). hops
	// controls the maximum traversal depth (0 returns only the seeds).
	Expand(ctx context.Context, keys []string, hops int) ([]string, error)

	// NodesByKind iterates a namespace's nodes of one kind in key order.
	NodesByKind(ctx context.Context, ns, kind string) iter.Seq2[Node, error]

	// RelatedMemories returns memories linked to the query's topics and
	// entities, scored by relation strength. Memories one RELATED_TO hop
	// away from a direct match are included at their edge score. Scores
	// are normalized to min(1.0, raw/2.0) and rows are sorted by score
	// descending, cut to q.Limit.
	RelatedMemories(ctx context.Context, q RelatedQuery) ([]RelatedMemory, error)

	// --- Sessions ---

	// SessionMeta returns the ingest metadata for a session. Returns
	// ErrNotFound until SetSessionMeta has been called.
	SessionMeta(ctx context.Context, ns, sessionID string) (*SessionMeta, error)

	// SetSessionMeta stores the ingest metadata for a session.
	SetSessionMeta(ctx context.Context, ns, sessionID string, meta SessionMeta) error

	// --- Deletion ---

	// DeleteMemories removes the given memory nodes and their edges.
	// Returns the number of nodes that existed.
	DeleteMemories(ctx context.Context, ns string, ids []string) (int, error)

	// DeleteBySession removes every memory derived from the session, the
	// session node itself, and its ingest metadata. Returns the number
	// of memory nodes removed.
	DeleteBySession(ctx context.Context, ns, sessionID string) (int, error)
}
