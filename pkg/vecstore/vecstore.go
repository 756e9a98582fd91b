// Package vecstore provides vector similarity search over payload-carrying
// points: each point is a dense float32 vector plus the memory payload it
// indexes. Searches are namespace-filtered and return similarity scores
// in [0, 1].
//
// The [Index] interface defines the contract. The built-in [Store] keeps
// the search set in memory and writes every point through to a [kv.Store],
// so a restart rebuilds the index by prefix scan. For distributed
// deployment, swap in a client that talks to Milvus, Qdrant, or similar.
package vecstore

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned when a point does not exist.
var ErrNotFound = errors.New("vecstore: not found")

// Payload is the stored record of one memory. Exactly these fields are
// written on ingest and read back by retrieval. Timestamps are RFC 3339
// strings.
type Payload struct {
	ID                   string   `json:"id" msgpack:"id"`
	Namespace            string   `json:"namespace" msgpack:"namespace"`
	Kind                 string   `json:"kind,omitempty" msgpack:"kind,omitempty"`
	MemoryKey            string   `json:"memory_key,omitempty" msgpack:"memory_key,omitempty"`
	Subject              string   `json:"subject,omitempty" msgpack:"subject,omitempty"`
	ExpiresAt            string   `json:"expires_at,omitempty" msgpack:"expires_at,omitempty"`
	Confidence           float64  `json:"confidence,omitempty" msgpack:"confidence,omitempty"`
	Content              string   `json:"content" msgpack:"content"`
	SessionID            string   `json:"session_id" msgpack:"session_id"`
	SourceTranscriptHash string   `json:"source_transcript_hash,omitempty" msgpack:"source_transcript_hash,omitempty"`
	SourceMessageCount   int      `json:"source_message_count,omitempty" msgpack:"source_message_count,omitempty"`
	CreatedAt            string   `json:"created_at" msgpack:"created_at"`
	UpdatedAt            string   `json:"updated_at,omitempty" msgpack:"updated_at,omitempty"`
	Importance           float64  `json:"importance" msgpack:"importance"`
	Frequency            int64    `json:"frequency,omitempty" msgpack:"frequency,omitempty"`
	Entities             []string `json:"entities" msgpack:"entities"`
	Topics               []string `json:"topics" msgpack:"topics"`
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	p.Entities = slices.Clone(p.Entities)
	p.Topics = slices.Clone(p.Topics)
	return p
}

// Point is one indexed vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// SearchRequest selects the nearest points to Vector within a namespace.
type SearchRequest struct {
	Vector []float32

	// Limit is the maximum number of matches returned.
	Limit int

	// ScoreThreshold drops matches scoring below it. Zero admits all.
	ScoreThreshold float64

	// Namespace restricts matches to points whose payload namespace is
	// equal. Empty matches every namespace.
	Namespace string
}

// Match is a single search result. Score is cosine similarity mapped to
// [0, 1]: 1 means identical direction.
type Match struct {
	ID      string
	Score   float64
	Payload Payload
}

// Index is the interface for payload-carrying vector search.
//
// All implementations must be safe for concurrent use.
type Index interface {
	// Upsert adds or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Search returns matches ordered by descending score.
	Search(ctx context.Context, req SearchRequest) ([]Match, error)

	// Delete removes points by id, returning how many existed.
	Delete(ctx context.Context, ids []string) (int, error)

	// DeleteBySession removes every point of the namespace whose payload
	// session id matches, returning how many were removed.
	DeleteBySession(ctx context.Context, ns, sessionID string) (int, error)

	// Fetch returns a point by id. Returns ErrNotFound if not present.
	Fetch(ctx context.Context, id string) (*Point, error)

	// Count returns the number of indexed points.
	Count(ctx context.Context) (int, error)

	// Flush ensures all pending writes are durable.
	Flush() error

	// Close releases resources held by the index.
	Close() error
}
