package vecstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/deepmem/deepmem/pkg/kv"
)

// Store is an Index that scores candidates exhaustively in memory and
// writes every point through to a kv.Store. Opening a Store rebuilds the
// in-memory set by prefix scan, so the index survives restarts.
//
// Exhaustive scoring keeps namespace-filtered searches exact: an
// approximate index with post-filtering under-recalls small namespaces.
//
// It is safe for concurrent use.
type Store struct {
	store  kv.Store
	prefix kv.Key

	mu     sync.RWMutex
	points map[string]*record
}

// record is the persisted form of one point.
type record struct {
	Vector  []float32 `msgpack:"vector"`
	Payload Payload   `msgpack:"payload"`
}

// Options configures a Store.
type Options struct {
	// Prefix scopes the store's KV keys. Defaults to {"vec"}.
	Prefix kv.Key

	// OnDecodeError is called for each record that cannot be decoded
	// during the open scan. Such records are skipped; the store opens
	// degraded rather than failing. May be nil.
	OnDecodeError func(id string, err error)
}

// NewStore opens a Store over the given kv.Store, loading all previously
// persisted points.
func NewStore(ctx context.Context, store kv.Store, opts Options) (*Store, error) {
	prefix := opts.Prefix
	if len(prefix) == 0 {
		prefix = kv.Key{"vec"}
	}
	s := &Store{
		store:  store,
		prefix: prefix,
		points: make(map[string]*record),
	}
	for entry, err := range store.List(ctx, s.pointPrefix()) {
		if err != nil {
			return nil, fmt.Errorf("vecstore: open scan: %w", err)
		}
		id := entry.Key[len(entry.Key)-1]
		var rec record
		if err := msgpack.Unmarshal(entry.Value, &rec); err != nil {
			if opts.OnDecodeError != nil {
				opts.OnDecodeError(id, err)
			}
			continue
		}
		s.points[id] = &rec
	}
	return s, nil
}

func (s *Store) pointPrefix() kv.Key {
	return s.prefix.Child("p")
}

func (s *Store) pointKey(id string) kv.Key {
	return s.prefix.Child("p", id)
}

func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	entries := make([]kv.Entry, 0, len(points))
	recs := make(map[string]*record, len(points))
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("vecstore: upsert: empty point id")
		}
		rec := &record{
			Vector:  append([]float32(nil), p.Vector...),
			Payload: p.Payload.Clone(),
		}
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return fmt.Errorf("vecstore: encode point %q: %w", p.ID, err)
		}
		entries = append(entries, kv.Entry{Key: s.pointKey(p.ID), Value: data})
		recs[p.ID] = rec
	}
	if err := s.store.BatchSet(ctx, entries); err != nil {
		return fmt.Errorf("vecstore: persist points: %w", err)
	}
	s.mu.Lock()
	for id, rec := range recs {
		s.points[id] = rec
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) Search(_ context.Context, req SearchRequest) ([]Match, error) {
	if req.Limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		id    string
		score float64
		rec   *record
	}
	results := make([]scored, 0, len(s.points))
	for id, rec := range s.points {
		if req.Namespace != "" && rec.Payload.Namespace != req.Namespace {
			continue
		}
		score := 1 - float64(CosineDistance(req.Vector, rec.Vector))/2
		if score < req.ScoreThreshold {
			continue
		}
		results = append(results, scored{id: id, score: score, rec: rec})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].id < results[j].id
	})
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{ID: r.id, Score: r.score, Payload: r.rec.Payload.Clone()}
	}
	return matches, nil
}

func (s *Store) Delete(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]kv.Key, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.pointKey(id))
	}
	if err := s.store.BatchDelete(ctx, keys); err != nil {
		return 0, fmt.Errorf("vecstore: delete points: %w", err)
	}
	deleted := 0
	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.points[id]; ok {
			delete(s.points, id)
			deleted++
		}
	}
	s.mu.Unlock()
	return deleted, nil
}

func (s *Store) DeleteBySession(ctx context.Context, ns, sessionID string) (int, error) {
	s.mu.RLock()
	var ids []string
	for id, rec := range s.points {
		if rec.Payload.Namespace == ns && rec.Payload.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	return s.Delete(ctx, ids)
}

func (s *Store) Fetch(_ context.Context, id string) (*Point, error) {
	s.mu.RLock()
	rec, ok := s.points[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &Point{
		ID:      id,
		Vector:  append([]float32(nil), rec.Vector...),
		Payload: rec.Payload.Clone(),
	}, nil
}

func (s *Store) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points), nil
}

// Dim returns the dimension of the indexed vectors, or 0 when empty.
// Used by the startup schema check to catch embedder/index mismatches.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.points {
		return len(rec.Vector)
	}
	return 0
}

// Flush is a no-op: every mutation is written through to the KV store
// before it becomes visible.
func (s *Store) Flush() error {
	return nil
}

// Close releases the in-memory set. The underlying kv.Store is owned by
// the caller and stays open.
func (s *Store) Close() error {
	s.mu.Lock()
	s.points = nil
	s.mu.Unlock()
	return nil
}

// CosineDistance computes the cosine distance between two vectors.
// Returns a value in [0, 2] where 0 means identical direction and
// 2 means opposite direction. Returns 2 if either vector has zero norm
// or the dimensions differ.
func CosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 2 // maximum distance for mismatched dimensions
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 2 // zero vector has no direction; treat as maximum distance
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors.
	if similarity > 1 {
		similarity = 1
	}
	if similarity < -1 {
		similarity = -1
	}
	return float32(1 - similarity)
}
