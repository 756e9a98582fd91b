package memory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// Forgetter deletes memories from both stores. Deletion is dual-write's
// mirror: each backend is attempted independently, and a failure on one
// side never blocks the other. Callers inspect the per-backend outcomes
// to report partial results.
type Forgetter struct {
	vec   vecstore.Index
	graph graph.Store
	log   *zap.Logger
}

// NewForgetter creates a Forgetter. Both stores are required.
func NewForgetter(vec vecstore.Index, g graph.Store, log *zap.Logger) *Forgetter {
	if vec == nil {
		panic("memory: Forgetter vector index is required")
	}
	if g == nil {
		panic("memory: Forgetter graph store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Forgetter{vec: vec, graph: g, log: log}
}

// StoreDeletes reports one backend's outcome. Counts are pointers so the
// wire shape distinguishes "not attempted" from "removed zero".
type StoreDeletes struct {
	BySession *int   `json:"bySession,omitempty"`
	ByIDs     *int   `json:"byIds,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ForgetResult aggregates a dual delete.
type ForgetResult struct {
	// Deleted is the authoritative removal count: the vector side when
	// it succeeded, otherwise the graph side.
	Deleted int

	Vector StoreDeletes
	Graph  StoreDeletes
}

// Forget removes memories by session, by ids, or both. IDs must already
// be normalized (see NormalizeIDs); they are canonicalized to the
// namespace-prefixed form both stores key by.
func (f *Forgetter) Forget(ctx context.Context, ns, sessionID string, ids []string) *ForgetResult {
	if ns == "" {
		ns = DefaultNamespace
	}
	full := make([]string, len(ids))
	for i, id := range ids {
		full[i] = CanonicalID(ns, id)
	}

	res := &ForgetResult{}
	vecOK := true

	if sessionID != "" {
		n, err := f.vec.DeleteBySession(ctx, ns, sessionID)
		res.Vector.BySession = &n
		if err != nil {
			vecOK = false
			res.Vector.Error = err.Error()
			f.log.Warn("vector delete by session failed",
				zap.String("namespace", ns), zap.String("session_id", sessionID), zap.Error(err))
		}
		m, err := f.graph.DeleteBySession(ctx, ns, sessionID)
		res.Graph.BySession = &m
		if err != nil {
			res.Graph.Error = err.Error()
			f.log.Warn("graph delete by session failed",
				zap.String("namespace", ns), zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	if len(full) > 0 {
		n, err := f.vec.Delete(ctx, full)
		res.Vector.ByIDs = &n
		if err != nil {
			vecOK = false
			res.Vector.Error = err.Error()
			f.log.Warn("vector delete by ids failed",
				zap.String("namespace", ns), zap.Int("ids", len(full)), zap.Error(err))
		}
		m, err := f.graph.DeleteMemories(ctx, ns, full)
		res.Graph.ByIDs = &m
		if err != nil {
			res.Graph.Error = err.Error()
			f.log.Warn("graph delete by ids failed",
				zap.String("namespace", ns), zap.Int("ids", len(full)), zap.Error(err))
		}
	}

	if vecOK {
		res.Deleted = count(res.Vector.BySession) + count(res.Vector.ByIDs)
	} else {
		res.Deleted = count(res.Graph.BySession) + count(res.Graph.ByIDs)
	}
	return res
}

func count(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

// NormalizeIDs trims, drops empties, and dedupes while preserving the
// caller's order.
func NormalizeIDs(ids []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CanonicalID returns the namespace-prefixed memory id. IDs that already
// carry the prefix pass through, so clients may send either form.
func CanonicalID(ns, id string) string {
	if strings.HasPrefix(id, ns+"::") {
		return id
	}
	return ns + "::" + id
}
