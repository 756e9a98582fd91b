package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/encoding"
	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// Update ingests one transcript. The returned error is non-nil only for
// failures worth retrying (transcript hashing, analysis); individual
// store write errors inside the draft loop are logged and absorbed.
func (u *Updater) Update(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	ns := req.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	hash, err := encoding.HashJSONHex(req.Messages)
	if err != nil {
		return &UpdateResult{Status: StatusError, Error: err.Error()},
			fmt.Errorf("memory: hash transcript: %w", err)
	}

	sessionKey := graph.SessionKey(ns, req.SessionID)
	u.tryNode(ctx, graph.Node{Key: sessionKey, Attrs: map[string]any{
		"session_id": req.SessionID,
		"namespace":  ns,
	}})

	meta, err := u.cfg.Graph.SessionMeta(ctx, ns, req.SessionID)
	switch {
	case err == nil && meta.LastTranscriptHash == hash:
		// Same transcript as last time: idempotent replay.
		return &UpdateResult{Status: StatusSkipped}, nil
	case err != nil && !errors.Is(err, graph.ErrNotFound):
		u.log.Warn("session meta read failed",
			zap.String("namespace", ns), zap.String("session", req.SessionID), zap.Error(err))
	}

	embedder, err := u.cfg.Embedders.For(ns)
	if err != nil {
		return &UpdateResult{Status: StatusError, Error: err.Error()},
			fmt.Errorf("memory: resolve embedder: %w", err)
	}

	analysis, err := u.cfg.Analyzer.Analyze(ctx, analyze.Request{
		SessionID:           req.SessionID,
		Messages:            req.Messages,
		MaxMemories:         u.cfg.MaxMemories,
		ImportanceThreshold: u.cfg.ImportanceThreshold,
	})
	if err != nil {
		return &UpdateResult{Status: StatusError, Error: err.Error()},
			fmt.Errorf("memory: analyze: %w", err)
	}

	entityTypes := make(map[string]string, len(analysis.Entities))
	for _, e := range analysis.Entities {
		entityTypes[strings.ToLower(e.Name)] = e.Type
	}

	u.linkContext(ctx, ns, sessionKey, analysis, entityTypes)

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	added, filtered := 0, analysis.Filtered

	for _, d := range analysis.Drafts {
		if rule, hit := u.cfg.Filter.Match(d.Content); hit {
			filtered++
			u.log.Debug("draft dropped by sensitive filter",
				zap.String("rule", rule), zap.String("session", req.SessionID))
			continue
		}

		vec, err := embedder.Embed(ctx, d.Content)
		if err != nil {
			u.log.Warn("draft embed failed",
				zap.String("session", req.SessionID), zap.Error(err))
			continue
		}

		// Novelty probe: the single nearest stored memory, any score.
		var bestID string
		var bestScore float64
		hits, err := u.cfg.Vec.Search(ctx, vecstore.SearchRequest{
			Vector: vec, Limit: 1, Namespace: ns,
		})
		if err != nil {
			u.log.Warn("novelty probe failed", zap.Error(err))
		} else if len(hits) > 0 {
			bestID, bestScore = hits[0].ID, hits[0].Score
		}

		importance := Score(Signals{
			Frequency:  d.Signals.Frequency,
			Novelty:    clamp01(1 - bestScore),
			UserIntent: d.Signals.UserIntent,
			Length:     d.Signals.Length,
		})
		if importance < u.cfg.ImportanceThreshold {
			filtered++
			continue
		}

		isDup := bestID != "" && bestScore >= u.cfg.DedupeScore
		rawID := bestID
		if !isDup {
			rawID = "mem_" + encoding.StableHashHex(req.SessionID+":"+d.Content)[:localIDHexLen]
		}
		id := rawID
		if !strings.Contains(rawID, "::") {
			id = ns + "::" + rawID
		}

		p := vecstore.Payload{
			ID:                   id,
			Namespace:            ns,
			Kind:                 d.Kind,
			MemoryKey:            d.MemoryKey,
			Subject:              d.Subject,
			ExpiresAt:            d.ExpiresAt,
			Confidence:           d.Confidence,
			Content:              d.Content,
			SessionID:            req.SessionID,
			SourceTranscriptHash: hash,
			SourceMessageCount:   len(req.Messages),
			CreatedAt:            d.CreatedAt,
			UpdatedAt:            nowStr,
			Importance:           importance,
			Frequency:            1,
			Entities:             unionCap(nil, d.Entities, maxListLen),
			Topics:               unionCap(nil, d.Topics, maxListLen),
		}
		if p.CreatedAt == "" {
			p.CreatedAt = nowStr
		}
		if isDup {
			u.mergeExisting(ctx, &p)
		}

		u.writeMemory(ctx, ns, sessionKey, &p, vec, nowStr, entityTypes)
		added++
	}

	if err := u.cfg.Graph.SetSessionMeta(ctx, ns, req.SessionID, graph.SessionMeta{
		LastTranscriptHash: hash,
		LastMessageCount:   len(req.Messages),
		LastIngestedAt:     now,
	}); err != nil {
		u.log.Warn("session meta write failed",
			zap.String("namespace", ns), zap.String("session", req.SessionID), zap.Error(err))
	}

	return &UpdateResult{
		Status:           StatusProcessed,
		MemoriesAdded:    added,
		MemoriesFiltered: filtered,
	}, nil
}

// linkContext upserts the analysis-level topics, entities, and events
// and wires them to the session node.
func (u *Updater) linkContext(ctx context.Context, ns, sessionKey string, a *analyze.Analysis, entityTypes map[string]string) {
	for _, t := range a.Topics {
		tk := graph.TopicKey(ns, t)
		if u.tryNode(ctx, graph.Node{Key: tk, Attrs: map[string]any{"name": t}}) {
			u.tryEdge(ctx, graph.Edge{From: sessionKey, To: tk, Type: graph.EdgeHasTopic})
		}
	}
	for _, e := range a.Entities {
		ek := graph.EntityKey(ns, e.Type, e.Name)
		u.tryNode(ctx, graph.Node{Key: ek, Attrs: map[string]any{"name": e.Name, "type": e.Type}})
	}
	// Topics mention the entities they co-occurred with in the transcript.
	for _, t := range a.Topics {
		tk := graph.TopicKey(ns, t)
		for _, e := range a.Entities {
			u.tryEdge(ctx, graph.Edge{From: tk, To: graph.EntityKey(ns, e.Type, e.Name), Type: graph.EdgeMentions})
		}
	}
	for _, ev := range a.Events {
		evk := graph.EventKey(ns, ev.Type, ev.Timestamp, ev.Summary)
		if !u.tryNode(ctx, graph.Node{Key: evk, Attrs: map[string]any{
			"type":    ev.Type,
			"summary": ev.Summary,
			"ts":      ev.Timestamp,
		}}) {
			continue
		}
		u.tryEdge(ctx, graph.Edge{From: sessionKey, To: evk, Type: graph.EdgeHasEvent})
		for _, t := range ev.Topics {
			tk := graph.TopicKey(ns, t)
			u.tryNode(ctx, graph.Node{Key: tk, Attrs: map[string]any{"name": t}})
			u.tryEdge(ctx, graph.Edge{From: evk, To: tk, Type: graph.EdgeHasTopic})
		}
		for _, name := range ev.Entities {
			typ := entityType(entityTypes, name)
			ek := graph.EntityKey(ns, typ, name)
			u.tryNode(ctx, graph.Node{Key: ek, Attrs: map[string]any{"name": name, "type": typ}})
			u.tryEdge(ctx, graph.Edge{From: evk, To: ek, Type: graph.EdgeInvolves})
		}
	}
}

// mergeExisting folds the stored payload into p: lists union (stored
// first, capped), importance keeps the max, frequency increments, and
// blank descriptive fields inherit stored values.
func (u *Updater) mergeExisting(ctx context.Context, p *vecstore.Payload) {
	pt, err := u.cfg.Vec.Fetch(ctx, p.ID)
	if err != nil {
		if !errors.Is(err, vecstore.ErrNotFound) {
			u.log.Warn("dedupe fetch failed", zap.String("id", p.ID), zap.Error(err))
		}
		return
	}
	prev := pt.Payload
	p.Entities = unionCap(prev.Entities, p.Entities, maxListLen)
	p.Topics = unionCap(prev.Topics, p.Topics, maxListLen)
	p.Importance = max(prev.Importance, p.Importance)
	p.Frequency = prev.Frequency + 1
	if prev.CreatedAt != "" {
		p.CreatedAt = prev.CreatedAt
	}
	if p.Kind == "" {
		p.Kind = prev.Kind
	}
	if p.MemoryKey == "" {
		p.MemoryKey = prev.MemoryKey
	}
	if p.Subject == "" {
		p.Subject = prev.Subject
	}
	if p.ExpiresAt == "" {
		p.ExpiresAt = prev.ExpiresAt
	}
	if p.Confidence == 0 {
		p.Confidence = prev.Confidence
	}
}

// writeMemory performs the dual write for one committed draft: graph
// node with links, vector payload, then optional synapse edges. Each
// write is guarded independently.
func (u *Updater) writeMemory(ctx context.Context, ns, sessionKey string, p *vecstore.Payload, vec []float32, nowStr string, entityTypes map[string]string) {
	attrs := map[string]any{
		"content":      p.Content,
		"importance":   p.Importance,
		"frequency":    p.Frequency,
		"last_seen_at": nowStr,
	}
	if p.Kind != "" {
		attrs["kind"] = p.Kind
	}
	if p.MemoryKey != "" {
		attrs["memory_key"] = p.MemoryKey
	}
	if p.Subject != "" {
		attrs["subject"] = p.Subject
	}
	if p.ExpiresAt != "" {
		attrs["expires_at"] = p.ExpiresAt
	}
	if p.Confidence != 0 {
		attrs["confidence"] = p.Confidence
	}
	if u.tryNode(ctx, graph.Node{Key: p.ID, Attrs: attrs}) {
		u.tryEdge(ctx, graph.Edge{From: p.ID, To: sessionKey, Type: graph.EdgeFromSession})
		for _, t := range p.Topics {
			tk := graph.TopicKey(ns, t)
			u.tryNode(ctx, graph.Node{Key: tk, Attrs: map[string]any{"name": t}})
			u.tryEdge(ctx, graph.Edge{From: p.ID, To: tk, Type: graph.EdgeHasTopic})
		}
		for _, name := range p.Entities {
			typ := entityType(entityTypes, name)
			ek := graph.EntityKey(ns, typ, name)
			u.tryNode(ctx, graph.Node{Key: ek, Attrs: map[string]any{"name": name, "type": typ}})
			u.tryEdge(ctx, graph.Edge{From: p.ID, To: ek, Type: graph.EdgeMentions})
		}
	}

	if err := u.cfg.Vec.Upsert(ctx, []vecstore.Point{{ID: p.ID, Vector: vec, Payload: *p}}); err != nil {
		u.log.Warn("vector upsert failed", zap.String("id", p.ID), zap.Error(err))
		return
	}

	if u.cfg.RelatedTopK <= 0 {
		return
	}
	hits, err := u.cfg.Vec.Search(ctx, vecstore.SearchRequest{
		Vector:         vec,
		Limit:          u.cfg.RelatedTopK + 1, // the point itself is a hit
		ScoreThreshold: max(u.cfg.MinSemanticScore, 0.8),
		Namespace:      ns,
	})
	if err != nil {
		u.log.Warn("synapse search failed", zap.String("id", p.ID), zap.Error(err))
		return
	}
	for _, h := range hits {
		if h.ID == p.ID {
			continue
		}
		u.tryEdge(ctx, graph.Edge{From: p.ID, To: h.ID, Type: graph.EdgeRelatedTo, Score: h.Score})
	}
}

// tryNode upserts a graph node, logging instead of failing.
func (u *Updater) tryNode(ctx context.Context, n graph.Node) bool {
	if err := u.cfg.Graph.UpsertNode(ctx, n); err != nil {
		u.log.Warn("graph node upsert failed", zap.String("key", n.Key), zap.Error(err))
		return false
	}
	return true
}

// tryEdge upserts a graph edge, logging instead of failing.
func (u *Updater) tryEdge(ctx context.Context, e graph.Edge) {
	if err := u.cfg.Graph.UpsertEdge(ctx, e); err != nil {
		u.log.Warn("graph edge upsert failed",
			zap.String("from", e.From), zap.String("to", e.To),
			zap.String("type", e.Type), zap.Error(err))
	}
}

// entityType resolves an entity name against the analysis set.
func entityType(types map[string]string, name string) string {
	if t := types[strings.ToLower(name)]; t != "" {
		return t
	}
	return analyze.TypeOther
}

// unionCap merges two lists preserving order, dropping case-insensitive
// duplicates, capped at n. Always returns a non-nil slice.
func unionCap(a, b []string, n int) []string {
	out := make([]string, 0, min(len(a)+len(b), n))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			k := strings.ToLower(s)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, s)
			if len(out) >= n {
				return out
			}
		}
	}
	return out
}
