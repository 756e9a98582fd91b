package recall

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// candidate is one memory accumulated across the two search signals.
type candidate struct {
	id         string
	content    string
	importance float64
	frequency  int64
	lastSeenAt string
	kind       string
	memoryKey  string
	subject    string
	expiresAt  string
	confidence float64

	semantic float64
	relation float64
	fromVec  bool
	fromGrph bool

	final float64
}

// Retrieve runs the hybrid retrieval pipeline. Both search signals are
// best-effort: an embedder, vector store, or graph failure is logged and
// the other signal still serves the request. The only returned errors
// are context cancellations.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Response, error) {
	ns := req.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	maxMemories := req.MaxMemories
	if maxMemories <= 0 {
		maxMemories = DefaultMaxMemories
	}
	input := strings.TrimSpace(req.UserInput)

	key := cacheKey{ns: ns, sessionID: req.SessionID, maxMemories: maxMemories, input: input}
	if r.cache != nil {
		if resp, ok := r.cache.get(key); ok {
			return resp, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	budget := maxMemories * candidateFactor
	if budget < candidateMin {
		budget = candidateMin
	}
	if budget > candidateMax {
		budget = candidateMax
	}

	merged := make(map[string]*candidate)
	if input != "" {
		r.vectorSearch(ctx, ns, input, budget, merged)
	}
	if len(req.Entities) > 0 || len(req.Topics) > 0 {
		r.graphSearch(ctx, ns, req.Entities, req.Topics, budget, merged)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now()
	survivors := make([]*candidate, 0, len(merged))
	for _, c := range merged {
		if expired(c.expiresAt, now) {
			continue
		}
		c.final = r.score(c, now)
		survivors = append(survivors, c)
	}
	winners := resolveSlots(survivors)
	if len(winners) > maxMemories {
		winners = winners[:maxMemories]
	}

	memories := make([]Memory, 0, len(winners))
	for _, c := range winners {
		memories = append(memories, Memory{
			ID:            c.id,
			Content:       c.content,
			Importance:    c.importance,
			Relevance:     c.final,
			SemanticScore: c.semantic,
			RelationScore: c.relation,
			Kind:          c.kind,
			MemoryKey:     c.memoryKey,
			Subject:       c.subject,
			Sources:       c.sources(),
		})
	}
	resp := &Response{
		Entities: emptyIfNil(req.Entities),
		Topics:   emptyIfNil(req.Topics),
		Memories: memories,
		Context:  renderContext(memories),
	}
	if r.cache != nil {
		r.cache.put(key, resp)
	}
	return resp, nil
}

// vectorSearch embeds the input and seeds merged with the ANN hits.
func (r *Retriever) vectorSearch(ctx context.Context, ns, input string, budget int, merged map[string]*candidate) {
	embedder, err := r.cfg.Embedders.For(ns)
	if err != nil {
		r.log.Warn("retrieve: no embedder for namespace", zap.String("namespace", ns), zap.Error(err))
		return
	}
	vec, err := embedder.Embed(ctx, input)
	if err != nil {
		r.log.Warn("retrieve: embed failed", zap.String("namespace", ns), zap.Error(err))
		return
	}
	matches, err := r.cfg.Vec.Search(ctx, vecstore.SearchRequest{
		Vector:         vec,
		Limit:          budget,
		ScoreThreshold: r.cfg.MinSemanticScore,
		Namespace:      ns,
	})
	if err != nil {
		r.log.Warn("retrieve: vector search failed", zap.String("namespace", ns), zap.Error(err))
		return
	}
	for _, m := range matches {
		c, ok := merged[m.ID]
		if !ok {
			p := m.Payload
			lastSeen := p.UpdatedAt
			if lastSeen == "" {
				lastSeen = p.CreatedAt
			}
			c = &candidate{
				id:         m.ID,
				content:    p.Content,
				importance: p.Importance,
				frequency:  p.Frequency,
				lastSeenAt: lastSeen,
				kind:       p.Kind,
				memoryKey:  p.MemoryKey,
				subject:    p.Subject,
				expiresAt:  p.ExpiresAt,
				confidence: p.Confidence,
			}
			merged[m.ID] = c
		}
		if m.Score > c.semantic {
			c.semantic = m.Score
		}
		c.fromVec = true
	}
}

// graphSearch merges relation-scored rows into the candidate set. The
// vector payload stays authoritative for fields both stores carry; graph
// values only fill gaps.
func (r *Retriever) graphSearch(ctx context.Context, ns string, entities, topics []string, budget int, merged map[string]*candidate) {
	rows, err := r.cfg.Graph.RelatedMemories(ctx, graph.RelatedQuery{
		Namespace: ns,
		Entities:  entities,
		Topics:    topics,
		Limit:     budget,
	})
	if err != nil {
		r.log.Warn("retrieve: graph query failed", zap.String("namespace", ns), zap.Error(err))
		return
	}
	for _, row := range rows {
		c, ok := merged[row.ID]
		if !ok {
			c = &candidate{
				id:         row.ID,
				content:    row.Content,
				importance: row.Importance,
				frequency:  row.Frequency,
				lastSeenAt: row.LastSeenAt,
				kind:       row.Kind,
				memoryKey:  row.MemoryKey,
				subject:    row.Subject,
				expiresAt:  row.ExpiresAt,
				confidence: row.Confidence,
			}
			merged[row.ID] = c
		} else {
			if c.content == "" {
				c.content = row.Content
			}
			if c.importance == 0 {
				c.importance = row.Importance
			}
			if c.frequency == 0 {
				c.frequency = row.Frequency
			}
			if c.lastSeenAt == "" {
				c.lastSeenAt = row.LastSeenAt
			}
			if c.kind == "" {
				c.kind = row.Kind
			}
			if c.memoryKey == "" {
				c.memoryKey = row.MemoryKey
			}
			if c.subject == "" {
				c.subject = row.Subject
			}
			if c.expiresAt == "" {
				c.expiresAt = row.ExpiresAt
			}
			if c.confidence == 0 {
				c.confidence = row.Confidence
			}
		}
		if row.RelationScore > c.relation {
			c.relation = row.RelationScore
		}
		c.fromGrph = true
	}
}

// score fuses the two signals and applies boosts and half-life decay.
func (r *Retriever) score(c *candidate, now time.Time) float64 {
	sw, rw := normalizeWeights(r.cfg.SemanticWeight, r.cfg.RelationWeight)
	relevance := sw*c.semantic + rw*c.relation

	freqNorm := clamp01(math.Log1p(float64(c.frequency)) / math.Ln10)
	boost := (1 + r.cfg.ImportanceBoost*clamp01(c.importance)) *
		(1 + r.cfg.FrequencyBoost*freqNorm)

	decay := 1.0
	if r.cfg.HalfLifeDays > 0 && c.lastSeenAt != "" {
		if seen, ok := parseTime(c.lastSeenAt); ok {
			ageDays := now.Sub(seen).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			decay = math.Pow(0.5, ageDays/r.cfg.HalfLifeDays)
			if decay < 0.1 {
				decay = 0.1
			}
		}
	}
	return relevance * boost * decay
}

// normalizeWeights scales the fusion weights to sum to 1, falling back
// to 0.6/0.4 when both are zero.
func normalizeWeights(sw, rw float64) (float64, float64) {
	sum := sw + rw
	if sum <= 0 {
		return 0.6, 0.4
	}
	return sw / sum, rw / sum
}

// expired reports whether the record carries a parseable expiry in the
// past. Unparseable expiries are treated as absent.
func expired(expiresAt string, now time.Time) bool {
	if expiresAt == "" {
		return false
	}
	t, ok := parseTime(expiresAt)
	return ok && t.Before(now)
}

// parseTime accepts the timestamp shapes adapters actually store:
// RFC 3339 (fractional seconds included) and bare dates.
func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// resolveSlots keeps one record per memory slot: survivors sharing a
// memory_key collapse to the one with the highest final score, ties
// broken by importance. Records without a memory_key are their own slot.
// The result is sorted by descending final score.
func resolveSlots(survivors []*candidate) []*candidate {
	bySlot := make(map[string]*candidate, len(survivors))
	for _, c := range survivors {
		slot := c.memoryKey
		if slot == "" {
			slot = c.id
		}
		prev, ok := bySlot[slot]
		if !ok || c.final > prev.final ||
			(c.final == prev.final && c.importance > prev.importance) {
			bySlot[slot] = c
		}
	}
	winners := make([]*candidate, 0, len(bySlot))
	for _, c := range bySlot {
		winners = append(winners, c)
	}
	sort.Slice(winners, func(i, j int) bool {
		if winners[i].final != winners[j].final {
			return winners[i].final > winners[j].final
		}
		if winners[i].importance != winners[j].importance {
			return winners[i].importance > winners[j].importance
		}
		return winners[i].id < winners[j].id
	})
	return winners
}

// sources lists the contributing stores in fixed wire order.
func (c *candidate) sources() []string {
	out := make([]string, 0, 2)
	if c.fromVec {
		out = append(out, SourceVector)
	}
	if c.fromGrph {
		out = append(out, SourceGraph)
	}
	return out
}

// renderContext formats the memories for prompt injection.
func renderContext(memories []Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant long-term memory:")
	for i, m := range memories {
		fmt.Fprintf(&b, "\n%d. (%.2f, imp=%.2f) %s", i+1, m.Relevance, m.Importance, m.Content)
	}
	return b.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
