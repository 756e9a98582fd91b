package memory_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/deepmem/deepmem/pkg/analyze"
	"github.com/deepmem/deepmem/pkg/embed"
	"github.com/deepmem/deepmem/pkg/encoding"
	"github.com/deepmem/deepmem/pkg/graph"
	"github.com/deepmem/deepmem/pkg/kv"
	"github.com/deepmem/deepmem/pkg/memory"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

// scriptedAnalyzer returns queued analyses in order, keeping the last
// one for any further calls.
type scriptedAnalyzer struct {
	queue []*analyze.Analysis
	err   error
}

func (s *scriptedAnalyzer) Analyze(_ context.Context, _ analyze.Request) (*analyze.Analysis, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.queue) == 0 {
		return &analyze.Analysis{}, nil
	}
	a := s.queue[0]
	if len(s.queue) > 1 {
		s.queue = s.queue[1:]
	}
	return a, nil
}

// fixedEmbedder maps exact content strings to hand-tuned vectors so
// tests control similarity scores precisely.
type fixedEmbedder map[string][]float32

func (f fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v, ok := f[text]
	if !ok {
		return nil, fmt.Errorf("no vector for %q", text)
	}
	return v, nil
}

func (f fixedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f fixedEmbedder) Dimension() int { return 3 }

type testEnv struct {
	vec   *vecstore.Store
	graph *graph.KVStore
}

func newTestUpdater(t *testing.T, an analyze.Analyzer, emb embed.Embedder, mutate func(*memory.UpdaterConfig)) (*memory.Updater, testEnv) {
	t.Helper()
	store := kv.NewMemory(nil)
	vec, err := vecstore.NewStore(context.Background(), store, vecstore.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	g := graph.NewKVStore(store, kv.Key{"g"})
	cfg := memory.UpdaterConfig{
		Analyzer:  an,
		Embedders: embed.Static(emb),
		Vec:       vec,
		Graph:     g,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return memory.NewUpdater(cfg), testEnv{vec: vec, graph: g}
}

func userMessages(contents ...string) []analyze.Message {
	msgs := make([]analyze.Message, len(contents))
	for i, c := range contents {
		msgs[i] = analyze.Message{Role: "user", Content: c}
	}
	return msgs
}

func memID(ns, sessionID, content string) string {
	return ns + "::mem_" + encoding.StableHashHex(sessionID+":"+content)[:16]
}

func TestUpdater_ProcessedThenSkipped(t *testing.T) {
	const content = "User prefers oat milk"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Topics: []string{"coffee"},
		Drafts: []analyze.Draft{{
			Content: content,
			Kind:    analyze.KindPreference,
			Topics:  []string{"coffee"},
			Signals: analyze.Signals{Frequency: 1, UserIntent: 0.7, Length: len(content)},
		}},
	}}}
	up, env := newTestUpdater(t, an, embed.NewHash(), nil)
	ctx := context.Background()

	req := memory.UpdateRequest{
		Namespace: "acme",
		SessionID: "s1",
		Messages:  userMessages("I prefer oat milk"),
	}
	res, err := up.Update(ctx, req)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Status != memory.StatusProcessed || res.MemoriesAdded != 1 || res.MemoriesFiltered != 0 {
		t.Fatalf("first update = %+v, want processed/1/0", res)
	}

	// Same transcript again: replay must be skipped before analysis.
	res, err = up.Update(ctx, req)
	if err != nil {
		t.Fatalf("replay Update: %v", err)
	}
	if res.Status != memory.StatusSkipped || res.MemoriesAdded != 0 || res.MemoriesFiltered != 0 {
		t.Fatalf("replay = %+v, want skipped/0/0", res)
	}

	n, err := env.vec.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	// A changed transcript for the same session is processed again.
	req.Messages = userMessages("I prefer oat milk", "also no sugar")
	res, err = up.Update(ctx, req)
	if err != nil {
		t.Fatalf("third Update: %v", err)
	}
	if res.Status != memory.StatusProcessed {
		t.Fatalf("third update status = %q, want processed", res.Status)
	}
}

func TestUpdater_GeneratedIDAndPayload(t *testing.T) {
	const content = "User works at Initech"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Entities: []analyze.Entity{{Name: "Initech", Type: analyze.TypeOrg}},
		Drafts: []analyze.Draft{{
			Content:  content,
			Kind:     analyze.KindFact,
			Entities: []string{"Initech"},
			Topics:   []string{"work"},
			Signals:  analyze.Signals{Frequency: 1, UserIntent: 0.5, Length: len(content)},
		}},
	}}}
	emb := fixedEmbedder{content: {1, 0, 0}}
	up, env := newTestUpdater(t, an, emb, nil)
	ctx := context.Background()

	msgs := userMessages("I work at Initech")
	if _, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: msgs}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	id := memID("acme", "s1", content)
	pt, err := env.vec.Fetch(ctx, id)
	if err != nil {
		t.Fatalf("Fetch(%q): %v", id, err)
	}
	p := pt.Payload
	if p.Namespace != "acme" || p.SessionID != "s1" || p.Content != content {
		t.Errorf("payload identity = %q/%q/%q", p.Namespace, p.SessionID, p.Content)
	}
	if p.Kind != analyze.KindFact {
		t.Errorf("Kind = %q, want fact", p.Kind)
	}
	if p.Frequency != 1 {
		t.Errorf("Frequency = %d, want 1", p.Frequency)
	}
	if p.CreatedAt == "" || p.UpdatedAt == "" {
		t.Errorf("timestamps missing: created=%q updated=%q", p.CreatedAt, p.UpdatedAt)
	}
	wantHash, err := encoding.HashJSONHex(msgs)
	if err != nil {
		t.Fatalf("HashJSONHex: %v", err)
	}
	if p.SourceTranscriptHash != wantHash {
		t.Errorf("SourceTranscriptHash = %q, want %q", p.SourceTranscriptHash, wantHash)
	}
	if p.SourceMessageCount != 1 {
		t.Errorf("SourceMessageCount = %d, want 1", p.SourceMessageCount)
	}
	if !slices.Equal(p.Entities, []string{"Initech"}) || !slices.Equal(p.Topics, []string{"work"}) {
		t.Errorf("lists = %v / %v", p.Entities, p.Topics)
	}
}

func TestUpdater_DefaultNamespace(t *testing.T) {
	const content = "User speaks Portuguese"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Drafts: []analyze.Draft{{
			Content: content,
			Signals: analyze.Signals{UserIntent: 0.5, Length: len(content)},
		}},
	}}}
	emb := fixedEmbedder{content: {0, 0, 1}}
	up, env := newTestUpdater(t, an, emb, nil)
	ctx := context.Background()

	if _, err := up.Update(ctx, memory.UpdateRequest{SessionID: "s9", Messages: userMessages("eu falo português")}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	id := memID(memory.DefaultNamespace, "s9", content)
	if _, err := env.vec.Fetch(ctx, id); err != nil {
		t.Fatalf("Fetch(%q): %v", id, err)
	}
}

func TestUpdater_DedupeMerge(t *testing.T) {
	const content = "User is allergic to peanuts"
	first := &analyze.Analysis{
		Entities: []analyze.Entity{{Name: "Peanuts", Type: analyze.TypeOther}},
		Drafts: []analyze.Draft{{
			Content:    content,
			Kind:       analyze.KindRule,
			MemoryKey:  "rule:peanuts",
			Subject:    "peanuts",
			Confidence: 0.9,
			Entities:   []string{"Peanuts"},
			Topics:     []string{"allergies"},
			Signals:    analyze.Signals{Frequency: 1, UserIntent: 0.9, Length: len(content)},
		}},
	}
	second := &analyze.Analysis{
		Drafts: []analyze.Draft{{
			Content:  content, // identical wording, descriptive fields blank
			Entities: []string{"EpiPen"},
			Topics:   []string{"allergies", "health"},
			Signals:  analyze.Signals{Frequency: 2, UserIntent: 0.3, Length: len(content)},
		}},
	}
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{first, second}}
	emb := fixedEmbedder{content: {0, 1, 0}}
	up, env := newTestUpdater(t, an, emb, nil)
	ctx := context.Background()

	if _, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("peanut allergy")}); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	res, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("peanut allergy", "I carry an EpiPen")})
	if err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if res.MemoriesAdded != 1 {
		t.Fatalf("MemoriesAdded = %d, want 1", res.MemoriesAdded)
	}

	n, err := env.vec.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1: dedupe must reuse the existing id", n)
	}

	pt, err := env.vec.Fetch(ctx, memID("acme", "s1", content))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	p := pt.Payload
	if p.Frequency != 2 {
		t.Errorf("Frequency = %d, want 2", p.Frequency)
	}
	if p.Kind != analyze.KindRule || p.MemoryKey != "rule:peanuts" || p.Subject != "peanuts" || p.Confidence != 0.9 {
		t.Errorf("descriptive fields not inherited: kind=%q key=%q subject=%q conf=%v",
			p.Kind, p.MemoryKey, p.Subject, p.Confidence)
	}
	if !slices.Equal(p.Entities, []string{"Peanuts", "EpiPen"}) {
		t.Errorf("Entities = %v, want union [Peanuts EpiPen]", p.Entities)
	}
	if !slices.Equal(p.Topics, []string{"allergies", "health"}) {
		t.Errorf("Topics = %v, want union [allergies health]", p.Topics)
	}
	// First pass scored against an empty store (novelty 1); the rerun
	// scores lower on every signal, so max keeps the original.
	wantImp := memory.Score(memory.Signals{Frequency: 1, Novelty: 1, UserIntent: 0.9, Length: len(content)})
	if p.Importance != wantImp {
		t.Errorf("Importance = %v, want %v", p.Importance, wantImp)
	}
}

func TestUpdater_ImportanceThreshold(t *testing.T) {
	const content = "ok sounds good"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Filtered: 2, // analyzer already dropped two over-budget drafts
		Drafts: []analyze.Draft{{
			Content: content,
			Signals: analyze.Signals{Frequency: 0, UserIntent: 0, Length: len(content)},
		}},
	}}}
	emb := fixedEmbedder{content: {1, 0, 0}}
	up, env := newTestUpdater(t, an, emb, func(cfg *memory.UpdaterConfig) {
		cfg.ImportanceThreshold = 0.9
	})
	ctx := context.Background()

	res, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("ok")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.Status != memory.StatusProcessed {
		t.Fatalf("Status = %q, want processed", res.Status)
	}
	if res.MemoriesAdded != 0 {
		t.Errorf("MemoriesAdded = %d, want 0", res.MemoriesAdded)
	}
	if res.MemoriesFiltered != 3 {
		t.Errorf("MemoriesFiltered = %d, want 3 (2 from analyzer + 1 gated)", res.MemoriesFiltered)
	}
	if n, _ := env.vec.Count(ctx); n != 0 {
		t.Errorf("Count = %d, want 0", n)
	}
}

func TestUpdater_SensitiveFilter(t *testing.T) {
	const clean = "User enjoys hiking on weekends"
	const leaked = "my password is hunter2 for the vpn"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Drafts: []analyze.Draft{
			{Content: leaked, Signals: analyze.Signals{UserIntent: 1, Length: len(leaked)}},
			{Content: clean, Signals: analyze.Signals{UserIntent: 0.6, Length: len(clean)}},
		},
	}}}
	// Only the clean draft has a vector: the sensitive one must be
	// dropped before it ever reaches the embedder.
	emb := fixedEmbedder{clean: {1, 0, 0}}
	up, env := newTestUpdater(t, an, emb, func(cfg *memory.UpdaterConfig) {
		f, err := memory.NewSensitiveFilter("", nil)
		if err != nil {
			t.Fatalf("NewSensitiveFilter: %v", err)
		}
		cfg.Filter = f
	})
	ctx := context.Background()

	res, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("vpn setup chat")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.MemoriesAdded != 1 || res.MemoriesFiltered != 1 {
		t.Fatalf("result = %+v, want 1 added / 1 filtered", res)
	}
	if _, err := env.vec.Fetch(ctx, memID("acme", "s1", clean)); err != nil {
		t.Errorf("clean draft not stored: %v", err)
	}
	if n, _ := env.vec.Count(ctx); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestUpdater_SynapseEdges(t *testing.T) {
	const contentA = "Team standup moved to 9am"
	const contentB = "Daily standup now starts at 9am"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Drafts: []analyze.Draft{
			{Content: contentA, Signals: analyze.Signals{UserIntent: 0.6, Length: len(contentA)}},
			{Content: contentB, Signals: analyze.Signals{UserIntent: 0.6, Length: len(contentB)}},
		},
	}}}
	// cos(A, B) = 0.7 → similarity 0.85: above the 0.8 synapse floor,
	// below the 0.92 dedupe score.
	emb := fixedEmbedder{
		contentA: {1, 0, 0},
		contentB: {0.7, 0.7141428, 0},
	}
	up, env := newTestUpdater(t, an, emb, func(cfg *memory.UpdaterConfig) {
		cfg.RelatedTopK = 2
	})
	ctx := context.Background()

	res, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("standup time")})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res.MemoriesAdded != 2 {
		t.Fatalf("MemoriesAdded = %d, want 2", res.MemoriesAdded)
	}

	idA := memID("acme", "s1", contentA)
	idB := memID("acme", "s1", contentB)
	edges, err := env.graph.Edges(ctx, idB)
	if err != nil {
		t.Fatalf("Edges: %v", err)
	}
	var found bool
	for _, e := range edges {
		if e.Type == graph.EdgeRelatedTo && e.From == idB && e.To == idA {
			found = true
			if e.Score < 0.84 || e.Score > 0.86 {
				t.Errorf("synapse score = %v, want ≈0.85", e.Score)
			}
		}
	}
	if !found {
		t.Fatalf("no RELATED_TO edge from %s to %s: %+v", idB, idA, edges)
	}
}

func TestUpdater_GraphWrites(t *testing.T) {
	const content = "User is flying to Lisbon next week"
	an := &scriptedAnalyzer{queue: []*analyze.Analysis{{
		Topics:   []string{"travel"},
		Entities: []analyze.Entity{{Name: "Lisbon", Type: analyze.TypePlace}},
		Events: []analyze.Event{{
			Type:      "travel",
			Summary:   "flight to Lisbon",
			Timestamp: "2026-09-01",
			Entities:  []string{"Lisbon"},
			Topics:    []string{"travel"},
		}},
		Drafts: []analyze.Draft{{
			Content:  content,
			Kind:     analyze.KindFact,
			Entities: []string{"Lisbon"},
			Topics:   []string{"travel"},
			Signals:  analyze.Signals{Frequency: 1, UserIntent: 0.6, Length: len(content)},
		}},
	}}}
	emb := fixedEmbedder{content: {0, 1, 0}}
	up, env := newTestUpdater(t, an, emb, nil)
	ctx := context.Background()

	if _, err := up.Update(ctx, memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("I fly to Lisbon next week")}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, key := range []string{
		graph.SessionKey("acme", "s1"),
		graph.TopicKey("acme", "travel"),
		graph.EntityKey("acme", analyze.TypePlace, "Lisbon"),
		graph.EventKey("acme", "travel", "2026-09-01", "flight to Lisbon"),
		memID("acme", "s1", content),
	} {
		if _, err := env.graph.GetNode(ctx, key); err != nil {
			t.Errorf("GetNode(%q): %v", key, err)
		}
	}

	id := memID("acme", "s1", content)
	neighbors, err := env.graph.Neighbors(ctx, id, graph.EdgeFromSession)
	if err != nil {
		t.Fatalf("Neighbors: %v", err)
	}
	if !slices.Contains(neighbors, graph.SessionKey("acme", "s1")) {
		t.Errorf("memory not linked to session: %v", neighbors)
	}

	rows, err := env.graph.RelatedMemories(ctx, graph.RelatedQuery{
		Namespace: "acme",
		Entities:  []string{"Lisbon"},
		Topics:    []string{"travel"},
		Limit:     10,
	})
	if err != nil {
		t.Fatalf("RelatedMemories: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("RelatedMemories = %d rows, want 1", len(rows))
	}
	row := rows[0]
	if row.ID != id || row.Content != content || row.Kind != analyze.KindFact {
		t.Errorf("row = %+v", row)
	}
	if row.RelationScore != 1.0 {
		t.Errorf("RelationScore = %v, want 1.0 (topic + entity links)", row.RelationScore)
	}
	if row.LastSeenAt == "" {
		t.Error("LastSeenAt not recorded on the graph node")
	}
}

func TestUpdater_AnalyzerError(t *testing.T) {
	an := &scriptedAnalyzer{err: errors.New("model unavailable")}
	up, _ := newTestUpdater(t, an, fixedEmbedder{}, nil)

	res, err := up.Update(context.Background(), memory.UpdateRequest{Namespace: "acme", SessionID: "s1", Messages: userMessages("hello")})
	if err == nil {
		t.Fatal("expected error for analyzer failure")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Errorf("error = %v", err)
	}
	if res.Status != memory.StatusError || res.Error == "" {
		t.Errorf("result = %+v, want error status with message", res)
	}
}
