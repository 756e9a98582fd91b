package vecstore_test

import (
	"context"
	"errors"
	"testing"

	"github.com/deepmem/deepmem/pkg/kv"
	"github.com/deepmem/deepmem/pkg/vecstore"
)

func newTestIndex(t *testing.T) (*vecstore.Store, kv.Store) {
	t.Helper()
	store := kv.NewMemory(nil)
	t.Cleanup(func() { store.Close() })
	idx, err := vecstore.NewStore(context.Background(), store, vecstore.Options{})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return idx, store
}

func point(id, ns, sessionID string, vec []float32) vecstore.Point {
	return vecstore.Point{
		ID:     id,
		Vector: vec,
		Payload: vecstore.Payload{
			ID:        id,
			Namespace: ns,
			Content:   "content of " + id,
			SessionID: sessionID,
			CreatedAt: "2026-01-01T00:00:00Z",
		},
	}
}

func TestSearch_OrderAndLimit(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []vecstore.Point{
		point("ns::mem_1", "ns", "s1", []float32{1, 0, 0, 0}),
		point("ns::mem_2", "ns", "s1", []float32{0.9, 0.1, 0, 0}),
		point("ns::mem_3", "ns", "s1", []float32{0, 1, 0, 0}),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	matches, err := idx.Search(ctx, vecstore.SearchRequest{
		Vector:    []float32{1, 0, 0, 0},
		Limit:     2,
		Namespace: "ns",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}
	if matches[0].ID != "ns::mem_1" || matches[1].ID != "ns::mem_2" {
		t.Fatalf("order = %s, %s", matches[0].ID, matches[1].ID)
	}
	if matches[0].Score <= matches[1].Score {
		t.Fatalf("scores not descending: %v, %v", matches[0].Score, matches[1].Score)
	}
	if matches[0].Score < 0.999 {
		t.Fatalf("identical direction score = %v, want ~1", matches[0].Score)
	}
	if matches[0].Payload.Content != "content of ns::mem_1" {
		t.Fatalf("payload not carried: %+v", matches[0].Payload)
	}
}

func TestSearch_NamespaceFilter(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []vecstore.Point{
		point("a::mem_1", "a", "s1", []float32{1, 0}),
		point("b::mem_1", "b", "s1", []float32{1, 0}),
	})
	if err != nil {
		t.Fatal(err)
	}

	matches, err := idx.Search(ctx, vecstore.SearchRequest{
		Vector: []float32{1, 0}, Limit: 10, Namespace: "a",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "a::mem_1" {
		t.Fatalf("matches = %+v, want only namespace a", matches)
	}
}

func TestSearch_ScoreThreshold(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []vecstore.Point{
		point("ns::close", "ns", "s1", []float32{1, 0}),
		point("ns::far", "ns", "s1", []float32{-1, 0}),
	})
	if err != nil {
		t.Fatal(err)
	}

	matches, err := idx.Search(ctx, vecstore.SearchRequest{
		Vector: []float32{1, 0}, Limit: 10, ScoreThreshold: 0.5, Namespace: "ns",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "ns::close" {
		t.Fatalf("matches = %+v, want only the close point", matches)
	}

	// Threshold zero admits opposite-direction points at score 0.
	matches, err = idx.Search(ctx, vecstore.SearchRequest{
		Vector: []float32{1, 0}, Limit: 10, Namespace: "ns",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2 at threshold 0", len(matches))
	}
}

func TestUpsert_Replaces(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	p := point("ns::mem_1", "ns", "s1", []float32{1, 0})
	if err := idx.Upsert(ctx, []vecstore.Point{p}); err != nil {
		t.Fatal(err)
	}
	p.Payload.Content = "updated"
	p.Vector = []float32{0, 1}
	if err := idx.Upsert(ctx, []vecstore.Point{p}); err != nil {
		t.Fatal(err)
	}

	got, err := idx.Fetch(ctx, "ns::mem_1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got.Payload.Content != "updated" {
		t.Fatalf("Content = %q, want updated", got.Payload.Content)
	}
	if got.Vector[0] != 0 || got.Vector[1] != 1 {
		t.Fatalf("Vector = %v, want replaced", got.Vector)
	}
	if n, _ := idx.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestFetch_NotFound(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, err := idx.Fetch(context.Background(), "ns::mem_missing")
	if !errors.Is(err, vecstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_Counts(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []vecstore.Point{
		point("ns::mem_1", "ns", "s1", []float32{1, 0}),
		point("ns::mem_2", "ns", "s1", []float32{0, 1}),
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := idx.Delete(ctx, []string{"ns::mem_1", "ns::mem_missing"})
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if c, _ := idx.Count(ctx); c != 1 {
		t.Fatalf("Count = %d, want 1", c)
	}
}

func TestDeleteBySession(t *testing.T) {
	idx, _ := newTestIndex(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, []vecstore.Point{
		point("ns::mem_1", "ns", "s1", []float32{1, 0}),
		point("ns::mem_2", "ns", "s1", []float32{0, 1}),
		point("ns::mem_3", "ns", "s2", []float32{1, 1}),
		point("other::mem_1", "other", "s1", []float32{1, 0}),
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := idx.DeleteBySession(ctx, "ns", "s1")
	if err != nil {
		t.Fatalf("DeleteBySession: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	if _, err := idx.Fetch(ctx, "ns::mem_3"); err != nil {
		t.Fatalf("other session's point removed: %v", err)
	}
	if _, err := idx.Fetch(ctx, "other::mem_1"); err != nil {
		t.Fatalf("other namespace's point removed: %v", err)
	}
}

func TestReopen_RebuildsFromKV(t *testing.T) {
	store := kv.NewMemory(nil)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	idx, err := vecstore.NewStore(ctx, store, vecstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	err = idx.Upsert(ctx, []vecstore.Point{
		point("ns::mem_1", "ns", "s1", []float32{1, 0}),
		point("ns::mem_2", "ns", "s1", []float32{0, 1}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := vecstore.NewStore(ctx, store, vecstore.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, _ := reopened.Count(ctx); n != 2 {
		t.Fatalf("Count after reopen = %d, want 2", n)
	}
	got, err := reopened.Fetch(ctx, "ns::mem_1")
	if err != nil {
		t.Fatalf("Fetch after reopen: %v", err)
	}
	if got.Payload.Content != "content of ns::mem_1" {
		t.Fatalf("payload lost on reopen: %+v", got.Payload)
	}
	if reopened.Dim() != 2 {
		t.Fatalf("Dim = %d, want 2", reopened.Dim())
	}
}

func TestReopen_SkipsUndecodable(t *testing.T) {
	store := kv.NewMemory(nil)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	idx, err := vecstore.NewStore(ctx, store, vecstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Upsert(ctx, []vecstore.Point{point("ns::mem_1", "ns", "s1", []float32{1, 0})}); err != nil {
		t.Fatal(err)
	}
	// Corrupt a second record directly in the KV store.
	if err := store.Set(ctx, kv.Key{"vec", "p", "ns::mem_bad"}, []byte("not msgpack")); err != nil {
		t.Fatal(err)
	}

	var skipped []string
	reopened, err := vecstore.NewStore(ctx, store, vecstore.Options{
		OnDecodeError: func(id string, err error) { skipped = append(skipped, id) },
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n, _ := reopened.Count(ctx); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
	if len(skipped) != 1 || skipped[0] != "ns::mem_bad" {
		t.Fatalf("skipped = %v, want the corrupt id", skipped)
	}
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 0},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, 2},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 2},
		{"dim mismatch", []float32{1}, []float32{1, 0}, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := vecstore.CosineDistance(tc.a, tc.b)
			if diff := got - tc.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("CosineDistance = %v, want %v", got, tc.want)
			}
		})
	}
}
