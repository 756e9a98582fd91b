package embed_test

import (
	"context"
	"testing"

	"github.com/deepmem/deepmem/pkg/embed"
)

func TestSelect_RegisterAndFor(t *testing.T) {
	sel := embed.NewSelect()
	h := embed.NewHash(embed.WithDimension(16))

	if err := sel.Register("acme", h); err != nil {
		t.Fatalf("Register acme: %v", err)
	}

	got, err := sel.For("acme")
	if err != nil {
		t.Fatalf("For acme: %v", err)
	}
	if got != h {
		t.Fatal("For returned different embedder instance")
	}
}

func TestSelect_Register_Duplicate(t *testing.T) {
	sel := embed.NewSelect()
	h := embed.NewHash()

	if err := sel.Register("acme", h); err != nil {
		t.Fatalf("Register first: %v", err)
	}
	if err := sel.Register("acme", h); err == nil {
		t.Fatal("Register duplicate: expected error, got nil")
	}
}

func TestSelect_Register_Nil(t *testing.T) {
	sel := embed.NewSelect()
	if err := sel.Register("acme", nil); err == nil {
		t.Fatal("Register nil embedder: expected error, got nil")
	}
}

func TestSelect_For_NotFound(t *testing.T) {
	sel := embed.NewSelect()
	if _, err := sel.For("unrouted"); err == nil {
		t.Fatal("For unrouted: expected error, got nil")
	}
}

func TestSelect_DefaultRoute(t *testing.T) {
	sel := embed.NewSelect()
	def := embed.NewHash(embed.WithDimension(8))
	acme := embed.NewHash(embed.WithDimension(16))

	if err := sel.Register("*", def); err != nil {
		t.Fatalf("Register default: %v", err)
	}
	if err := sel.Register("acme", acme); err != nil {
		t.Fatalf("Register acme: %v", err)
	}

	// Exact route wins over the default.
	d, err := sel.Dimension("acme")
	if err != nil {
		t.Fatalf("Dimension acme: %v", err)
	}
	if d != 16 {
		t.Fatalf("acme dim = %d, want 16", d)
	}

	// Everything else falls through to the default.
	for _, ns := range []string{"globex", "initech", "hooli"} {
		d, err := sel.Dimension(ns)
		if err != nil {
			t.Fatalf("Dimension %s: %v", ns, err)
		}
		if d != 8 {
			t.Fatalf("%s dim = %d, want 8", ns, d)
		}
	}
}

func TestSelect_EmbedRouted(t *testing.T) {
	sel := embed.NewSelect()
	if err := sel.Register("*", embed.NewHash(embed.WithDimension(24))); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()

	vec, err := sel.Embed(ctx, "acme", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 24 {
		t.Fatalf("len(vec) = %d, want 24", len(vec))
	}

	vecs, err := sel.EmbedBatch(ctx, "acme", []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("len(vecs) = %d, want 2", len(vecs))
	}
}
