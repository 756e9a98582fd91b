// Package embed turns memory text into the dense vectors the semantic
// index stores and searches.
//
// Both halves of the pipeline share one [Embedder] per namespace: the
// update path embeds extracted memories before upserting them, and the
// recall path embeds the query it matches against them. Mixing models
// within a namespace breaks that symmetry, so multi-tenant deployments
// route per namespace with [Select] while single-model ones wrap their
// embedder in [Static].
//
// Implementations:
//
//   - [OpenAI]: text-embedding-3-small / -large, or any OpenAI-compatible
//     endpoint via [WithBaseURL]
//   - [Gemini]: Google Gemini embedding models
//   - [Hash]: deterministic feature hashing with no network dependency,
//     for development and tests
package embed

import (
	"context"
	"errors"
)

// Embedder converts text into dense float32 vectors.
type Embedder interface {
	// Embed embeds one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds texts in order, one vector per input. Providers
	// with a batch-size cap split the call transparently.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the width of the vectors this embedder emits.
	Dimension() int
}

// ErrEmptyInput is returned for an empty text or an empty batch.
var ErrEmptyInput = errors.New("embed: empty input")

// Router resolves the embedder serving a namespace. [Select] is the
// multi-tenant implementation; [Static] wraps a single embedder for
// deployments where every namespace shares one model.
type Router interface {
	For(namespace string) (Embedder, error)
}

// Static returns a Router that serves e for every namespace.
func Static(e Embedder) Router {
	return staticRouter{e: e}
}

type staticRouter struct {
	e Embedder
}

func (r staticRouter) For(string) (Embedder, error) {
	if r.e == nil {
		return nil, errors.New("embed: static router has no embedder")
	}
	return r.e, nil
}
