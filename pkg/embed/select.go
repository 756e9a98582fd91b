package embed

import (
	"context"
	"fmt"

	"github.com/deepmem/deepmem/pkg/trie"
)

// DefaultPattern matches any namespace not claimed by a more specific rule.
const DefaultPattern = "*"

// Select routes embedding requests to registered [Embedder] implementations
// by namespace, using a trie for pattern matching.
//
// Patterns follow the trie path convention with "/" separators:
//
//	sel.Register("acme", openAI)
//	sel.Register("acme/+", openAI)   // matches acme/<anything>
//	sel.Register("*", hash)          // default for everything else
//
// Exact routes win over wildcard routes. A Select carries no global state;
// each app constructs its own.
type Select struct {
	routes *trie.Trie[Embedder]
}

var _ Router = (*Select)(nil)

// NewSelect creates an empty namespace router.
func NewSelect() *Select {
	return &Select{
		routes: trie.New[Embedder](),
	}
}

// Register binds an embedder to a namespace pattern. The pattern "*" is the
// default route and matches every namespace. Returns an error if an embedder
// is already registered for the pattern.
func (s *Select) Register(pattern string, e Embedder) error {
	if e == nil {
		return fmt.Errorf("embed: nil embedder for %s", pattern)
	}
	if pattern == DefaultPattern {
		pattern = "#"
	}
	return s.routes.Set(pattern, func(ptr *Embedder, existed bool) error {
		if existed {
			return fmt.Errorf("embed: embedder already registered for %s", pattern)
		}
		*ptr = e
		return nil
	})
}

// For returns the embedder routed for the given namespace.
func (s *Select) For(namespace string) (Embedder, error) {
	_, ptr, ok := s.routes.Match(namespace)
	if !ok || ptr == nil || *ptr == nil {
		return nil, fmt.Errorf("embed: no embedder for namespace %s", namespace)
	}
	return *ptr, nil
}

// Embed embeds a single text using the embedder routed for the namespace.
func (s *Select) Embed(ctx context.Context, namespace, text string) ([]float32, error) {
	e, err := s.For(namespace)
	if err != nil {
		return nil, err
	}
	return e.Embed(ctx, text)
}

// EmbedBatch embeds multiple texts using the embedder routed for the namespace.
func (s *Select) EmbedBatch(ctx context.Context, namespace string, texts []string) ([][]float32, error) {
	e, err := s.For(namespace)
	if err != nil {
		return nil, err
	}
	return e.EmbedBatch(ctx, texts)
}

// Dimension returns the vector dimensionality of the embedder routed for the
// namespace.
func (s *Select) Dimension(namespace string) (int, error) {
	e, err := s.For(namespace)
	if err != nil {
		return 0, err
	}
	return e.Dimension(), nil
}
