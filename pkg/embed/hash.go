package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

const hashDefaultDim = 256

// Hash implements [Embedder] with deterministic feature-hashed vectors.
// It needs no network or API key: each token is hashed into a bucket with
// a sign bit and the accumulated vector is L2-normalized, so texts sharing
// tokens score high on cosine similarity. Intended for development and
// tests, not for production recall quality.
type Hash struct {
	dim int
}

var _ Embedder = (*Hash)(nil)

// NewHash creates a hash embedder. The default dimensionality is 256.
func NewHash(opts ...Option) *Hash {
	opt := options{dim: hashDefaultDim}
	for _, apply := range opts {
		apply(&opt)
	}
	if opt.dim <= 0 {
		opt.dim = hashDefaultDim
	}
	return &Hash{dim: opt.dim}
}

// Embed embeds one text.
func (h *Hash) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	return h.embed(text), nil
}

// EmbedBatch embeds texts in order. An empty element fails the whole batch.
func (h *Hash) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		if t == "" {
			return nil, ErrEmptyInput
		}
		vecs[i] = h.embed(t)
	}
	return vecs, nil
}

// Dimension reports the configured vector width.
func (h *Hash) Dimension() int {
	return h.dim
}

func (h *Hash) embed(text string) []float32 {
	vec := make([]float32, h.dim)
	for _, tok := range hashTokens(text) {
		sum := sha256.Sum256([]byte(tok))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(h.dim)
		if sum[4]&1 == 0 {
			vec[idx]++
		} else {
			vec[idx]--
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// All-sign-cancelled or tokenless input; emit a fixed unit vector so
		// cosine distance stays defined.
		vec[0] = 1
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

func hashTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
