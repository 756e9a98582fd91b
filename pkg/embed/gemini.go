package embed

import (
	"context"
	"fmt"
	"slices"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

// Gemini embedding models.
const (
	// ModelGeminiEmbedding001 supports output dimensions 128-3072, default 3072.
	ModelGeminiEmbedding001 = "gemini-embedding-001"

	// ModelGeminiTextEmbedding004 has 768 dims, truncatable.
	ModelGeminiTextEmbedding004 = "text-embedding-004"
)

const (
	geminiMaxBatch     = 100
	geminiDefaultDim   = 768
	geminiDefaultModel = ModelGeminiEmbedding001

	// geminiDefaultTaskType biases embeddings toward similarity comparison,
	// which is what both write-path dedup and read-path recall do.
	geminiDefaultTaskType = "SEMANTIC_SIMILARITY"
)

// Gemini implements [Embedder] using the Google Gemini embedding API.
type Gemini struct {
	client   *genai.Client
	model    string
	dim      int
	taskType string
}

var _ Embedder = (*Gemini)(nil)

// NewGemini creates a Gemini embedder.
//
// The apiKey is required and can be obtained from:
// https://aistudio.google.com/apikey
func NewGemini(ctx context.Context, apiKey string, opts ...Option) (*Gemini, error) {
	opt := options{
		model:    geminiDefaultModel,
		dim:      geminiDefaultDim,
		taskType: geminiDefaultTaskType,
	}
	for _, apply := range opts {
		apply(&opt)
	}

	cc := &genai.ClientConfig{APIKey: apiKey}
	if opt.httpClient != nil {
		cc.HTTPClient = opt.httpClient
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Gemini{
		client:   client,
		model:    opt.model,
		dim:      opt.dim,
		taskType: opt.taskType,
	}, nil
}

// Embed embeds one text.
func (g *Gemini) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := g.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, splitting batches over the API
// cap into sequential requests.
func (g *Gemini) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, 0, len(texts))
	for chunk := range slices.Chunk(texts, geminiMaxBatch) {
		vecs, err := g.request(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed %d texts at offset %d: %w", len(chunk), len(out), err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimension reports the configured vector width.
func (g *Gemini) Dimension() int {
	return g.dim
}

// Model returns the model identifier requests are sent with.
func (g *Gemini) Model() string {
	return g.model
}

func (g *Gemini) request(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{genai.NewPartFromText(t)},
		}
	}

	dim := int32(g.dim)
	cfg := &genai.EmbedContentConfig{
		TaskType:             g.taskType,
		OutputDimensionality: &dim,
	}

	resp, err := g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
	if err != nil {
		if e, ok := err.(*apierror.APIError); ok {
			err = e.Unwrap()
		}
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("got %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}
