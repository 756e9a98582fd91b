package embed

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI embedding models.
const (
	// ModelOpenAI3Small is the default: 1536 dims, width adjustable.
	ModelOpenAI3Small = "text-embedding-3-small"

	// ModelOpenAI3Large trades cost for quality: 3072 dims, width adjustable.
	ModelOpenAI3Large = "text-embedding-3-large"

	// ModelOpenAIAda002 is the legacy model with a fixed 1536-dim output.
	ModelOpenAIAda002 = "text-embedding-ada-002"
)

const (
	openAIMaxBatch     = 2048 // API cap on inputs per request
	openAIDefaultDim   = 1536
	openAIDefaultModel = ModelOpenAI3Small
)

// OpenAI embeds text through the OpenAI embeddings API. WithBaseURL points
// it at any OpenAI-compatible server that honors the float encoding format.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int

	// fixedDim suppresses the dimensions request parameter, which
	// ada-002 rejects.
	fixedDim bool
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI returns an embedder authenticated with apiKey, defaulting to
// text-embedding-3-small at 1536 dimensions.
func NewOpenAI(apiKey string, opts ...Option) *OpenAI {
	opt := options{
		model:      openAIDefaultModel,
		dim:        openAIDefaultDim,
		httpClient: http.DefaultClient,
	}
	for _, apply := range opts {
		apply(&opt)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(opt.httpClient),
	}
	if opt.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opt.baseURL))
	}
	client := openai.NewClient(reqOpts...)

	return &OpenAI{
		client:   &client,
		model:    opt.model,
		dim:      opt.dim,
		fixedDim: opt.model == ModelOpenAIAda002,
	}
}

// Embed embeds one text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, splitting batches over the API
// cap into sequential requests.
func (o *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, 0, len(texts))
	for chunk := range slices.Chunk(texts, openAIMaxBatch) {
		vecs, err := o.request(ctx, chunk)
		if err != nil {
			return nil, fmt.Errorf("embed %d texts at offset %d: %w", len(chunk), len(out), err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimension reports the configured vector width.
func (o *OpenAI) Dimension() int {
	return o.dim
}

// Model returns the model identifier requests are sent with.
func (o *OpenAI) Model() string {
	return o.model
}

func (o *OpenAI) request(ctx context.Context, texts []string) ([][]float32, error) {
	params := openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if !o.fixedDim {
		params.Dimensions = openai.Int(int64(o.dim))
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}

	// Response items carry an Index instead of a position guarantee, so
	// place each one explicitly and then check for holes.
	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= int64(len(texts)) {
			return nil, fmt.Errorf("embedding index %d out of range for %d inputs", item.Index, len(texts))
		}
		vecs[item.Index] = toFloat32(item.Embedding)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vecs, nil
}

// toFloat32 narrows the API's float64 values to the float32 the vector
// index stores.
func toFloat32(vals []float64) []float32 {
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(v)
	}
	return out
}
