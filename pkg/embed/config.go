package embed

import "net/http"

// options collects the construction knobs shared by the embedder
// implementations. Each provider reads the subset it understands and
// leaves the rest alone.
type options struct {
	model      string
	dim        int
	baseURL    string
	taskType   string
	httpClient *http.Client
}

// Option adjusts an embedder at construction time.
type Option func(*options)

// WithModel overrides the provider's default embedding model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithDimension requests vectors of the given width. Models with a fixed
// output width, like text-embedding-ada-002, keep their native width.
func WithDimension(dim int) Option {
	return func(o *options) { o.dim = dim }
}

// WithBaseURL points the OpenAI embedder at a compatible third-party
// endpoint. The other providers ignore it.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithTaskType sets the Gemini task-type hint, for example
// "RETRIEVAL_DOCUMENT" or "SEMANTIC_SIMILARITY". The other providers
// ignore it.
func WithTaskType(taskType string) Option {
	return func(o *options) { o.taskType = taskType }
}

// WithHTTPClient swaps the transport, mostly for tests and proxies.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}
