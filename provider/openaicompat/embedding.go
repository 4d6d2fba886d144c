package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nevindra/engram"
)

// EmbeddingProvider implements engram.EmbeddingProvider against an
// OpenAI-compatible /embeddings endpoint.
type EmbeddingProvider struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	name       string
	dimensions int
}

// EmbeddingOption configures an EmbeddingProvider.
type EmbeddingOption func(*EmbeddingProvider)

// WithEmbeddingName sets the provider name (default "openai").
func WithEmbeddingName(name string) EmbeddingOption {
	return func(p *EmbeddingProvider) { p.name = name }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(c *http.Client) EmbeddingOption {
	return func(p *EmbeddingProvider) { p.client = c }
}

// NewEmbeddingProvider creates an embedding client. dimensions is the
// model's output vector size (e.g. 1536 for text-embedding-3-small).
func NewEmbeddingProvider(apiKey, model, baseURL string, dimensions int, opts ...EmbeddingOption) *EmbeddingProvider {
	p := &EmbeddingProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		client:     &http.Client{},
		name:       "openai",
		dimensions: dimensions,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *EmbeddingProvider) Name() string { return p.name }

// Dimensions returns the embedding vector size.
func (p *EmbeddingProvider) Dimensions() int { return p.dimensions }

// Embed returns one embedding per input text, in input order.
func (p *EmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := postJSON(ctx, p.client, p.baseURL+"/embeddings", p.apiKey,
		EmbeddingRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var embResp EmbeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("%s: decode embeddings: %w", p.name, err)
	}
	if len(embResp.Data) != len(texts) {
		return nil, fmt.Errorf("%s: embeddings count mismatch: want %d got %d", p.name, len(texts), len(embResp.Data))
	}

	// The API guarantees an index per datum; order by it rather than
	// trusting response order.
	out := make([][]float32, len(texts))
	for _, d := range embResp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%s: embedding index %d out of range", p.name, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Compile-time interface check.
var _ engram.EmbeddingProvider = (*EmbeddingProvider)(nil)
