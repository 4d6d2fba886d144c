package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nevindra/engram"
)

// RerankProvider implements engram.RerankProvider against a /rerank
// endpoint in the Jina/Cohere request shape, which most OpenAI-compatible
// gateways expose for cross-encoder models.
type RerankProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
}

// RerankOption configures a RerankProvider.
type RerankOption func(*RerankProvider)

// WithRerankName sets the provider name (default "openai").
func WithRerankName(name string) RerankOption {
	return func(p *RerankProvider) { p.name = name }
}

// WithRerankHTTPClient sets a custom HTTP client.
func WithRerankHTTPClient(c *http.Client) RerankOption {
	return func(p *RerankProvider) { p.client = c }
}

// NewRerankProvider creates a rerank client.
func NewRerankProvider(apiKey, model, baseURL string, opts ...RerankOption) *RerankProvider {
	p := &RerankProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name.
func (p *RerankProvider) Name() string { return p.name }

// Rerank returns one relevance score per document, in document order.
func (p *RerankProvider) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	resp, err := postJSON(ctx, p.client, p.baseURL+"/rerank", p.apiKey,
		RerankRequest{Model: p.model, Query: query, Documents: documents})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp)
	}

	var rrResp RerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&rrResp); err != nil {
		return nil, fmt.Errorf("%s: decode rerank: %w", p.name, err)
	}

	scores := make([]float64, len(documents))
	for _, r := range rrResp.Results {
		if r.Index < 0 || r.Index >= len(scores) {
			return nil, fmt.Errorf("%s: rerank index %d out of range", p.name, r.Index)
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}

// Compile-time interface check.
var _ engram.RerankProvider = (*RerankProvider)(nil)
