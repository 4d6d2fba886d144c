package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nevindra/engram"
)

// Provider implements engram.Provider for any OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other provider
// that implements the OpenAI chat completions API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
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

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req engram.ChatRequest) (engram.ChatResponse, error) {
	body := ChatRequest{Model: p.model, Messages: make([]Message, len(req.Messages))}
	for i, m := range req.Messages {
		body.Messages[i] = Message{Role: m.Role, Content: m.Content}
	}
	for _, opt := range p.opts {
		opt(&body)
	}

	resp, err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, body)
	if err != nil {
		return engram.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engram.ChatResponse{}, httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return engram.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}

	var out engram.ChatResponse
	if len(chatResp.Choices) > 0 && chatResp.Choices[0].Message != nil {
		out.Content = chatResp.Choices[0].Message.Content
	}
	if chatResp.Usage != nil {
		out.Usage = engram.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// postJSON marshals body and POSTs it with bearer auth.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry
// middleware. Parses the Retry-After header when present (429/503).
func httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &engram.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: engram.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ engram.Provider = (*Provider)(nil)
