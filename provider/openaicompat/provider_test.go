package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/engram"
)

func TestChat(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("auth = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Choices: []Choice{{Message: &ChoiceMessage{Role: "assistant", Content: "hello back"}}},
			Usage:   &Usage{PromptTokens: 12, CompletionTokens: 7},
		})
	}))
	defer srv.Close()

	p := NewProvider("test-key", "gpt-4o-mini", srv.URL, WithOptions(WithTemperature(0.2)))
	resp, err := p.Chat(context.Background(), engram.ChatRequest{Messages: []engram.ChatMessage{
		engram.SystemMessage("be brief"),
		engram.UserMessage("hello"),
	}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello back" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Error("request option not applied")
	}
}

func TestChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := NewProvider("k", "m", srv.URL)
	_, err := p.Chat(context.Background(), engram.ChatRequest{})
	var httpErr *engram.ErrHTTP
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want ErrHTTP", err)
	}
	if httpErr.Status != 429 || httpErr.Body != "rate limited" {
		t.Errorf("ErrHTTP = %+v", httpErr)
	}
	if httpErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", httpErr.RetryAfter)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{})
	}))
	defer srv.Close()

	p := NewProvider("k", "m", srv.URL)
	resp, err := p.Chat(context.Background(), engram.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "" {
		t.Errorf("content = %q, want empty for no choices", resp.Content)
	}
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req EmbeddingRequest
		json.NewDecoder(r.Body).Decode(&req)
		// Respond out of order; the client must restore input order.
		json.NewEncoder(w).Encode(EmbeddingResponse{Data: []EmbeddingData{
			{Index: 1, Embedding: []float32{0, 1}},
			{Index: 0, Embedding: []float32{1, 0}},
		}})
	}))
	defer srv.Close()

	p := NewEmbeddingProvider("k", "text-embedding-3-small", srv.URL, 2)
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors = %v, want input order restored", vecs)
	}
	if p.Dimensions() != 2 {
		t.Errorf("Dimensions() = %d", p.Dimensions())
	}
}

func TestEmbedCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(EmbeddingResponse{Data: []EmbeddingData{{Index: 0, Embedding: []float32{1}}}})
	}))
	defer srv.Close()

	p := NewEmbeddingProvider("k", "m", srv.URL, 1)
	if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error on embedding count mismatch")
	}
}

func TestEmbedEmptyInput(t *testing.T) {
	p := NewEmbeddingProvider("k", "m", "http://unreachable.invalid", 1)
	vecs, err := p.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Errorf("Embed(nil) = %v, %v; want no call at all", vecs, err)
	}
}

func TestRerank(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rerank" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req RerankRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Query != "which doc" || len(req.Documents) != 2 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(RerankResponse{Results: []RerankResult{
			{Index: 1, RelevanceScore: 0.9},
			{Index: 0, RelevanceScore: 0.2},
		}})
	}))
	defer srv.Close()

	p := NewRerankProvider("k", "jina-reranker-v2", srv.URL)
	scores, err := p.Rerank(context.Background(), "which doc", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if scores[0] != 0.2 || scores[1] != 0.9 {
		t.Errorf("scores = %v, want document order", scores)
	}
}

func TestRerankBadIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RerankResponse{Results: []RerankResult{{Index: 5, RelevanceScore: 0.9}}})
	}))
	defer srv.Close()

	p := NewRerankProvider("k", "m", srv.URL)
	if _, err := p.Rerank(context.Background(), "q", []string{"a"}); err == nil {
		t.Error("expected error for out-of-range index")
	}
}

func TestRerankHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewRerankProvider("k", "m", srv.URL)
	_, err := p.Rerank(context.Background(), "q", []string{"a"})
	var httpErr *engram.ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 503 {
		t.Errorf("err = %v, want ErrHTTP 503", err)
	}
}

func TestProviderName(t *testing.T) {
	p := NewProvider("k", "m", "http://x", WithName("groq"))
	if p.Name() != "groq" {
		t.Errorf("Name() = %q", p.Name())
	}
	if NewProvider("k", "m", "http://x").Name() != "openai" {
		t.Error("default name not openai")
	}
}
