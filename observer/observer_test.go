package observer

import (
	"context"
	"errors"
	"testing"

	"github.com/nevindra/engram"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp engram.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ engram.ChatRequest) (engram.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// mockEmbedding for observer tests.
type mockEmbedding struct {
	name string
	dims int
	vecs [][]float32
	err  error
}

func (m *mockEmbedding) Name() string    { return m.name }
func (m *mockEmbedding) Dimensions() int { return m.dims }
func (m *mockEmbedding) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return m.vecs, m.err
}

// mockRerank for observer tests.
type mockRerank struct {
	name   string
	scores []float64
	err    error
}

func (m *mockRerank) Name() string { return m.name }
func (m *mockRerank) Rerank(_ context.Context, _ string, _ []string) ([]float64, error) {
	return m.scores, m.err
}

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	got := op.Name()
	if got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := engram.ChatResponse{
		Content: "hello from LLM",
		Usage:   engram.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), engram.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), engram.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedEmbedding tests
// ---------------------------------------------------------------------------

func TestObservedEmbedding(t *testing.T) {
	inner := &mockEmbedding{
		name: "emb",
		dims: 3,
		vecs: [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}},
	}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	if oe.Name() != "emb" {
		t.Errorf("Name() = %q, want %q", oe.Name(), "emb")
	}
	if oe.Dimensions() != 3 {
		t.Errorf("Dimensions() = %d, want 3", oe.Dimensions())
	}

	got, err := oe.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed returned unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Embed returned %d vectors, want 2", len(got))
	}
}

func TestObservedEmbeddingError(t *testing.T) {
	wantErr := errors.New("embedding failed")
	inner := &mockEmbedding{name: "emb", dims: 3, err: wantErr}
	oe := WrapEmbedding(inner, "embed-model", testInstruments(t))

	_, err := oe.Embed(context.Background(), []string{"a"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Embed error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedRerank tests
// ---------------------------------------------------------------------------

func TestObservedRerank(t *testing.T) {
	inner := &mockRerank{name: "rr", scores: []float64{0.9, 0.1}}
	or := WrapRerank(inner, "rerank-model", testInstruments(t))

	if or.Name() != "rr" {
		t.Errorf("Name() = %q, want %q", or.Name(), "rr")
	}

	got, err := or.Rerank(context.Background(), "query", []string{"a", "b"})
	if err != nil {
		t.Fatalf("Rerank returned unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != 0.9 {
		t.Errorf("Rerank scores = %v, want [0.9 0.1]", got)
	}
}

func TestObservedRerankError(t *testing.T) {
	wantErr := errors.New("rerank failed")
	inner := &mockRerank{name: "rr", err: wantErr}
	or := WrapRerank(inner, "rerank-model", testInstruments(t))

	_, err := or.Rerank(context.Background(), "query", []string{"a"})
	if !errors.Is(err, wantErr) {
		t.Errorf("Rerank error = %v, want %v", err, wantErr)
	}
}
