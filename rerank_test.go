package engram

import (
	"context"
	"fmt"
	"testing"
)

func rerankHits(n int) []Hit {
	hits := make([]Hit, n)
	for i := range hits {
		hits[i] = Hit{
			Record: Record{ID: fmt.Sprintf("h%d", i), Summary: fmt.Sprintf("doc %d", i)},
			Score:  float64(n - i), // descending fused order
		}
	}
	return hits
}

func TestRerankNilProviderPassthrough(t *testing.T) {
	stage := NewRerankStage(nil, RerankConfig{})
	hits := []Hit{
		{Record: Record{ID: "low"}, Score: 0.1},
		{Record: Record{ID: "high"}, Score: 0.9},
		{Record: Record{ID: "mid"}, Score: 0.5},
	}
	out := stage.Rerank(context.Background(), "q", hits, 2)
	if len(out) != 2 {
		t.Fatalf("got %d hits, want 2", len(out))
	}
	if out[0].Record.ID != "high" || out[1].Record.ID != "mid" {
		t.Errorf("order = [%s, %s], want [high, mid]", out[0].Record.ID, out[1].Record.ID)
	}
}

func TestRerankReorders(t *testing.T) {
	// Scores reverse the incoming order.
	rr := &fakeRerank{fn: func(query string, docs []string) ([]float64, error) {
		scores := make([]float64, len(docs))
		for i := range docs {
			scores[i] = float64(i)
		}
		return scores, nil
	}}
	stage := NewRerankStage(rr, RerankConfig{})

	hits := rerankHits(3)
	out := stage.Rerank(context.Background(), "q", hits, 0)
	want := []string{"h2", "h1", "h0"}
	for i, id := range want {
		if out[i].Record.ID != id {
			t.Errorf("hit %d = %s, want %s", i, out[i].Record.ID, id)
		}
	}
	// The input slice is not mutated.
	if hits[0].Score != 3 {
		t.Errorf("input hit score mutated to %f", hits[0].Score)
	}
}

func TestRerankFailedBatchKeepsFusedScores(t *testing.T) {
	rr := &fakeRerank{fn: func(query string, docs []string) ([]float64, error) {
		return nil, fmt.Errorf("rerank service down")
	}}
	stage := NewRerankStage(rr, RerankConfig{})

	out := stage.Rerank(context.Background(), "q", rerankHits(3), 0)
	for i, h := range out {
		if want := float64(3 - i); h.Score != want {
			t.Errorf("hit %d score = %f, want fused %f", i, h.Score, want)
		}
	}
	// Non-transient error: one attempt, no retries.
	if rr.calls != 1 {
		t.Errorf("provider called %d times, want 1", rr.calls)
	}
}

func TestRerankScoreCountMismatchIgnored(t *testing.T) {
	rr := &fakeRerank{fn: func(query string, docs []string) ([]float64, error) {
		return []float64{0.5}, nil
	}}
	stage := NewRerankStage(rr, RerankConfig{})

	out := stage.Rerank(context.Background(), "q", rerankHits(3), 0)
	if out[0].Score != 3 {
		t.Errorf("top score = %f, want fused 3 after mismatched response", out[0].Score)
	}
}

func TestRerankBatches(t *testing.T) {
	rr := &fakeRerank{fn: func(query string, docs []string) ([]float64, error) {
		if len(docs) > 2 {
			return nil, fmt.Errorf("batch of %d exceeds size 2", len(docs))
		}
		scores := make([]float64, len(docs))
		return scores, nil
	}}
	stage := NewRerankStage(rr, RerankConfig{BatchSize: 2})

	stage.Rerank(context.Background(), "q", rerankHits(5), 0)
	if rr.calls != 3 {
		t.Errorf("provider called %d times, want 3 batches for 5 hits", rr.calls)
	}
}

func TestRerankEmptyHits(t *testing.T) {
	rr := &fakeRerank{fn: func(query string, docs []string) ([]float64, error) {
		t.Error("provider must not be called for empty hits")
		return nil, nil
	}}
	stage := NewRerankStage(rr, RerankConfig{})
	if out := stage.Rerank(context.Background(), "q", nil, 5); len(out) != 0 {
		t.Errorf("got %d hits, want 0", len(out))
	}
}
