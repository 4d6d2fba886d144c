package engram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// AgenticConfig parameterizes the multi-round retrieval loop.
type AgenticConfig struct {
	// MaxRounds bounds the loop. Default 2.
	MaxRounds int
	// MaxRefinedQueries bounds how many judge-proposed queries run in the
	// second round. Default 3.
	MaxRefinedQueries int
	// Language selects the judge prompt. Default "en".
	Language Language
	// RRFK is the fusion constant for merging round results. Default 60.
	RRFK int
}

func (c AgenticConfig) withDefaults() AgenticConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = 2
	}
	if c.MaxRefinedQueries <= 0 {
		c.MaxRefinedQueries = 3
	}
	if c.Language == "" {
		c.Language = LangEN
	}
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	return c
}

// AgenticMetadata describes how an agentic retrieval ran.
type AgenticMetadata struct {
	Rounds       int    `json:"rounds"`
	IsMultiRound bool   `json:"is_multi_round"`
	// JudgeFailed is set when the sufficiency judge errored or returned
	// unparseable output; the loop then stops after round one.
	JudgeFailed bool   `json:"judge_failed,omitempty"`
	Reasoning   string `json:"reasoning,omitempty"`
	LatencyMS   int64  `json:"latency_ms"`
}

// AgenticResponse is the result of an agentic retrieval.
type AgenticResponse struct {
	Hits      []Hit             `json:"hits"`
	Retrieval RetrievalMetadata `json:"retrieval"`
	Agentic   AgenticMetadata   `json:"agentic"`
}

// AgenticRetriever wraps a HybridRetriever in a judge-and-refine loop: run
// the query, ask an LLM whether the hits suffice, and if not, run its
// refined queries and fuse everything. The loop is bounded, and every judge
// failure degrades to the single-round result.
type AgenticRetriever struct {
	retriever *HybridRetriever
	provider  Provider
	reranker  *RerankStage
	cfg       AgenticConfig
	logger    *slog.Logger
}

// AgenticOption configures an AgenticRetriever.
type AgenticOption func(*AgenticRetriever)

// WithAgenticLogger sets a structured logger for the retrieval loop.
func WithAgenticLogger(l *slog.Logger) AgenticOption {
	return func(a *AgenticRetriever) { a.logger = l }
}

// WithAgenticRerank applies stage to the first round's hits before they are
// judged, and to the merged result after a second round.
func WithAgenticRerank(stage *RerankStage) AgenticOption {
	return func(a *AgenticRetriever) { a.reranker = stage }
}

// NewAgenticRetriever creates the loop over retriever, using provider as
// the sufficiency judge.
func NewAgenticRetriever(retriever *HybridRetriever, provider Provider, cfg AgenticConfig, opts ...AgenticOption) *AgenticRetriever {
	a := &AgenticRetriever{
		retriever: retriever,
		provider:  provider,
		cfg:       cfg.withDefaults(),
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type judgePayload struct {
	IsSufficient   bool     `json:"is_sufficient"`
	Reasoning      string   `json:"reasoning"`
	RefinedQueries []string `json:"refined_queries"`
}

// Retrieve runs the bounded retrieval loop for req.
func (a *AgenticRetriever) Retrieve(ctx context.Context, req RetrievalRequest) (AgenticResponse, error) {
	start := time.Now()

	first, err := a.retriever.Retrieve(ctx, req)
	if err != nil {
		return AgenticResponse{}, err
	}
	firstHits := first.Hits
	if a.reranker != nil {
		firstHits = a.reranker.Rerank(ctx, req.Query, firstHits, req.TopK)
	}
	resp := AgenticResponse{
		Hits:      firstHits,
		Retrieval: first.Metadata,
		Agentic:   AgenticMetadata{Rounds: 1},
	}

	if a.cfg.MaxRounds < 2 || a.provider == nil {
		resp.Agentic.LatencyMS = time.Since(start).Milliseconds()
		return resp, nil
	}

	verdict, err := a.judge(ctx, req.Query, firstHits)
	if err != nil {
		a.logger.Warn("agentic: judge failed, returning first round", "error", err)
		resp.Agentic.JudgeFailed = true
		resp.Agentic.LatencyMS = time.Since(start).Milliseconds()
		return resp, nil
	}
	resp.Agentic.Reasoning = verdict.Reasoning
	if verdict.IsSufficient || len(verdict.RefinedQueries) == 0 {
		resp.Agentic.LatencyMS = time.Since(start).Milliseconds()
		return resp, nil
	}

	queries := verdict.RefinedQueries
	if len(queries) > a.cfg.MaxRefinedQueries {
		queries = queries[:a.cfg.MaxRefinedQueries]
	}
	paths := a.refine(ctx, req, queries)

	// The first round is one fusion path like any other, so its hits stay
	// competitive with the refinements.
	all := append([][]Hit{firstHits}, paths...)
	merged := rrfMerge(all, a.cfg.RRFK)
	if a.reranker != nil {
		merged = a.reranker.Rerank(ctx, req.Query, merged, req.TopK)
	}
	if req.TopK > 0 && len(merged) > req.TopK {
		merged = merged[:req.TopK]
	}

	resp.Hits = merged
	resp.Agentic.Rounds = 2
	resp.Agentic.IsMultiRound = true
	resp.Agentic.LatencyMS = time.Since(start).Milliseconds()
	a.logger.Debug("agentic: multi-round retrieval",
		"refined_queries", len(queries),
		"merged", len(merged),
		"duration", time.Since(start))
	return resp, nil
}

// judge asks the LLM whether hits answer query.
func (a *AgenticRetriever) judge(ctx context.Context, query string, hits []Hit) (judgePayload, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nRetrieved memories:\n", query)
	if len(hits) == 0 {
		b.WriteString("(none)\n")
	}
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, h.Record.Type, h.Record.Summary)
	}

	resp, err := a.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(judgePrompt(a.cfg.Language)),
		UserMessage(b.String()),
	}})
	if err != nil {
		return judgePayload{}, err
	}
	var p judgePayload
	if err := unmarshalObject(resp.Content, &p); err != nil {
		return judgePayload{}, fmt.Errorf("judge response: %w", err)
	}
	return p, nil
}

// refine runs the refined queries concurrently, each as a full hybrid
// retrieval with the original request's scope and filters. Failed paths
// are dropped.
func (a *AgenticRetriever) refine(ctx context.Context, req RetrievalRequest, queries []string) [][]Hit {
	paths := make([][]Hit, len(queries))
	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := req
			sub.Query = q
			r, err := a.retriever.Retrieve(ctx, sub)
			if err != nil {
				a.logger.Warn("agentic: refined query failed", "query", q, "error", err)
				return
			}
			paths[i] = r.Hits
		}()
	}
	wg.Wait()

	out := paths[:0]
	for _, p := range paths {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return out
}
