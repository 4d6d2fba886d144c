package engram

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RerankConfig parameterizes the rerank stage.
type RerankConfig struct {
	// BatchSize is the number of documents per rerank call. Default 8.
	BatchSize int
	// Concurrency bounds in-flight rerank calls. Default 4.
	Concurrency int
	// MaxAttempts is the per-batch retry budget. Default 3.
	MaxAttempts int
	// BaseDelay seeds the per-batch retry backoff. Default 200ms.
	BaseDelay time.Duration
}

func (c RerankConfig) withDefaults() RerankConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	return c
}

// RerankStage re-scores retrieval hits against the query with a
// cross-encoder rerank model. Batches run concurrently; a batch that fails
// all its retries keeps its fused scores, so the stage degrades instead of
// erroring.
type RerankStage struct {
	provider RerankProvider
	cfg      RerankConfig
	logger   *slog.Logger
}

// RerankOption configures a RerankStage.
type RerankOption func(*RerankStage)

// WithRerankLogger sets a structured logger for rerank activity.
func WithRerankLogger(l *slog.Logger) RerankOption {
	return func(s *RerankStage) { s.logger = l }
}

// NewRerankStage creates a rerank stage over provider.
func NewRerankStage(provider RerankProvider, cfg RerankConfig, opts ...RerankOption) *RerankStage {
	s := &RerankStage{
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Rerank re-scores hits against query and returns them sorted by the new
// score, truncated to topK. With no provider configured it is a sorted
// passthrough.
func (s *RerankStage) Rerank(ctx context.Context, query string, hits []Hit, topK int) []Hit {
	if len(hits) == 0 {
		return hits
	}
	out := make([]Hit, len(hits))
	copy(out, hits)

	if s.provider != nil {
		s.score(ctx, query, out)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}

// score mutates hits in place with rerank scores, batch by batch. Failed
// batches keep their incoming scores.
func (s *RerankStage) score(ctx context.Context, query string, hits []Hit) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.cfg.Concurrency)
	for lo := 0; lo < len(hits); lo += s.cfg.BatchSize {
		hi := lo + s.cfg.BatchSize
		if hi > len(hits) {
			hi = len(hits)
		}
		batch := hits[lo:hi]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.scoreBatch(ctx, query, batch)
		}()
	}
	wg.Wait()
}

func (s *RerankStage) scoreBatch(ctx context.Context, query string, batch []Hit) {
	docs := make([]string, len(batch))
	for i, h := range batch {
		docs[i] = h.Record.Summary
	}

	var scores []float64
	var err error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		scores, err = s.provider.Rerank(ctx, query, docs)
		if err == nil && len(scores) == len(batch) {
			break
		}
		if err == nil {
			s.logger.Warn("rerank: score count mismatch", "want", len(batch), "got", len(scores))
			return
		}
		if attempt == s.cfg.MaxAttempts || !isTransient(err) {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryBackoff(s.cfg.BaseDelay, attempt-1)):
		}
	}
	if err != nil {
		// Keep the fused scores for this batch.
		s.logger.Warn("rerank: batch failed, keeping fused scores", "size", len(batch), "error", err)
		return
	}
	for i := range batch {
		batch[i].Score = scores[i]
	}
}
