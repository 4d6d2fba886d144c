package engram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RetrievalRequest is one hybrid retrieval call.
type RetrievalRequest struct {
	// Query is the search text. May be empty only for profile retrieval.
	Query string
	// Scope selects which of UserID/GroupID apply.
	Scope   Scope
	UserID  string
	GroupID string
	// Types selects the memory collections. Default: episodic_memory.
	Types []MemoryType
	// Mode selects the modality. Default: rrf.
	Mode RetrievalMode
	// TopK bounds the result size. Default 10.
	TopK int
	// TimeRangeDays bounds created_at; 0 applies the default window, < 0
	// disables it.
	TimeRangeDays int
	// StartTime/EndTime override the derived window bounds when set.
	StartTime time.Time
	EndTime   time.Time
	// CurrentTime is the semantic-validity instant; zero means now.
	CurrentTime time.Time
	// Radius is the cosine similarity floor for vector hits, in [-1, 1].
	// 0 applies the default (0.6); set -1 to disable.
	Radius float64
}

// Hit is one scored retrieval result.
type Hit struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
	// BM25 and Cosine carry the per-modality scores that contributed;
	// zero when the modality did not return the record.
	BM25   float64 `json:"bm25,omitempty"`
	Cosine float64 `json:"cosine,omitempty"`
}

// RetrievalMetadata describes how a retrieval was served.
type RetrievalMetadata struct {
	BM25Count   int   `json:"bm25_count"`
	VectorCount int   `json:"vector_count"`
	// VectorFallback is set when vector search was requested but
	// unavailable for the selected collections (event_log only).
	VectorFallback bool `json:"vector_fallback,omitempty"`
	// Partial is set when one search leg failed and the other served the
	// request alone.
	Partial   bool  `json:"partial,omitempty"`
	LatencyMS int64 `json:"latency_ms"`
}

// RetrievalResponse is the ranked result of one retrieval.
type RetrievalResponse struct {
	Hits     []Hit             `json:"hits"`
	Metadata RetrievalMetadata `json:"metadata"`
}

// RetrieverConfig parameterizes the hybrid retriever. RRFK and the
// expansion factor are tuning parameters with reasonable defaults.
type RetrieverConfig struct {
	// RRFK is the Reciprocal Rank Fusion constant. Default 60.
	RRFK int
	// ExpandFactor over-fetches each modality to ExpandFactor*TopK before
	// fusing. Default 3.
	ExpandFactor int
	// DefaultRadius is the cosine floor applied when the request leaves
	// Radius zero. Default 0.6.
	DefaultRadius float64
	// DefaultTopK applies when the request leaves TopK zero. Default 10.
	DefaultTopK int
}

func (c RetrieverConfig) withDefaults() RetrieverConfig {
	if c.RRFK <= 0 {
		c.RRFK = 60
	}
	if c.ExpandFactor <= 0 {
		c.ExpandFactor = 3
	}
	if c.DefaultRadius == 0 {
		c.DefaultRadius = 0.6
	}
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 10
	}
	return c
}

// HybridRetriever combines BM25 keyword search and dense-vector search
// over the memory collections with Reciprocal Rank Fusion. The two legs
// run concurrently; one leg failing degrades the response instead of
// failing it.
type HybridRetriever struct {
	docs      DocStore
	text      TextIndex
	vectors   VectorIndex
	embedding EmbeddingProvider
	cfg       RetrieverConfig
	logger    *slog.Logger
}

// RetrieverOption configures a HybridRetriever.
type RetrieverOption func(*HybridRetriever)

// WithRetrieverLogger sets a structured logger for retrievals.
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *HybridRetriever) { r.logger = l }
}

// NewHybridRetriever creates a retriever over the given store ports.
func NewHybridRetriever(docs DocStore, text TextIndex, vectors VectorIndex, embedding EmbeddingProvider, cfg RetrieverConfig, opts ...RetrieverOption) *HybridRetriever {
	r := &HybridRetriever{
		docs:      docs,
		text:      text,
		vectors:   vectors,
		embedding: embedding,
		cfg:       cfg.withDefaults(),
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Retrieve runs one hybrid retrieval. Profile requests bypass search and
// return the stored profile rows for the resolved scope.
func (r *HybridRetriever) Retrieve(ctx context.Context, req RetrievalRequest) (RetrievalResponse, error) {
	start := time.Now()

	if len(req.Types) == 0 {
		req.Types = []MemoryType{MemoryEpisodic}
	}
	if req.TopK <= 0 {
		req.TopK = r.cfg.DefaultTopK
	}
	if req.Mode == "" {
		req.Mode = ModeRRF
	}

	if len(req.Types) == 1 && req.Types[0] == MemoryProfile {
		return r.retrieveProfiles(ctx, req, start)
	}

	filter, err := ResolveFilter(req.Scope, req.UserID, req.GroupID, req.Types, req.TimeRangeDays, req.StartTime, req.EndTime, req.CurrentTime)
	if err != nil {
		return RetrievalResponse{}, err
	}

	radius := req.Radius
	if radius == 0 {
		radius = r.cfg.DefaultRadius
	}
	expandedK := req.TopK * r.cfg.ExpandFactor

	// Vector search is unsupported for event_log (its index lives in a
	// different distance space); those requests fall back to BM25 alone
	// and the response metadata says so.
	vectorTypes := make([]MemoryType, 0, len(req.Types))
	for _, t := range req.Types {
		if t != MemoryEventLog && t.Embeddable() {
			vectorTypes = append(vectorTypes, t)
		}
	}
	wantBM25 := req.Mode == ModeBM25 || req.Mode == ModeRRF
	wantVector := (req.Mode == ModeEmbedding || req.Mode == ModeRRF) && len(vectorTypes) > 0
	vectorFallback := (req.Mode == ModeEmbedding || req.Mode == ModeRRF) && len(vectorTypes) == 0
	if vectorFallback {
		wantBM25 = true
	}

	if req.Query == "" {
		return RetrievalResponse{}, ErrInvalidParameter("query must not be empty for data source %v", req.Types)
	}

	var (
		wg        sync.WaitGroup
		textHits  []TextHit
		vecHits   []VectorHit
		textErr   error
		vecErr    error
	)
	if wantBM25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			textHits, textErr = r.text.SearchText(ctx, req.Query, filter, expandedK)
		}()
	}
	if wantVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vecFilter := filter
			vecFilter.Types = vectorTypes
			embs, err := r.embedding.Embed(ctx, []string{req.Query})
			if err != nil {
				vecErr = fmt.Errorf("embed query: %w", err)
				return
			}
			if len(embs) == 0 {
				vecErr = fmt.Errorf("embed query: no embedding returned")
				return
			}
			vecHits, vecErr = r.vectors.SearchVector(ctx, embs[0], vecFilter, expandedK, radius)
		}()
	}
	wg.Wait()

	partial := false
	switch {
	case wantBM25 && wantVector && textErr != nil && vecErr != nil:
		return RetrievalResponse{}, fmt.Errorf("retrieve: both legs failed: bm25: %v; vector: %w", textErr, vecErr)
	case wantBM25 && !wantVector && textErr != nil:
		return RetrievalResponse{}, fmt.Errorf("retrieve: bm25: %w", textErr)
	case wantVector && !wantBM25 && vecErr != nil:
		return RetrievalResponse{}, fmt.Errorf("retrieve: vector: %w", vecErr)
	case textErr != nil:
		r.logger.Warn("retrieve: bm25 leg failed, degrading to vector only", "error", textErr)
		textHits, partial = nil, true
	case vecErr != nil:
		r.logger.Warn("retrieve: vector leg failed, degrading to bm25 only", "error", vecErr)
		vecHits, partial = nil, true
	}

	hits, err := r.fuse(ctx, textHits, vecHits, req.TopK)
	if err != nil {
		return RetrievalResponse{}, err
	}

	return RetrievalResponse{
		Hits: hits,
		Metadata: RetrievalMetadata{
			BM25Count:      len(textHits),
			VectorCount:    len(vecHits),
			VectorFallback: vectorFallback,
			Partial:        partial,
			LatencyMS:      time.Since(start).Milliseconds(),
		},
	}, nil
}

// retrieveProfiles serves data_source=profile: a direct doc-store read of
// the profile rows for the resolved scope. Query text is ignored.
func (r *HybridRetriever) retrieveProfiles(ctx context.Context, req RetrievalRequest, start time.Time) (RetrievalResponse, error) {
	u, g, err := ResolveScope(req.Scope, req.UserID, req.GroupID)
	if err != nil {
		return RetrievalResponse{}, err
	}
	profiles, err := r.docs.ListProfiles(ctx, u, g)
	if err != nil {
		return RetrievalResponse{}, fmt.Errorf("list profiles: %w", err)
	}
	hits := make([]Hit, 0, len(profiles))
	for _, p := range profiles {
		hits = append(hits, Hit{Record: NewProfileRecord(p)})
		if len(hits) == req.TopK {
			break
		}
	}
	return RetrievalResponse{
		Hits:     hits,
		Metadata: RetrievalMetadata{LatencyMS: time.Since(start).Milliseconds()},
	}, nil
}

// fuse merges the two ranked lists with Reciprocal Rank Fusion, hydrates
// the surviving records, and truncates to topK. With a single non-empty
// list the formula degenerates to rank order, so bm25-only and
// vector-only modes share this path.
func (r *HybridRetriever) fuse(ctx context.Context, textHits []TextHit, vecHits []VectorHit, topK int) ([]Hit, error) {
	type fused struct {
		rrf    float64
		bm25   float64
		cosine float64
	}
	merged := make(map[string]*fused)
	add := func(id string) *fused {
		f, ok := merged[id]
		if !ok {
			f = &fused{}
			merged[id] = f
		}
		return f
	}
	for rank, h := range textHits {
		f := add(h.ID)
		f.rrf += 1.0 / float64(r.cfg.RRFK+rank+1)
		f.bm25 = h.Score
	}
	for rank, h := range vecHits {
		f := add(h.ID)
		f.rrf += 1.0 / float64(r.cfg.RRFK+rank+1)
		f.cosine = h.Score
	}
	if len(merged) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	records, err := r.docs.GetRecords(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrate records: %w", err)
	}

	hits := make([]Hit, 0, len(records))
	for _, rec := range records {
		if rec.Deleted {
			continue
		}
		f := merged[rec.ID]
		hits = append(hits, Hit{Record: rec, Score: f.rrf, BM25: f.bm25, Cosine: f.cosine})
	}

	// Ties break by BM25 score, then recency, then id for determinism.
	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.BM25 != b.BM25 {
			return a.BM25 > b.BM25
		}
		if a.Record.CreatedAt != b.Record.CreatedAt {
			return a.Record.CreatedAt > b.Record.CreatedAt
		}
		return a.Record.ID < b.Record.ID
	})

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// rrfMerge fuses multiple already-ranked hit lists with equal weight per
// list: each occurrence contributes 1/(k+rank). Per-record modality scores
// keep their maximum across lists. The output order is invariant to the
// order the lists are supplied in.
func rrfMerge(lists [][]Hit, k int) []Hit {
	type fused struct {
		hit Hit
		rrf float64
	}
	merged := make(map[string]*fused)
	for _, list := range lists {
		for rank, h := range list {
			f, ok := merged[h.Record.ID]
			if !ok {
				f = &fused{hit: h}
				merged[h.Record.ID] = f
			}
			f.rrf += 1.0 / float64(k+rank+1)
			if h.BM25 > f.hit.BM25 {
				f.hit.BM25 = h.BM25
			}
			if h.Cosine > f.hit.Cosine {
				f.hit.Cosine = h.Cosine
			}
		}
	}
	out := make([]Hit, 0, len(merged))
	for _, f := range merged {
		h := f.hit
		h.Score = f.rrf
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.BM25 != b.BM25 {
			return a.BM25 > b.BM25
		}
		if a.Record.CreatedAt != b.Record.CreatedAt {
			return a.Record.CreatedAt > b.Record.CreatedAt
		}
		return a.Record.ID < b.Record.ID
	})
	return out
}
