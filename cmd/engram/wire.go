package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/engram"
	"github.com/nevindra/engram/internal/config"
	"github.com/nevindra/engram/observer"
	"github.com/nevindra/engram/provider/resolve"
	"github.com/nevindra/engram/store/postgres"
	"github.com/nevindra/engram/store/sqlite"
)

// stores bundles the three index views of one backing store.
type stores struct {
	docs    engram.DocStore
	text    engram.TextIndex
	vectors engram.VectorIndex
}

func openStore(ctx context.Context, cfg config.Config) (engram.DocStore, func(), error) {
	st, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return st.docs, closeStore, nil
}

func openStores(ctx context.Context, cfg config.Config) (stores, func(), error) {
	switch cfg.Storage.Backend {
	case "", "sqlite":
		s := sqlite.New(cfg.Storage.Path)
		return stores{docs: s, text: s, vectors: s}, func() { s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return stores{}, nil, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		return stores{docs: s, text: s, vectors: s}, func() { pool.Close() }, nil
	default:
		return stores{}, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildEngine wires providers, stores, and pipeline stages into a running
// Engine. The returned cleanup stops the engine and releases the store.
func buildEngine(ctx context.Context, cfg config.Config) (*engram.Engine, func(), error) {
	st, closeStore, err := openStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	fail := func(err error) (*engram.Engine, func(), error) {
		closeStore()
		return nil, nil, err
	}

	if err := st.docs.Init(ctx); err != nil {
		return fail(fmt.Errorf("init schema: %w", err))
	}

	provider, err := resolve.Provider(resolve.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return fail(err)
	}
	embedding, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   cfg.Embedding.Provider,
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return fail(err)
	}

	var rerank engram.RerankProvider
	if cfg.Rerank.Model != "" {
		rerank, err = resolve.RerankProvider(resolve.RerankConfig{
			Provider: cfg.Rerank.Provider,
			APIKey:   cfg.Rerank.APIKey,
			Model:    cfg.Rerank.Model,
			BaseURL:  cfg.Rerank.BaseURL,
		})
		if err != nil {
			return fail(err)
		}
	}

	shutdownObserver := func(context.Context) error { return nil }
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			return fail(fmt.Errorf("init observer: %w", err))
		}
		shutdownObserver = shutdown
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Embedding.Model, inst)
		if rerank != nil {
			rerank = observer.WrapRerank(rerank, cfg.Rerank.Model, inst)
		}
	}

	detector := engram.NewBoundaryDetector(engram.BoundaryConfig{
		HardGap:                  time.Duration(cfg.Buffer.HardGapMinutes) * time.Minute,
		SoftGap:                  time.Duration(cfg.Buffer.SoftGapMinutes) * time.Minute,
		MinEpisodeMessages:       cfg.Buffer.MinEpisodeMessages,
		TopicSimilarityThreshold: cfg.Buffer.TopicSimilarity,
	}, engram.WithBoundaryEmbedding(embedding))

	buffer := engram.NewMessageBuffer(detector, engram.BufferConfig{
		MaxMessages:   cfg.Buffer.MaxMessages,
		IdleThreshold: time.Duration(cfg.Buffer.IdleMinutes) * time.Minute,
	})

	extractor := engram.NewExtractor(provider, engram.ExtractorConfig{
		Language:         engram.Language(cfg.Extract.Language),
		MinContentLength: cfg.Extract.MinContentLength,
	})

	memstore := engram.NewMemoryStore(st.docs, st.text, st.vectors, embedding)

	retriever := engram.NewHybridRetriever(st.docs, st.text, st.vectors, embedding, engram.RetrieverConfig{
		RRFK:          cfg.Retrieval.RRFK,
		DefaultRadius: cfg.Retrieval.Radius,
		DefaultTopK:   cfg.Retrieval.TopK,
	})

	profiles := engram.NewProfileBuilder(st.docs, engram.ProfileConfig{})
	meta := engram.NewMetaService(st.docs)

	var rerankStage *engram.RerankStage
	var agenticOpts []engram.AgenticOption
	if rerank != nil {
		rerankStage = engram.NewRerankStage(rerank, engram.RerankConfig{})
		agenticOpts = append(agenticOpts, engram.WithAgenticRerank(rerankStage))
	}
	opts := []engram.EngineOption{
		engram.WithAgenticRetriever(engram.NewAgenticRetriever(retriever, provider, engram.AgenticConfig{
			MaxRounds: cfg.Retrieval.AgenticRounds,
			Language:  engram.Language(cfg.Extract.Language),
			RRFK:      cfg.Retrieval.RRFK,
		}, agenticOpts...)),
	}
	if rerankStage != nil {
		opts = append(opts, engram.WithRerankStage(rerankStage))
	}

	eng := engram.NewEngine(buffer, extractor, memstore, retriever, profiles, meta, opts...)
	eng.Start()

	cleanup := func() {
		eng.Stop()
		closeStore()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObserver(shutdownCtx)
	}
	return eng, cleanup, nil
}
