// Package engram is a conversational memory engine. It consumes streams of
// chat messages from group chats and assistant dialogues, derives durable
// memory artifacts from them (episode summaries, atomic event facts,
// long-term semantic statements, user profiles, future-dated foresights),
// and answers retrieval queries that return the memories most relevant to a
// natural-language question scoped to a user and/or group.
//
// The package is organized around collaborator ports: Provider (LLM),
// EmbeddingProvider, RerankProvider, DocStore, TextIndex, and VectorIndex.
// Backend choice is runtime configuration — store/sqlite ships a pure-Go
// single-file backend implementing all three store ports, store/postgres a
// pgx-backed one, and provider/openaicompat an HTTP client for any
// OpenAI-compatible API.
//
// The ingestion path is buffer → boundary → extract → store → profile:
//
//	eng, _ := engram.NewEngine(engram.EngineConfig{}, engram.Deps{...})
//	res, err := eng.AddMessage(ctx, msg)
//
// The retrieval path combines BM25 keyword search and dense-vector search
// with Reciprocal Rank Fusion, optional reranking, and an optional
// LLM-guided multi-round loop:
//
//	resp, err := eng.Search(ctx, engram.SearchRequest{
//		Query:          "where does Alice work now?",
//		UserID:         "alice",
//		GroupID:        "team-42",
//		RetrieveMethod: engram.MethodHybrid,
//	})
package engram
