package engram

import "context"

// Provider abstracts the LLM backend used for extraction, judging, and
// LLM-based reranking.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// RerankProvider abstracts a cross-encoder rerank model. It returns one
// relevance score per document, in document order.
type RerankProvider interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
	Name() string
}

// RecordFilter is the store-native filter resolved from caller-facing
// scope, time window, and collection parameters. Empty string fields mean
// "do not filter"; zero time bounds mean unbounded.
type RecordFilter struct {
	Types     []MemoryType
	UserID    string
	GroupID   string
	EpisodeID string
	// StartTime/EndTime bound created_at (Unix seconds).
	StartTime int64
	EndTime   int64
	// ValidAt, when non-zero, restricts semantic_memory rows to those with
	// valid_from <= ValidAt < coalesce(valid_to, +inf).
	ValidAt int64
	// VersionMin/VersionMax bound the record version; zero means unbounded.
	VersionMin int64
	VersionMax int64
	// IncludePending makes index_pending records visible (fetch semantics).
	// Search paths leave it false.
	IncludePending bool
}

// FetchQuery is a direct doc-store read with sorting and pagination.
type FetchQuery struct {
	Filter    RecordFilter
	SortBy    string // "created_at" (default), "timestamp", "importance"
	SortOrder string // "desc" (default) or "asc"
	Limit     int
	Offset    int
}

// DeleteFilter selects records for soft deletion. Fields are AND-combined;
// at least one must be set (the engine rejects all-__all__ requests before
// the store sees them).
type DeleteFilter struct {
	EventID   string // memory_id
	UserID    string
	GroupID   string
	EpisodeID string
}

// Empty reports whether no field is set.
func (f DeleteFilter) Empty() bool {
	return f.EventID == "" && f.UserID == "" && f.GroupID == "" && f.EpisodeID == ""
}

// DocStore owns canonical memory rows, profiles, and conversation metadata.
type DocStore interface {
	// PutRecord inserts or replaces a record by ID.
	PutRecord(ctx context.Context, rec Record) error
	// GetRecord returns a record by ID, including soft-deleted rows.
	GetRecord(ctx context.Context, id string) (Record, error)
	// GetRecords returns the live records among ids, in no particular order.
	GetRecords(ctx context.Context, ids []string) ([]Record, error)
	// QueryRecords runs a filtered, sorted, paginated read over live records.
	QueryRecords(ctx context.Context, q FetchQuery) ([]Record, error)
	// MarkIndexed clears a record's index_pending flag.
	MarkIndexed(ctx context.Context, id string) error
	// PendingRecords returns up to limit live records still awaiting indexing.
	PendingRecords(ctx context.Context, limit int) ([]Record, error)
	// SoftDelete flips the deleted flag on matching records and returns
	// their ids so the caller can tombstone secondary indexes.
	SoftDelete(ctx context.Context, f DeleteFilter) ([]string, error)

	// PutProfile inserts or replaces a profile keyed by (user_id, group_id).
	PutProfile(ctx context.Context, p Profile) error
	// GetProfile returns the profile for (user_id, group_id).
	GetProfile(ctx context.Context, userID, groupID string) (Profile, error)
	// ListProfiles returns profiles matching the given user and/or group;
	// empty strings match any.
	ListProfiles(ctx context.Context, userID, groupID string) ([]Profile, error)

	// PutMeta inserts or replaces conversation metadata by group_id.
	PutMeta(ctx context.Context, meta ConversationMeta) error
	// UpdateMeta replaces metadata only if the stored version equals
	// expectVersion; returns a RESOURCE_NOT_FOUND error otherwise.
	UpdateMeta(ctx context.Context, meta ConversationMeta, expectVersion int64) error
	// GetMeta returns metadata for group_id ("" selects the default record).
	GetMeta(ctx context.Context, groupID string) (ConversationMeta, error)

	Init(ctx context.Context) error
	Close() error
}

// TextHit is a BM25-scored hit from the text index.
type TextHit struct {
	ID    string
	Score float64
}

// TextIndex holds tokenized record text with the envelope's filter fields
// materialized for query-time filtering.
type TextIndex interface {
	// IndexText upserts a record's searchable text.
	IndexText(ctx context.Context, rec Record) error
	// SearchText runs a BM25-style keyword query, best first.
	SearchText(ctx context.Context, query string, filter RecordFilter, topK int) ([]TextHit, error)
	// DeleteText tombstones ids from the index.
	DeleteText(ctx context.Context, ids []string) error
}

// VectorHit is a cosine-scored hit from the vector index.
type VectorHit struct {
	ID    string
	Score float64
}

// VectorIndex holds one embedding per embeddable record, id mirroring the
// record's memory_id.
type VectorIndex interface {
	// UpsertVector stores the record's embedding with its filter fields.
	UpsertVector(ctx context.Context, rec Record, embedding []float32) error
	// SearchVector returns hits with cosine similarity >= minScore,
	// best first.
	SearchVector(ctx context.Context, embedding []float32, filter RecordFilter, topK int, minScore float64) ([]VectorHit, error)
	// DeleteVector tombstones ids from the index.
	DeleteVector(ctx context.Context, ids []string) error
}
