// Package postgres implements the engram store ports using PostgreSQL
// with pgvector for native vector similarity search and tsvector for
// full-text keyword search.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/engram"
)

// Store implements engram.DocStore, engram.TextIndex, and
// engram.VectorIndex backed by PostgreSQL with pgvector.
// Vector search uses HNSW indexes with cosine distance.
type Store struct {
	pool *pgxpool.Pool
	cfg  pgConfig
}

// pgConfig holds store configuration set via Option functions.
type pgConfig struct {
	embeddingDimension int // 0 = untyped vector
	hnswM              int // 0 = pgvector default (16)
	hnswEFConstruction int // 0 = pgvector default (64)
	hnswEFSearch       int // 0 = pgvector default (40)
}

// Option configures a PostgreSQL Store.
type Option func(*pgConfig)

// WithEmbeddingDimension sets the vector column dimension (e.g. 1536, 768).
// When set, CREATE TABLE uses vector(N) instead of untyped vector, enabling
// better index optimization and catching dimension mismatches at insert time.
// Only affects new table creation (no ALTER on existing tables).
func WithEmbeddingDimension(dim int) Option {
	return func(c *pgConfig) { c.embeddingDimension = dim }
}

// WithHNSWM sets the HNSW m parameter (max connections per node).
// Higher values improve recall at the cost of memory. Default: pgvector's 16.
func WithHNSWM(m int) Option {
	return func(c *pgConfig) { c.hnswM = m }
}

// WithEFConstruction sets the HNSW ef_construction parameter (build-time
// candidate list size). Higher values improve index quality at the cost of
// slower builds. Default: pgvector's 64.
func WithEFConstruction(ef int) Option {
	return func(c *pgConfig) { c.hnswEFConstruction = ef }
}

// WithEFSearch sets the HNSW ef_search parameter (query-time candidate list
// size). Higher values improve recall at the cost of latency. Default:
// pgvector's 40. Applied via SET during Init().
func WithEFSearch(ef int) Option {
	return func(c *pgConfig) { c.hnswEFSearch = ef }
}

var _ engram.DocStore = (*Store)(nil)
var _ engram.TextIndex = (*Store)(nil)
var _ engram.VectorIndex = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	var cfg pgConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Store{pool: pool, cfg: cfg}
}

// vectorType returns "vector" or "vector(N)" depending on config.
func (s *Store) vectorType() string {
	if s.cfg.embeddingDimension > 0 {
		return fmt.Sprintf("vector(%d)", s.cfg.embeddingDimension)
	}
	return "vector"
}

// hnswWithClause returns the WITH (...) clause for HNSW index creation,
// or an empty string if no tuning params are set.
func (s *Store) hnswWithClause() string {
	var parts []string
	if s.cfg.hnswM > 0 {
		parts = append(parts, fmt.Sprintf("m = %d", s.cfg.hnswM))
	}
	if s.cfg.hnswEFConstruction > 0 {
		parts = append(parts, fmt.Sprintf("ef_construction = %d", s.cfg.hnswEFConstruction))
	}
	if len(parts) == 0 {
		return ""
	}
	return " WITH (" + strings.Join(parts, ", ") + ")"
}

// Init creates the pgvector extension, tables, and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			episode_id TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			payload JSONB,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			valid_from BIGINT NOT NULL DEFAULT 0,
			valid_to BIGINT NOT NULL DEFAULT 0,
			ts BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			deleted BOOLEAN NOT NULL DEFAULT FALSE,
			index_pending BOOLEAN NOT NULL DEFAULT FALSE,
			extraction_status TEXT NOT NULL DEFAULT '',
			embedding ` + s.vectorType() + `,
			summary_tsv tsvector GENERATED ALWAYS AS (to_tsvector('simple', summary)) STORED
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL,
			payload JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_meta (
			group_id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			version BIGINT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS memories_user_idx ON memories(user_id)`,
		`CREATE INDEX IF NOT EXISTS memories_group_idx ON memories(group_id)`,
		`CREATE INDEX IF NOT EXISTS memories_episode_idx ON memories(episode_id)`,
		`CREATE INDEX IF NOT EXISTS memories_pending_idx ON memories(index_pending) WHERE index_pending`,
		`CREATE INDEX IF NOT EXISTS memories_tsv_idx ON memories USING gin (summary_tsv)`,
		`CREATE INDEX IF NOT EXISTS memories_embedding_idx ON memories USING hnsw (embedding vector_cosine_ops)` + s.hnswWithClause(),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	if s.cfg.hnswEFSearch > 0 {
		if _, err := s.pool.Exec(ctx, "SET hnsw.ef_search = "+strconv.Itoa(s.cfg.hnswEFSearch)); err != nil {
			return fmt.Errorf("postgres: set ef_search: %w", err)
		}
	}
	return nil
}

// PutRecord inserts or replaces a memory row, preserving any stored
// embedding.
func (s *Store) PutRecord(ctx context.Context, rec engram.Record) error {
	var payload any
	if len(rec.Payload) > 0 {
		payload = string(rec.Payload)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memories (id, type, user_id, group_id, episode_id, summary, content, payload,
			importance, valid_from, valid_to, ts, created_at, version, deleted, index_pending, extraction_status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		 ON CONFLICT (id) DO UPDATE SET
			type=EXCLUDED.type, user_id=EXCLUDED.user_id, group_id=EXCLUDED.group_id,
			episode_id=EXCLUDED.episode_id, summary=EXCLUDED.summary, content=EXCLUDED.content,
			payload=EXCLUDED.payload, importance=EXCLUDED.importance, valid_from=EXCLUDED.valid_from,
			valid_to=EXCLUDED.valid_to, ts=EXCLUDED.ts, created_at=EXCLUDED.created_at,
			version=EXCLUDED.version, deleted=EXCLUDED.deleted, index_pending=EXCLUDED.index_pending,
			extraction_status=EXCLUDED.extraction_status`,
		rec.ID, rec.Type, rec.UserID, rec.GroupID, rec.EpisodeID, rec.Summary, rec.Content, payload,
		rec.Importance, rec.ValidFrom, rec.ValidTo, rec.Timestamp, rec.CreatedAt, rec.Version,
		rec.Deleted, rec.IndexPending, rec.ExtractionStatus)
	if err != nil {
		return fmt.Errorf("postgres: put record: %w", err)
	}
	return nil
}

const recordColumns = `id, type, user_id, group_id, episode_id, summary, content, payload,
	importance, valid_from, valid_to, ts, created_at, version, deleted, index_pending, extraction_status`

func scanRecord(row pgx.Row) (engram.Record, error) {
	var rec engram.Record
	var payload *string
	err := row.Scan(&rec.ID, &rec.Type, &rec.UserID, &rec.GroupID, &rec.EpisodeID,
		&rec.Summary, &rec.Content, &payload, &rec.Importance, &rec.ValidFrom, &rec.ValidTo,
		&rec.Timestamp, &rec.CreatedAt, &rec.Version, &rec.Deleted, &rec.IndexPending, &rec.ExtractionStatus)
	if err != nil {
		return engram.Record{}, err
	}
	if payload != nil {
		rec.Payload = []byte(*payload)
	}
	return rec, nil
}

// GetRecord returns a record by id, including soft-deleted rows.
func (s *Store) GetRecord(ctx context.Context, id string) (engram.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM memories WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err == pgx.ErrNoRows {
		return engram.Record{}, engram.ErrNotFound("memory %s not found", id)
	}
	if err != nil {
		return engram.Record{}, fmt.Errorf("postgres: get record: %w", err)
	}
	return rec, nil
}

// GetRecords returns the live records among ids, in no particular order.
func (s *Store) GetRecords(ctx context.Context, ids []string) ([]engram.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM memories WHERE NOT deleted AND id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("postgres: get records: %w", err)
	}
	defer rows.Close()

	var recs []engram.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// buildFilter translates a RecordFilter into SQL WHERE clauses. Argument
// placeholders continue from argOffset.
func buildFilter(f engram.RecordFilter, argOffset int) (string, []any) {
	clauses := []string{"NOT deleted"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(argOffset+len(args))
	}

	if !f.IncludePending {
		clauses = append(clauses, "NOT index_pending")
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		clauses = append(clauses, "type = ANY("+arg(types)+")")
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = "+arg(f.UserID))
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = "+arg(f.GroupID))
	}
	if f.EpisodeID != "" {
		clauses = append(clauses, "episode_id = "+arg(f.EpisodeID))
	}
	if f.StartTime != 0 {
		clauses = append(clauses, "created_at >= "+arg(f.StartTime))
	}
	if f.EndTime != 0 {
		clauses = append(clauses, "created_at <= "+arg(f.EndTime))
	}
	if f.ValidAt != 0 {
		t := arg(string(engram.MemorySemantic))
		from := arg(f.ValidAt)
		to := arg(f.ValidAt)
		clauses = append(clauses, "(type != "+t+" OR (valid_from <= "+from+" AND (valid_to = 0 OR valid_to > "+to+")))")
	}
	if f.VersionMin != 0 {
		clauses = append(clauses, "version >= "+arg(f.VersionMin))
	}
	if f.VersionMax != 0 {
		clauses = append(clauses, "version <= "+arg(f.VersionMax))
	}
	return strings.Join(clauses, " AND "), args
}

// QueryRecords runs a filtered, sorted, paginated read over live records.
func (s *Store) QueryRecords(ctx context.Context, q engram.FetchQuery) ([]engram.Record, error) {
	where, args := buildFilter(q.Filter, 0)

	sortBy := "created_at"
	switch q.SortBy {
	case "", "created_at":
	case "timestamp":
		sortBy = "ts"
	case "importance":
		sortBy = "importance"
	default:
		return nil, engram.ErrInvalidParameter("unknown sort_by %q", q.SortBy)
	}
	order := "DESC"
	switch q.SortOrder {
	case "", "desc":
	case "asc":
		order = "ASC"
	default:
		return nil, engram.ErrInvalidParameter("unknown sort_order %q", q.SortOrder)
	}

	query := `SELECT ` + recordColumns + ` FROM memories WHERE ` + where +
		fmt.Sprintf(" ORDER BY %s %s, id ASC", sortBy, order)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
		if q.Offset > 0 {
			args = append(args, q.Offset)
			query += " OFFSET $" + strconv.Itoa(len(args))
		}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query records: %w", err)
	}
	defer rows.Close()

	var recs []engram.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MarkIndexed clears a record's index_pending flag.
func (s *Store) MarkIndexed(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE memories SET index_pending = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark indexed: %w", err)
	}
	return nil
}

// PendingRecords returns up to limit live records still awaiting indexing.
func (s *Store) PendingRecords(ctx context.Context, limit int) ([]engram.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM memories
		 WHERE NOT deleted AND index_pending
		 ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pending records: %w", err)
	}
	defer rows.Close()

	var recs []engram.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SoftDelete flips the deleted flag on matching live records and returns
// their ids.
func (s *Store) SoftDelete(ctx context.Context, f engram.DeleteFilter) ([]string, error) {
	clauses := []string{"NOT deleted"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.EventID != "" {
		clauses = append(clauses, "id = "+arg(f.EventID))
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = "+arg(f.UserID))
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = "+arg(f.GroupID))
	}
	if f.EpisodeID != "" {
		clauses = append(clauses, "episode_id = "+arg(f.EpisodeID))
	}
	if len(clauses) == 1 {
		return nil, engram.ErrInvalidParameter("delete filter must not be empty")
	}

	rows, err := s.pool.Query(ctx,
		`UPDATE memories SET deleted = TRUE WHERE `+strings.Join(clauses, " AND ")+` RETURNING id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: soft delete: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

// serializeEmbedding converts []float32 to pgvector's text format.
func serializeEmbedding(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// marshalJSON round-trips a value into a JSONB parameter.
func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
