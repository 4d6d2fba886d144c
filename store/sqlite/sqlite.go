// Package sqlite implements the engram store ports using pure-Go SQLite:
// canonical memory rows, an FTS5 keyword index, and in-process brute-force
// vector search. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/engram"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements engram.DocStore, engram.TextIndex, and
// engram.VectorIndex backed by a single SQLite file. Embeddings are stored
// as JSON text next to their rows and vector search is done in-process
// using brute-force cosine similarity.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ engram.DocStore = (*Store)(nil)
var _ engram.TextIndex = (*Store)(nil)
var _ engram.VectorIndex = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			episode_id TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			payload TEXT,
			importance REAL NOT NULL DEFAULT 0,
			valid_from INTEGER NOT NULL DEFAULT 0,
			valid_to INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			deleted INTEGER NOT NULL DEFAULT 0,
			index_pending INTEGER NOT NULL DEFAULT 0,
			extraction_status TEXT NOT NULL DEFAULT '',
			embedding TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			id TEXT NOT NULL,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, group_id)
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_meta (
			group_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently filtered columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_group ON memories(group_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_episode ON memories(episode_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_pending ON memories(index_pending) WHERE index_pending = 1`)

	// FTS5 full-text index over the searchable summary text.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(memory_id UNINDEXED, summary)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// PutRecord inserts or replaces a memory row, preserving any embedding
// already stored for the id.
func (s *Store) PutRecord(ctx context.Context, rec engram.Record) error {
	start := time.Now()
	s.logger.Debug("sqlite: put record", "id", rec.ID, "type", rec.Type, "group_id", rec.GroupID)

	var payload *string
	if len(rec.Payload) > 0 {
		v := string(rec.Payload)
		payload = &v
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, type, user_id, group_id, episode_id, summary, content, payload,
			importance, valid_from, valid_to, timestamp, created_at, version, deleted, index_pending, extraction_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			type=excluded.type, user_id=excluded.user_id, group_id=excluded.group_id,
			episode_id=excluded.episode_id, summary=excluded.summary, content=excluded.content,
			payload=excluded.payload, importance=excluded.importance, valid_from=excluded.valid_from,
			valid_to=excluded.valid_to, timestamp=excluded.timestamp, created_at=excluded.created_at,
			version=excluded.version, deleted=excluded.deleted, index_pending=excluded.index_pending,
			extraction_status=excluded.extraction_status`,
		rec.ID, rec.Type, rec.UserID, rec.GroupID, rec.EpisodeID, rec.Summary, rec.Content, payload,
		rec.Importance, rec.ValidFrom, rec.ValidTo, rec.Timestamp, rec.CreatedAt, rec.Version,
		boolToInt(rec.Deleted), boolToInt(rec.IndexPending), rec.ExtractionStatus,
	)
	if err != nil {
		s.logger.Error("sqlite: put record failed", "id", rec.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("put record: %w", err)
	}
	s.logger.Debug("sqlite: put record ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

const recordColumns = `id, type, user_id, group_id, episode_id, summary, content, payload,
	importance, valid_from, valid_to, timestamp, created_at, version, deleted, index_pending, extraction_status`

func scanRecord(row interface{ Scan(...any) error }) (engram.Record, error) {
	var rec engram.Record
	var payload sql.NullString
	var deleted, pending int
	err := row.Scan(&rec.ID, &rec.Type, &rec.UserID, &rec.GroupID, &rec.EpisodeID,
		&rec.Summary, &rec.Content, &payload, &rec.Importance, &rec.ValidFrom, &rec.ValidTo,
		&rec.Timestamp, &rec.CreatedAt, &rec.Version, &deleted, &pending, &rec.ExtractionStatus)
	if err != nil {
		return engram.Record{}, err
	}
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	rec.Deleted = deleted != 0
	rec.IndexPending = pending != 0
	return rec, nil
}

// GetRecord returns a record by id, including soft-deleted rows.
func (s *Store) GetRecord(ctx context.Context, id string) (engram.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM memories WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return engram.Record{}, engram.ErrNotFound("memory %s not found", id)
	}
	if err != nil {
		return engram.Record{}, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// GetRecords returns the live records among ids, in no particular order.
func (s *Store) GetRecords(ctx context.Context, ids []string) ([]engram.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	start := time.Now()
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT `+recordColumns+` FROM memories WHERE deleted = 0 AND id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	defer rows.Close()

	var recs []engram.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	s.logger.Debug("sqlite: get records ok", "requested", len(ids), "returned", len(recs), "duration", time.Since(start))
	return recs, rows.Err()
}

// buildFilter translates a RecordFilter into SQL WHERE clauses over the
// memories table. Soft-deleted rows are always excluded; index-pending
// rows only when the filter asks for indexed-only (search) semantics.
func buildFilter(f engram.RecordFilter) (string, []any) {
	clauses := []string{"deleted = 0"}
	var args []any

	if !f.IncludePending {
		clauses = append(clauses, "index_pending = 0")
	}
	if len(f.Types) > 0 {
		placeholders := make([]string, len(f.Types))
		for i, t := range f.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		clauses = append(clauses, "type IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.EpisodeID != "" {
		clauses = append(clauses, "episode_id = ?")
		args = append(args, f.EpisodeID)
	}
	if f.StartTime != 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.StartTime)
	}
	if f.EndTime != 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.EndTime)
	}
	if f.ValidAt != 0 {
		// Validity intervals apply to semantic rows only; other types pass.
		clauses = append(clauses, "(type != ? OR (valid_from <= ? AND (valid_to = 0 OR valid_to > ?)))")
		args = append(args, string(engram.MemorySemantic), f.ValidAt, f.ValidAt)
	}
	if f.VersionMin != 0 {
		clauses = append(clauses, "version >= ?")
		args = append(args, f.VersionMin)
	}
	if f.VersionMax != 0 {
		clauses = append(clauses, "version <= ?")
		args = append(args, f.VersionMax)
	}
	return strings.Join(clauses, " AND "), args
}

// QueryRecords runs a filtered, sorted, paginated read over live records.
func (s *Store) QueryRecords(ctx context.Context, q engram.FetchQuery) ([]engram.Record, error) {
	start := time.Now()
	where, args := buildFilter(q.Filter)

	sortBy := "created_at"
	switch q.SortBy {
	case "", "created_at":
	case "timestamp", "importance":
		sortBy = q.SortBy
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
		query += " LIMIT ?"
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []engram.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	s.logger.Debug("sqlite: query records ok", "count", len(recs), "duration", time.Since(start))
	return recs, rows.Err()
}

// MarkIndexed clears a record's index_pending flag.
func (s *Store) MarkIndexed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET index_pending = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

// PendingRecords returns up to limit live records still awaiting indexing.
func (s *Store) PendingRecords(ctx context.Context, limit int) ([]engram.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memories
		 WHERE deleted = 0 AND index_pending = 1
		 ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending records: %w", err)
	}
	defer rows.Close()

	var recs []engram.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SoftDelete flips the deleted flag on matching live records and returns
// their ids.
func (s *Store) SoftDelete(ctx context.Context, f engram.DeleteFilter) ([]string, error) {
	start := time.Now()
	clauses := []string{"deleted = 0"}
	var args []any
	if f.EventID != "" {
		clauses = append(clauses, "id = ?")
		args = append(args, f.EventID)
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if f.EpisodeID != "" {
		clauses = append(clauses, "episode_id = ?")
		args = append(args, f.EpisodeID)
	}
	if len(clauses) == 1 {
		return nil, engram.ErrInvalidParameter("delete filter must not be empty")
	}

	rows, err := s.db.QueryContext(ctx,
		`UPDATE memories SET deleted = 1 WHERE `+strings.Join(clauses, " AND ")+` RETURNING id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("soft delete: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted id: %w", err)
		}
		ids = append(ids, id)
	}
	s.logger.Debug("sqlite: soft delete ok", "count", len(ids), "duration", time.Since(start))
	return ids, rows.Err()
}

// DB returns the underlying *sql.DB for tests and migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
