package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nevindra/engram"
)

// IndexText is a no-op: the summary_tsv generated column indexes summaries
// as rows are written, so there is no separate text index to maintain.
func (s *Store) IndexText(ctx context.Context, rec engram.Record) error {
	return nil
}

// SearchText runs a tsquery keyword search ranked by ts_rank, best first.
func (s *Store) SearchText(ctx context.Context, query string, filter engram.RecordFilter, topK int) ([]engram.TextHit, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}

	args := []any{strings.Join(terms, " | ")}
	where, filterArgs := buildFilter(filter, 1)
	args = append(args, filterArgs...)
	args = append(args, topK)

	q := `SELECT id, ts_rank(summary_tsv, q) AS rank
		FROM memories, to_tsquery('simple', $1) q
		WHERE summary_tsv @@ q AND ` + where + `
		ORDER BY rank DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search text: %w", err)
	}
	defer rows.Close()

	var hits []engram.TextHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("postgres: scan text hit: %w", err)
		}
		hits = append(hits, engram.TextHit{ID: id, Score: rank})
	}
	return hits, rows.Err()
}

// DeleteText is a no-op: soft-deleting the row removes it from keyword
// search because every query filters on NOT deleted.
func (s *Store) DeleteText(ctx context.Context, ids []string) error {
	return nil
}

// UpsertVector stores the record's embedding in its row.
func (s *Store) UpsertVector(ctx context.Context, rec engram.Record, embedding []float32) error {
	if len(embedding) == 0 {
		return engram.ErrInvalidParameter("embedding must not be empty")
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE memories SET embedding = $1::vector WHERE id = $2`,
		serializeEmbedding(embedding), rec.ID)
	if err != nil {
		return fmt.Errorf("postgres: upsert vector: %w", err)
	}
	return nil
}

// SearchVector runs an HNSW cosine search over rows matching the filter,
// keeping hits at or above minScore.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, filter engram.RecordFilter, topK int, minScore float64) ([]engram.VectorHit, error) {
	args := []any{serializeEmbedding(embedding)}
	where, filterArgs := buildFilter(filter, 1)
	args = append(args, filterArgs...)
	args = append(args, topK)

	q := `SELECT id, 1 - (embedding <=> $1::vector) AS score
		FROM memories
		WHERE embedding IS NOT NULL AND ` + where + `
		ORDER BY embedding <=> $1::vector
		LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search vector: %w", err)
	}
	defer rows.Close()

	var hits []engram.VectorHit
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan vector hit: %w", err)
		}
		if minScore > -1 && score < minScore {
			continue
		}
		hits = append(hits, engram.VectorHit{ID: id, Score: score})
	}
	return hits, rows.Err()
}

// DeleteVector clears stored embeddings for ids.
func (s *Store) DeleteVector(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE memories SET embedding = NULL WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("postgres: delete vector: %w", err)
	}
	return nil
}
