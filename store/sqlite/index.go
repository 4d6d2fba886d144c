package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nevindra/engram"
)

// IndexText upserts the record's searchable summary into the FTS5 table.
func (s *Store) IndexText(ctx context.Context, rec engram.Record) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, rec.ID); err != nil {
		return fmt.Errorf("delete fts row: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(memory_id, summary) VALUES (?, ?)`, rec.ID, rec.Summary); err != nil {
		return fmt.Errorf("insert fts row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.logger.Debug("sqlite: index text ok", "id", rec.ID, "duration", time.Since(start))
	return nil
}

// ftsQuery quotes each whitespace token so user input cannot trip FTS5
// query syntax (quotes, operators, columns).
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}

// SearchText runs an FTS5 keyword query filtered by the record envelope
// fields, best first.
func (s *Store) SearchText(ctx context.Context, query string, filter engram.RecordFilter, topK int) ([]engram.TextHit, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search text", "query", query, "top_k", topK)

	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	where, filterArgs := buildFilter(filter)

	q := `SELECT m.id, f.rank
		FROM memories_fts f
		JOIN memories m ON m.id = f.memory_id
		WHERE memories_fts MATCH ? AND ` + where + `
		ORDER BY f.rank LIMIT ?`
	args := append([]any{match}, filterArgs...)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search text: %w", err)
	}
	defer rows.Close()

	var hits []engram.TextHit
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, fmt.Errorf("scan text hit: %w", err)
		}
		// FTS5 rank is negative (closer to 0 = better). Use -rank as score.
		score := -rank
		if score < 0 {
			score = 0
		}
		hits = append(hits, engram.TextHit{ID: id, Score: score})
	}
	s.logger.Debug("sqlite: search text ok", "returned", len(hits), "duration", time.Since(start))
	return hits, rows.Err()
}

// DeleteText removes ids from the FTS index.
func (s *Store) DeleteText(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM memories_fts WHERE memory_id IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return fmt.Errorf("delete text: %w", err)
	}
	return nil
}

// UpsertVector stores the record's embedding next to its row.
func (s *Store) UpsertVector(ctx context.Context, rec engram.Record, embedding []float32) error {
	if len(embedding) == 0 {
		return engram.ErrInvalidParameter("embedding must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ? WHERE id = ?`,
		serializeEmbedding(embedding), rec.ID)
	if err != nil {
		return fmt.Errorf("upsert vector: %w", err)
	}
	return nil
}

// SearchVector performs brute-force cosine similarity search over rows
// matching the filter, keeping hits at or above minScore.
func (s *Store) SearchVector(ctx context.Context, embedding []float32, filter engram.RecordFilter, topK int, minScore float64) ([]engram.VectorHit, error) {
	start := time.Now()
	s.logger.Debug("sqlite: search vector", "top_k", topK, "embedding_dim", len(embedding), "min_score", minScore)

	where, args := buildFilter(filter)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding FROM memories WHERE embedding IS NOT NULL AND `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("search vector: %w", err)
	}
	defer rows.Close()

	var hits []engram.VectorHit
	scanned := 0
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		scanned++
		stored, err := deserializeEmbedding(embJSON)
		if err != nil {
			continue
		}
		score := cosineSimilarity(embedding, stored)
		if minScore > -1 && score < minScore {
			continue
		}
		hits = append(hits, engram.VectorHit{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector rows: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	s.logger.Debug("sqlite: search vector ok", "scanned", scanned, "returned", len(hits), "duration", time.Since(start))
	return hits, nil
}

// DeleteVector clears stored embeddings for ids.
func (s *Store) DeleteVector(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE memories SET embedding = NULL WHERE id IN (%s)`, strings.Join(placeholders, ",")),
		args...)
	if err != nil {
		return fmt.Errorf("delete vector: %w", err)
	}
	return nil
}

// --- Vector math ---

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}
