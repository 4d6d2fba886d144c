package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/engram"
)

// PutProfile inserts or replaces a profile keyed by (user_id, group_id).
func (s *Store) PutProfile(ctx context.Context, p engram.Profile) error {
	payload, err := marshalJSON(p)
	if err != nil {
		return fmt.Errorf("postgres: marshal profile: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO profiles (user_id, group_id, id, payload, version, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (user_id, group_id) DO UPDATE SET
			id=EXCLUDED.id, payload=EXCLUDED.payload, version=EXCLUDED.version, updated_at=EXCLUDED.updated_at`,
		p.UserID, p.GroupID, p.ID, payload, p.Version, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: put profile: %w", err)
	}
	return nil
}

// GetProfile returns the profile for (user_id, group_id).
func (s *Store) GetProfile(ctx context.Context, userID, groupID string) (engram.Profile, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM profiles WHERE user_id = $1 AND group_id = $2`,
		userID, groupID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return engram.Profile{}, engram.ErrNotFound("profile for user %s not found", userID)
	}
	if err != nil {
		return engram.Profile{}, fmt.Errorf("postgres: get profile: %w", err)
	}
	var p engram.Profile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return engram.Profile{}, fmt.Errorf("postgres: unmarshal profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns profiles matching the given user and/or group;
// empty strings match any.
func (s *Store) ListProfiles(ctx context.Context, userID, groupID string) ([]engram.Profile, error) {
	query := `SELECT payload FROM profiles WHERE TRUE`
	var args []any
	if userID != "" {
		args = append(args, userID)
		query += ` AND user_id = $` + strconv.Itoa(len(args))
	}
	if groupID != "" {
		args = append(args, groupID)
		query += ` AND group_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []engram.Profile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("postgres: scan profile: %w", err)
		}
		var p engram.Profile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// PutMeta inserts or replaces conversation metadata by group_id.
func (s *Store) PutMeta(ctx context.Context, meta engram.ConversationMeta) error {
	payload, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal meta: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversation_meta (group_id, payload, version) VALUES ($1,$2,$3)
		 ON CONFLICT (group_id) DO UPDATE SET payload=EXCLUDED.payload, version=EXCLUDED.version`,
		meta.GroupID, payload, meta.Version)
	if err != nil {
		return fmt.Errorf("postgres: put meta: %w", err)
	}
	return nil
}

// UpdateMeta replaces metadata only when the stored version equals
// expectVersion. A missing row or version mismatch both report not found,
// letting the caller reload and retry.
func (s *Store) UpdateMeta(ctx context.Context, meta engram.ConversationMeta, expectVersion int64) error {
	payload, err := marshalJSON(meta)
	if err != nil {
		return fmt.Errorf("postgres: marshal meta: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_meta SET payload = $1, version = $2 WHERE group_id = $3 AND version = $4`,
		payload, meta.Version, meta.GroupID, expectVersion)
	if err != nil {
		return fmt.Errorf("postgres: update meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return engram.ErrNotFound("meta for group %q at version %d not found", meta.GroupID, expectVersion)
	}
	return nil
}

// GetMeta returns metadata for group_id ("" selects the default record).
func (s *Store) GetMeta(ctx context.Context, groupID string) (engram.ConversationMeta, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM conversation_meta WHERE group_id = $1`, groupID).Scan(&payload)
	if err == pgx.ErrNoRows {
		return engram.ConversationMeta{}, engram.ErrNotFound("meta for group %q not found", groupID)
	}
	if err != nil {
		return engram.ConversationMeta{}, fmt.Errorf("postgres: get meta: %w", err)
	}
	var meta engram.ConversationMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return engram.ConversationMeta{}, fmt.Errorf("postgres: unmarshal meta: %w", err)
	}
	return meta, nil
}
