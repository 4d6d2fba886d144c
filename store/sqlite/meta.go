package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nevindra/engram"
)

// PutProfile inserts or replaces a profile keyed by (user_id, group_id).
func (s *Store) PutProfile(ctx context.Context, p engram.Profile) error {
	start := time.Now()
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO profiles (user_id, group_id, id, payload, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.UserID, p.GroupID, p.ID, string(payload), p.Version, p.UpdatedAt)
	if err != nil {
		s.logger.Error("sqlite: put profile failed", "user_id", p.UserID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("put profile: %w", err)
	}
	s.logger.Debug("sqlite: put profile ok", "user_id", p.UserID, "group_id", p.GroupID, "version", p.Version, "duration", time.Since(start))
	return nil
}

// GetProfile returns the profile for (user_id, group_id).
func (s *Store) GetProfile(ctx context.Context, userID, groupID string) (engram.Profile, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM profiles WHERE user_id = ? AND group_id = ?`,
		userID, groupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return engram.Profile{}, engram.ErrNotFound("profile for user %s not found", userID)
	}
	if err != nil {
		return engram.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	var p engram.Profile
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return engram.Profile{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	return p, nil
}

// ListProfiles returns profiles matching the given user and/or group;
// empty strings match any.
func (s *Store) ListProfiles(ctx context.Context, userID, groupID string) ([]engram.Profile, error) {
	start := time.Now()
	query := `SELECT payload FROM profiles WHERE 1=1`
	var args []any
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if groupID != "" {
		query += ` AND group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []engram.Profile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var p engram.Profile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	s.logger.Debug("sqlite: list profiles ok", "count", len(profiles), "duration", time.Since(start))
	return profiles, rows.Err()
}

// PutMeta inserts or replaces conversation metadata by group_id.
func (s *Store) PutMeta(ctx context.Context, meta engram.ConversationMeta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_meta (group_id, payload, version) VALUES (?, ?, ?)`,
		meta.GroupID, string(payload), meta.Version)
	if err != nil {
		return fmt.Errorf("put meta: %w", err)
	}
	s.logger.Debug("sqlite: put meta ok", "group_id", meta.GroupID, "version", meta.Version)
	return nil
}

// UpdateMeta replaces metadata only when the stored version equals
// expectVersion. A missing row or version mismatch both report not found,
// letting the caller reload and retry.
func (s *Store) UpdateMeta(ctx context.Context, meta engram.ConversationMeta, expectVersion int64) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversation_meta SET payload = ?, version = ? WHERE group_id = ? AND version = ?`,
		string(payload), meta.Version, meta.GroupID, expectVersion)
	if err != nil {
		return fmt.Errorf("update meta: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return engram.ErrNotFound("meta for group %q at version %d not found", meta.GroupID, expectVersion)
	}
	s.logger.Debug("sqlite: update meta ok", "group_id", meta.GroupID, "version", meta.Version)
	return nil
}

// GetMeta returns metadata for group_id ("" selects the default record).
func (s *Store) GetMeta(ctx context.Context, groupID string) (engram.ConversationMeta, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conversation_meta WHERE group_id = ?`, groupID).Scan(&payload)
	if err == sql.ErrNoRows {
		return engram.ConversationMeta{}, engram.ErrNotFound("meta for group %q not found", groupID)
	}
	if err != nil {
		return engram.ConversationMeta{}, fmt.Errorf("get meta: %w", err)
	}
	var meta engram.ConversationMeta
	if err := json.Unmarshal([]byte(payload), &meta); err != nil {
		return engram.ConversationMeta{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
