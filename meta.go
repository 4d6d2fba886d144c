package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// MetaService manages conversation metadata. Groups without explicit
// metadata inherit the default record (empty group_id). Updates are
// PATCH-style over the mutable subset with optimistic concurrency against
// the stored version.
type MetaService struct {
	docs   DocStore
	logger *slog.Logger

	// casAttempts bounds version-conflict retries on Patch.
	casAttempts int
}

// MetaOption configures a MetaService.
type MetaOption func(*MetaService)

// WithMetaLogger sets a structured logger for metadata operations.
func WithMetaLogger(l *slog.Logger) MetaOption {
	return func(s *MetaService) { s.logger = l }
}

// NewMetaService creates a metadata service over docs.
func NewMetaService(docs DocStore, opts ...MetaOption) *MetaService {
	s := &MetaService{docs: docs, logger: nopLogger, casAttempts: 3}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the metadata for groupID, falling back to the default record
// and finally to a zero-value assistant-scene meta so ingestion never
// blocks on missing configuration.
func (s *MetaService) Get(ctx context.Context, groupID string) (ConversationMeta, error) {
	meta, err := s.docs.GetMeta(ctx, groupID)
	if err == nil {
		return meta, nil
	}
	if CodeOf(err) != CodeNotFound {
		return ConversationMeta{}, fmt.Errorf("get meta %q: %w", groupID, err)
	}
	if groupID != "" {
		if def, derr := s.docs.GetMeta(ctx, ""); derr == nil {
			def.GroupID = groupID
			return def, nil
		}
	}
	return ConversationMeta{GroupID: groupID, Scene: SceneAssistant}, nil
}

// Create registers metadata for a group. Scene defaults to assistant;
// version starts at 1.
func (s *MetaService) Create(ctx context.Context, meta ConversationMeta) (ConversationMeta, error) {
	if meta.Scene == "" {
		meta.Scene = SceneAssistant
	}
	if meta.Scene != SceneAssistant && meta.Scene != SceneGroupChat {
		return ConversationMeta{}, ErrInvalidParameter("unknown scene %q", meta.Scene)
	}
	now := NowUnix()
	meta.Version = 1
	if meta.ConversationCreatedAt == 0 {
		meta.ConversationCreatedAt = now
	}
	meta.UpdatedAt = now
	if err := s.docs.PutMeta(ctx, meta); err != nil {
		return ConversationMeta{}, fmt.Errorf("put meta %q: %w", meta.GroupID, err)
	}
	s.logger.Debug("meta: created", "group_id", meta.GroupID, "scene", meta.Scene)
	return meta, nil
}

// metaMutableKeys is the PATCH-able subset of ConversationMeta.
var metaMutableKeys = map[string]bool{
	"name":             true,
	"description":      true,
	"scene_desc":       true,
	"tags":             true,
	"user_details":     true,
	"default_timezone": true,
}

// metaImmutableKeys are recognized but rejected in PATCH bodies.
var metaImmutableKeys = map[string]bool{
	"version":                 true,
	"scene":                   true,
	"group_id":                true,
	"conversation_created_at": true,
}

// Patch applies a partial update to the group's metadata. Unknown keys and
// immutable keys are rejected with INVALID_PARAMETER. Concurrent updates
// are resolved by compare-and-swap on the stored version, retried a few
// times before giving up.
func (s *MetaService) Patch(ctx context.Context, groupID string, fields map[string]any) (ConversationMeta, error) {
	for key := range fields {
		if metaImmutableKeys[key] {
			return ConversationMeta{}, ErrInvalidParameter("field %q is immutable", key)
		}
		if !metaMutableKeys[key] {
			return ConversationMeta{}, ErrInvalidParameter("unknown field %q", key)
		}
	}

	var lastErr error
	for attempt := 0; attempt < s.casAttempts; attempt++ {
		meta, err := s.docs.GetMeta(ctx, groupID)
		if err != nil {
			return ConversationMeta{}, err
		}
		expect := meta.Version
		if err := applyMetaFields(&meta, fields); err != nil {
			return ConversationMeta{}, err
		}
		meta.Version = expect + 1
		meta.UpdatedAt = NowUnix()

		err = s.docs.UpdateMeta(ctx, meta, expect)
		if err == nil {
			s.logger.Debug("meta: patched", "group_id", groupID, "version", meta.Version)
			return meta, nil
		}
		if CodeOf(err) != CodeNotFound {
			return ConversationMeta{}, fmt.Errorf("update meta %q: %w", groupID, err)
		}
		// Version conflict: reload and retry.
		lastErr = err
	}
	return ConversationMeta{}, fmt.Errorf("update meta %q: too many version conflicts: %w", groupID, lastErr)
}

// applyMetaFields copies validated PATCH fields onto meta.
func applyMetaFields(meta *ConversationMeta, fields map[string]any) error {
	for key, raw := range fields {
		switch key {
		case "name":
			v, ok := raw.(string)
			if !ok {
				return ErrInvalidParameter("field %q must be a string", key)
			}
			meta.Name = v
		case "description":
			v, ok := raw.(string)
			if !ok {
				return ErrInvalidParameter("field %q must be a string", key)
			}
			meta.Description = v
		case "scene_desc":
			v, ok := raw.(string)
			if !ok {
				return ErrInvalidParameter("field %q must be a string", key)
			}
			meta.SceneDesc = v
		case "default_timezone":
			v, ok := raw.(string)
			if !ok {
				return ErrInvalidParameter("field %q must be a string", key)
			}
			if v != "" {
				if _, err := time.LoadLocation(v); err != nil {
					return ErrInvalidParameter("unknown timezone %q", v)
				}
			}
			meta.DefaultTimezone = v
		case "tags":
			var tags []string
			if err := reassign(raw, &tags); err != nil {
				return ErrInvalidParameter("field %q must be a string array", key)
			}
			meta.Tags = tags
		case "user_details":
			var details map[string]UserDetail
			if err := reassign(raw, &details); err != nil {
				return ErrInvalidParameter("field %q must be a user detail map", key)
			}
			meta.UserDetails = details
		}
	}
	return nil
}

// reassign converts a decoded-JSON value into the target type by
// round-tripping through JSON.
func reassign(raw, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
