package engram

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProfileConfig parameterizes patch application.
type ProfileConfig struct {
	// RecencyWindow protects a recently updated attribute from being
	// overwritten by a lower-confidence patch. Default 30 days.
	RecencyWindow time.Duration
	// MaxProvenance bounds the per-profile provenance log. Default 50.
	MaxProvenance int
}

func (c ProfileConfig) withDefaults() ProfileConfig {
	if c.RecencyWindow <= 0 {
		c.RecencyWindow = 30 * 24 * time.Hour
	}
	if c.MaxProvenance <= 0 {
		c.MaxProvenance = 50
	}
	return c
}

// ProfileBuilder folds extractor patches into per-(user, group) profiles.
// Attributes resolve last-writer-wins, except that a lower-confidence
// patch does not displace a higher-confidence value updated within the
// recency window.
type ProfileBuilder struct {
	docs   DocStore
	cfg    ProfileConfig
	logger *slog.Logger
}

// ProfileOption configures a ProfileBuilder.
type ProfileOption func(*ProfileBuilder)

// WithProfileLogger sets a structured logger for patch application.
func WithProfileLogger(l *slog.Logger) ProfileOption {
	return func(b *ProfileBuilder) { b.logger = l }
}

// NewProfileBuilder creates a builder persisting through docs.
func NewProfileBuilder(docs DocStore, cfg ProfileConfig, opts ...ProfileOption) *ProfileBuilder {
	b := &ProfileBuilder{docs: docs, cfg: cfg.withDefaults(), logger: nopLogger}
	for _, o := range opts {
		o(b)
	}
	return b
}

type profileKey struct {
	userID  string
	groupID string
}

// Apply groups patches by (user, group) and folds each group into its
// stored profile. A failing profile does not sink the others; the first
// error is returned after all groups were attempted.
func (b *ProfileBuilder) Apply(ctx context.Context, patches []ProfilePatch) error {
	if len(patches) == 0 {
		return nil
	}
	grouped := make(map[profileKey][]ProfilePatch)
	order := make([]profileKey, 0, len(patches))
	for _, p := range patches {
		if p.UserID == "" || p.AttributePath == "" {
			continue
		}
		k := profileKey{userID: p.UserID, groupID: p.GroupID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], p)
	}

	var firstErr error
	for _, k := range order {
		if err := b.applyOne(ctx, k, grouped[k]); err != nil {
			b.logger.Warn("profile: apply failed",
				"user_id", k.userID, "group_id", k.groupID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *ProfileBuilder) applyOne(ctx context.Context, k profileKey, patches []ProfilePatch) error {
	prof, err := b.docs.GetProfile(ctx, k.userID, k.groupID)
	if err != nil {
		if CodeOf(err) != CodeNotFound {
			return fmt.Errorf("get profile: %w", err)
		}
		prof = Profile{
			ID:         NewID(),
			UserID:     k.userID,
			GroupID:    k.groupID,
			Attributes: make(map[string]ProfileAttribute),
		}
	}
	if prof.Attributes == nil {
		prof.Attributes = make(map[string]ProfileAttribute)
	}

	applied := 0
	for _, p := range patches {
		if !b.accepts(prof.Attributes[p.AttributePath], p) {
			b.logger.Debug("profile: patch skipped by recency guard",
				"user_id", k.userID, "path", p.AttributePath,
				"incoming_confidence", p.Confidence)
			continue
		}
		prof.Attributes[p.AttributePath] = ProfileAttribute{
			Value:              p.Value,
			Confidence:         p.Confidence,
			ProvenanceMemoryID: p.ProvenanceMemoryID,
			UpdatedAt:          p.Timestamp,
		}
		prof.Provenance = append(prof.Provenance, p)
		applied++
	}
	if applied == 0 {
		return nil
	}
	if len(prof.Provenance) > b.cfg.MaxProvenance {
		prof.Provenance = prof.Provenance[len(prof.Provenance)-b.cfg.MaxProvenance:]
	}
	prof.Version++
	prof.UpdatedAt = NowUnix()

	if err := b.docs.PutProfile(ctx, prof); err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	b.logger.Debug("profile: patches applied",
		"user_id", k.userID, "group_id", k.groupID,
		"applied", applied, "version", prof.Version)
	return nil
}

// accepts decides whether patch p may replace the stored attribute. An
// absent attribute always accepts. Otherwise last-writer-wins, unless the
// stored value has higher confidence and was updated within the recency
// window.
func (b *ProfileBuilder) accepts(cur ProfileAttribute, p ProfilePatch) bool {
	if cur.UpdatedAt == 0 && cur.Value == "" {
		return true
	}
	if p.Confidence >= cur.Confidence {
		return true
	}
	age := time.Since(time.Unix(cur.UpdatedAt, 0))
	return age >= b.cfg.RecencyWindow
}
