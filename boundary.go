package engram

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"
)

// BoundaryDecision is the detector's verdict for a new message against the
// current buffer.
type BoundaryDecision int

const (
	// BoundaryOpen keeps accumulating.
	BoundaryOpen BoundaryDecision = iota
	// BoundaryCloseBeforeNew flushes the buffer as an episode, then starts
	// a fresh buffer with the new message.
	BoundaryCloseBeforeNew
	// BoundaryCloseAfterNew appends the new message, then flushes.
	BoundaryCloseAfterNew
)

// BoundaryConfig parameterizes episode boundary detection. The similarity
// threshold is a tuning parameter; calibrate against an evaluation set.
type BoundaryConfig struct {
	// HardGap closes the buffer unconditionally when the temporal gap to
	// the previous message reaches it. Default 30m.
	HardGap time.Duration
	// SoftGap is the minimum gap for the content-shift heuristic to apply.
	// Default 5m.
	SoftGap time.Duration
	// MinEpisodeMessages is the buffer size below which soft closes never
	// trigger. Default 2.
	MinEpisodeMessages int
	// TopicSimilarityThreshold closes the buffer when the cosine
	// similarity between the rolling summary and the new message falls
	// below it. Default 0.55. Only consulted when an embedder is set.
	TopicSimilarityThreshold float64
	// SummaryWindow is how many trailing messages form the rolling
	// summary. Default 6.
	SummaryWindow int
}

func (c BoundaryConfig) withDefaults() BoundaryConfig {
	if c.HardGap <= 0 {
		c.HardGap = 30 * time.Minute
	}
	if c.SoftGap <= 0 {
		c.SoftGap = 5 * time.Minute
	}
	if c.MinEpisodeMessages <= 0 {
		c.MinEpisodeMessages = 2
	}
	if c.TopicSimilarityThreshold <= 0 {
		c.TopicSimilarityThreshold = 0.55
	}
	if c.SummaryWindow <= 0 {
		c.SummaryWindow = 6
	}
	return c
}

// BoundaryDetector decides whether a coherent episode has ended. The
// decision is deterministic for a given (buffer, message, settings) tuple
// and embedder.
type BoundaryDetector struct {
	embedding EmbeddingProvider // optional; nil disables the similarity check
	cfg       BoundaryConfig
	logger    *slog.Logger
}

// BoundaryOption configures a BoundaryDetector.
type BoundaryOption func(*BoundaryDetector)

// WithBoundaryEmbedding enables the topic-shift similarity check.
func WithBoundaryEmbedding(e EmbeddingProvider) BoundaryOption {
	return func(d *BoundaryDetector) { d.embedding = e }
}

// WithBoundaryLogger sets a structured logger for boundary decisions.
func WithBoundaryLogger(l *slog.Logger) BoundaryOption {
	return func(d *BoundaryDetector) { d.logger = l }
}

// NewBoundaryDetector creates a detector with the given config.
func NewBoundaryDetector(cfg BoundaryConfig, opts ...BoundaryOption) *BoundaryDetector {
	d := &BoundaryDetector{cfg: cfg.withDefaults(), logger: nopLogger}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decide evaluates the new message against the buffered ones.
//
// A gap >= HardGap always closes before the new message. With at least
// MinEpisodeMessages buffered, a soft gap combined with a reference-chain
// break (refer_list disjoint from the buffer) and, when an embedder is
// available, low similarity between the rolling summary and the new
// message also closes. A single-message buffer never closes on the soft
// path, and neither does an assistant reply following a buffered user turn.
func (d *BoundaryDetector) Decide(ctx context.Context, buf []Message, msg Message) BoundaryDecision {
	if len(buf) == 0 {
		return BoundaryOpen
	}

	last := buf[len(buf)-1]
	gap := msg.CreateTime.Sub(last.CreateTime)
	if gap >= d.cfg.HardGap {
		d.logger.Debug("boundary: hard gap", "gap", gap, "threshold", d.cfg.HardGap)
		return BoundaryCloseBeforeNew
	}

	// A delayed assistant reply still answers the buffered user turn; the
	// soft path never separates the pair.
	if msg.Role == RoleAssistant && last.Role == RoleUser {
		return BoundaryOpen
	}

	if len(buf) < d.cfg.MinEpisodeMessages {
		return BoundaryOpen
	}
	if gap < d.cfg.SoftGap {
		return BoundaryOpen
	}
	if refersInto(buf, msg) {
		return BoundaryOpen
	}

	if d.embedding == nil {
		d.logger.Debug("boundary: soft gap with reference break", "gap", gap)
		return BoundaryCloseBeforeNew
	}

	sim, ok := d.topicSimilarity(ctx, buf, msg)
	if !ok {
		// Embedder unavailable: keep the episode open rather than cutting
		// on partial evidence.
		return BoundaryOpen
	}
	if sim < d.cfg.TopicSimilarityThreshold {
		d.logger.Debug("boundary: topic shift", "similarity", sim, "threshold", d.cfg.TopicSimilarityThreshold)
		return BoundaryCloseBeforeNew
	}
	return BoundaryOpen
}

// refersInto reports whether msg references any buffered message.
func refersInto(buf []Message, msg Message) bool {
	if len(msg.ReferList) == 0 {
		return false
	}
	ids := make(map[string]bool, len(buf))
	for _, m := range buf {
		ids[m.ID] = true
	}
	for _, ref := range msg.ReferList {
		if ids[ref] {
			return true
		}
	}
	return false
}

// topicSimilarity embeds the rolling summary of the trailing buffer window
// and the new message, returning their cosine similarity.
func (d *BoundaryDetector) topicSimilarity(ctx context.Context, buf []Message, msg Message) (float64, bool) {
	window := buf
	if len(window) > d.cfg.SummaryWindow {
		window = window[len(window)-d.cfg.SummaryWindow:]
	}
	var b strings.Builder
	for _, m := range window {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}

	embs, err := d.embedding.Embed(ctx, []string{b.String(), msg.Content})
	if err != nil || len(embs) < 2 {
		d.logger.Warn("boundary: embed failed, skipping similarity check", "error", err)
		return 0, false
	}
	return float64(cosineSimilarity(embs[0], embs[1])), true
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float32 {
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
	return float32(dot / denom)
}
