package engram

import (
	"context"
	"testing"
	"time"
)

func msgAt(id string, t time.Time, content string) Message {
	return Message{ID: id, CreateTime: t, Sender: "u1", Role: RoleUser, Content: content}
}

func TestBoundaryHardGap(t *testing.T) {
	d := NewBoundaryDetector(BoundaryConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{msgAt("m1", base, "hello")}

	tests := []struct {
		name string
		gap  time.Duration
		want BoundaryDecision
	}{
		{"just under hard gap", 30*time.Minute - time.Second, BoundaryOpen},
		{"exactly hard gap", 30 * time.Minute, BoundaryCloseBeforeNew},
		{"well past hard gap", 2 * time.Hour, BoundaryCloseBeforeNew},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Decide(context.Background(), buf, msgAt("m2", base.Add(tt.gap), "hi again"))
			if got != tt.want {
				t.Errorf("Decide() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBoundaryEmptyBufferStaysOpen(t *testing.T) {
	d := NewBoundaryDetector(BoundaryConfig{})
	got := d.Decide(context.Background(), nil, msgAt("m1", time.Now(), "hello"))
	if got != BoundaryOpen {
		t.Errorf("Decide() on empty buffer = %v, want open", got)
	}
}

func TestBoundarySingleMessageNeverSoftCloses(t *testing.T) {
	d := NewBoundaryDetector(BoundaryConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{msgAt("m1", base, "hello")}

	// Soft gap, no refer chain: would close with >= MinEpisodeMessages, but
	// a single-message buffer stays open.
	got := d.Decide(context.Background(), buf, msgAt("m2", base.Add(10*time.Minute), "unrelated"))
	if got != BoundaryOpen {
		t.Errorf("Decide() = %v, want open for single-message buffer", got)
	}
}

func TestBoundarySoftGapWithReferenceBreak(t *testing.T) {
	d := NewBoundaryDetector(BoundaryConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{
		msgAt("m1", base, "planning the trip"),
		msgAt("m2", base.Add(time.Minute), "sounds good"),
	}

	// No embedder: soft gap + reference break closes.
	got := d.Decide(context.Background(), buf, msgAt("m3", base.Add(11*time.Minute), "new topic"))
	if got != BoundaryCloseBeforeNew {
		t.Errorf("Decide() = %v, want close-before-new", got)
	}
}

func TestBoundaryReferChainKeepsOpen(t *testing.T) {
	d := NewBoundaryDetector(BoundaryConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{
		msgAt("m1", base, "planning the trip"),
		msgAt("m2", base.Add(time.Minute), "sounds good"),
	}

	msg := msgAt("m3", base.Add(11*time.Minute), "about that")
	msg.ReferList = []string{"m1"}
	got := d.Decide(context.Background(), buf, msg)
	if got != BoundaryOpen {
		t.Errorf("Decide() = %v, want open when message refers into the buffer", got)
	}
}

func TestBoundaryAssistantReplyStaysWithQuestion(t *testing.T) {
	d := NewBoundaryDetector(BoundaryConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{
		msgAt("m1", base, "planning the trip"),
		msgAt("m2", base.Add(time.Minute), "which hotel should I book?"),
	}

	// A slow assistant answer arrives past the soft gap with no refer chain:
	// it still belongs to the question's episode.
	reply := msgAt("m3", base.Add(11*time.Minute), "the one near the old town")
	reply.Role = RoleAssistant
	if got := d.Decide(context.Background(), buf, reply); got != BoundaryOpen {
		t.Errorf("Decide() = %v, want open for an assistant reply to a user turn", got)
	}

	// The hard gap still wins over the pairing.
	late := msgAt("m4", base.Add(2*time.Hour), "the one near the old town")
	late.Role = RoleAssistant
	if got := d.Decide(context.Background(), buf, late); got != BoundaryCloseBeforeNew {
		t.Errorf("Decide() = %v, want close on hard gap even for an assistant reply", got)
	}

	// An assistant message following another assistant message gets no
	// special treatment.
	bufAssist := []Message{
		msgAt("m1", base, "planning the trip"),
		msgAt("m2", base.Add(time.Minute), "sounds good"),
	}
	bufAssist[1].Role = RoleAssistant
	follow := msgAt("m5", base.Add(12*time.Minute), "new topic")
	follow.Role = RoleAssistant
	if got := d.Decide(context.Background(), bufAssist, follow); got != BoundaryCloseBeforeNew {
		t.Errorf("Decide() = %v, want the soft close to still apply between assistant turns", got)
	}
}

func TestBoundaryTopicSimilarity(t *testing.T) {
	emb := newFakeEmbedding()
	// The rolling summary embeds to the default vector; the new message's
	// vector is orthogonal (similarity 0 < 0.55).
	emb.table["completely different subject"] = []float32{0, 1, 0}

	d := NewBoundaryDetector(BoundaryConfig{}, WithBoundaryEmbedding(emb))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{
		msgAt("m1", base, "planning the trip"),
		msgAt("m2", base.Add(time.Minute), "sounds good"),
	}

	got := d.Decide(context.Background(), buf, msgAt("m3", base.Add(11*time.Minute), "completely different subject"))
	if got != BoundaryCloseBeforeNew {
		t.Errorf("Decide() = %v, want close on topic shift", got)
	}

	// Same topic (both default vector, similarity 1) stays open.
	got = d.Decide(context.Background(), buf, msgAt("m4", base.Add(11*time.Minute), "more trip talk"))
	if got != BoundaryOpen {
		t.Errorf("Decide() = %v, want open for similar topic", got)
	}
}

func TestBoundaryEmbedderFailureKeepsOpen(t *testing.T) {
	emb := newFakeEmbedding()
	emb.err = context.DeadlineExceeded

	d := NewBoundaryDetector(BoundaryConfig{}, WithBoundaryEmbedding(emb))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	buf := []Message{
		msgAt("m1", base, "planning the trip"),
		msgAt("m2", base.Add(time.Minute), "sounds good"),
	}

	got := d.Decide(context.Background(), buf, msgAt("m3", base.Add(11*time.Minute), "new topic"))
	if got != BoundaryOpen {
		t.Errorf("Decide() = %v, want open when embedder is unavailable", got)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("cosineSimilarity() = %f, want %f", got, tt.want)
			}
		})
	}
}
