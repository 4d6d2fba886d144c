package engram

import (
	"context"
	"testing"
	"time"
)

func newTestBuffer(cfg BufferConfig) *MessageBuffer {
	return NewMessageBuffer(NewBoundaryDetector(BoundaryConfig{}), cfg)
}

func TestBufferAccumulates(t *testing.T) {
	b := newTestBuffer(BufferConfig{})
	key := PartitionKey{GroupID: "g1", ConversationKey: "u1"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		res := b.Append(context.Background(), key, msgAt(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), "hello there"))
		if len(res.Flushed) != 0 {
			t.Fatalf("append %d flushed %d episodes, want 0", i, len(res.Flushed))
		}
		if res.Duplicate {
			t.Fatalf("append %d reported duplicate", i)
		}
	}
	if got := len(b.Pending("", "g1")); got != 3 {
		t.Errorf("Pending() = %d messages, want 3", got)
	}
}

func TestBufferDuplicateIsNoOp(t *testing.T) {
	b := newTestBuffer(BufferConfig{})
	key := PartitionKey{GroupID: "g1", ConversationKey: "u1"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	b.Append(context.Background(), key, msgAt("m1", base, "hello"))
	res := b.Append(context.Background(), key, msgAt("m1", base, "hello"))
	if !res.Duplicate {
		t.Error("second append with same id should report duplicate")
	}
	if got := len(b.Pending("", "g1")); got != 1 {
		t.Errorf("Pending() = %d messages, want 1", got)
	}
}

func TestBufferSizeFlush(t *testing.T) {
	b := newTestBuffer(BufferConfig{MaxMessages: 3})
	key := PartitionKey{GroupID: "g1", ConversationKey: "u1"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	b.Append(context.Background(), key, msgAt("m1", base, "one"))
	b.Append(context.Background(), key, msgAt("m2", base.Add(time.Minute), "two"))
	res := b.Append(context.Background(), key, msgAt("m3", base.Add(2*time.Minute), "three"))

	if len(res.Flushed) != 1 {
		t.Fatalf("flushed %d episodes, want 1", len(res.Flushed))
	}
	if !res.NewMessageFlushed {
		t.Error("size flush should report NewMessageFlushed")
	}
	ep := res.Flushed[0]
	if len(ep.Messages) != 3 {
		t.Fatalf("episode has %d messages, want 3", len(ep.Messages))
	}
	if ep.GroupID != "g1" || ep.ConversationKey != "u1" {
		t.Errorf("episode key = (%q, %q), want (g1, u1)", ep.GroupID, ep.ConversationKey)
	}
	if got := len(b.Pending("", "g1")); got != 0 {
		t.Errorf("Pending() after flush = %d, want 0", got)
	}
}

func TestBufferHardGapFlushesBeforeNew(t *testing.T) {
	b := newTestBuffer(BufferConfig{})
	key := PartitionKey{GroupID: "g1", ConversationKey: "u1"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	b.Append(context.Background(), key, msgAt("m1", base, "before the gap"))
	res := b.Append(context.Background(), key, msgAt("m2", base.Add(time.Hour), "after the gap"))

	if len(res.Flushed) != 1 {
		t.Fatalf("flushed %d episodes, want 1", len(res.Flushed))
	}
	if res.NewMessageFlushed {
		t.Error("close-before-new must not report NewMessageFlushed")
	}
	ep := res.Flushed[0]
	if len(ep.Messages) != 1 || ep.Messages[0].ID != "m1" {
		t.Errorf("episode contains %v, want just m1", ep.MessageIDs())
	}
	// The new message starts the next buffer.
	if got := len(b.Pending("", "g1")); got != 1 {
		t.Errorf("Pending() = %d, want 1", got)
	}
}

func TestBufferFlushSortsByCreateTime(t *testing.T) {
	b := newTestBuffer(BufferConfig{})
	key := PartitionKey{GroupID: "g1", ConversationKey: "u1"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Out-of-order arrival; m3 and m2 share a create time so ids break the tie.
	b.Append(context.Background(), key, msgAt("m3", base.Add(time.Minute), "late"))
	b.Append(context.Background(), key, msgAt("m1", base, "first"))
	b.Append(context.Background(), key, msgAt("m2", base.Add(time.Minute), "tied"))

	ep, ok := b.Flush(key)
	if !ok {
		t.Fatal("Flush returned no episode")
	}
	want := []string{"m1", "m2", "m3"}
	got := ep.MessageIDs()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("episode order = %v, want %v", got, want)
		}
	}
}

func TestBufferFlushIdle(t *testing.T) {
	b := newTestBuffer(BufferConfig{IdleThreshold: 10 * time.Minute})
	key := PartitionKey{GroupID: "g1", ConversationKey: "u1"}
	b.Append(context.Background(), key, msgAt("m1", time.Now(), "hello"))

	if eps := b.FlushIdle(time.Now()); len(eps) != 0 {
		t.Fatalf("FlushIdle before threshold flushed %d, want 0", len(eps))
	}
	eps := b.FlushIdle(time.Now().Add(11 * time.Minute))
	if len(eps) != 1 {
		t.Fatalf("FlushIdle after threshold flushed %d, want 1", len(eps))
	}
}

func TestBufferFlushAllIgnoresIdleThreshold(t *testing.T) {
	// A force-flush must not depend on how the idle policy is tuned.
	b := newTestBuffer(BufferConfig{IdleThreshold: 48 * time.Hour})
	ctx := context.Background()
	b.Append(ctx, PartitionKey{GroupID: "g1", ConversationKey: "u1"}, msgAt("m1", time.Now(), "hello"))
	b.Append(ctx, PartitionKey{GroupID: "g2", ConversationKey: "g2"}, msgAt("m2", time.Now(), "hi there"))

	if eps := b.FlushIdle(time.Now().Add(24 * time.Hour)); len(eps) != 0 {
		t.Fatalf("FlushIdle below the threshold flushed %d, want 0", len(eps))
	}
	eps := b.FlushAll()
	if len(eps) != 2 {
		t.Fatalf("FlushAll flushed %d episodes, want 2", len(eps))
	}
	if eps = b.FlushAll(); len(eps) != 0 {
		t.Errorf("second FlushAll flushed %d, want 0 once buffers are empty", len(eps))
	}
}

func TestBufferPendingFilters(t *testing.T) {
	b := newTestBuffer(BufferConfig{})
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m1 := msgAt("m1", base, "from u1")
	m1.GroupID = "g1"
	m2 := Message{ID: "m2", CreateTime: base.Add(time.Minute), Sender: "u2", Role: RoleUser, Content: "from u2", GroupID: "g1"}
	m3 := msgAt("m3", base.Add(2*time.Minute), "other group")
	m3.GroupID = "g2"

	b.Append(context.Background(), PartitionKey{GroupID: "g1", ConversationKey: "u1"}, m1)
	b.Append(context.Background(), PartitionKey{GroupID: "g1", ConversationKey: "u2"}, m2)
	b.Append(context.Background(), PartitionKey{GroupID: "g2", ConversationKey: "u1"}, m3)

	if got := len(b.Pending("", "g1")); got != 2 {
		t.Errorf("Pending(group g1) = %d, want 2", got)
	}
	if got := len(b.Pending("u1", "g1")); got != 1 {
		t.Errorf("Pending(u1, g1) = %d, want 1", got)
	}
	if got := len(b.Pending("u1", "")); got != 2 {
		t.Errorf("Pending(u1) = %d, want 2", got)
	}
}

func TestConversationKeyFor(t *testing.T) {
	msg := Message{Sender: "u1", GroupID: "g1"}
	tests := []struct {
		scene Scene
		want  string
	}{
		{SceneAssistant, "u1"},
		{SceneGroupChat, "g1"},
	}
	for _, tt := range tests {
		key := ConversationKeyFor(tt.scene, msg)
		if key.ConversationKey != tt.want {
			t.Errorf("ConversationKeyFor(%s) = %q, want %q", tt.scene, key.ConversationKey, tt.want)
		}
		if key.GroupID != "g1" {
			t.Errorf("GroupID = %q, want g1", key.GroupID)
		}
	}
}
