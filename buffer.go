package engram

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PartitionKey identifies one accumulation stream. ConversationKey is the
// sender in assistant scene and the literal group id otherwise.
type PartitionKey struct {
	GroupID         string
	ConversationKey string
}

// ConversationKeyFor derives the buffer partition key for a message under
// the given scene.
func ConversationKeyFor(scene Scene, msg Message) PartitionKey {
	key := msg.GroupID
	if scene == SceneAssistant {
		key = msg.Sender
	}
	return PartitionKey{GroupID: msg.GroupID, ConversationKey: key}
}

// BufferConfig parameterizes the message buffer's flush policies.
type BufferConfig struct {
	// MaxMessages flushes the buffer when it reaches this size. Default 50.
	MaxMessages int
	// IdleThreshold flushes buffers whose last append is older than this.
	// Default 10m. Only consulted by the background idle flusher.
	IdleThreshold time.Duration
	// IdleInterval is the idle flusher's tick period. Default 1m.
	IdleInterval time.Duration
	// SeenCapacity bounds the per-partition duplicate-id memory. Default 2048.
	SeenCapacity int
}

func (c BufferConfig) withDefaults() BufferConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = 50
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = 10 * time.Minute
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = time.Minute
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 2048
	}
	return c
}

// AppendResult reports the outcome of one append.
type AppendResult struct {
	// Flushed holds episodes closed by this append, in flush order.
	Flushed []Episode
	// NewMessageFlushed reports whether the appended message itself is part
	// of a flushed episode (size flush or close-after-new), as opposed to
	// having been queued into a fresh buffer.
	NewMessageFlushed bool
	// Duplicate reports an idempotent no-op: the message id was already
	// observed in this partition.
	Duplicate bool
}

// partition is one (group, conversation) accumulation stream. Each
// partition is protected by its own mutex; flushes happen under it, but
// extraction runs outside so LLM latency never blocks appends.
type partition struct {
	mu         sync.Mutex
	msgs       []Message
	seen       map[string]bool
	seenOrder  []string
	lastAppend time.Time
}

// MessageBuffer accumulates messages per partition and closes episodes
// according to the configured flush policies plus the boundary detector's
// topic decisions.
type MessageBuffer struct {
	mu       sync.Mutex
	parts    map[PartitionKey]*partition
	detector *BoundaryDetector
	cfg      BufferConfig
	logger   *slog.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// BufferOption configures a MessageBuffer.
type BufferOption func(*MessageBuffer)

// WithBufferLogger sets a structured logger for buffer activity.
func WithBufferLogger(l *slog.Logger) BufferOption {
	return func(b *MessageBuffer) { b.logger = l }
}

// NewMessageBuffer creates a buffer that consults detector for topic-shift
// closes.
func NewMessageBuffer(detector *BoundaryDetector, cfg BufferConfig, opts ...BufferOption) *MessageBuffer {
	b := &MessageBuffer{
		parts:    make(map[PartitionKey]*partition),
		detector: detector,
		cfg:      cfg.withDefaults(),
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *MessageBuffer) partition(key PartitionKey) *partition {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.parts[key]
	if !ok {
		p = &partition{seen: make(map[string]bool)}
		b.parts[key] = p
	}
	return p
}

// Append adds msg to its partition, closing zero or more episodes along the
// way. Duplicate message ids are idempotent no-ops. Messages are stored in
// arrival order; episodes sort them by create_time with message_id
// tie-breaks at flush.
func (b *MessageBuffer) Append(ctx context.Context, key PartitionKey, msg Message) AppendResult {
	p := b.partition(key)
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[msg.ID] {
		b.logger.Debug("buffer: duplicate message ignored", "message_id", msg.ID, "group_id", key.GroupID)
		return AppendResult{Duplicate: true}
	}

	var res AppendResult

	decision := b.detector.Decide(ctx, p.msgs, msg)
	if decision == BoundaryCloseBeforeNew {
		if ep, ok := b.flushLocked(key, p); ok {
			res.Flushed = append(res.Flushed, ep)
		}
	}

	p.msgs = append(p.msgs, msg)
	b.markSeen(p, msg.ID)
	p.lastAppend = time.Now()

	if decision == BoundaryCloseAfterNew || len(p.msgs) >= b.cfg.MaxMessages {
		if ep, ok := b.flushLocked(key, p); ok {
			res.Flushed = append(res.Flushed, ep)
			res.NewMessageFlushed = true
		}
	}
	return res
}

// markSeen records a message id, evicting the oldest once capacity is hit.
func (b *MessageBuffer) markSeen(p *partition, id string) {
	p.seen[id] = true
	p.seenOrder = append(p.seenOrder, id)
	if len(p.seenOrder) > b.cfg.SeenCapacity {
		evict := p.seenOrder[0]
		p.seenOrder = p.seenOrder[1:]
		delete(p.seen, evict)
	}
}

// flushLocked closes the current buffer into an episode. Caller holds p.mu.
func (b *MessageBuffer) flushLocked(key PartitionKey, p *partition) (Episode, bool) {
	if len(p.msgs) == 0 {
		return Episode{}, false
	}
	msgs := p.msgs
	p.msgs = nil

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreateTime.Equal(msgs[j].CreateTime) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreateTime.Before(msgs[j].CreateTime)
	})

	ep := Episode{
		ID:              NewID(),
		GroupID:         key.GroupID,
		ConversationKey: key.ConversationKey,
		Messages:        msgs,
	}
	b.logger.Debug("buffer: flushed episode",
		"episode_id", ep.ID,
		"group_id", key.GroupID,
		"conversation_key", key.ConversationKey,
		"messages", len(msgs))
	return ep, true
}

// Flush force-closes the partition's buffer regardless of policy.
func (b *MessageBuffer) Flush(key PartitionKey) (Episode, bool) {
	p := b.partition(key)
	p.mu.Lock()
	defer p.mu.Unlock()
	return b.flushLocked(key, p)
}

// FlushAll force-closes every non-empty buffer regardless of idleness and
// returns the resulting episodes.
func (b *MessageBuffer) FlushAll() []Episode {
	b.mu.Lock()
	keys := make([]PartitionKey, 0, len(b.parts))
	for k := range b.parts {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var episodes []Episode
	for _, key := range keys {
		p := b.partition(key)
		p.mu.Lock()
		if ep, ok := b.flushLocked(key, p); ok {
			episodes = append(episodes, ep)
		}
		p.mu.Unlock()
	}
	return episodes
}

// FlushIdle closes every buffer whose last append is older than the idle
// threshold and returns the resulting episodes.
func (b *MessageBuffer) FlushIdle(now time.Time) []Episode {
	b.mu.Lock()
	keys := make([]PartitionKey, 0, len(b.parts))
	for k := range b.parts {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var episodes []Episode
	for _, key := range keys {
		p := b.partition(key)
		p.mu.Lock()
		if len(p.msgs) > 0 && now.Sub(p.lastAppend) >= b.cfg.IdleThreshold {
			if ep, ok := b.flushLocked(key, p); ok {
				episodes = append(episodes, ep)
			}
		}
		p.mu.Unlock()
	}
	return episodes
}

// Pending returns buffered-but-unflushed messages visible to the given user
// and/or group filters (empty string matches any). Retrieval responses
// surface these so callers know the answer may miss in-flight content.
func (b *MessageBuffer) Pending(userID, groupID string) []Message {
	b.mu.Lock()
	keys := make([]PartitionKey, 0, len(b.parts))
	for k := range b.parts {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var pending []Message
	for _, key := range keys {
		if groupID != "" && key.GroupID != groupID {
			continue
		}
		p := b.partition(key)
		p.mu.Lock()
		for _, m := range p.msgs {
			if userID != "" && m.Sender != userID {
				continue
			}
			pending = append(pending, m)
		}
		p.mu.Unlock()
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreateTime.Before(pending[j].CreateTime)
	})
	return pending
}

// Start launches the background idle flusher. Episodes closed by idleness
// are handed to onFlush, which runs outside any partition lock.
func (b *MessageBuffer) Start(onFlush func(context.Context, Episode)) {
	b.done = make(chan struct{})
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.IdleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.done:
				return
			case now := <-ticker.C:
				for _, ep := range b.FlushIdle(now) {
					onFlush(context.Background(), ep)
				}
			}
		}
	}()
}

// Stop terminates the idle flusher. Buffered messages stay in place.
func (b *MessageBuffer) Stop() {
	if b.done == nil {
		return
	}
	close(b.done)
	b.wg.Wait()
	b.done = nil
}
