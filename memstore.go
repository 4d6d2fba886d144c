package engram

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

const lockShards = 64

// MemoryStore persists records across the doc, text, and vector stores and
// keeps them consistent. Write ordering is doc → text → vector; records
// whose secondary indexing failed stay flagged index_pending and a
// background reconciliation loop retries them. Pending records are visible
// to fetch but absent from search until indexed.
type MemoryStore struct {
	docs      DocStore
	text      TextIndex
	vectors   VectorIndex
	embedding EmbeddingProvider
	logger    *slog.Logger

	// locks serializes writes per memory id (sharded by id hash).
	locks [lockShards]sync.Mutex

	reconcileInterval time.Duration
	reconcileBatch    int
	done              chan struct{}
	wg                sync.WaitGroup
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryStoreLogger sets a structured logger for store operations.
func WithMemoryStoreLogger(l *slog.Logger) MemoryStoreOption {
	return func(s *MemoryStore) { s.logger = l }
}

// WithReconcileInterval sets the reconciliation loop's tick period
// (default 30s).
func WithReconcileInterval(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) { s.reconcileInterval = d }
}

// NewMemoryStore wires the three store ports and the embedder together.
func NewMemoryStore(docs DocStore, text TextIndex, vectors VectorIndex, embedding EmbeddingProvider, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		docs:              docs,
		text:              text,
		vectors:           vectors,
		embedding:         embedding,
		logger:            nopLogger,
		reconcileInterval: 30 * time.Second,
		reconcileBatch:    100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%lockShards]
}

// Put writes a record to all three stores. A secondary-index failure does
// not fail the call: the record stays index_pending and the reconciliation
// loop retries. Only a doc-store failure is returned.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	mu := s.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.putLocked(ctx, rec)
}

func (s *MemoryStore) putLocked(ctx context.Context, rec Record) error {
	start := time.Now()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = NowUnix()
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	rec.IndexPending = true

	if err := s.docs.PutRecord(ctx, rec); err != nil {
		s.logger.Error("memstore: put doc failed", "id", rec.ID, "error", err)
		return fmt.Errorf("put record %s: %w", rec.ID, err)
	}

	if err := s.index(ctx, rec); err != nil {
		// Reconciliation will retry; the record is fetchable meanwhile.
		s.logger.Warn("memstore: indexing deferred", "id", rec.ID, "error", err)
		return nil
	}
	if err := s.docs.MarkIndexed(ctx, rec.ID); err != nil {
		s.logger.Warn("memstore: mark indexed failed", "id", rec.ID, "error", err)
		return nil
	}
	s.logger.Debug("memstore: put ok", "id", rec.ID, "type", rec.Type, "duration", time.Since(start))
	return nil
}

// index writes the record's text and (for embeddable types) vector rows.
func (s *MemoryStore) index(ctx context.Context, rec Record) error {
	if err := s.text.IndexText(ctx, rec); err != nil {
		return fmt.Errorf("index text: %w", err)
	}
	if !rec.Type.Embeddable() || s.embedding == nil {
		return nil
	}
	embs, err := s.embedding.Embed(ctx, []string{rec.Summary})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	if len(embs) == 0 {
		return fmt.Errorf("embed: no vector returned")
	}
	if err := s.vectors.UpsertVector(ctx, rec, embs[0]); err != nil {
		return fmt.Errorf("index vector: %w", err)
	}
	return nil
}

// ReplaceEpisode atomically replaces all derived rows for an episode:
// soft-delete the old set, then insert the new one. Re-extracting the same
// episode id is therefore idempotent.
func (s *MemoryStore) ReplaceEpisode(ctx context.Context, episodeID string, recs []Record) error {
	mu := s.lockFor(episodeID)
	mu.Lock()
	defer mu.Unlock()

	ids, err := s.docs.SoftDelete(ctx, DeleteFilter{EpisodeID: episodeID})
	if err != nil {
		return fmt.Errorf("replace episode %s: %w", episodeID, err)
	}
	s.tombstone(ctx, ids)

	for _, rec := range recs {
		if err := s.putLocked(ctx, rec); err != nil {
			return err
		}
	}
	s.logger.Debug("memstore: replaced episode", "episode_id", episodeID, "removed", len(ids), "inserted", len(recs))
	return nil
}

// SoftDelete flips the deleted flag on matching records and tombstones
// them in the text and vector indexes. Returns the number of records
// affected.
func (s *MemoryStore) SoftDelete(ctx context.Context, f DeleteFilter) (int, error) {
	if f.Empty() {
		return 0, ErrInvalidParameter("delete filter must not be empty")
	}
	ids, err := s.docs.SoftDelete(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("soft delete: %w", err)
	}
	s.tombstone(ctx, ids)
	s.logger.Debug("memstore: soft deleted", "count", len(ids))
	return len(ids), nil
}

// tombstone removes ids from the secondary indexes, best-effort. A failed
// tombstone leaves the doc row deleted; search-side hydration drops
// deleted records so they never surface either way.
func (s *MemoryStore) tombstone(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := s.text.DeleteText(ctx, ids); err != nil {
		s.logger.Warn("memstore: text tombstone failed", "count", len(ids), "error", err)
	}
	if err := s.vectors.DeleteVector(ctx, ids); err != nil {
		s.logger.Warn("memstore: vector tombstone failed", "count", len(ids), "error", err)
	}
}

// Fetch reads records straight from the doc store. index_pending records
// are visible here.
func (s *MemoryStore) Fetch(ctx context.Context, q FetchQuery) ([]Record, error) {
	q.Filter.IncludePending = true
	return s.docs.QueryRecords(ctx, q)
}

// Reconcile retries indexing for up to batch pending records, returning
// how many were drained.
func (s *MemoryStore) Reconcile(ctx context.Context) (int, error) {
	pending, err := s.docs.PendingRecords(ctx, s.reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("pending records: %w", err)
	}
	drained := 0
	for _, rec := range pending {
		mu := s.lockFor(rec.ID)
		mu.Lock()
		err := s.index(ctx, rec)
		if err == nil {
			err = s.docs.MarkIndexed(ctx, rec.ID)
		}
		mu.Unlock()
		if err != nil {
			s.logger.Warn("memstore: reconcile failed", "id", rec.ID, "error", err)
			continue
		}
		drained++
	}
	if drained > 0 {
		s.logger.Info("memstore: reconciled pending records", "drained", drained, "remaining", len(pending)-drained)
	}
	return drained, nil
}

// Start launches the background reconciliation loop.
func (s *MemoryStore) Start() {
	s.done = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.reconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				if _, err := s.Reconcile(context.Background()); err != nil {
					s.logger.Warn("memstore: reconcile pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop terminates the reconciliation loop.
func (s *MemoryStore) Stop() {
	if s.done == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
	s.done = nil
}
