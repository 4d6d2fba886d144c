package engram

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// In-memory store implementing DocStore, TextIndex, and VectorIndex.
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	records  map[string]Record
	textDocs map[string]string
	vecs     map[string][]float32
	profiles map[profileKey]Profile
	metas    map[string]ConversationMeta

	failSearchText   bool
	failSearchVector bool
	failIndexText    bool
	putProfileErr    error
}

func newMemStore() *memStore {
	return &memStore{
		records:  make(map[string]Record),
		textDocs: make(map[string]string),
		vecs:     make(map[string][]float32),
		profiles: make(map[profileKey]Profile),
		metas:    make(map[string]ConversationMeta),
	}
}

func (s *memStore) Init(ctx context.Context) error { return nil }
func (s *memStore) Close() error                   { return nil }

func (s *memStore) PutRecord(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	return nil
}

func (s *memStore) GetRecord(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound("record %q not found", id)
	}
	return rec, nil
}

func (s *memStore) GetRecords(ctx context.Context, ids []string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, id := range ids {
		if rec, ok := s.records[id]; ok && !rec.Deleted {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchesFilter(rec Record, f RecordFilter) bool {
	if rec.Deleted {
		return false
	}
	if rec.IndexPending && !f.IncludePending {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if rec.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.GroupID != "" && rec.GroupID != f.GroupID {
		return false
	}
	if f.EpisodeID != "" && rec.EpisodeID != f.EpisodeID {
		return false
	}
	if f.StartTime != 0 && rec.CreatedAt < f.StartTime {
		return false
	}
	if f.EndTime != 0 && rec.CreatedAt > f.EndTime {
		return false
	}
	if f.VersionMin != 0 && rec.Version < f.VersionMin {
		return false
	}
	if f.VersionMax != 0 && rec.Version > f.VersionMax {
		return false
	}
	if f.ValidAt != 0 && rec.Type == MemorySemantic {
		if rec.ValidFrom > f.ValidAt {
			return false
		}
		if rec.ValidTo != 0 && rec.ValidTo <= f.ValidAt {
			return false
		}
	}
	return true
}

func (s *memStore) QueryRecords(ctx context.Context, q FetchQuery) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if matchesFilter(rec, q.Filter) {
			out = append(out, rec)
		}
	}
	key := func(r Record) int64 {
		switch q.SortBy {
		case "timestamp":
			return r.Timestamp
		case "importance":
			return int64(r.Importance * 1e6)
		default:
			return r.CreatedAt
		}
	}
	asc := q.SortOrder == "asc"
	sort.Slice(out, func(i, j int) bool {
		a, b := key(out[i]), key(out[j])
		if a != b {
			if asc {
				return a < b
			}
			return a > b
		}
		return out[i].ID < out[j].ID
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) MarkIndexed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrNotFound("record %q not found", id)
	}
	rec.IndexPending = false
	s.records[id] = rec
	return nil
}

func (s *memStore) PendingRecords(ctx context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.IndexPending && !rec.Deleted {
			out = append(out, rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) SoftDelete(ctx context.Context, f DeleteFilter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.records {
		if rec.Deleted {
			continue
		}
		if f.EventID != "" && rec.ID != f.EventID {
			continue
		}
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.GroupID != "" && rec.GroupID != f.GroupID {
			continue
		}
		if f.EpisodeID != "" && rec.EpisodeID != f.EpisodeID {
			continue
		}
		rec.Deleted = true
		s.records[id] = rec
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) PutProfile(ctx context.Context, p Profile) error {
	if s.putProfileErr != nil {
		return s.putProfileErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profileKey{userID: p.UserID, groupID: p.GroupID}] = p
	return nil
}

func (s *memStore) GetProfile(ctx context.Context, userID, groupID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[profileKey{userID: userID, groupID: groupID}]
	if !ok {
		return Profile{}, ErrNotFound("profile for user %q not found", userID)
	}
	return p, nil
}

func (s *memStore) ListProfiles(ctx context.Context, userID, groupID string) ([]Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Profile
	for k, p := range s.profiles {
		if userID != "" && k.userID != userID {
			continue
		}
		if groupID != "" && k.groupID != groupID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func (s *memStore) PutMeta(ctx context.Context, meta ConversationMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[meta.GroupID] = meta
	return nil
}

func (s *memStore) UpdateMeta(ctx context.Context, meta ConversationMeta, expectVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.metas[meta.GroupID]
	if !ok || cur.Version != expectVersion {
		return ErrNotFound("meta for group %q at version %d not found", meta.GroupID, expectVersion)
	}
	s.metas[meta.GroupID] = meta
	return nil
}

func (s *memStore) GetMeta(ctx context.Context, groupID string) (ConversationMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.metas[groupID]
	if !ok {
		return ConversationMeta{}, ErrNotFound("meta for group %q not found", groupID)
	}
	return meta, nil
}

func (s *memStore) IndexText(ctx context.Context, rec Record) error {
	if s.failIndexText {
		return fmt.Errorf("text index unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.textDocs[rec.ID] = strings.ToLower(rec.Summary)
	return nil
}

// SearchText scores by how many query tokens appear in the indexed summary.
func (s *memStore) SearchText(ctx context.Context, query string, filter RecordFilter, topK int) ([]TextHit, error) {
	if s.failSearchText {
		return nil, fmt.Errorf("text search unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := strings.Fields(strings.ToLower(query))
	var hits []TextHit
	for id, doc := range s.textDocs {
		rec, ok := s.records[id]
		if !ok || !matchesFilter(rec, filter) {
			continue
		}
		score := 0.0
		for _, tok := range tokens {
			if strings.Contains(doc, tok) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, TextHit{ID: id, Score: score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *memStore) DeleteText(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.textDocs, id)
	}
	return nil
}

func (s *memStore) UpsertVector(ctx context.Context, rec Record, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vecs[rec.ID] = embedding
	return nil
}

func (s *memStore) SearchVector(ctx context.Context, embedding []float32, filter RecordFilter, topK int, minScore float64) ([]VectorHit, error) {
	if s.failSearchVector {
		return nil, fmt.Errorf("vector search unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var hits []VectorHit
	for id, vec := range s.vecs {
		rec, ok := s.records[id]
		if !ok || !matchesFilter(rec, filter) {
			continue
		}
		score := float64(cosineSimilarity(embedding, vec))
		if minScore > -1 && score < minScore {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *memStore) DeleteVector(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.vecs, id)
	}
	return nil
}

var (
	_ DocStore    = (*memStore)(nil)
	_ TextIndex   = (*memStore)(nil)
	_ VectorIndex = (*memStore)(nil)
)

// ---------------------------------------------------------------------------
// Provider fakes
// ---------------------------------------------------------------------------

// fakeProvider replays a fixed sequence of chat responses.
type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return ChatResponse{}, p.errs[i]
	}
	if i >= len(p.responses) {
		return ChatResponse{}, fmt.Errorf("fake provider: no response scripted for call %d", i)
	}
	return ChatResponse{Content: p.responses[i], Usage: Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

// fakeEmbedding returns per-text vectors from a lookup table, falling back
// to a fixed default so unrelated texts all look alike.
type fakeEmbedding struct {
	table      map[string][]float32
	defaultVec []float32
	err        error
}

func newFakeEmbedding() *fakeEmbedding {
	return &fakeEmbedding{
		table:      make(map[string][]float32),
		defaultVec: []float32{1, 0, 0},
	}
}

func (e *fakeEmbedding) Name() string    { return "fake-embedding" }
func (e *fakeEmbedding) Dimensions() int { return 3 }

func (e *fakeEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := e.table[t]; ok {
			out[i] = v
		} else {
			out[i] = e.defaultVec
		}
	}
	return out, nil
}

// fakeRerank scores documents with a caller-supplied function.
type fakeRerank struct {
	fn    func(query string, docs []string) ([]float64, error)
	calls int
	mu    sync.Mutex
}

func (r *fakeRerank) Name() string { return "fake-rerank" }

func (r *fakeRerank) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return r.fn(query, docs)
}

// stubText and stubVec return fixed ranked lists, for exact-order fusion
// tests.
type stubText struct {
	hits []TextHit
	err  error
}

func (s *stubText) IndexText(ctx context.Context, rec Record) error { return nil }
func (s *stubText) SearchText(ctx context.Context, query string, filter RecordFilter, topK int) ([]TextHit, error) {
	return s.hits, s.err
}
func (s *stubText) DeleteText(ctx context.Context, ids []string) error { return nil }

type stubVec struct {
	hits []VectorHit
	err  error
}

func (s *stubVec) UpsertVector(ctx context.Context, rec Record, embedding []float32) error {
	return nil
}
func (s *stubVec) SearchVector(ctx context.Context, embedding []float32, filter RecordFilter, topK int, minScore float64) ([]VectorHit, error) {
	return s.hits, s.err
}
func (s *stubVec) DeleteVector(ctx context.Context, ids []string) error { return nil }
