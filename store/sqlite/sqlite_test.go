package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nevindra/engram"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "engram.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func record(id string, typ engram.MemoryType, createdAt int64) engram.Record {
	return engram.Record{
		ID:        id,
		Type:      typ,
		UserID:    "u1",
		Summary:   "summary for " + id,
		CreatedAt: createdAt,
		Version:   1,
	}
}

func TestPutGetRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("m1", engram.MemoryEpisodic, 100)
	rec.Payload = []byte(`{"memory_id":"m1"}`)
	rec.IndexPending = true
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetRecord(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "m1" || got.Type != engram.MemoryEpisodic || !got.IndexPending {
		t.Errorf("got %+v", got)
	}
	if string(got.Payload) != `{"memory_id":"m1"}` {
		t.Errorf("payload = %s", got.Payload)
	}

	if _, err := s.GetRecord(ctx, "nope"); engram.CodeOf(err) != engram.CodeNotFound {
		t.Errorf("CodeOf() = %v, want not found", engram.CodeOf(err))
	}
}

func TestQueryRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []engram.Record{
		record("a", engram.MemoryEpisodic, 100),
		record("b", engram.MemoryEpisodic, 200),
		record("c", engram.MemorySemantic, 300),
	} {
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.QueryRecords(ctx, engram.FetchQuery{
		Filter: engram.RecordFilter{Types: []engram.MemoryType{engram.MemoryEpisodic}, UserID: "u1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	// Default sort is created_at descending.
	if recs[0].ID != "b" || recs[1].ID != "a" {
		t.Errorf("order = [%s, %s], want [b, a]", recs[0].ID, recs[1].ID)
	}

	recs, err = s.QueryRecords(ctx, engram.FetchQuery{
		Filter:    engram.RecordFilter{UserID: "u1"},
		SortOrder: "asc",
		Limit:     2,
		Offset:    1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].ID != "b" {
		t.Errorf("paginated = %v", recs)
	}

	if _, err := s.QueryRecords(ctx, engram.FetchQuery{SortBy: "mood"}); engram.CodeOf(err) != engram.CodeInvalidParameter {
		t.Errorf("CodeOf() = %v, want invalid parameter", engram.CodeOf(err))
	}
}

func TestQueryRecordsTimeWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, rec := range []engram.Record{
		record("old", engram.MemoryEpisodic, 100),
		record("mid", engram.MemoryEpisodic, 200),
		record("new", engram.MemoryEpisodic, 300),
	} {
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.QueryRecords(ctx, engram.FetchQuery{
		Filter: engram.RecordFilter{UserID: "u1", StartTime: 150, EndTime: 250},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "mid" {
		t.Errorf("windowed = %v, want just mid", recs)
	}
}

func TestSemanticValidityFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := record("expired", engram.MemorySemantic, 100)
	expired.ValidFrom = 100
	expired.ValidTo = 200
	open := record("open", engram.MemorySemantic, 100)
	open.ValidFrom = 100
	episodic := record("ep", engram.MemoryEpisodic, 100)
	for _, rec := range []engram.Record{expired, open, episodic} {
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.QueryRecords(ctx, engram.FetchQuery{
		Filter: engram.RecordFilter{UserID: "u1", ValidAt: 300},
	})
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]bool{}
	for _, r := range recs {
		ids[r.ID] = true
	}
	if ids["expired"] {
		t.Error("expired semantic row passed the validity filter")
	}
	if !ids["open"] || !ids["ep"] {
		t.Errorf("rows = %v, want open semantic and the episodic row", ids)
	}
}

func TestPendingLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("m1", engram.MemoryEpisodic, 100)
	rec.IndexPending = true
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// Pending rows are invisible to search-style queries...
	recs, err := s.QueryRecords(ctx, engram.FetchQuery{Filter: engram.RecordFilter{UserID: "u1"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("pending row visible without IncludePending: %v", recs)
	}
	// ...but visible with fetch semantics.
	recs, err = s.QueryRecords(ctx, engram.FetchQuery{Filter: engram.RecordFilter{UserID: "u1", IncludePending: true}})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Errorf("pending row not fetchable")
	}

	pending, err := s.PendingRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "m1" {
		t.Errorf("pending = %v", pending)
	}

	if err := s.MarkIndexed(ctx, "m1"); err != nil {
		t.Fatal(err)
	}
	pending, err = s.PendingRecords(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("still pending after MarkIndexed: %v", pending)
	}
}

func TestSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, rec := range []engram.Record{
		record("a", engram.MemoryEpisodic, 100),
		record("b", engram.MemoryEpisodic, 200),
	} {
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := s.SoftDelete(ctx, engram.DeleteFilter{EventID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "a" {
		t.Fatalf("deleted %v, want [a]", ids)
	}

	// Deleted rows still load by id but drop out of batch reads.
	got, err := s.GetRecord(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Deleted {
		t.Error("deleted flag not set")
	}
	recs, err := s.GetRecords(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].ID != "b" {
		t.Errorf("GetRecords = %v, want just b", recs)
	}

	// Repeating the delete matches nothing.
	ids, err = s.SoftDelete(ctx, engram.DeleteFilter{EventID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("second delete returned %v", ids)
	}

	if _, err := s.SoftDelete(ctx, engram.DeleteFilter{}); engram.CodeOf(err) != engram.CodeInvalidParameter {
		t.Errorf("CodeOf() = %v, want invalid parameter", engram.CodeOf(err))
	}
}

func TestTextSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := map[string]string{
		"a": "planning the barcelona trip in spring",
		"b": "booked a flight to barcelona",
		"c": "grocery list for the week",
	}
	for id, summary := range docs {
		rec := record(id, engram.MemoryEpisodic, 100)
		rec.Summary = summary
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if err := s.IndexText(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchText(ctx, "barcelona", engram.RecordFilter{UserID: "u1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	for _, h := range hits {
		if h.ID == "c" {
			t.Error("unrelated doc matched")
		}
		if h.Score < 0 {
			t.Errorf("hit %s has negative score %f", h.ID, h.Score)
		}
	}

	// Reindexing replaces the old row instead of duplicating it.
	rec := record("a", engram.MemoryEpisodic, 100)
	rec.Summary = "completely different now"
	if err := s.IndexText(ctx, rec); err != nil {
		t.Fatal(err)
	}
	hits, err = s.SearchText(ctx, "barcelona", engram.RecordFilter{UserID: "u1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "b" {
		t.Errorf("hits after reindex = %v, want just b", hits)
	}

	if err := s.DeleteText(ctx, []string{"b"}); err != nil {
		t.Fatal(err)
	}
	hits, err = s.SearchText(ctx, "barcelona", engram.RecordFilter{UserID: "u1"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("hits after delete = %v, want none", hits)
	}
}

func TestTextSearchQuoting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := record("a", engram.MemoryEpisodic, 100)
	rec.Summary = "notes about the AND operator"
	if err := s.PutRecord(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.IndexText(ctx, rec); err != nil {
		t.Fatal(err)
	}

	// FTS5 operators and quotes in user input must not break the query.
	for _, q := range []string{`AND operator`, `"quoted"`, `trip OR NOT`, ``} {
		if _, err := s.SearchText(ctx, q, engram.RecordFilter{}, 10); err != nil {
			t.Errorf("SearchText(%q) failed: %v", q, err)
		}
	}
}

func TestVectorSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"same":       {1, 0, 0},
		"close":      {0.9, 0.1, 0},
		"orthogonal": {0, 1, 0},
	}
	for id, vec := range vectors {
		rec := record(id, engram.MemoryEpisodic, 100)
		if err := s.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		if err := s.UpsertVector(ctx, rec, vec); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := s.SearchVector(ctx, []float32{1, 0, 0}, engram.RecordFilter{UserID: "u1"}, 10, 0.6)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2 above the 0.6 floor", len(hits))
	}
	if hits[0].ID != "same" || hits[1].ID != "close" {
		t.Errorf("order = [%s, %s], want [same, close]", hits[0].ID, hits[1].ID)
	}

	// Radius -1 disables the floor.
	hits, err = s.SearchVector(ctx, []float32{1, 0, 0}, engram.RecordFilter{UserID: "u1"}, 10, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Errorf("got %d hits with the floor disabled, want 3", len(hits))
	}

	if err := s.DeleteVector(ctx, []string{"same"}); err != nil {
		t.Fatal(err)
	}
	hits, err = s.SearchVector(ctx, []float32{1, 0, 0}, engram.RecordFilter{UserID: "u1"}, 10, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Errorf("got %d hits after vector delete, want 2", len(hits))
	}

	if err := s.UpsertVector(ctx, record("x", engram.MemoryEpisodic, 0), nil); engram.CodeOf(err) != engram.CodeInvalidParameter {
		t.Errorf("CodeOf() = %v, want invalid parameter for empty embedding", engram.CodeOf(err))
	}
}

func TestProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := engram.Profile{
		ID:     "p1",
		UserID: "u1",
		Attributes: map[string]engram.ProfileAttribute{
			"home.city": {Value: "Berlin", Confidence: 0.9},
		},
		Version:   1,
		UpdatedAt: 100,
	}
	if err := s.PutProfile(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetProfile(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.Attributes["home.city"].Value != "Berlin" {
		t.Errorf("profile = %+v", got)
	}

	if _, err := s.GetProfile(ctx, "nobody", ""); engram.CodeOf(err) != engram.CodeNotFound {
		t.Errorf("CodeOf() = %v, want not found", engram.CodeOf(err))
	}

	newer := engram.Profile{ID: "p2", UserID: "u2", GroupID: "g1", Version: 1, UpdatedAt: 200}
	if err := s.PutProfile(ctx, newer); err != nil {
		t.Fatal(err)
	}
	profiles, err := s.ListProfiles(ctx, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 2 || profiles[0].ID != "p2" {
		t.Errorf("ListProfiles = %v, want newest first", profiles)
	}
	profiles, err = s.ListProfiles(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || profiles[0].ID != "p1" {
		t.Errorf("filtered ListProfiles = %v", profiles)
	}
}

func TestMetaCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	meta := engram.ConversationMeta{GroupID: "g1", Scene: engram.SceneGroupChat, Version: 1}
	if err := s.PutMeta(ctx, meta); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMeta(ctx, "g1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Scene != engram.SceneGroupChat {
		t.Errorf("meta = %+v", got)
	}

	meta.Name = "updated"
	meta.Version = 2
	if err := s.UpdateMeta(ctx, meta, 1); err != nil {
		t.Fatal(err)
	}
	// A stale expected version reports not found for the retry loop.
	meta.Version = 3
	if err := s.UpdateMeta(ctx, meta, 1); engram.CodeOf(err) != engram.CodeNotFound {
		t.Errorf("CodeOf() = %v, want not found on version conflict", engram.CodeOf(err))
	}

	if _, err := s.GetMeta(ctx, "missing"); engram.CodeOf(err) != engram.CodeNotFound {
		t.Errorf("CodeOf() = %v, want not found", engram.CodeOf(err))
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2}, []float32{1, 2}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"mismatched length", []float32{1}, []float32{1, 0}, 0},
		{"zero", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosineSimilarity(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosineSimilarity() = %f, want %f", got, tt.want)
			}
		})
	}
}
