package engram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Ingest status values reported by AddMessage.
const (
	// StatusAccumulated means the message was queued; extraction has not
	// consumed it yet.
	StatusAccumulated = "accumulated"
	// StatusExtracted means the message closed an episode and its memories
	// were persisted within this call.
	StatusExtracted = "extracted"
)

// Retrieve methods accepted by Search.
const (
	MethodKeyword = "keyword"
	MethodVector  = "vector"
	MethodRRF     = "rrf"
	MethodHybrid  = "hybrid"
	MethodAgentic = "agentic"
)

const (
	maxSearchTopK = 100
	maxFetchLimit = 500
)

// IngestResult reports the outcome of one AddMessage call.
type IngestResult struct {
	// Status is "accumulated" or "extracted". Extracted means the submitted
	// message itself landed in a persisted episode; episodes closed for
	// older buffered messages still report "accumulated".
	Status string `json:"status_info"`
	// SavedMemories lists every record persisted during this call,
	// including ones from episodes the new message is not part of.
	SavedMemories []Record `json:"saved_memories,omitempty"`
}

// SearchRequest is one memory search call.
type SearchRequest struct {
	Query   string `json:"query"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
	// MemoryTypes selects the searchable collections. Default episodic.
	// Profile is not searchable; fetch it instead.
	MemoryTypes []MemoryType `json:"memory_types,omitempty"`
	// RetrieveMethod is keyword, vector, rrf, hybrid (rrf + rerank), or
	// agentic. Default rrf.
	RetrieveMethod string `json:"retrieve_method,omitempty"`
	// TopK defaults to 10 and is capped at 100.
	TopK          int       `json:"top_k,omitempty"`
	TimeRangeDays int       `json:"time_range_days,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
	EndTime       time.Time `json:"end_time,omitempty"`
	CurrentTime   time.Time `json:"current_time,omitempty"`
	Radius        float64   `json:"radius,omitempty"`
}

// SearchResponse carries ranked memories plus the buffered messages the
// search could not see.
type SearchResponse struct {
	Memories []Hit `json:"memories"`
	// PendingMessages are buffered-but-unextracted messages in the search
	// scope; recent content may live here rather than in Memories.
	PendingMessages []Message         `json:"pending_messages,omitempty"`
	Metadata        RetrievalMetadata `json:"metadata"`
	Agentic         *AgenticMetadata  `json:"agentic,omitempty"`
}

// FetchRequest is a direct, non-ranked read of stored memories.
type FetchRequest struct {
	UserID      string       `json:"user_id,omitempty"`
	GroupID     string       `json:"group_id,omitempty"`
	EpisodeID   string       `json:"episode_id,omitempty"`
	MemoryTypes []MemoryType `json:"memory_types,omitempty"`
	SortBy      string       `json:"sort_by,omitempty"`
	SortOrder   string       `json:"sort_order,omitempty"`
	// Limit defaults to 100 and is capped at 500.
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
	// VersionMin/VersionMax bound the record version; zero means unbounded.
	VersionMin int64 `json:"version_min,omitempty"`
	VersionMax int64 `json:"version_max,omitempty"`
}

// DeleteRequest selects memories for soft deletion. Fields set to "__all__"
// or left empty do not filter, but at least one must be concrete.
type DeleteRequest struct {
	EventID string `json:"event_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// Engine is the top-level facade: message ingestion through episodic
// extraction on one side, search/fetch/delete on the other. Construct it
// with NewEngine, call Start to launch the background loops, and Stop on
// shutdown.
type Engine struct {
	buffer    *MessageBuffer
	extractor *Extractor
	store     *MemoryStore
	retriever *HybridRetriever
	reranker  *RerankStage
	agentic   *AgenticRetriever
	profiles  *ProfileBuilder
	meta      *MetaService
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets a structured logger for engine operations.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithRerankStage attaches a rerank stage, enabling the hybrid method.
func WithRerankStage(s *RerankStage) EngineOption {
	return func(e *Engine) { e.reranker = s }
}

// WithAgenticRetriever attaches the multi-round loop, enabling the agentic
// method.
func WithAgenticRetriever(a *AgenticRetriever) EngineOption {
	return func(e *Engine) { e.agentic = a }
}

// NewEngine assembles the engine from its components.
func NewEngine(buffer *MessageBuffer, extractor *Extractor, store *MemoryStore, retriever *HybridRetriever, profiles *ProfileBuilder, meta *MetaService, opts ...EngineOption) *Engine {
	e := &Engine{
		buffer:    buffer,
		extractor: extractor,
		store:     store,
		retriever: retriever,
		profiles:  profiles,
		meta:      meta,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start launches the idle flusher and the index reconciliation loop.
func (e *Engine) Start() {
	e.store.Start()
	e.buffer.Start(func(ctx context.Context, ep Episode) {
		if _, err := e.processEpisode(ctx, ep); err != nil {
			e.logger.Error("engine: idle-flushed episode failed", "episode_id", ep.ID, "error", err)
		}
	})
}

// Stop terminates the background loops. Buffered messages stay queued.
func (e *Engine) Stop() {
	e.buffer.Stop()
	e.store.Stop()
}

// AddMessage ingests one message. Most calls just queue the message; when
// it closes an episode, extraction and persistence run synchronously and
// the produced records are returned.
func (e *Engine) AddMessage(ctx context.Context, msg Message) (IngestResult, error) {
	if err := validateMessage(msg); err != nil {
		return IngestResult{}, err
	}

	meta, err := e.meta.Get(ctx, msg.GroupID)
	if err != nil {
		return IngestResult{}, err
	}

	key := ConversationKeyFor(meta.Scene, msg)
	appended := e.buffer.Append(ctx, key, msg)
	if appended.Duplicate {
		return IngestResult{Status: StatusAccumulated}, nil
	}

	res := IngestResult{Status: StatusAccumulated}
	for _, ep := range appended.Flushed {
		saved, err := e.processEpisode(ctx, ep)
		if err != nil {
			e.logger.Error("engine: episode extraction failed", "episode_id", ep.ID, "error", err)
			continue
		}
		res.SavedMemories = append(res.SavedMemories, saved...)
	}
	if appended.NewMessageFlushed && len(res.SavedMemories) > 0 {
		res.Status = StatusExtracted
	}
	return res, nil
}

func validateMessage(msg Message) error {
	switch {
	case strings.TrimSpace(msg.ID) == "":
		return ErrInvalidParameter("message_id must not be empty")
	case strings.TrimSpace(msg.Sender) == "":
		return ErrInvalidParameter("sender must not be empty")
	case strings.TrimSpace(msg.Content) == "":
		return ErrInvalidParameter("content must not be empty")
	case msg.CreateTime.IsZero():
		return ErrInvalidParameter("create_time must be set")
	case msg.Role != RoleUser && msg.Role != RoleAssistant:
		return ErrInvalidParameter("unknown role %q", msg.Role)
	}
	return nil
}

// processEpisode extracts one closed episode and persists the result.
// Replacing by episode id keeps re-extraction idempotent.
func (e *Engine) processEpisode(ctx context.Context, ep Episode) ([]Record, error) {
	meta, err := e.meta.Get(ctx, ep.GroupID)
	if err != nil {
		return nil, err
	}

	x, err := e.extractor.Extract(ctx, ep, meta)
	if err != nil {
		if CodeOf(err) == CodeInvalidParameter {
			// Too-short episodes are dropped, not failed.
			e.logger.Debug("engine: episode skipped", "episode_id", ep.ID, "reason", err)
			return nil, nil
		}
		return nil, fmt.Errorf("extract: %w", err)
	}

	recs := x.Records()
	if err := e.store.ReplaceEpisode(ctx, ep.ID, recs); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}

	if len(x.Patches) > 0 {
		if err := e.profiles.Apply(ctx, x.Patches); err != nil {
			// Profiles rebuild on the next episode touching the user.
			e.logger.Warn("engine: profile patches failed", "episode_id", ep.ID, "error", err)
		}
	}
	return recs, nil
}

// Search runs a ranked retrieval over the memory collections.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return SearchResponse{}, ErrInvalidParameter("query must not be empty")
	}
	if req.TopK > maxSearchTopK {
		return SearchResponse{}, ErrInvalidParameter("top_k must not exceed %d", maxSearchTopK)
	}
	for _, t := range req.MemoryTypes {
		if t == MemoryProfile {
			return SearchResponse{}, ErrInvalidParameter("profile is not searchable; use fetch")
		}
		if !validMemoryType(t) {
			return SearchResponse{}, ErrInvalidParameter("unknown memory type %q", t)
		}
	}

	method := req.RetrieveMethod
	if method == "" {
		method = MethodRRF
	}
	var mode RetrievalMode
	switch method {
	case MethodKeyword:
		mode = ModeBM25
	case MethodVector:
		mode = ModeEmbedding
	case MethodRRF, MethodHybrid, MethodAgentic:
		mode = ModeRRF
	default:
		return SearchResponse{}, ErrInvalidParameter("unknown retrieve_method %q", method)
	}
	if method == MethodHybrid && e.reranker == nil {
		return SearchResponse{}, ErrInvalidParameter("retrieve_method=hybrid requires a rerank stage")
	}
	if method == MethodAgentic && e.agentic == nil {
		return SearchResponse{}, ErrInvalidParameter("retrieve_method=agentic requires an agentic retriever")
	}

	userID, groupID := normalizeAll(req.UserID), normalizeAll(req.GroupID)
	rreq := RetrievalRequest{
		Query:         req.Query,
		Scope:         scopeFor(userID, groupID),
		UserID:        userID,
		GroupID:       groupID,
		Types:         req.MemoryTypes,
		Mode:          mode,
		TopK:          req.TopK,
		TimeRangeDays: req.TimeRangeDays,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
		CurrentTime:   req.CurrentTime,
		Radius:        req.Radius,
	}

	var resp SearchResponse
	switch method {
	case MethodAgentic:
		ar, err := e.agentic.Retrieve(ctx, rreq)
		if err != nil {
			return SearchResponse{}, err
		}
		resp.Memories = ar.Hits
		resp.Metadata = ar.Retrieval
		resp.Agentic = &ar.Agentic
	default:
		r, err := e.retriever.Retrieve(ctx, rreq)
		if err != nil {
			return SearchResponse{}, err
		}
		resp.Memories = r.Hits
		resp.Metadata = r.Metadata
		if method == MethodHybrid {
			topK := rreq.TopK
			if topK <= 0 {
				topK = e.retriever.cfg.DefaultTopK
			}
			resp.Memories = e.reranker.Rerank(ctx, req.Query, resp.Memories, topK)
		}
	}

	resp.PendingMessages = e.buffer.Pending(userID, groupID)
	return resp, nil
}

// scopeFor derives the retrieval scope from which ids are present.
func scopeFor(userID, groupID string) Scope {
	switch {
	case userID != "" && groupID != "":
		return ScopeAll
	case userID != "":
		return ScopePersonal
	default:
		return ScopeGroup
	}
}

func validMemoryType(t MemoryType) bool {
	switch t {
	case MemoryEpisodic, MemoryEventLog, MemorySemantic, MemoryProfile, MemoryForesight:
		return true
	}
	return false
}

// Fetch reads stored memories directly, without ranking. At least one of
// user_id and group_id must be concrete (not "__all__"). Profile fetches
// read the profile table; mixing profile with other types is rejected.
func (e *Engine) Fetch(ctx context.Context, req FetchRequest) ([]Record, error) {
	userID, groupID := normalizeAll(req.UserID), normalizeAll(req.GroupID)
	if userID == "" && groupID == "" && req.EpisodeID == "" {
		return nil, ErrInvalidParameter("fetch requires user_id, group_id, or episode_id")
	}
	if req.Limit > maxFetchLimit {
		return nil, ErrInvalidParameter("limit must not exceed %d", maxFetchLimit)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	wantProfile := false
	for _, t := range req.MemoryTypes {
		if !validMemoryType(t) {
			return nil, ErrInvalidParameter("unknown memory type %q", t)
		}
		if t == MemoryProfile {
			wantProfile = true
		}
	}
	if wantProfile {
		if len(req.MemoryTypes) > 1 {
			return nil, ErrInvalidParameter("profile cannot be fetched together with other memory types")
		}
		profiles, err := e.store.docs.ListProfiles(ctx, userID, groupID)
		if err != nil {
			return nil, fmt.Errorf("list profiles: %w", err)
		}
		recs := make([]Record, 0, len(profiles))
		for _, p := range profiles {
			recs = append(recs, NewProfileRecord(p))
			if len(recs) == limit {
				break
			}
		}
		return recs, nil
	}

	types := req.MemoryTypes
	if len(types) == 0 {
		types = []MemoryType{MemoryEpisodic}
	}
	q := FetchQuery{
		Filter: RecordFilter{
			Types:      types,
			UserID:     userID,
			GroupID:    groupID,
			EpisodeID:  req.EpisodeID,
			VersionMin: req.VersionMin,
			VersionMax: req.VersionMax,
		},
		SortBy:    req.SortBy,
		SortOrder: req.SortOrder,
		Limit:     limit,
		Offset:    req.Offset,
	}
	if !req.StartTime.IsZero() {
		q.Filter.StartTime = req.StartTime.Unix()
	}
	if !req.EndTime.IsZero() {
		q.Filter.EndTime = req.EndTime.Unix()
	}
	return e.store.Fetch(ctx, q)
}

// Delete soft-deletes memories matching the request. Deleted memories
// disappear from search and fetch but their rows are kept.
func (e *Engine) Delete(ctx context.Context, req DeleteRequest) (int, error) {
	f, err := ResolveDeleteFilter(req.EventID, req.UserID, req.GroupID)
	if err != nil {
		return 0, err
	}
	return e.store.SoftDelete(ctx, f)
}

// Flush force-closes every non-empty buffer and extracts the episodes.
// Intended for shutdown and tests.
func (e *Engine) Flush(ctx context.Context) ([]Record, error) {
	episodes := e.buffer.FlushAll()
	var saved []Record
	var firstErr error
	for _, ep := range episodes {
		recs, err := e.processEpisode(ctx, ep)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		saved = append(saved, recs...)
	}
	return saved, firstErr
}

// Meta exposes the conversation metadata service.
func (e *Engine) Meta() *MetaService { return e.meta }
