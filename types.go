package engram

import (
	"encoding/json"
	"time"
)

// --- Enumerations ---

// Role is the author role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Scene describes the conversation shape of a group.
type Scene string

const (
	// SceneAssistant is a 1:1 dialogue between a single user and an assistant.
	SceneAssistant Scene = "assistant"
	// SceneGroupChat is a multi-user group conversation.
	SceneGroupChat Scene = "group_chat"
)

// MemoryType discriminates the stored memory variants.
type MemoryType string

const (
	MemoryEpisodic  MemoryType = "episodic_memory"
	MemoryEventLog  MemoryType = "event_log"
	MemorySemantic  MemoryType = "semantic_memory"
	MemoryProfile   MemoryType = "profile"
	MemoryForesight MemoryType = "foresight"
)

// Scope selects which of the user/group filters apply to a retrieval.
type Scope string

const (
	// ScopeAll filters by both user_id and group_id.
	ScopeAll Scope = "all"
	// ScopePersonal filters by user_id only; group_id is ignored.
	ScopePersonal Scope = "personal"
	// ScopeGroup filters by group_id only; user_id is ignored.
	ScopeGroup Scope = "group"
)

// RetrievalMode selects the search modality inside HybridRetriever.
type RetrievalMode string

const (
	ModeBM25      RetrievalMode = "bm25"
	ModeEmbedding RetrievalMode = "embedding"
	ModeRRF       RetrievalMode = "rrf"
)

// Language selects the extraction prompt language.
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// ExtractionStatus records how much of an extraction pipeline succeeded.
type ExtractionStatus string

const (
	ExtractionComplete ExtractionStatus = "complete"
	ExtractionPartial  ExtractionStatus = "partial"
)

// All is the sentinel meaning "do not filter by this field".
const All = "__all__"

// --- Input records ---

// Message is an immutable chat message accepted by the ingester.
// Within a (group_id, sender) stream message IDs are unique and create
// times are expected to be monotonic non-decreasing; out-of-order arrivals
// are accepted and sorted at flush time.
type Message struct {
	ID         string    `json:"message_id"`
	CreateTime time.Time `json:"create_time"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	GroupID    string    `json:"group_id,omitempty"`
	GroupName  string    `json:"group_name,omitempty"`
	ReferList  []string  `json:"refer_list,omitempty"`
}

// UserDetail describes one participant in a conversation.
type UserDetail struct {
	FullName   string            `json:"full_name,omitempty"`
	Role       string            `json:"role,omitempty"`
	CustomRole string            `json:"custom_role,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// ConversationMeta is per-group configuration. A record with an empty
// GroupID acts as the default for groups without explicit configuration.
// Version, Scene, GroupID, and ConversationCreatedAt are immutable after
// creation; PATCH-style updates may only touch the mutable subset.
type ConversationMeta struct {
	GroupID                string                `json:"group_id,omitempty"`
	Scene                  Scene                 `json:"scene"`
	SceneDesc              string                `json:"scene_desc,omitempty"`
	Name                   string                `json:"name,omitempty"`
	Description            string                `json:"description,omitempty"`
	DefaultTimezone        string                `json:"default_timezone,omitempty"`
	UserDetails            map[string]UserDetail `json:"user_details,omitempty"`
	Tags                   []string              `json:"tags,omitempty"`
	Version                int64                 `json:"version"`
	ConversationCreatedAt  int64                 `json:"conversation_created_at"`
	UpdatedAt              int64                 `json:"updated_at"`
}

// Location resolves the meta's default timezone, falling back to UTC.
func (m ConversationMeta) Location() *time.Location {
	if m.DefaultTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(m.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Episode is a closed, ordered sequence of messages treated as one unit of
// extraction. Episodes are not persisted as first-class rows; derived
// memories reference them via EpisodeID.
type Episode struct {
	ID             string    `json:"episode_id"`
	GroupID        string    `json:"group_id,omitempty"`
	ConversationKey string   `json:"conversation_key"`
	Messages       []Message `json:"messages"`
}

// StartTime returns the create time of the first message.
func (e Episode) StartTime() time.Time {
	if len(e.Messages) == 0 {
		return time.Time{}
	}
	return e.Messages[0].CreateTime
}

// EndTime returns the create time of the last message.
func (e Episode) EndTime() time.Time {
	if len(e.Messages) == 0 {
		return time.Time{}
	}
	return e.Messages[len(e.Messages)-1].CreateTime
}

// MessageIDs returns the ordered source message ids.
func (e Episode) MessageIDs() []string {
	ids := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		ids[i] = m.ID
	}
	return ids
}

// --- Memory variants ---

// EpisodicMemory is the summary artifact derived from one episode.
type EpisodicMemory struct {
	ID               string   `json:"memory_id"`
	EpisodeID        string   `json:"episode_id"`
	UserID           string   `json:"user_id,omitempty"`
	GroupID          string   `json:"group_id,omitempty"`
	Timestamp        int64    `json:"timestamp"`
	Summary          string   `json:"summary"`
	Content          string   `json:"content"`
	SourceMessageIDs []string `json:"source_message_ids,omitempty"`
	Importance       float64  `json:"importance"`
	SalientUserIDs   []string `json:"salient_user_ids,omitempty"`
}

// EventLog is an atomic structured (subject, predicate, object, time) fact.
type EventLog struct {
	ID               string   `json:"id"`
	EpisodeID        string   `json:"episode_id"`
	Subject          string   `json:"subject"`
	Predicate        string   `json:"predicate"`
	Object           string   `json:"object"`
	Time             int64    `json:"time"`
	GroupID          string   `json:"group_id,omitempty"`
	SourceMessageIDs []string `json:"source_message_ids,omitempty"`
}

// Text renders the fact as a single searchable sentence.
func (e EventLog) Text() string {
	return e.Subject + " " + e.Predicate + " " + e.Object
}

// SemanticMemory is a long-term abstracted statement with a validity
// interval. ValidTo == 0 means open-ended.
type SemanticMemory struct {
	ID               string   `json:"id"`
	Subject          string   `json:"subject"`
	Statement        string   `json:"statement"`
	Confidence       float64  `json:"confidence"`
	ValidFrom        int64    `json:"valid_from"`
	ValidTo          int64    `json:"valid_to,omitempty"`
	GroupID          string   `json:"group_id,omitempty"`
	SourceEpisodeIDs []string `json:"source_episode_ids,omitempty"`
}

// Foresight is a prospective memory: a future-dated commitment or intent.
type Foresight struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	GroupID   string `json:"group_id,omitempty"`
	EventTime int64  `json:"event_time"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
}

// ProfileAttribute is one aggregated attribute value with provenance.
type ProfileAttribute struct {
	Value              string  `json:"value"`
	Confidence         float64 `json:"confidence"`
	ProvenanceMemoryID string  `json:"provenance_memory_id,omitempty"`
	UpdatedAt          int64   `json:"updated_at"`
}

// ProfilePatch is an incremental profile update emitted by the extractor.
type ProfilePatch struct {
	UserID             string  `json:"user_id"`
	GroupID            string  `json:"group_id,omitempty"`
	AttributePath      string  `json:"attribute_path"`
	Value              string  `json:"value"`
	ProvenanceMemoryID string  `json:"provenance_memory_id,omitempty"`
	Confidence         float64 `json:"confidence"`
	Timestamp          int64   `json:"timestamp"`
}

// Profile aggregates attributes about a user within a group. It is rebuilt
// incrementally as extraction events arrive and carries a bounded
// provenance log of applied patches.
type Profile struct {
	ID         string                      `json:"id"`
	UserID     string                      `json:"user_id"`
	GroupID    string                      `json:"group_id,omitempty"`
	Attributes map[string]ProfileAttribute `json:"attributes"`
	Provenance []ProfilePatch              `json:"provenance,omitempty"`
	Version    int64                       `json:"version"`
	UpdatedAt  int64                       `json:"updated_at"`
}

// --- Storage envelope ---

// Record is the shared storage envelope for all memory variants. Filterable
// fields are materialized on the envelope; the full variant payload travels
// in Payload as JSON. Summary holds the searchable/embeddable text for the
// variant (summary for episodic, statement for semantic, the rendered fact
// sentence for event_log, content for foresight).
type Record struct {
	ID               string           `json:"memory_id"`
	Type             MemoryType       `json:"memory_type"`
	UserID           string           `json:"user_id,omitempty"`
	GroupID          string           `json:"group_id,omitempty"`
	EpisodeID        string           `json:"episode_id,omitempty"`
	Summary          string           `json:"summary"`
	Content          string           `json:"content,omitempty"`
	Payload          json.RawMessage  `json:"payload,omitempty"`
	Importance       float64          `json:"importance,omitempty"`
	ValidFrom        int64            `json:"valid_from,omitempty"`
	ValidTo          int64            `json:"valid_to,omitempty"`
	Timestamp        int64            `json:"timestamp,omitempty"`
	CreatedAt        int64            `json:"created_at"`
	Version          int64            `json:"version"`
	Deleted          bool             `json:"deleted,omitempty"`
	IndexPending     bool             `json:"index_pending,omitempty"`
	ExtractionStatus ExtractionStatus `json:"extraction_status,omitempty"`
}

// Embeddable reports whether records of this type carry a vector row.
// Profiles are fetched directly and never searched.
func (t MemoryType) Embeddable() bool {
	switch t {
	case MemoryEpisodic, MemoryEventLog, MemorySemantic, MemoryForesight:
		return true
	}
	return false
}

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// NewEpisodicRecord wraps an EpisodicMemory in its storage envelope.
func NewEpisodicRecord(m EpisodicMemory, status ExtractionStatus) Record {
	return Record{
		ID: m.ID, Type: MemoryEpisodic,
		UserID: m.UserID, GroupID: m.GroupID, EpisodeID: m.EpisodeID,
		Summary: m.Summary, Content: m.Content,
		Payload:          mustJSON(m),
		Importance:       m.Importance,
		Timestamp:        m.Timestamp,
		ExtractionStatus: status,
	}
}

// NewEventLogRecord wraps an EventLog fact in its storage envelope.
func NewEventLogRecord(f EventLog) Record {
	return Record{
		ID: f.ID, Type: MemoryEventLog,
		UserID: f.Subject, GroupID: f.GroupID, EpisodeID: f.EpisodeID,
		Summary:   f.Text(),
		Payload:   mustJSON(f),
		Timestamp: f.Time,
	}
}

// NewSemanticRecord wraps a SemanticMemory in its storage envelope.
func NewSemanticRecord(m SemanticMemory) Record {
	return Record{
		ID: m.ID, Type: MemorySemantic,
		UserID: m.Subject, GroupID: m.GroupID,
		Summary:    m.Statement,
		Payload:    mustJSON(m),
		Importance: m.Confidence,
		ValidFrom:  m.ValidFrom,
		ValidTo:    m.ValidTo,
		Timestamp:  m.ValidFrom,
	}
}

// NewForesightRecord wraps a Foresight in its storage envelope.
func NewForesightRecord(f Foresight) Record {
	return Record{
		ID: f.ID, Type: MemoryForesight,
		UserID: f.UserID, GroupID: f.GroupID,
		Summary:   f.Content,
		Payload:   mustJSON(f),
		Timestamp: f.EventTime,
	}
}

// NewProfileRecord wraps a Profile in its storage envelope for fetch
// responses. Profiles are never indexed for search.
func NewProfileRecord(p Profile) Record {
	return Record{
		ID: p.ID, Type: MemoryProfile,
		UserID: p.UserID, GroupID: p.GroupID,
		Payload:   mustJSON(p),
		CreatedAt: p.UpdatedAt,
		Version:   p.Version,
	}
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

type ChatRequest struct {
	Messages []ChatMessage `json:"messages"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}
