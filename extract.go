package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ExtractorConfig parameterizes the extraction pipeline.
type ExtractorConfig struct {
	// Language selects the prompt set. Default "en".
	Language Language
	// MinContentLength skips extraction for episodes whose combined text is
	// shorter than this. Default 10.
	MinContentLength int
}

func (c ExtractorConfig) withDefaults() ExtractorConfig {
	if c.Language == "" {
		c.Language = LangEN
	}
	if c.MinContentLength <= 0 {
		c.MinContentLength = 10
	}
	return c
}

// Extraction is the typed output of one episode extraction.
type Extraction struct {
	Episodic   *EpisodicMemory
	Events     []EventLog
	Semantics  []SemanticMemory
	Foresights []Foresight
	Patches    []ProfilePatch
	Status     ExtractionStatus
}

// Records converts the extraction into storage envelopes.
func (x Extraction) Records() []Record {
	var recs []Record
	if x.Episodic != nil {
		recs = append(recs, NewEpisodicRecord(*x.Episodic, x.Status))
	}
	for _, e := range x.Events {
		recs = append(recs, NewEventLogRecord(e))
	}
	for _, s := range x.Semantics {
		recs = append(recs, NewSemanticRecord(s))
	}
	for _, f := range x.Foresights {
		recs = append(recs, NewForesightRecord(f))
	}
	return recs
}

// Extractor turns a closed episode into typed memory artifacts through a
// sequence of LLM calls. Any step may fail without sinking the others; the
// result's Status reports whether the set is complete or partial.
type Extractor struct {
	provider Provider
	cfg      ExtractorConfig
	logger   *slog.Logger
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithExtractorLogger sets a structured logger for extraction steps.
func WithExtractorLogger(l *slog.Logger) ExtractorOption {
	return func(e *Extractor) { e.logger = l }
}

// NewExtractor creates an Extractor backed by the given LLM provider.
func NewExtractor(provider Provider, cfg ExtractorConfig, opts ...ExtractorOption) *Extractor {
	e := &Extractor{provider: provider, cfg: cfg.withDefaults(), logger: nopLogger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract runs the full pipeline on one episode. It returns an error only
// when every step failed; otherwise the partial set is returned with
// Status reflecting what succeeded.
func (e *Extractor) Extract(ctx context.Context, ep Episode, meta ConversationMeta) (Extraction, error) {
	start := time.Now()
	if len(ep.Messages) == 0 {
		return Extraction{}, ErrInvalidParameter("episode %s has no messages", ep.ID)
	}

	transcript := renderTranscript(ep, meta)
	if len(strings.TrimSpace(transcript)) < e.cfg.MinContentLength {
		e.logger.Debug("extract: episode below content threshold, skipped", "episode_id", ep.ID)
		return Extraction{}, ErrInvalidParameter("episode %s content too short", ep.ID)
	}

	loc := meta.Location()
	end := ep.EndTime()
	epilogue := fmt.Sprintf("\nEpisode end time: %s", end.In(loc).Format(time.RFC3339))

	var (
		x      Extraction
		failed int
		steps  int
	)

	steps++
	summary, err := e.summarize(ctx, ep, meta, transcript+epilogue)
	if err != nil {
		e.logger.Warn("extract: summarize failed", "episode_id", ep.ID, "error", err)
		failed++
	} else {
		x.Episodic = summary
	}

	steps++
	events, err := e.extractFacts(ctx, ep, transcript+epilogue, loc, end)
	if err != nil {
		e.logger.Warn("extract: facts failed", "episode_id", ep.ID, "error", err)
		failed++
	} else {
		x.Events = events
	}

	steps++
	sems, err := e.extractSemantics(ctx, ep, transcript+epilogue, loc, end)
	if err != nil {
		e.logger.Warn("extract: semantics failed", "episode_id", ep.ID, "error", err)
		failed++
	} else {
		x.Semantics = sems
	}

	steps++
	patches, err := e.extractProfile(ctx, ep, transcript, end)
	if err != nil {
		e.logger.Warn("extract: profile failed", "episode_id", ep.ID, "error", err)
		failed++
	} else {
		x.Patches = patches
	}

	steps++
	fores, err := e.extractForesight(ctx, ep, transcript+epilogue, loc, end)
	if err != nil {
		e.logger.Warn("extract: foresight failed", "episode_id", ep.ID, "error", err)
		failed++
	} else {
		x.Foresights = fores
	}

	if failed == steps {
		return Extraction{}, fmt.Errorf("extract episode %s: all steps failed", ep.ID)
	}

	x.Status = ExtractionComplete
	if failed > 0 {
		x.Status = ExtractionPartial
		// The episodic row is the anchor for everything else; if the
		// summary step failed but another step produced artifacts, persist
		// a fallback summary so the partial set stays reachable.
		if x.Episodic == nil {
			x.Episodic = e.fallbackEpisodic(ep, transcript)
		}
	}

	// Profile patches carry provenance to the episodic anchor.
	for i := range x.Patches {
		x.Patches[i].ProvenanceMemoryID = x.Episodic.ID
	}

	e.logger.Debug("extract: done",
		"episode_id", ep.ID,
		"status", x.Status,
		"events", len(x.Events),
		"semantics", len(x.Semantics),
		"foresights", len(x.Foresights),
		"patches", len(x.Patches),
		"duration", time.Since(start))
	return x, nil
}

// renderTranscript renders a compact transcript with timestamps localized
// to the group's default timezone and display names resolved from
// ConversationMeta.
func renderTranscript(ep Episode, meta ConversationMeta) string {
	loc := meta.Location()
	var b strings.Builder
	if meta.SceneDesc != "" {
		fmt.Fprintf(&b, "Scene: %s\n\n", meta.SceneDesc)
	}
	for _, m := range ep.Messages {
		name := displayName(m, meta)
		fmt.Fprintf(&b, "[%s] %s (%s): %s\n",
			m.CreateTime.In(loc).Format("2006-01-02 15:04"),
			name, m.Role, m.Content)
	}
	return b.String()
}

// displayName resolves the sender's display name: meta user details first,
// then the message's own sender_name, then the raw id.
func displayName(m Message, meta ConversationMeta) string {
	if d, ok := meta.UserDetails[m.Sender]; ok && d.FullName != "" {
		return d.FullName
	}
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender
}

func (e *Extractor) chat(ctx context.Context, system, user string) (string, error) {
	resp, err := e.provider.Chat(ctx, ChatRequest{Messages: []ChatMessage{
		SystemMessage(system),
		UserMessage(user),
	}})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

type summaryPayload struct {
	Summary        string   `json:"summary"`
	Importance     float64  `json:"importance"`
	SalientUserIDs []string `json:"salient_user_ids"`
}

func (e *Extractor) summarize(ctx context.Context, ep Episode, meta ConversationMeta, transcript string) (*EpisodicMemory, error) {
	out, err := e.chat(ctx, summarizePrompt(meta.Scene, e.cfg.Language), transcript)
	if err != nil {
		return nil, err
	}
	var p summaryPayload
	if err := unmarshalObject(out, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Summary) == "" {
		return nil, fmt.Errorf("summarize: empty summary")
	}
	return &EpisodicMemory{
		ID:               NewID(),
		EpisodeID:        ep.ID,
		UserID:           episodeUserID(ep, meta, p.SalientUserIDs),
		GroupID:          ep.GroupID,
		Timestamp:        ep.EndTime().Unix(),
		Summary:          p.Summary,
		Content:          renderTranscript(ep, meta),
		SourceMessageIDs: ep.MessageIDs(),
		Importance:       clamp01(p.Importance, 0.5),
		SalientUserIDs:   p.SalientUserIDs,
	}, nil
}

// episodeUserID picks the record's user_id: the conversation key for
// assistant scenes, otherwise the first salient user the model named.
func episodeUserID(ep Episode, meta ConversationMeta, salient []string) string {
	if meta.Scene == SceneAssistant {
		return ep.ConversationKey
	}
	if len(salient) > 0 {
		return salient[0]
	}
	return ""
}

// fallbackEpisodic anchors a partial extraction when the summary step
// itself failed: the truncated transcript stands in for the summary.
func (e *Extractor) fallbackEpisodic(ep Episode, transcript string) *EpisodicMemory {
	summary := transcript
	if len(summary) > 500 {
		summary = summary[:500]
	}
	return &EpisodicMemory{
		ID:               NewID(),
		EpisodeID:        ep.ID,
		UserID:           ep.ConversationKey,
		GroupID:          ep.GroupID,
		Timestamp:        ep.EndTime().Unix(),
		Summary:          summary,
		Content:          transcript,
		SourceMessageIDs: ep.MessageIDs(),
		Importance:       0.5,
	}
}

type factPayload struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Time      string `json:"time"`
}

func (e *Extractor) extractFacts(ctx context.Context, ep Episode, transcript string, loc *time.Location, end time.Time) ([]EventLog, error) {
	out, err := e.chat(ctx, factsPrompt(e.cfg.Language), transcript)
	if err != nil {
		return nil, err
	}
	var raw []factPayload
	if err := unmarshalArray(out, &raw); err != nil {
		return nil, err
	}
	events := make([]EventLog, 0, len(raw))
	for _, f := range raw {
		if f.Subject == "" || f.Predicate == "" {
			continue
		}
		events = append(events, EventLog{
			ID:               NewID(),
			EpisodeID:        ep.ID,
			Subject:          f.Subject,
			Predicate:        f.Predicate,
			Object:           f.Object,
			Time:             parseOr(f.Time, loc, end),
			GroupID:          ep.GroupID,
			SourceMessageIDs: ep.MessageIDs(),
		})
	}
	return events, nil
}

type semanticPayload struct {
	Subject    string  `json:"subject"`
	Statement  string  `json:"statement"`
	Confidence float64 `json:"confidence"`
	ValidFrom  string  `json:"valid_from"`
	ValidTo    string  `json:"valid_to"`
}

func (e *Extractor) extractSemantics(ctx context.Context, ep Episode, transcript string, loc *time.Location, end time.Time) ([]SemanticMemory, error) {
	out, err := e.chat(ctx, semanticPrompt(e.cfg.Language), transcript)
	if err != nil {
		return nil, err
	}
	var raw []semanticPayload
	if err := unmarshalArray(out, &raw); err != nil {
		return nil, err
	}
	sems := make([]SemanticMemory, 0, len(raw))
	for _, s := range raw {
		if s.Subject == "" || strings.TrimSpace(s.Statement) == "" {
			continue
		}
		var validTo int64
		if s.ValidTo != "" {
			if t, err := ParseTime(s.ValidTo, loc); err == nil {
				validTo = t.Unix()
			}
		}
		sems = append(sems, SemanticMemory{
			ID:               NewID(),
			Subject:          s.Subject,
			Statement:        s.Statement,
			Confidence:       clamp01(s.Confidence, 0.5),
			ValidFrom:        parseOr(s.ValidFrom, loc, end),
			ValidTo:          validTo,
			GroupID:          ep.GroupID,
			SourceEpisodeIDs: []string{ep.ID},
		})
	}
	return sems, nil
}

type profilePayload struct {
	UserID        string  `json:"user_id"`
	AttributePath string  `json:"attribute_path"`
	Value         string  `json:"value"`
	Confidence    float64 `json:"confidence"`
}

func (e *Extractor) extractProfile(ctx context.Context, ep Episode, transcript string, end time.Time) ([]ProfilePatch, error) {
	out, err := e.chat(ctx, profilePrompt(e.cfg.Language), transcript)
	if err != nil {
		return nil, err
	}
	var raw []profilePayload
	if err := unmarshalArray(out, &raw); err != nil {
		return nil, err
	}
	patches := make([]ProfilePatch, 0, len(raw))
	for _, p := range raw {
		if p.UserID == "" || p.AttributePath == "" {
			continue
		}
		patches = append(patches, ProfilePatch{
			UserID:        p.UserID,
			GroupID:       ep.GroupID,
			AttributePath: p.AttributePath,
			Value:         p.Value,
			Confidence:    clamp01(p.Confidence, 0.5),
			Timestamp:     end.Unix(),
		})
	}
	return patches, nil
}

type foresightPayload struct {
	UserID    string `json:"user_id"`
	EventTime string `json:"event_time"`
	Content   string `json:"content"`
}

func (e *Extractor) extractForesight(ctx context.Context, ep Episode, transcript string, loc *time.Location, end time.Time) ([]Foresight, error) {
	out, err := e.chat(ctx, foresightPrompt(e.cfg.Language), transcript)
	if err != nil {
		return nil, err
	}
	var raw []foresightPayload
	if err := unmarshalArray(out, &raw); err != nil {
		return nil, err
	}
	fores := make([]Foresight, 0, len(raw))
	for _, f := range raw {
		if f.UserID == "" || strings.TrimSpace(f.Content) == "" {
			continue
		}
		var eventTime int64
		if t, err := ParseTime(f.EventTime, loc); err == nil {
			eventTime = t.Unix()
		}
		if eventTime <= end.Unix() {
			// Only future-dated commitments qualify as foresight.
			continue
		}
		fores = append(fores, Foresight{
			ID:        NewID(),
			UserID:    f.UserID,
			GroupID:   ep.GroupID,
			EventTime: eventTime,
			Content:   f.Content,
			CreatedAt: NowUnix(),
		})
	}
	return fores, nil
}

// parseOr parses an absolute timestamp, falling back to ref on failure.
func parseOr(s string, loc *time.Location, ref time.Time) int64 {
	if s == "" {
		return ref.Unix()
	}
	t, err := ParseTime(s, loc)
	if err != nil {
		return ref.Unix()
	}
	return t.Unix()
}

// clamp01 clamps v into [0,1], substituting def when v is unset (zero).
func clamp01(v, def float64) float64 {
	if v == 0 {
		return def
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// stripFences removes markdown code fences the model sometimes wraps JSON in.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}

// unmarshalObject parses a strict JSON object, tolerating fences and
// surrounding prose by locating the outermost braces.
func unmarshalObject(s string, v any) error {
	s = stripFences(s)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in response")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

// unmarshalArray parses a strict JSON array, tolerating fences and
// surrounding prose by locating the outermost brackets.
func unmarshalArray(s string, v any) error {
	s = stripFences(s)
	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON array in response")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}
