package engram

import "time"

// defaultTimeRangeDays bounds the created_at window applied to retrievals
// unless the caller disables it with TimeRangeDays < 0.
const defaultTimeRangeDays = 180

// normalizeAll maps the "__all__" sentinel to the empty string, which store
// filters interpret as "no filter".
func normalizeAll(s string) string {
	if s == All {
		return ""
	}
	return s
}

// ResolveScope translates a scope selector plus caller ids into effective
// (user_id, group_id) filter values. Personal scope ignores group_id
// entirely; group scope ignores user_id; all requires at least one of the
// two to be present.
func ResolveScope(scope Scope, userID, groupID string) (string, string, error) {
	userID = normalizeAll(userID)
	groupID = normalizeAll(groupID)
	switch scope {
	case ScopePersonal:
		if userID == "" {
			return "", "", ErrInvalidParameter("scope=personal requires user_id")
		}
		return userID, "", nil
	case ScopeGroup:
		if groupID == "" {
			return "", "", ErrInvalidParameter("scope=group requires group_id")
		}
		return "", groupID, nil
	case ScopeAll, "":
		if userID == "" && groupID == "" {
			return "", "", ErrInvalidParameter("scope=all requires user_id or group_id")
		}
		return userID, groupID, nil
	}
	return "", "", ErrInvalidParameter("unknown scope %q", scope)
}

// ResolveFilter builds the store-native filter for a retrieval: scope ids,
// the created_at window, and the semantic-validity instant.
//
// timeRangeDays == 0 applies the default window; < 0 disables it. start and
// end, when non-zero, override the derived window bounds. currentTime
// (zero = now) is the validity instant for semantic_memory rows only; the
// created_at window is always anchored at the actual present, so asking
// about a past validity instant still sees freshly inserted records.
func ResolveFilter(scope Scope, userID, groupID string, types []MemoryType, timeRangeDays int, start, end, currentTime time.Time) (RecordFilter, error) {
	u, g, err := ResolveScope(scope, userID, groupID)
	if err != nil {
		return RecordFilter{}, err
	}

	now := time.Now()
	f := RecordFilter{Types: types, UserID: u, GroupID: g}

	switch {
	case timeRangeDays < 0:
		// window disabled
	default:
		days := timeRangeDays
		if days == 0 {
			days = defaultTimeRangeDays
		}
		f.StartTime = now.Add(-time.Duration(days) * 24 * time.Hour).Unix()
		f.EndTime = now.Unix()
	}
	if !start.IsZero() {
		f.StartTime = start.Unix()
	}
	if !end.IsZero() {
		f.EndTime = end.Unix()
	}

	validAt := currentTime
	if validAt.IsZero() {
		validAt = now
	}
	for _, t := range types {
		if t == MemorySemantic {
			f.ValidAt = validAt.Unix()
			break
		}
	}
	return f, nil
}

// ResolveDeleteFilter validates and normalizes a delete request. Fields are
// AND-combined; a request where every field is absent or "__all__" is
// rejected so a single call cannot wipe the store.
func ResolveDeleteFilter(eventID, userID, groupID string) (DeleteFilter, error) {
	f := DeleteFilter{
		EventID: normalizeAll(eventID),
		UserID:  normalizeAll(userID),
		GroupID: normalizeAll(groupID),
	}
	if f.Empty() {
		return DeleteFilter{}, ErrInvalidParameter("delete requires at least one of event_id, user_id, group_id not set to %q", All)
	}
	return f, nil
}
