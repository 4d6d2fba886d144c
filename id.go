package engram

import (
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// ParseTime parses a lenient ISO-8601 timestamp. When the input carries no
// zone offset, loc is assumed (pass the group's default timezone; nil means
// UTC). The parsed instant keeps its zone.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := dateparse.ParseIn(s, loc)
	if err != nil {
		return time.Time{}, ErrInvalidParameter("parse time %q: %v", s, err)
	}
	return t, nil
}
