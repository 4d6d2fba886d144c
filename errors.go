package engram

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Code classifies caller-visible errors.
type Code string

const (
	CodeInvalidParameter Code = "INVALID_PARAMETER"
	CodeNotFound         Code = "RESOURCE_NOT_FOUND"
	CodeSystemError      Code = "SYSTEM_ERROR"
)

// Error is a coded error suitable for mapping onto a transport envelope.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrInvalidParameter builds an INVALID_PARAMETER error.
func ErrInvalidParameter(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParameter, Message: fmt.Sprintf(format, args...)}
}

// ErrNotFound builds a RESOURCE_NOT_FOUND error.
func ErrNotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// ErrSystem builds a SYSTEM_ERROR error wrapping err.
func ErrSystem(err error) *Error {
	return &Error{Code: CodeSystemError, Message: err.Error()}
}

// CodeOf extracts the error code, defaulting to SYSTEM_ERROR for
// unclassified errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeSystemError
}

// ErrHTTP is a transport error from a provider client. Status 429 and 503
// are treated as transient by the retry decorators.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value in delay-seconds or
// HTTP-date form. Returns 0 when the value is empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
