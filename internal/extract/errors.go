package extract

import (
	"fmt"
	"unicode/utf8"
)

// TransientError indicates a failure that can be retried: timeouts, dropped
// connections, rate limiting and server-side errors.
type TransientError struct {
	StatusCode int // 0 for transport failures
	Message    string
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("transient error: %s", truncate(e.Message, 200))
	}
	return fmt.Sprintf("transient error (status %d): %s", e.StatusCode, truncate(e.Message, 200))
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a request the endpoint will never accept as sent,
// e.g. bad credentials or a malformed request.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error (status %d): %s", e.StatusCode, truncate(e.Message, 200))
}

// ParseError means no records could be recovered from a model response.
type ParseError struct {
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return "parse response: " + e.Reason
	}
	return fmt.Sprintf("parse response: %s (raw: %s)", e.Reason, e.Snippet)
}

// truncate shortens s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
