package pipeline

import (
	"errors"
	"fmt"
)

// ErrResourceLimitExceeded matches every *ResourceLimitError via errors.Is.
var ErrResourceLimitExceeded = errors.New("resource limit exceeded")

// ResourceLimitError reports which ceiling an input broke.
type ResourceLimitError struct {
	Limit string // "input_bytes" or "chunks"
	Value int64
	Max   int64
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("%s: %s %d exceeds maximum %d", ErrResourceLimitExceeded, e.Limit, e.Value, e.Max)
}

func (e *ResourceLimitError) Is(target error) bool {
	return target == ErrResourceLimitExceeded
}

// ResourceGuard rejects inputs that are too large before any generation call
// is made. Zero limits disable the corresponding check.
type ResourceGuard struct {
	MaxInputBytes int64
	MaxChunks     int
}

// Check validates the total input size and a chunk count (estimated or actual).
func (g ResourceGuard) Check(inputBytes int64, chunks int) error {
	if g.MaxInputBytes > 0 && inputBytes > g.MaxInputBytes {
		return &ResourceLimitError{Limit: "input_bytes", Value: inputBytes, Max: g.MaxInputBytes}
	}
	if g.MaxChunks > 0 && chunks > g.MaxChunks {
		return &ResourceLimitError{Limit: "chunks", Value: int64(chunks), Max: int64(g.MaxChunks)}
	}
	return nil
}
