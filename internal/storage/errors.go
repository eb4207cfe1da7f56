package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound reports a missing graph, node, document or batch.
var ErrNotFound = errors.New("not found")

// ErrInvalidBatchUpdate reports a change id that was marked twice.
var ErrInvalidBatchUpdate = errors.New("this batch is already in progress")

// ConflictError reports an in-flight update overlapping the requested
// one. It names the other change so the caller can retry later or abort
// it.
type ConflictError struct {
	OtherChangeID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting change in progress: %s", e.OtherChangeID)
}

// IsConflict extracts a ConflictError from an error chain.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}
