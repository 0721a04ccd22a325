package store

import (
	"errors"
	"fmt"
)

var (
	ErrMissingDir        = errors.New("store dir is required")
	ErrMissingSource     = errors.New("store source name is required")
	ErrNotFound          = errors.New("record not found")
	ErrMissingIdentifier = errors.New("record has no identifier")
	ErrInvalidRecord     = errors.New("record cannot be encoded")
	ErrRetrieval         = errors.New("record could not be retrieved")
	ErrSourceLocked      = errors.New("source is locked by another process")
	ErrClosed            = errors.New("store is closed")
	ErrNotEmpty          = errors.New("store already holds records")
)

// RetrievalError reports an index entry whose log line is missing, unparseable,
// or holds a different record. It means "temporarily unavailable", not
// "never existed": errors.Is(err, ErrNotFound) is false, errors.Is(err,
// ErrRetrieval) is true.
type RetrievalError struct {
	Source string
	ID     string
	Line   int64
	Err    error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieve %s/%s at line %d: %v", e.Source, e.ID, e.Line, e.Err)
}

func (e *RetrievalError) Unwrap() []error {
	return []error{ErrRetrieval, e.Err}
}
