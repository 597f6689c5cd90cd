package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictExhausted is returned by Update when every attempt hit a conflict.
	ErrConflictExhausted = errors.New("conflict retries exhausted")
	// ErrStorageUnavailable is returned when neither the object store nor local
	// staging can serve the request.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrInvariant marks a store response that breaks optimistic concurrency,
	// such as a save that leaves the version unchanged. Executions abort on it.
	ErrInvariant = errors.New("document store invariant violated")
	// ErrSkip returned from an Update mutation leaves the document unsaved.
	ErrSkip = errors.New("skip save")
)

// ConflictError reports a save whose expected version no longer matches.
type ConflictError struct {
	Key      string
	Expected Version
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (expected %q)", e.Key, string(e.Expected))
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
