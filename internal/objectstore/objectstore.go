// Package objectstore is the blob substrate beneath the document store.
package objectstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a missing object.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned by Put when the object changed since
	// the precondition etag was read.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrUnavailable marks a transient backing-store failure.
	ErrUnavailable = errors.New("object store unavailable")
)

// Any as a Put precondition overwrites unconditionally.
const Any = "*"

// Store reads and conditionally writes objects. An empty precondition means
// the object must not exist yet.
type Store interface {
	Get(ctx context.Context, path string) (data []byte, etag string, err error)
	Put(ctx context.Context, path string, data []byte, precondition string) (etag string, err error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, path string) error
}
