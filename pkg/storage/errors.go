package storage

import "errors"

var (
	// ErrNotFound if the target collection or index does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCollision if an item already exists within the catalog.
	ErrCollision = errors.New("item already exists")

	// ErrWriteConflict signals a transient snapshot conflict with a
	// concurrent catalog writer. It is internal only: callers retry via
	// RetryOnConflict, and it is never surfaced on the wire.
	ErrWriteConflict = errors.New("write conflict")
)
