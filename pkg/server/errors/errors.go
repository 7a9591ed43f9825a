// Package errors defines the caller-facing failure taxonomy of the metadata
// command family.
package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/ridgelinedb/ridgeline/pkg/cursor"
)

var (
	// ErrNamespaceNotFound: the target collection does not exist. Surfaced
	// before any cursor work begins.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrUnauthorized: the authorization collaborator denied the request.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrCursorNotFound: no cursor exists under the presented identifier.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrCursorInUse: the cursor is pinned by another concurrent caller.
	ErrCursorInUse = errors.New("cursor in use")

	// ErrOperationInterrupted: the operation's context was cancelled; the
	// in-flight enumeration or pull was aborted.
	ErrOperationInterrupted = errors.New("operation interrupted")

	// ErrInvalidArgument: the request is malformed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInternal wraps failures with no caller-facing category.
	ErrInternal = errors.New("internal error")
)

// NamespaceNotFound builds the canonical missing-target failure.
func NamespaceNotFound(namespace string) error {
	return fmt.Errorf("%w: ns does not exist: %s", ErrNamespaceNotFound, namespace)
}

// Unauthorized builds the canonical authorization failure for a namespace.
func Unauthorized(namespace string) error {
	return fmt.Errorf("%w: not authorized to list indexes on %s", ErrUnauthorized, namespace)
}

// CursorNotFound builds the unknown-identifier failure.
func CursorNotFound(id int64) error {
	return fmt.Errorf("%w: cursor id %d not found", ErrCursorNotFound, id)
}

// CursorInUse builds the concurrent-pin failure.
func CursorInUse(id int64) error {
	return fmt.Errorf("%w: cursor id %d is already in use", ErrCursorInUse, id)
}

// MismatchedCursorNamespace rejects cross-namespace cursor reuse. It is a
// not-found failure on purpose: the response must not reveal which namespace
// the cursor actually belongs to.
func MismatchedCursorNamespace(id int64, requested string) error {
	return fmt.Errorf("%w: cursor id %d was not created on namespace %s", ErrCursorNotFound, id, requested)
}

// InvalidBatchSize rejects a negative batch size.
func InvalidBatchSize(v int64) error {
	return fmt.Errorf("%w: batchSize must be non-negative, got %d", ErrInvalidArgument, v)
}

// InvalidKillCursors rejects a killCursors request naming no cursors.
func InvalidKillCursors() error {
	return fmt.Errorf("%w: killCursors requires at least one cursor id", ErrInvalidArgument)
}

// HandleError funnels lower-level failures into the taxonomy. Errors that
// already carry a category pass through unchanged.
func HandleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNamespaceNotFound),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrCursorNotFound),
		errors.Is(err, ErrCursorInUse),
		errors.Is(err, ErrOperationInterrupted),
		errors.Is(err, ErrInvalidArgument):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrOperationInterrupted, err)
	case errors.Is(err, cursor.ErrCursorNotFound):
		return fmt.Errorf("%w: %w", ErrCursorNotFound, err)
	case errors.Is(err, cursor.ErrCursorInUse):
		return fmt.Errorf("%w: %w", ErrCursorInUse, err)
	default:
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
}
