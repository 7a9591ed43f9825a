// Package commands implements the metadata command family: listIndexes and
// the getMore/killCursors continuation protocol behind it.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"math"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/internal/authz"
	"github.com/ridgelinedb/ridgeline/pkg/cursor"
	"github.com/ridgelinedb/ridgeline/pkg/logger"
	serverErrors "github.com/ridgelinedb/ridgeline/pkg/server/errors"
	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

var tracer = otel.Tracer("ridgeline/pkg/server/commands")

// ListIndexesRequest asks for the index definitions of one collection.
// A nil BatchSize means effectively unbounded.
type ListIndexesRequest struct {
	Target                  string `json:"target"`
	IncludeInProgressBuilds bool   `json:"includeInProgressBuilds"`
	BatchSize               *int64 `json:"batchSize,omitempty"`
	ReadConcern             string `json:"readConcern,omitempty"`
}

// CursorReply is the cursor portion of a paginated reply. FirstBatch is set
// on the initial listing, NextBatch on continuations.
type CursorReply struct {
	ID         int64             `json:"id"`
	Namespace  string            `json:"namespace"`
	FirstBatch []json.RawMessage `json:"firstBatch,omitempty"`
	NextBatch  []json.RawMessage `json:"nextBatch,omitempty"`
}

// ListIndexesResponse carries either the complete result inline (Items, no
// cursor) or the first batch plus a cursor for continuation.
type ListIndexesResponse struct {
	Items  []json.RawMessage `json:"items,omitempty"`
	Cursor *CursorReply      `json:"cursor,omitempty"`
	OK     bool              `json:"ok"`
}

// CursorID returns the identifier for follow-up calls, 0 when the result was
// returned inline.
func (r *ListIndexesResponse) CursorID() int64 {
	if r.Cursor == nil {
		return 0
	}
	return r.Cursor.ID
}

// ListIndexesQuery enumerates a collection's index catalog under a
// consistent snapshot and paginates the result through the cursor registry.
type ListIndexesQuery struct {
	catalog       storage.CatalogBackend
	registry      *cursor.Registry
	logger        logger.Logger
	maxBatchBytes int
}

// ListIndexesQueryOption configures a ListIndexesQuery.
type ListIndexesQueryOption func(*ListIndexesQuery)

// WithListIndexesQueryLogger sets the query's logger.
func WithListIndexesQueryLogger(l logger.Logger) ListIndexesQueryOption {
	return func(q *ListIndexesQuery) {
		q.logger = l
	}
}

// WithListIndexesMaxBatchBytes overrides the byte budget of a single batch.
func WithListIndexesMaxBatchBytes(n int) ListIndexesQueryOption {
	return func(q *ListIndexesQuery) {
		q.maxBatchBytes = n
	}
}

// NewListIndexesQuery creates a ListIndexesQuery over the given catalog and
// registry.
func NewListIndexesQuery(catalog storage.CatalogBackend, registry *cursor.Registry, opts ...ListIndexesQueryOption) *ListIndexesQuery {
	q := &ListIndexesQuery{
		catalog:       catalog,
		registry:      registry,
		logger:        logger.NewNoopLogger(),
		maxBatchBytes: storage.DefaultMaxBatchBytes,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Execute runs the listing. The collection lock is held only for the locked
// phase (snapshot, materialize, first pull); cursor registration is the last
// step of a successful call and never happens under the lock.
func (q *ListIndexesQuery) Execute(ctx context.Context, req *ListIndexesRequest) (*ListIndexesResponse, error) {
	ctx, span := tracer.Start(ctx, "ListIndexesQuery.Execute")
	defer span.End()

	batchSize := int64(math.MaxInt64)
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			return nil, serverErrors.InvalidBatchSize(*req.BatchSize)
		}
		batchSize = *req.BatchSize
	}

	handle, batch, err := q.firstBatch(ctx, req, batchSize)
	if err != nil {
		return nil, err
	}

	if handle == nil {
		return &ListIndexesResponse{Items: batch.Items(), OK: true}, nil
	}

	originating, err := json.Marshal(req)
	if err != nil {
		handle.Dispose()
		return nil, serverErrors.HandleError(err)
	}

	id := q.registry.Register(handle, cursor.Params{
		Namespace:          req.Target,
		Principals:         authz.PrincipalsFromContext(ctx),
		ReadConcern:        req.ReadConcern,
		OriginatingRequest: originating,
		LockPolicy:         cursor.LocksInternally,
	})

	q.logger.Debug("listIndexes overflowed into a cursor",
		zap.String("namespace", req.Target),
		zap.Int64("cursor_id", id),
		zap.Int("first_batch", batch.Len()),
	)

	return &ListIndexesResponse{
		Cursor: &CursorReply{
			ID:         id,
			Namespace:  req.Target,
			FirstBatch: batch.Items(),
		},
		OK: true,
	}, nil
}

// firstBatch is the locked phase. The collection lock is released when it
// returns: a nil handle means the producer was exhausted inline, otherwise
// the handle comes back detached and ready to register.
func (q *ListIndexesQuery) firstBatch(ctx context.Context, req *ListIndexesRequest, batchSize int64) (*cursor.Handle, *cursor.BatchBuilder, error) {
	guard, err := q.catalog.BeginRead(ctx, req.Target)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil, serverErrors.NamespaceNotFound(req.Target)
		}
		return nil, nil, serverErrors.HandleError(err)
	}
	defer guard.Release()

	specs, err := q.snapshotSpecs(ctx, guard, req.IncludeInProgressBuilds)
	if err != nil {
		return nil, nil, err
	}

	handle := cursor.NewHandle(req.Target, storage.NewSpecIterator(specs))
	handle.Attach(ctx)

	batch := cursor.NewBatchBuilder(batchSize, q.maxBatchBytes)
	if err := handle.Pull(batch); err != nil {
		handle.Dispose()
		return nil, nil, serverErrors.HandleError(err)
	}

	if handle.Exhausted() {
		handle.Dispose()
		return nil, batch, nil
	}

	// Detach strictly before the deferred guard release drops the lock.
	handle.Detach()
	return handle, batch, nil
}

// snapshotSpecs enumerates the catalog under the held guard. Every read runs
// through the conflict-retry combinator and is rebuilt from scratch per
// attempt. Not-ready specs are stamped with a generated build identifier;
// the identifier is opaque and stable only within this response.
func (q *ListIndexesQuery) snapshotSpecs(ctx context.Context, guard storage.CollectionReadGuard, includeNotReady bool) ([]storage.IndexSpec, error) {
	var names []string
	err := storage.RetryOnConflict(ctx, func() error {
		var lerr error
		names, lerr = guard.ListIndexNames(ctx, storage.ListIndexNamesOptions{
			IncludeNotReady: includeNotReady,
		})
		return lerr
	})
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}

	specs := make([]storage.IndexSpec, 0, len(names))
	for _, name := range names {
		var rec storage.IndexRecord
		err := storage.RetryOnConflict(ctx, func() error {
			var lerr error
			rec, lerr = guard.IndexRecord(ctx, name)
			return lerr
		})
		if err != nil {
			return nil, serverErrors.HandleError(err)
		}

		spec := rec.Spec
		if includeNotReady && !rec.Ready {
			spec.BuildID = uuid.NewString()
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
