package commands

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/internal/authz"
	"github.com/ridgelinedb/ridgeline/pkg/cursor"
	"github.com/ridgelinedb/ridgeline/pkg/logger"
	serverErrors "github.com/ridgelinedb/ridgeline/pkg/server/errors"
	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

// GetMoreRequest continues a previously established cursor. Target must match
// the namespace the cursor was opened against.
type GetMoreRequest struct {
	CursorID  int64  `json:"cursorId"`
	Target    string `json:"target"`
	BatchSize *int64 `json:"batchSize,omitempty"`
}

// GetMoreResponse carries the next batch. Cursor.ID is 0 once the cursor is
// exhausted and no further calls are possible.
type GetMoreResponse struct {
	Cursor *CursorReply `json:"cursor"`
	OK     bool         `json:"ok"`
}

// GetMoreQuery resumes a registered cursor and drains the next batch from it.
type GetMoreQuery struct {
	registry      *cursor.Registry
	logger        logger.Logger
	maxBatchBytes int
}

// GetMoreQueryOption configures a GetMoreQuery.
type GetMoreQueryOption func(*GetMoreQuery)

// WithGetMoreQueryLogger sets the query's logger.
func WithGetMoreQueryLogger(l logger.Logger) GetMoreQueryOption {
	return func(q *GetMoreQuery) {
		q.logger = l
	}
}

// WithGetMoreMaxBatchBytes overrides the byte budget of a single batch.
func WithGetMoreMaxBatchBytes(n int) GetMoreQueryOption {
	return func(q *GetMoreQuery) {
		q.maxBatchBytes = n
	}
}

// NewGetMoreQuery creates a GetMoreQuery over the given registry.
func NewGetMoreQuery(registry *cursor.Registry, opts ...GetMoreQueryOption) *GetMoreQuery {
	q := &GetMoreQuery{
		registry:      registry,
		logger:        logger.NewNoopLogger(),
		maxBatchBytes: storage.DefaultMaxBatchBytes,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Execute pins the cursor, validates that the caller and namespace match the
// ones captured at registration, pulls the next batch, and unpins. An
// exhausted cursor is retired on the way out and its identifier reported as
// 0. A pull failure also destroys the cursor: records may already have been
// consumed into the abandoned batch, and every record is delivered at most
// once per cursor, so the cursor cannot be offered for resumption again.
func (q *GetMoreQuery) Execute(ctx context.Context, req *GetMoreRequest) (*GetMoreResponse, error) {
	ctx, span := tracer.Start(ctx, "GetMoreQuery.Execute")
	defer span.End()

	batchSize := int64(math.MaxInt64)
	if req.BatchSize != nil {
		if *req.BatchSize < 0 {
			return nil, serverErrors.InvalidBatchSize(*req.BatchSize)
		}
		batchSize = *req.BatchSize
	}

	pinned, err := q.registry.Pin(req.CursorID)
	if err != nil {
		return nil, serverErrors.HandleError(err)
	}
	defer pinned.Unpin()

	params := pinned.Params()
	if params.Namespace != req.Target {
		// Report a cross-namespace continuation as an unknown cursor so the
		// response does not confirm the cursor exists elsewhere.
		return nil, serverErrors.MismatchedCursorNamespace(req.CursorID, req.Target)
	}
	if !authz.SamePrincipals(params.Principals, authz.PrincipalsFromContext(ctx)) {
		return nil, serverErrors.Unauthorized(req.Target)
	}

	h := pinned.Handle()
	h.Attach(ctx)

	batch := cursor.NewBatchBuilder(batchSize, q.maxBatchBytes)
	if err := h.Pull(batch); err != nil {
		// A failed pull may have consumed records into a batch that will
		// never be delivered. Destroy the cursor so the client re-lists
		// instead of resuming past a hole; disposal happens at unpin.
		_ = q.registry.Kill(req.CursorID)
		return nil, serverErrors.HandleError(err)
	}

	reply := &CursorReply{
		Namespace: params.Namespace,
		NextBatch: batch.Items(),
	}
	if h.Exhausted() {
		q.logger.Debug("cursor exhausted",
			zap.String("namespace", params.Namespace),
			zap.Int64("cursor_id", req.CursorID),
		)
	} else {
		h.Detach()
		reply.ID = req.CursorID
	}

	return &GetMoreResponse{Cursor: reply, OK: true}, nil
}
