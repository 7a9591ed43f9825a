package commands

import (
	"context"

	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/internal/authz"
	"github.com/ridgelinedb/ridgeline/pkg/cursor"
	"github.com/ridgelinedb/ridgeline/pkg/logger"
	serverErrors "github.com/ridgelinedb/ridgeline/pkg/server/errors"
)

// KillCursorsRequest retires a set of cursors opened against Target.
type KillCursorsRequest struct {
	Target    string  `json:"target"`
	CursorIDs []int64 `json:"cursorIds"`
}

// KillCursorsResponse partitions the requested identifiers by outcome.
// Identifiers opened against a different namespace are reported as not found.
type KillCursorsResponse struct {
	CursorsKilled   []int64 `json:"cursorsKilled"`
	CursorsNotFound []int64 `json:"cursorsNotFound"`
	OK              bool    `json:"ok"`
}

// KillCursorsQuery kills cursors on behalf of their owner.
type KillCursorsQuery struct {
	registry *cursor.Registry
	logger   logger.Logger
}

// KillCursorsQueryOption configures a KillCursorsQuery.
type KillCursorsQueryOption func(*KillCursorsQuery)

// WithKillCursorsQueryLogger sets the query's logger.
func WithKillCursorsQueryLogger(l logger.Logger) KillCursorsQueryOption {
	return func(q *KillCursorsQuery) {
		q.logger = l
	}
}

// NewKillCursorsQuery creates a KillCursorsQuery over the given registry.
func NewKillCursorsQuery(registry *cursor.Registry, opts ...KillCursorsQueryOption) *KillCursorsQuery {
	q := &KillCursorsQuery{
		registry: registry,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Execute kills each requested cursor. Unknown ids and ids registered under a
// different namespace land in CursorsNotFound. A cursor owned by different
// principals fails the whole request.
func (q *KillCursorsQuery) Execute(ctx context.Context, req *KillCursorsRequest) (*KillCursorsResponse, error) {
	ctx, span := tracer.Start(ctx, "KillCursorsQuery.Execute")
	defer span.End()

	if len(req.CursorIDs) == 0 {
		return nil, serverErrors.InvalidKillCursors()
	}

	caller := authz.PrincipalsFromContext(ctx)
	resp := &KillCursorsResponse{
		CursorsKilled:   []int64{},
		CursorsNotFound: []int64{},
		OK:              true,
	}

	for _, id := range req.CursorIDs {
		params, ok := q.registry.Params(id)
		if !ok || params.Namespace != req.Target {
			resp.CursorsNotFound = append(resp.CursorsNotFound, id)
			continue
		}
		if !authz.SamePrincipals(params.Principals, caller) {
			return nil, serverErrors.Unauthorized(req.Target)
		}

		if err := q.registry.Kill(id); err != nil {
			// Lost a race with the reaper or another kill.
			resp.CursorsNotFound = append(resp.CursorsNotFound, id)
			continue
		}
		resp.CursorsKilled = append(resp.CursorsKilled, id)
	}

	q.logger.Debug("killCursors finished",
		zap.String("namespace", req.Target),
		zap.Int("killed", len(resp.CursorsKilled)),
		zap.Int("not_found", len(resp.CursorsNotFound)),
	)
	return resp, nil
}
