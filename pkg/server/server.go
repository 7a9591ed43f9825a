// Package server wires the catalog, cursor registry, and authorization into
// the metadata command surface.
package server

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/internal/authz"
	"github.com/ridgelinedb/ridgeline/pkg/cursor"
	"github.com/ridgelinedb/ridgeline/pkg/logger"
	"github.com/ridgelinedb/ridgeline/pkg/server/commands"
	serverErrors "github.com/ridgelinedb/ridgeline/pkg/server/errors"
	"github.com/ridgelinedb/ridgeline/pkg/storage"
)

var tracer = otel.Tracer("ridgeline/pkg/server")

const (
	// DefaultCursorIdleTimeout is how long an unpinned cursor may sit idle
	// before the reaper retires it.
	DefaultCursorIdleTimeout = 10 * time.Minute

	// DefaultCursorReapInterval is how often the reaper sweeps.
	DefaultCursorReapInterval = 1 * time.Minute
)

// Server is the single entry point for the metadata command family. It owns
// the cursor registry; the catalog and authorizer are collaborators.
type Server struct {
	catalog       storage.CatalogBackend
	registry      *cursor.Registry
	authorizer    authz.Authorizer
	logger        logger.Logger
	maxBatchBytes int

	listIndexes *commands.ListIndexesQuery
	getMore     *commands.GetMoreQuery
	killCursors *commands.KillCursorsQuery
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithAuthorizer replaces the default allow-all authorizer.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(s *Server) {
		s.authorizer = a
	}
}

// WithMaxBatchBytes overrides the byte budget of a single cursor batch.
func WithMaxBatchBytes(n int) Option {
	return func(s *Server) {
		s.maxBatchBytes = n
	}
}

// WithCursorRegistry replaces the server's registry, typically to attach
// metrics or a test clock via the registry's own options.
func WithCursorRegistry(r *cursor.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// New builds a Server over catalog.
func New(catalog storage.CatalogBackend, opts ...Option) *Server {
	s := &Server{
		catalog:       catalog,
		authorizer:    authz.AllowAll{},
		logger:        logger.NewNoopLogger(),
		maxBatchBytes: storage.DefaultMaxBatchBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = cursor.NewRegistry(cursor.WithLogger(s.logger))
	}

	s.listIndexes = commands.NewListIndexesQuery(s.catalog, s.registry,
		commands.WithListIndexesQueryLogger(s.logger),
		commands.WithListIndexesMaxBatchBytes(s.maxBatchBytes),
	)
	s.getMore = commands.NewGetMoreQuery(s.registry,
		commands.WithGetMoreQueryLogger(s.logger),
		commands.WithGetMoreMaxBatchBytes(s.maxBatchBytes),
	)
	s.killCursors = commands.NewKillCursorsQuery(s.registry,
		commands.WithKillCursorsQueryLogger(s.logger),
	)
	return s
}

// Registry exposes the cursor registry so the process can run the idle
// reaper against it.
func (s *Server) Registry() *cursor.Registry {
	return s.registry
}

// ListIndexes enumerates the index catalog of the target collection.
func (s *Server) ListIndexes(ctx context.Context, req *commands.ListIndexesRequest) (*commands.ListIndexesResponse, error) {
	ctx, span := tracer.Start(ctx, "ListIndexes")
	defer span.End()

	if !s.authorizer.AuthorizedToListIndexes(ctx, authz.PrincipalsFromContext(ctx), req.Target) {
		return nil, serverErrors.Unauthorized(req.Target)
	}
	return s.listIndexes.Execute(ctx, req)
}

// GetMore pulls the next batch from a registered cursor.
func (s *Server) GetMore(ctx context.Context, req *commands.GetMoreRequest) (*commands.GetMoreResponse, error) {
	ctx, span := tracer.Start(ctx, "GetMore")
	defer span.End()

	if !s.authorizer.AuthorizedToListIndexes(ctx, authz.PrincipalsFromContext(ctx), req.Target) {
		return nil, serverErrors.Unauthorized(req.Target)
	}
	return s.getMore.Execute(ctx, req)
}

// KillCursors retires the named cursors.
func (s *Server) KillCursors(ctx context.Context, req *commands.KillCursorsRequest) (*commands.KillCursorsResponse, error) {
	ctx, span := tracer.Start(ctx, "KillCursors")
	defer span.End()

	if !s.authorizer.AuthorizedToListIndexes(ctx, authz.PrincipalsFromContext(ctx), req.Target) {
		return nil, serverErrors.Unauthorized(req.Target)
	}
	return s.killCursors.Execute(ctx, req)
}

// Close retires every open cursor. Call on shutdown after the transport has
// drained.
func (s *Server) Close() {
	n := s.registry.Len()
	s.registry.Close()
	if n > 0 {
		s.logger.Info("closed server", zap.Int("cursors_retired", n))
	}
}
