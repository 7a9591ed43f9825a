// Package http exposes the metadata commands over a small JSON API.
package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ridgelinedb/ridgeline/internal/authz"
	"github.com/ridgelinedb/ridgeline/internal/build"
	"github.com/ridgelinedb/ridgeline/pkg/logger"
	"github.com/ridgelinedb/ridgeline/pkg/server"
	"github.com/ridgelinedb/ridgeline/pkg/server/commands"
	serverErrors "github.com/ridgelinedb/ridgeline/pkg/server/errors"
)

// PrincipalHeader carries the caller's principals, one header value per
// principal. Authentication is assumed to have happened upstream.
const PrincipalHeader = "X-Ridgeline-Principal"

// APIError is the JSON error envelope.
type APIError struct {
	Error string `json:"error"`
	OK    bool   `json:"ok"`
}

// Handler serves the command API for one Server.
type Handler struct {
	srv    *server.Server
	logger logger.Logger
	engine *gin.Engine
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler's logger.
func WithHandlerLogger(l logger.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler builds the router over srv.
func NewHandler(srv *server.Server, opts ...HandlerOption) *Handler {
	h := &Handler{
		srv:    srv,
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), principalMiddleware())

	engine.GET("/healthz", h.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/listIndexes", h.listIndexes)
	v1.POST("/getMore", h.getMore)
	v1.POST("/killCursors", h.killCursors)

	h.engine = engine
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.engine.ServeHTTP(w, r)
}

func principalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if principals := c.Request.Header.Values(PrincipalHeader); len(principals) > 0 {
			ctx := authz.ContextWithPrincipals(c.Request.Context(), principals)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": build.Version,
	})
}

func (h *Handler) listIndexes(c *gin.Context) {
	var req commands.ListIndexesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}

	resp, err := h.srv.ListIndexes(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getMore(c *gin.Context) {
	var req commands.GetMoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}

	resp, err := h.srv.GetMore(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) killCursors(c *gin.Context) {
	var req commands.KillCursorsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIError{Error: err.Error()})
		return
	}

	resp, err := h.srv.KillCursors(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, serverErrors.ErrNamespaceNotFound),
		errors.Is(err, serverErrors.ErrCursorNotFound):
		status = http.StatusNotFound
	case errors.Is(err, serverErrors.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, serverErrors.ErrCursorInUse):
		status = http.StatusConflict
	case errors.Is(err, serverErrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, serverErrors.ErrOperationInterrupted):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, APIError{Error: err.Error()})
}

// RunServer serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func RunServer(ctx context.Context, addr string, h *Handler) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
