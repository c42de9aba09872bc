// Package httpapi exposes the REST surface: project and task CRUD, the
// plan approval flow, worktree diff and merge, and session event reads.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskforge/taskforge/internal/common/config"
	apperrors "github.com/taskforge/taskforge/internal/common/errors"
	"github.com/taskforge/taskforge/internal/common/logger"
	"github.com/taskforge/taskforge/internal/events/bus"
	"github.com/taskforge/taskforge/internal/sandbox"
	"github.com/taskforge/taskforge/internal/session"
	"github.com/taskforge/taskforge/internal/streams"
	"github.com/taskforge/taskforge/internal/task/service"
	"github.com/taskforge/taskforge/internal/worktree"
)

// WorktreeService is the slice of the worktree manager the API uses.
type WorktreeService interface {
	GetDiff(ctx context.Context, worktreeID string) (*worktree.Diff, error)
	Merge(ctx context.Context, worktreeID, commitMessage string) error
}

// Deps bundles the services the API fronts.
type Deps struct {
	Tasks     *service.Service
	Sessions  *session.Service
	Streams   *streams.Service
	Worktrees WorktreeService
	Sandboxes sandbox.Provider
	Bus       bus.EventBus
	Logger    *logger.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg    config.ServerConfig
	engine *gin.Engine
	http   *http.Server
	logger *logger.Logger
}

// New builds the server and mounts all routes.
func New(cfg config.ServerConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "httpapi"))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLogger(log))

	h := newHandler(deps, log)
	h.register(engine)

	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: log,
		http: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      engine,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
	}
}

// Engine exposes the router so the WebSocket gateway can mount on it.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// requestID tags every request, generating an id when the client sent none.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")))
	}
}

// respondError writes the error with its AppError status, wrapping plain
// errors as internal.
func respondError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.Wrap(err, "internal error")
	}
	c.JSON(apperrors.GetHTTPStatus(appErr), appErr)
}
