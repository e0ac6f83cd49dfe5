// Package api serves the engine's control surface as JSON over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/engine"
	"github.com/driveclone/driveclone/internal/pool"
	"github.com/driveclone/driveclone/internal/store"
)

// Service is the part of the engine the handlers drive.
type Service interface {
	StartOrResume(ctx context.Context, source, destination string, opts engine.Options) (int64, error)
	Progress(ctx context.Context, id int64) (*engine.Progress, error)
	List(ctx context.Context, status store.Status) ([]store.Task, error)
	WaitForChange(ctx context.Context, id int64, from store.Status, timeout time.Duration) (store.Status, error)
	Delete(ctx context.Context, id int64) error
	ClearFinished(ctx context.Context) (int64, error)
	Summary(ctx context.Context, folderID string, force bool) (*store.FolderSummary, error)
	InvalidateSummary(ctx context.Context, folderID string) error
	ClearSummaries(ctx context.Context) (int64, error)
	Credentials() []credential.Status
	PoolStats() pool.Stats
}

// Server holds the handler dependencies.
type Server struct {
	svc    Service
	logger *slog.Logger
}

// NewRouter builds the gin engine with CORS for origins (any origin when
// empty) and the /api/v1 routes.
func NewRouter(svc Service, origins []string, logger *slog.Logger) *gin.Engine {
	s := &Server{svc: svc, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	corsCfg := cors.DefaultConfig()
	if len(origins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = origins
	}

	corsCfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsCfg))

	router.GET("/health", s.health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks", s.listTasks)
		v1.DELETE("/tasks", s.clearTasks)
		v1.GET("/tasks/:id", s.getTask)
		v1.GET("/tasks/:id/wait", s.waitTask)
		v1.DELETE("/tasks/:id", s.deleteTask)

		v1.GET("/summary/:folder", s.getSummary)
		v1.DELETE("/summary", s.clearSummaries)
		v1.DELETE("/summary/:folder", s.deleteSummary)
		v1.GET("/credentials", s.listCredentials)
	}

	return router
}

// requestLogger logs one line per request at debug level, or warn for
// server errors.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}

		s.logger.Log(c.Request.Context(), level, "http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
