package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/api"
	"github.com/driveclone/driveclone/internal/engine"
)

const (
	serverShutdownTimeout = 10 * time.Second
	readHeaderTimeout     = 10 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the copy engine",
		Long: `Serve the task API on server.listen. Tasks left copying by an earlier
process are resumed on start. When server.resync_cron is set, finished tasks
are resumed on that schedule to pick up new source content.

The first SIGINT or SIGTERM drains in-flight requests and stops; a second
one exits immediately.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := cc.openSession(ctx, sessionOptions{lock: true, requireCredentials: true})
	if err != nil {
		return err
	}
	defer s.Close()

	resumed, err := s.engine.ResumeInterrupted(ctx)
	if err != nil {
		return err
	}

	if len(resumed) > 0 {
		cc.Logger.Info("resumed interrupted tasks", slog.Any("ids", resumed))
	}

	if expr := cc.Cfg.Server.ResyncCron; expr != "" {
		c, err := startResync(ctx, expr, s.engine, cc.Logger)
		if err != nil {
			return err
		}

		defer func() { <-c.Stop().Done() }()
	}

	gin.SetMode(gin.ReleaseMode)

	srv := &http.Server{
		Addr:              cc.Cfg.Server.Listen,
		Handler:           api.NewRouter(s.engine, cc.Cfg.Server.CORSOrigins, cc.Logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	go func() {
		cc.Logger.Info("listening", slog.String("addr", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serving on %s: %w", srv.Addr, err)
		}

		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		cc.Logger.Warn("server shutdown", slog.String("error", err.Error()))
	}

	cc.Logger.Info("server stopped")

	return nil
}

// startResync schedules ResyncFinished on expr, a standard five-field cron
// expression or descriptor.
func startResync(ctx context.Context, expr string, e *engine.Engine, logger *slog.Logger) (*cron.Cron, error) {
	c := cron.New()

	_, err := c.AddFunc(expr, func() {
		ids, err := e.ResyncFinished(ctx)
		if err != nil {
			logger.Warn("scheduled resync failed", slog.String("error", err.Error()))
			return
		}

		logger.Info("scheduled resync", slog.Int("tasks", len(ids)))
	})
	if err != nil {
		return nil, fmt.Errorf("server.resync_cron: %w", err)
	}

	c.Start()

	logger.Info("resync scheduled", slog.String("cron", expr))

	return c, nil
}
