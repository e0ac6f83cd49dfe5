package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/engine"
	"github.com/driveclone/driveclone/internal/gdrive"
	"github.com/driveclone/driveclone/internal/store"
	"github.com/driveclone/driveclone/internal/summary"
)

// Wait timeouts accepted by the wait endpoint.
const (
	defaultWaitTimeout = 30 * time.Second
	maxWaitTimeout     = 5 * time.Minute
)

var errBadRequest = errors.New("bad request")

type createTaskRequest struct {
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination"`
	Force       bool   `json:"force"`
}

type taskResponse struct {
	ID          int64      `json:"id"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

type progressResponse struct {
	taskResponse

	Running       bool     `json:"running"`
	FoldersDone   int64    `json:"folders_done"`
	FoldersTotal  *int64   `json:"folders_total"`
	FilesDone     int64    `json:"files_done"`
	FilesTotal    *int64   `json:"files_total"`
	TotalSize     *int64   `json:"total_size"`
	Failed        int64    `json:"failed"`
	RootDest      string   `json:"root_dest,omitempty"`
	FilePercent   *float64 `json:"file_percent"`
	FolderPercent *float64 `json:"folder_percent"`
}

type summaryResponse struct {
	FolderID    string                   `json:"folder_id"`
	Name        string                   `json:"name"`
	FileCount   int64                    `json:"file_count"`
	FolderCount int64                    `json:"folder_count"`
	TotalSize   int64                    `json:"total_size"`
	ByExt       map[string]store.ExtStat `json:"by_ext"`
	ComputedAt  time.Time                `json:"computed_at"`
}

type credentialResponse struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Email  string `json:"email,omitempty"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	st := s.svc.PoolStats()

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"in_flight": st.InFlight,
		"attempts":  st.Attempts,
		"succeeded": st.Succeeded,
		"retried":   st.Retried,
		"timed_out": st.TimedOut,
		"abandoned": st.Abandoned,
	})
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}

	id, err := s.svc.StartOrResume(c.Request.Context(), req.Source, req.Destination, engine.Options{Force: req.Force})
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (s *Server) listTasks(c *gin.Context) {
	status, err := statusParam(c, "status")
	if err != nil {
		s.fail(c, err)
		return
	}

	tasks, err := s.svc.List(c.Request.Context(), status)
	if err != nil {
		s.fail(c, err)
		return
	}

	out := make([]taskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, newTaskResponse(&tasks[i]))
	}

	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// clearTasks deletes tasks in bulk. Only finished tasks may be cleared.
func (s *Server) clearTasks(c *gin.Context) {
	if c.Query("status") != string(store.StatusFinished) {
		s.fail(c, fmt.Errorf("%w: status=finished is required", errBadRequest))
		return
	}

	n, err := s.svc.ClearFinished(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) getTask(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	p, err := s.svc.Progress(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, newProgressResponse(p))
}

func (s *Server) waitTask(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	from, err := statusParam(c, "from")
	if err != nil {
		s.fail(c, err)
		return
	}

	if from == "" {
		from = store.StatusCopying
	}

	timeout := defaultWaitTimeout

	if raw := c.Query("timeout"); raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil || timeout <= 0 || timeout > maxWaitTimeout {
			s.fail(c, fmt.Errorf("%w: timeout must be a duration in (0, %s]", errBadRequest, maxWaitTimeout))
			return
		}
	}

	status, err := s.svc.WaitForChange(c.Request.Context(), id, from, timeout)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": status, "changed": status != from})
}

func (s *Server) deleteTask(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	if err := s.svc.Delete(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) getSummary(c *gin.Context) {
	force, err := boolParam(c, "force")
	if err != nil {
		s.fail(c, err)
		return
	}

	sum, err := s.svc.Summary(c.Request.Context(), c.Param("folder"), force)
	if err != nil {
		s.fail(c, err)
		return
	}

	byExt := sum.ByExt
	if byExt == nil {
		byExt = map[string]store.ExtStat{}
	}

	c.JSON(http.StatusOK, summaryResponse{
		FolderID:    sum.FolderID,
		Name:        sum.Name,
		FileCount:   sum.FileCount,
		FolderCount: sum.FolderCount,
		TotalSize:   sum.TotalSize,
		ByExt:       byExt,
		ComputedAt:  sum.ComputedAt,
	})
}

func (s *Server) deleteSummary(c *gin.Context) {
	if err := s.svc.InvalidateSummary(c.Request.Context(), c.Param("folder")); err != nil {
		s.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) clearSummaries(c *gin.Context) {
	n, err := s.svc.ClearSummaries(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) listCredentials(c *gin.Context) {
	creds := s.svc.Credentials()

	out := make([]credentialResponse, 0, len(creds))
	for _, cs := range creds {
		out = append(out, credentialResponse{
			Name:   cs.Name,
			Kind:   string(cs.Kind),
			Email:  cs.Email,
			Valid:  cs.Valid,
			Reason: cs.Reason,
		})
	}

	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// fail writes err as {"error": ...} with the status it maps to.
func (s *Server) fail(c *gin.Context, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}

	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound), errors.Is(err, gdrive.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, engine.ErrNoSource),
		errors.Is(err, engine.ErrNoDestination),
		errors.Is(err, engine.ErrNotFolder),
		errors.Is(err, summary.ErrNotFolder):
		return http.StatusBadRequest
	case errors.Is(err, credential.ErrNoCredentials),
		errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func idParam(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid task id %q", errBadRequest, c.Param("id"))
	}

	return id, nil
}

func statusParam(c *gin.Context, name string) (store.Status, error) {
	status := store.Status(c.Query(name))
	if status != "" && !status.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", errBadRequest, status)
	}

	return status, nil
}

func boolParam(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", errBadRequest, name)
	}

	return v, nil
}

func newTaskResponse(t *store.Task) taskResponse {
	r := taskResponse{
		ID:          t.ID,
		Source:      t.Source,
		Destination: t.Destination,
		Status:      string(t.Status),
		Error:       t.Error,
		CreatedAt:   t.CreatedAt,
	}

	if !t.FinishedAt.IsZero() {
		finished := t.FinishedAt
		r.FinishedAt = &finished
	}

	return r
}

func newProgressResponse(p *engine.Progress) progressResponse {
	r := progressResponse{
		taskResponse: newTaskResponse(&store.Task{
			ID:          p.TaskID,
			Source:      p.Source,
			Destination: p.Destination,
			Status:      p.Status,
			Error:       p.Error,
			CreatedAt:   p.CreatedAt,
			FinishedAt:  p.FinishedAt,
		}),
		Running:      p.Running,
		FoldersDone:  p.FoldersDone,
		FoldersTotal: known(p.FoldersTotal),
		FilesDone:    p.FilesDone,
		FilesTotal:   known(p.FilesTotal),
		TotalSize:    known(p.TotalSize),
		Failed:       p.Failed,
		RootDest:     p.RootDest,
	}

	if pct, ok := p.FilePercent(); ok {
		r.FilePercent = &pct
	}

	if pct, ok := p.FolderPercent(); ok {
		r.FolderPercent = &pct
	}

	return r
}

// known maps the Unknown marker to JSON null.
func known(v int64) *int64 {
	if v == engine.Unknown {
		return nil
	}

	return &v
}
