// Package engine replicates source folder trees into destination folders
// with server-side copies. It owns the task state machine: tasks are created
// or resumed per (source, destination) pair, walked by a traversal that
// records every created folder and copied file, and finish or fail according
// to the outcome of the units they depend on. All progress is persisted, so
// an interrupted task resumes where it left off.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
	"github.com/driveclone/driveclone/internal/pool"
	"github.com/driveclone/driveclone/internal/retry"
	"github.com/driveclone/driveclone/internal/store"
	"github.com/driveclone/driveclone/internal/summary"
)

// Sentinel errors.
var (
	ErrTaskNotFound  = errors.New("engine: task not found")
	ErrNoSource      = errors.New("engine: source folder id is required")
	ErrNoDestination = errors.New("engine: no destination given and no default target configured")
	ErrNotFolder     = errors.New("engine: source is not a folder")
	ErrIsFolder      = errors.New("engine: source is a folder")
	ErrClosed        = errors.New("engine: closed")
)

// Remote is the storage API the engine drives.
type Remote interface {
	summary.Lister
	CreateFolder(ctx context.Context, cred *credential.Credential, parentID, name string) (*gdrive.Item, error)
	CopyFile(ctx context.Context, cred *credential.Credential, fileID, name, parentID string) (*gdrive.Item, error)
}

// ResumePolicy decides when a finished task is re-entered.
type ResumePolicy string

// Resume policies.
const (
	ResumeAlways ResumePolicy = "always" // every start request resumes
	ResumeForce  ResumePolicy = "force"  // only requests with Options.Force resume
)

// FileErrorPolicy decides what an abandoned file copy does to its task.
type FileErrorPolicy string

// File error policies.
const (
	FileErrorsRecord FileErrorPolicy = "record" // record the failure, keep going
	FileErrorsFatal  FileErrorPolicy = "fatal"  // fail the task
)

// Config holds the explicit dependencies and tuning of an engine.
type Config struct {
	Remote      Remote
	Store       *store.Store
	Credentials []*credential.Credential

	Limit             int
	Scope             pool.Scope
	Policy            retry.Policy
	RequestsPerSecond float64

	PageSize         int
	Workers          int // folder traversal goroutines per task; defaults to Limit
	ResumeFinished   ResumePolicy
	FileErrors       FileErrorPolicy
	SummarizeOnStart bool
	DefaultTarget    string

	Logger *slog.Logger
}

// Options modify a single start request.
type Options struct {
	// Force resumes a finished task regardless of the resume policy and
	// recomputes the source summary.
	Force bool
}

// Engine runs replication tasks. Safe for concurrent use.
type Engine struct {
	cfg       Config
	store     *store.Store
	remote    Remote
	rotator   *credential.Rotator
	pool      *pool.Pool
	summaries *summary.Cache
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.Mutex
	runs     map[int64]*run
	watchers map[int64]chan struct{}
	closed   bool
}

// run is one in-process execution of a task.
type run struct {
	taskID  int64
	runID   string
	stopped atomic.Bool
	done    chan struct{}
}

// New validates cfg and builds an engine with its own credential rotator,
// worker pool, and summary cache.
func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}

	if cfg.Limit < 1 {
		cfg.Limit = pool.DefaultLimit
	}

	if cfg.Scope == "" {
		cfg.Scope = pool.ScopeGlobal
	}

	if cfg.ResumeFinished == "" {
		cfg.ResumeFinished = ResumeAlways
	}

	if cfg.FileErrors == "" {
		cfg.FileErrors = FileErrorsRecord
	}

	if cfg.Workers < 1 {
		cfg.Workers = cfg.Limit
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rotator := credential.NewRotator(cfg.Credentials, cfg.Logger)
	p := pool.New(pool.Config{
		Limit:             cfg.Limit,
		Scope:             cfg.Scope,
		Policy:            cfg.Policy,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, rotator, cfg.Logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		store:     cfg.Store,
		remote:    cfg.Remote,
		rotator:   rotator,
		pool:      p,
		summaries: summary.New(cfg.Store, cfg.Remote, p, cfg.PageSize, cfg.Logger),
		logger:    cfg.Logger,
		baseCtx:   ctx,
		cancel:    cancel,
		runs:      make(map[int64]*run),
		watchers:  make(map[int64]chan struct{}),
	}, nil
}

func (c *Config) validate() error {
	var errs []error

	if c.Remote == nil {
		errs = append(errs, errors.New("engine: remote is required"))
	}

	if c.Store == nil {
		errs = append(errs, errors.New("engine: store is required"))
	}

	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Scope {
	case pool.ScopeGlobal, pool.ScopeTask:
	default:
		errs = append(errs, fmt.Errorf("engine: unknown pool scope %q", c.Scope))
	}

	switch c.ResumeFinished {
	case ResumeAlways, ResumeForce:
	default:
		errs = append(errs, fmt.Errorf("engine: unknown resume policy %q", c.ResumeFinished))
	}

	switch c.FileErrors {
	case FileErrorsRecord, FileErrorsFatal:
	default:
		errs = append(errs, fmt.Errorf("engine: unknown file error policy %q", c.FileErrors))
	}

	return errors.Join(errs...)
}

// StartOrResume returns the task replicating source into destination,
// starting or resuming its traversal as needed. An empty destination falls
// back to the configured default target.
//
// A task already copying in this process is returned unchanged. A task left
// copying by an earlier process, or one that ended in error, is resumed. A
// finished task is resumed according to the resume policy.
func (e *Engine) StartOrResume(ctx context.Context, source, destination string, opts Options) (int64, error) {
	if source == "" {
		return 0, ErrNoSource
	}

	if destination == "" {
		destination = e.cfg.DefaultTarget
	}

	if destination == "" {
		return 0, ErrNoDestination
	}

	if e.rotator.Valid() == 0 {
		return 0, fmt.Errorf("engine: starting task: %w", credential.ErrNoCredentials)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrClosed
	}

	task, err := e.store.FindTask(ctx, source, destination)
	if errors.Is(err, store.ErrNotFound) {
		task, err = e.store.CreateTask(ctx, source, destination)
		if err == nil {
			e.logger.Info("task created",
				slog.Int64("task_id", task.ID),
				slog.String("source", source),
				slog.String("destination", destination),
			)
		}
	}

	if err != nil {
		return 0, fmt.Errorf("engine: %w", err)
	}

	if _, running := e.runs[task.ID]; running {
		return task.ID, nil
	}

	switch task.Status {
	case store.StatusCopying:
		e.logger.Info("resuming interrupted task", slog.Int64("task_id", task.ID))
	case store.StatusFinished:
		if e.cfg.ResumeFinished != ResumeAlways && !opts.Force {
			return task.ID, nil
		}

		e.logger.Info("resuming finished task", slog.Int64("task_id", task.ID))
	case store.StatusError:
		e.logger.Info("retrying failed task",
			slog.Int64("task_id", task.ID),
			slog.String("last_error", task.Error),
		)
	case store.StatusPending:
	}

	if err := e.launchLocked(ctx, task, opts); err != nil {
		return 0, err
	}

	return task.ID, nil
}

// launchLocked moves task to copying and starts its run. Caller holds e.mu.
func (e *Engine) launchLocked(ctx context.Context, task *store.Task, opts Options) error {
	if err := e.store.ClearFailures(ctx, task.ID); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if err := e.store.SetStatus(ctx, task.ID, store.StatusCopying, ""); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	task.Status = store.StatusCopying

	r := &run{
		taskID: task.ID,
		runID:  uuid.NewString(),
		done:   make(chan struct{}),
	}

	e.runs[task.ID] = r
	e.notifyLocked(task.ID)

	e.wg.Add(1)

	go e.execute(r, *task, opts)

	return nil
}

// execute runs one traversal of task and records its outcome.
func (e *Engine) execute(r *run, task store.Task, opts Options) {
	defer e.wg.Done()
	defer close(r.done)

	ctx := e.baseCtx
	logger := e.logger.With(
		slog.String("run_id", r.runID),
		slog.Int64("task_id", task.ID),
	)

	logger.Info("task run started",
		slog.String("source", task.Source),
		slog.String("destination", task.Destination),
	)

	if e.cfg.SummarizeOnStart {
		if _, err := e.summaries.Get(ctx, task.Source, opts.Force); err != nil && ctx.Err() == nil {
			logger.Warn("source summary unavailable, progress totals unknown",
				slog.String("error", err.Error()),
			)
		}
	}

	t := newTraversal(e, r, &task, logger)
	err := t.run(ctx)

	e.finish(r, t, err, logger)
}

// finish persists the outcome of a run unless the task was deleted or
// closed out from under it, or the engine is shutting down.
func (e *Engine) finish(r *run, t *traversal, err error, logger *slog.Logger) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.runs, r.taskID)
	e.pool.Forget(r.taskID)

	attrs := []any{
		slog.Int64("copied", t.copied.Load()),
		slog.Int64("skipped", t.skipped.Load()),
		slog.Int64("folders_created", t.created.Load()),
		slog.Int64("failed", t.failed.Load()),
		slog.Duration("elapsed", time.Since(t.start)),
	}

	switch {
	case r.stopped.Load():
		logger.Info("task run stopped", attrs...)
		return
	case e.baseCtx.Err() != nil:
		logger.Info("task run interrupted by shutdown, will resume on next start", attrs...)
		return
	}

	status, reason := store.StatusFinished, ""
	if err != nil {
		status, reason = store.StatusError, err.Error()
		logger.Error("task failed", append(attrs, slog.String("error", reason))...)
	} else {
		logger.Info("task finished", attrs...)
	}

	if serr := e.store.SetStatus(context.Background(), r.taskID, status, reason); serr != nil {
		logger.Warn("recording task outcome failed", slog.String("error", serr.Error()))
		return
	}

	e.notifyLocked(r.taskID)
}

// MarkFinished moves a task to finished. A run in progress stops
// dispatching new units.
func (e *Engine) MarkFinished(ctx context.Context, id int64) error {
	return e.terminate(ctx, id, store.StatusFinished, "")
}

// MarkError moves a task to error with reason. The task is not retried
// until the next StartOrResume for its pair.
func (e *Engine) MarkError(ctx context.Context, id int64, reason string) error {
	return e.terminate(ctx, id, store.StatusError, reason)
}

func (e *Engine) terminate(ctx context.Context, id int64, status store.Status, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.SetStatus(ctx, id, status, reason); err != nil {
		return taskErr(id, err)
	}

	if r, ok := e.runs[id]; ok {
		r.stopped.Store(true)
	}

	e.notifyLocked(id)

	return nil
}

// Delete removes a task with its mapping, ledger and failures. Units
// already in flight finish, but their results are discarded.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteTask(ctx, id); err != nil {
		return taskErr(id, err)
	}

	if r, ok := e.runs[id]; ok {
		r.stopped.Store(true)
	}

	e.notifyLocked(id)
	e.logger.Info("task deleted", slog.Int64("task_id", id))

	return nil
}

// List returns every task, or only those in status when it is non-empty.
func (e *Engine) List(ctx context.Context, status store.Status) ([]store.Task, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("engine: unknown status %q", status)
	}

	tasks, err := e.store.ListTasks(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return tasks, nil
}

// ClearFinished deletes every finished task and returns how many went.
func (e *Engine) ClearFinished(ctx context.Context) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	finished, err := e.store.ListTasks(ctx, store.StatusFinished)
	if err != nil {
		return 0, fmt.Errorf("engine: %w", err)
	}

	n, err := e.store.DeleteTasksByStatus(ctx, store.StatusFinished)
	if err != nil {
		return 0, fmt.Errorf("engine: %w", err)
	}

	for i := range finished {
		e.notifyLocked(finished[i].ID)
	}

	e.logger.Info("finished tasks cleared", slog.Int64("count", n))

	return n, nil
}

// ResyncFinished resumes every finished task with Force so each picks up
// items added to its source since it finished. Returns the resumed ids.
func (e *Engine) ResyncFinished(ctx context.Context) ([]int64, error) {
	tasks, err := e.List(ctx, store.StatusFinished)
	if err != nil {
		return nil, err
	}

	var (
		ids  []int64
		errs []error
	)

	for i := range tasks {
		id, err := e.StartOrResume(ctx, tasks[i].Source, tasks[i].Destination, Options{Force: true})
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", tasks[i].ID, err))
			continue
		}

		ids = append(ids, id)
	}

	return ids, errors.Join(errs...)
}

// ResumeInterrupted restarts every task left copying by an earlier process.
// Returns the resumed ids.
func (e *Engine) ResumeInterrupted(ctx context.Context) ([]int64, error) {
	tasks, err := e.List(ctx, store.StatusCopying)
	if err != nil {
		return nil, err
	}

	var (
		ids  []int64
		errs []error
	)

	for i := range tasks {
		if e.Running(tasks[i].ID) {
			continue
		}

		id, err := e.StartOrResume(ctx, tasks[i].Source, tasks[i].Destination, Options{})
		if err != nil {
			errs = append(errs, fmt.Errorf("task %d: %w", tasks[i].ID, err))
			continue
		}

		ids = append(ids, id)
	}

	return ids, errors.Join(errs...)
}

// WaitForChange blocks until task id leaves status from, timeout elapses, or
// ctx is done, and returns the status seen last. A task deleted while
// waiting reports ErrTaskNotFound.
func (e *Engine) WaitForChange(ctx context.Context, id int64, from store.Status, timeout time.Duration) (store.Status, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ch := e.watch(id)

		task, err := e.store.GetTask(ctx, id)
		if err != nil {
			return "", taskErr(id, err)
		}

		if task.Status != from {
			return task.Status, nil
		}

		select {
		case <-ch:
		case <-timer.C:
			return task.Status, nil
		case <-ctx.Done():
			return task.Status, ctx.Err()
		}
	}
}

// Running reports whether task id has a run in this process.
func (e *Engine) Running(id int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.runs[id]

	return ok
}

// CopySingle copies one file into destination without creating a task.
func (e *Engine) CopySingle(ctx context.Context, fileID, destination string) (*gdrive.Item, error) {
	if fileID == "" {
		return nil, ErrNoSource
	}

	if destination == "" {
		destination = e.cfg.DefaultTarget
	}

	if destination == "" {
		return nil, ErrNoDestination
	}

	var src *gdrive.Item

	err := e.pool.Do(ctx, pool.Unit{
		Kind:   pool.KindGet,
		Target: fileID,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			var err error
			src, err = e.remote.GetItem(ctx, cred, fileID)

			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	if src.IsFolder() {
		return nil, fmt.Errorf("%w: %s", ErrIsFolder, fileID)
	}

	var copied *gdrive.Item

	err = e.pool.Do(ctx, pool.Unit{
		Kind:   pool.KindCopyFile,
		Target: fileID,
		Name:   src.Name,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			var err error
			copied, err = e.remote.CopyFile(ctx, cred, fileID, src.Name, destination)

			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e.logger.Info("file copied",
		slog.String("source", fileID),
		slog.String("name", src.Name),
		slog.String("copy", copied.ID),
	)

	return copied, nil
}

// Lookup reads the metadata of one item through the pool.
func (e *Engine) Lookup(ctx context.Context, id string) (*gdrive.Item, error) {
	var item *gdrive.Item

	err := e.pool.Do(ctx, pool.Unit{
		Kind:   pool.KindGet,
		Target: id,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			var err error
			item, err = e.remote.GetItem(ctx, cred, id)

			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return item, nil
}

// Summary returns the cached summary of folderID, computing it when absent
// or forced.
func (e *Engine) Summary(ctx context.Context, folderID string, force bool) (*store.FolderSummary, error) {
	return e.summaries.Get(ctx, folderID, force)
}

// InvalidateSummary drops the cached summary of folderID; the next request
// recomputes it.
func (e *Engine) InvalidateSummary(ctx context.Context, folderID string) error {
	if folderID == "" {
		return ErrNoSource
	}

	return e.summaries.Invalidate(ctx, folderID)
}

// ClearSummaries drops every cached summary and returns how many were
// removed.
func (e *Engine) ClearSummaries(ctx context.Context) (int64, error) {
	return e.summaries.Clear(ctx)
}

// Credentials reports the rotation set with validity.
func (e *Engine) Credentials() []credential.Status {
	return e.rotator.Snapshot()
}

// PoolStats returns the worker pool counters.
func (e *Engine) PoolStats() pool.Stats {
	return e.pool.Stats()
}

// Close stops accepting tasks, cancels running traversals, and waits for
// them to return. Interrupted tasks stay copying and resume on the next
// start.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.summaries.Close()
	e.wg.Wait()

	return nil
}

// watch returns a channel closed at the next status change of id.
func (e *Engine) watch(id int64) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	ch, ok := e.watchers[id]
	if !ok {
		ch = make(chan struct{})
		e.watchers[id] = ch
	}

	return ch
}

func (e *Engine) notifyLocked(id int64) {
	if ch, ok := e.watchers[id]; ok {
		close(ch)
		delete(e.watchers, id)
	}
}

func taskErr(id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}

	return fmt.Errorf("engine: %w", err)
}
