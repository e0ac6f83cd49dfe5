package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
	"github.com/driveclone/driveclone/internal/pool"
	"github.com/driveclone/driveclone/internal/retry"
	"github.com/driveclone/driveclone/internal/store"
)

// errStopped ends a run whose task was deleted or closed by the operator.
var errStopped = errors.New("engine: run stopped")

// traversal is one walk of a task's source tree. Folders are resolved
// before anything beneath them is queued. Each folder is walked and each
// file copied at most once per run, even when it is reachable through
// several parents; files already in the ledger are not copied again.
type traversal struct {
	e      *Engine
	r      *run
	task   *store.Task
	logger *slog.Logger
	start  time.Time

	mapping *mapping
	files   *idSet // ledger of earlier runs plus files dispatched by this one
	folders *idSet // folders queued by this run
	queue   *folderQueue

	failOnce sync.Once
	err      error
	cancel   context.CancelCauseFunc

	copied  atomic.Int64
	skipped atomic.Int64
	created atomic.Int64
	failed  atomic.Int64
}

func newTraversal(e *Engine, r *run, task *store.Task, logger *slog.Logger) *traversal {
	return &traversal{
		e:      e,
		r:      r,
		task:   task,
		logger: logger,
		start:  time.Now(),
	}
}

func (t *traversal) run(ctx context.Context) error {
	entries, err := t.e.store.LoadMapping(ctx, t.task.ID)
	if err != nil {
		return t.storeErr(err)
	}

	t.mapping = newMapping(entries)

	copied, err := t.e.store.CopiedSet(ctx, t.task.ID)
	if err != nil {
		return t.storeErr(err)
	}

	t.files = newIDSet(copied)
	t.folders = newIDSet(nil)

	ctx, t.cancel = context.WithCancelCause(ctx)
	defer t.cancel(nil)

	rootDest, err := t.resolveRoot(ctx)
	if err != nil {
		return err
	}

	t.queue = newFolderQueue()
	stop := context.AfterFunc(ctx, t.queue.abort)

	defer stop()

	t.folders.claim(t.task.Source)
	t.queue.push(folderJob{source: t.task.Source, dest: rootDest})

	var wg sync.WaitGroup

	for range t.e.cfg.Workers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			t.worker(ctx)
		}()
	}

	wg.Wait()

	return t.err
}

func (t *traversal) worker(ctx context.Context) {
	for {
		job, ok := t.queue.pop()
		if !ok {
			return
		}

		if err := t.processFolder(ctx, job); err != nil {
			t.fail(err)
		}

		t.queue.complete()
	}
}

// fail records the first error and ends the walk. A stopped run only stops
// dispatching; units already in flight are left to finish.
func (t *traversal) fail(err error) {
	t.failOnce.Do(func() {
		t.err = err

		if errors.Is(err, errStopped) {
			t.queue.abort()
			return
		}

		t.cancel(err)
	})
}

// resolveRoot returns the destination root, creating a folder named after
// the source under the task destination on the first run.
func (t *traversal) resolveRoot(ctx context.Context) (string, error) {
	if root, ok := t.mapping.root(); ok {
		return root.DestID, nil
	}

	var src *gdrive.Item

	err := t.do(ctx, pool.Unit{
		Kind:   pool.KindGet,
		Target: t.task.Source,
		Root:   true,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			var err error
			src, err = t.e.remote.GetItem(ctx, cred, t.task.Source)

			return err
		},
	})
	if err != nil {
		return "", fmt.Errorf("engine: reading source %s: %w", t.task.Source, err)
	}

	if !src.IsFolder() {
		return "", fmt.Errorf("%w: %s", ErrNotFolder, t.task.Source)
	}

	return t.createAndMap(ctx, t.task.Destination, src)
}

// processFolder lists job.source page by page, resolving subfolders and
// queueing them, and copies files not yet in the ledger into job.dest.
func (t *traversal) processFolder(ctx context.Context, job folderJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.e.pool.Limit())

	err := t.listAll(gctx, job.source, func(item gdrive.Item) error {
		if item.IsFolder() {
			dest, err := t.resolveFolder(gctx, job.dest, &item)
			if err != nil {
				return err
			}

			if t.folders.claim(item.ID) {
				t.queue.push(folderJob{source: item.ID, dest: dest})
			}

			return nil
		}

		if !t.files.claim(item.ID) {
			t.skipped.Add(1)
			return nil
		}

		g.Go(func() error {
			return t.copyFile(gctx, &item, job.dest)
		})

		return nil
	})

	if werr := g.Wait(); werr != nil {
		return werr
	}

	return err
}

// listAll calls visit for each child of folderID. Each page is one unit.
func (t *traversal) listAll(ctx context.Context, folderID string, visit func(gdrive.Item) error) error {
	token := ""

	for {
		var page *gdrive.Page

		err := t.do(ctx, pool.Unit{
			Kind:   pool.KindList,
			Target: folderID,
			Run: func(ctx context.Context, cred *credential.Credential) error {
				var err error
				page, err = t.e.remote.ListChildren(ctx, cred, folderID, token, t.e.cfg.PageSize)

				return err
			},
		})
		if err != nil {
			return fmt.Errorf("engine: listing %s: %w", folderID, err)
		}

		for _, item := range page.Items {
			if err := visit(item); err != nil {
				return err
			}

			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
		}

		if page.NextPageToken == "" {
			return nil
		}

		token = page.NextPageToken
	}
}

// resolveFolder returns the destination of a source subfolder, creating and
// recording it when the mapping has none.
func (t *traversal) resolveFolder(ctx context.Context, parentDest string, item *gdrive.Item) (string, error) {
	if dest, ok := t.mapping.lookup(item.ID); ok {
		return dest, nil
	}

	return t.createAndMap(ctx, parentDest, item)
}

func (t *traversal) createAndMap(ctx context.Context, parentDest string, src *gdrive.Item) (string, error) {
	var created *gdrive.Item

	err := t.do(ctx, pool.Unit{
		Kind:   pool.KindCreateFolder,
		Target: src.ID,
		Name:   src.Name,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			var err error
			created, err = t.e.remote.CreateFolder(ctx, cred, parentDest, src.Name)

			return err
		},
	})
	if err != nil {
		return "", fmt.Errorf("engine: creating folder %q in %s: %w", src.Name, parentDest, err)
	}

	t.created.Add(1)

	return t.recordMapping(ctx, src.ID, created.ID)
}

// recordMapping persists sourceID→destID. A write that completes after the
// remote call must not be lost to cancellation, or a resume would create
// the folder again.
func (t *traversal) recordMapping(ctx context.Context, sourceID, destID string) (string, error) {
	wctx := context.WithoutCancel(ctx)

	inserted, err := t.e.store.AppendMapping(wctx, t.task.ID, sourceID, destID)
	if err != nil {
		return "", t.storeErr(err)
	}

	if inserted {
		return t.mapping.add(sourceID, destID), nil
	}

	// Reached through a second parent: keep the folder recorded first.
	entries, err := t.e.store.LoadMapping(wctx, t.task.ID)
	if err != nil {
		return "", t.storeErr(err)
	}

	for _, e := range entries {
		if e.SourceID == sourceID {
			t.logger.Debug("folder already mapped",
				slog.String("source_id", sourceID),
				slog.String("dest_id", e.DestID),
				slog.String("orphan_id", destID),
			)

			return t.mapping.add(sourceID, e.DestID), nil
		}
	}

	return "", fmt.Errorf("engine: mapping for %s vanished", sourceID)
}

// copyFile copies one file and records it in the ledger. Under the record
// policy an abandoned copy is stored as a failure and does not fail the
// task.
func (t *traversal) copyFile(ctx context.Context, item *gdrive.Item, parentDest string) error {
	err := t.do(ctx, pool.Unit{
		Kind:   pool.KindCopyFile,
		Target: item.ID,
		Name:   item.Name,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			_, err := t.e.remote.CopyFile(ctx, cred, item.ID, item.Name, parentDest)
			return err
		},
	})

	wctx := context.WithoutCancel(ctx)

	if err != nil {
		var abandoned *retry.AbandonedError

		if t.e.cfg.FileErrors == FileErrorsRecord &&
			errors.As(err, &abandoned) &&
			!errors.Is(err, credential.ErrNoCredentials) {
			t.failed.Add(1)

			if rerr := t.e.store.RecordFailure(wctx, t.task.ID, item.ID, item.Name, err.Error()); rerr != nil {
				return t.storeErr(rerr)
			}

			return nil
		}

		return fmt.Errorf("engine: copying %q (%s): %w", item.Name, item.ID, err)
	}

	if err := t.e.store.RecordCopied(wctx, t.task.ID, item.ID); err != nil {
		return t.storeErr(err)
	}

	t.copied.Add(1)

	return nil
}

// do runs u through the pool unless the run has been stopped.
func (t *traversal) do(ctx context.Context, u pool.Unit) error {
	if t.r.stopped.Load() {
		return errStopped
	}

	u.TaskID = t.task.ID

	return t.e.pool.Do(ctx, u)
}

// storeErr maps a missing task to errStopped: the task was deleted and the
// write is discarded.
func (t *traversal) storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return errStopped
	}

	return fmt.Errorf("engine: %w", err)
}

// idSet is a concurrent set of item ids.
type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newIDSet(ids map[string]struct{}) *idSet {
	if ids == nil {
		ids = make(map[string]struct{})
	}

	return &idSet{ids: ids}
}

// claim adds id and reports whether it was absent.
func (s *idSet) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}

	s.ids[id] = struct{}{}

	return true
}
