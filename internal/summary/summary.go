// Package summary computes and caches aggregate statistics of source folder
// trees: file and folder counts, total size, and a per-extension breakdown.
// Entries are served from the store until a caller forces recomputation.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
	"github.com/driveclone/driveclone/internal/pool"
	"github.com/driveclone/driveclone/internal/store"
)

// ErrNotFolder is returned when a summary is requested for a file.
var ErrNotFolder = errors.New("summary: not a folder")

// Lister is the read-only subset of the remote API a traversal needs.
type Lister interface {
	ListChildren(
		ctx context.Context, cred *credential.Credential, folderID, pageToken string, pageSize int,
	) (*gdrive.Page, error)
	GetItem(ctx context.Context, cred *credential.Credential, id string) (*gdrive.Item, error)
}

// Cache serves folder summaries. Safe for concurrent use; concurrent
// requests for the same folder share one traversal. A shared traversal
// runs until it completes or the cache is closed: a caller that gives up
// only stops waiting for it.
type Cache struct {
	store    *store.Store
	remote   Lister
	pool     *pool.Pool
	pageSize int
	logger   *slog.Logger

	group singleflight.Group

	life   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache that traverses through p and persists in st.
func New(st *store.Store, remote Lister, p *pool.Pool, pageSize int, logger *slog.Logger) *Cache {
	if pageSize <= 0 || pageSize > gdrive.MaxPageSize {
		pageSize = gdrive.MaxPageSize
	}

	life, cancel := context.WithCancel(context.Background())

	return &Cache{
		store:    st,
		remote:   remote,
		pool:     p,
		pageSize: pageSize,
		logger:   logger,
		life:     life,
		cancel:   cancel,
	}
}

// Close stops in-flight traversals and waits for them to return.
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}

// Get returns the summary of folderID, computing and storing it when absent
// or when force is set.
func (c *Cache) Get(ctx context.Context, folderID string, force bool) (*store.FolderSummary, error) {
	if !force {
		sum, err := c.store.GetSummary(ctx, folderID)
		if err == nil {
			return sum, nil
		}

		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("summary: %w", err)
		}
	}

	ch := c.group.DoChan(folderID, func() (any, error) {
		c.wg.Add(1)
		defer c.wg.Done()

		return c.compute(c.life, folderID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}

		if res.Shared {
			c.logger.Debug("summary: shared computation", slog.String("folder_id", folderID))
		}

		return res.Val.(*store.FolderSummary), nil //nolint:forcetypeassert // only compute stores values
	case <-ctx.Done():
		return nil, fmt.Errorf("summary: waiting for %s: %w", folderID, context.Cause(ctx))
	}
}

// Peek returns the stored summary of folderID without computing one. A
// missing summary is reported as (nil, nil).
func (c *Cache) Peek(ctx context.Context, folderID string) (*store.FolderSummary, error) {
	sum, err := c.store.GetSummary(ctx, folderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	return sum, nil
}

// Invalidate drops the stored summary of folderID.
func (c *Cache) Invalidate(ctx context.Context, folderID string) error {
	if err := c.store.DeleteSummary(ctx, folderID); err != nil {
		return fmt.Errorf("summary: %w", err)
	}

	c.logger.Info("folder summary dropped", slog.String("folder_id", folderID))

	return nil
}

// Clear drops every stored summary and returns how many were removed.
func (c *Cache) Clear(ctx context.Context) (int64, error) {
	n, err := c.store.ClearSummaries(ctx)
	if err != nil {
		return 0, fmt.Errorf("summary: %w", err)
	}

	c.logger.Info("summary cache cleared", slog.Int64("removed", n))

	return n, nil
}

// compute walks the tree breadth-first, one level at a time, listing the
// folders of a level concurrently. An item reachable through several
// parents is counted once.
func (c *Cache) compute(ctx context.Context, folderID string) (*store.FolderSummary, error) {
	start := time.Now()

	root, err := c.getItem(ctx, folderID)
	if err != nil {
		return nil, err
	}

	if !root.IsFolder() {
		return nil, fmt.Errorf("%w: %s", ErrNotFolder, folderID)
	}

	sum := &store.FolderSummary{
		FolderID: folderID,
		Name:     root.Name,
		ByExt:    make(map[string]store.ExtStat),
	}

	var mu sync.Mutex

	seen := map[string]struct{}{folderID: {}}
	level := []string{folderID}
	for len(level) > 0 {
		var next []string

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.pool.Limit())

		for _, id := range level {
			g.Go(func() error {
				return c.listAll(gctx, id, func(item *gdrive.Item) {
					mu.Lock()
					defer mu.Unlock()

					if _, dup := seen[item.ID]; dup {
						return
					}

					seen[item.ID] = struct{}{}

					if item.IsFolder() {
						sum.FolderCount++
						next = append(next, item.ID)

						return
					}

					sum.FileCount++
					sum.TotalSize += item.Size

					ext := Ext(item.Name)
					st := sum.ByExt[ext]
					st.Count++
					st.Size += item.Size
					sum.ByExt[ext] = st
				})
			})
		}

		if err := g.Wait(); err != nil {
			return nil, fmt.Errorf("summary: traversing %s: %w", folderID, err)
		}

		level = next
	}

	if err := c.store.PutSummary(ctx, sum); err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	c.logger.Info("folder summary computed",
		slog.String("folder_id", folderID),
		slog.String("name", sum.Name),
		slog.Int64("files", sum.FileCount),
		slog.Int64("folders", sum.FolderCount),
		slog.Int64("bytes", sum.TotalSize),
		slog.Duration("elapsed", time.Since(start)),
	)

	return sum, nil
}

func (c *Cache) getItem(ctx context.Context, id string) (*gdrive.Item, error) {
	var item *gdrive.Item

	err := c.pool.Do(ctx, pool.Unit{
		Kind:   pool.KindGet,
		Target: id,
		Run: func(ctx context.Context, cred *credential.Credential) error {
			var err error
			item, err = c.remote.GetItem(ctx, cred, id)

			return err
		},
	})
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	return item, nil
}

// listAll feeds every child of folderID to visit, one page unit at a time.
func (c *Cache) listAll(ctx context.Context, folderID string, visit func(*gdrive.Item)) error {
	token := ""

	for {
		var page *gdrive.Page

		err := c.pool.Do(ctx, pool.Unit{
			Kind:   pool.KindList,
			Target: folderID,
			Run: func(ctx context.Context, cred *credential.Credential) error {
				var err error
				page, err = c.remote.ListChildren(ctx, cred, folderID, token, c.pageSize)

				return err
			},
		})
		if err != nil {
			return err
		}

		for i := range page.Items {
			visit(&page.Items[i])
		}

		if page.NextPageToken == "" {
			return nil
		}

		token = page.NextPageToken
	}
}

// Ext returns the lower-cased extension of name without the dot, or "" when
// it has none.
func Ext(name string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
}
