package engine

import (
	"context"
	"errors"
	"time"

	"github.com/driveclone/driveclone/internal/store"
)

// Unknown marks a total that has no cached summary behind it.
const Unknown int64 = -1

// Progress is a point-in-time view of a task.
type Progress struct {
	TaskID       int64
	Source       string
	Destination  string
	Status       store.Status
	Running      bool
	FoldersDone  int64
	FoldersTotal int64 // Unknown without a summary
	FilesDone    int64
	FilesTotal   int64 // Unknown without a summary
	TotalSize    int64 // Unknown without a summary
	Failed       int64
	RootDest     string
	Error        string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// FilePercent returns copied files as a percentage of the source total, and
// false when the total is unknown.
func (p *Progress) FilePercent() (float64, bool) {
	return percent(p.FilesDone, p.FilesTotal)
}

// FolderPercent returns created folders as a percentage of the source
// total, and false when the total is unknown.
func (p *Progress) FolderPercent() (float64, bool) {
	return percent(p.FoldersDone, p.FoldersTotal)
}

// percent is done/total×100, unclamped: a source that shrank since its
// summary was taken reports more than 100. An empty source is 100.
func percent(done, total int64) (float64, bool) {
	if total == Unknown {
		return 0, false
	}

	if total == 0 {
		return 100, true
	}

	return float64(done) / float64(total) * 100, true
}

// Progress reports task id. Done counts come from the mapping (minus the
// root pair) and the ledger; totals come from the cached source summary.
func (e *Engine) Progress(ctx context.Context, id int64) (*Progress, error) {
	task, err := e.store.GetTask(ctx, id)
	if err != nil {
		return nil, taskErr(id, err)
	}

	p := &Progress{
		TaskID:       task.ID,
		Source:       task.Source,
		Destination:  task.Destination,
		Status:       task.Status,
		Running:      e.Running(id),
		FoldersTotal: Unknown,
		FilesTotal:   Unknown,
		TotalSize:    Unknown,
		Error:        task.Error,
		CreatedAt:    task.CreatedAt,
		FinishedAt:   task.FinishedAt,
	}

	mapped, err := e.store.CountMapping(ctx, id)
	if err != nil {
		return nil, taskErr(id, err)
	}

	p.FoldersDone = max(mapped-1, 0)

	if p.FilesDone, err = e.store.CountCopied(ctx, id); err != nil {
		return nil, taskErr(id, err)
	}

	if p.Failed, err = e.store.CountFailures(ctx, id); err != nil {
		return nil, taskErr(id, err)
	}

	root, err := e.store.RootMapping(ctx, id)
	switch {
	case err == nil:
		p.RootDest = root.DestID
	case !errors.Is(err, store.ErrNotFound):
		return nil, taskErr(id, err)
	}

	sum, err := e.summaries.Peek(ctx, task.Source)
	if err != nil {
		return nil, taskErr(id, err)
	}

	if sum != nil {
		p.FoldersTotal = sum.FolderCount
		p.FilesTotal = sum.FileCount
		p.TotalSize = sum.TotalSize
	}

	return p, nil
}
