package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/driveclone/driveclone/internal/engine"
	"github.com/driveclone/driveclone/internal/store"
)

// progressInterval is how often a followed task reports progress.
const progressInterval = 5 * time.Second

// nameCacheTTL bounds how long a looked-up folder name is reused.
const nameCacheTTL = 10 * time.Minute

func newTaskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task [id]",
		Short: "Show replication tasks",
		Long: `Show one task's progress, or list every task when no id is given.

Folder names are looked up on the remote when credentials are available,
otherwise ids are shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return runTaskList(cmd, "")
			}

			return runTaskShow(cmd, args[0])
		},
	}

	cmd.AddCommand(newTaskListCmd())
	cmd.AddCommand(newTaskRmCmd())
	cmd.AddCommand(newTaskClearCmd())
	cmd.AddCommand(newTaskWaitCmd())

	return cmd
}

func newTaskListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTaskList(cmd, store.Status(status))
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status (pending, copying, finished, error)")

	return cmd
}

func newTaskRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>...",
		Short: "Delete tasks with their copy ledger and folder mapping",
		Long: `Delete tasks. Copies already made stay in the destination; a running
task stops scheduling new work.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTaskRm,
	}
}

func newTaskClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every finished task",
		Args:  cobra.NoArgs,
		RunE:  runTaskClear,
	}
}

func newTaskWaitCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait <id>",
		Short: "Block until a task stops copying",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTaskWait(cmd, args[0], timeout)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")

	return cmd
}

func runTaskShow(cmd *cobra.Command, arg string) error {
	id, err := parseTaskID(arg)
	if err != nil {
		return err
	}

	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := cc.openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := s.engine.Progress(ctx, id)
	if err != nil {
		return err
	}

	v := newProgressView(ctx, p, newNameCache(engineNames(s.engine), nameCacheTTL))

	if cc.Flags.JSON {
		return printJSON(os.Stdout, v)
	}

	printProgressView(os.Stdout, v, p)

	return nil
}

func runTaskList(cmd *cobra.Command, status store.Status) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := cc.openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	tasks, err := s.engine.List(ctx, status)
	if err != nil {
		return err
	}

	names := newNameCache(engineNames(s.engine), nameCacheTTL)
	views := make([]progressView, 0, len(tasks))
	rows := make([][]string, 0, len(tasks))

	for i := range tasks {
		p, err := s.engine.Progress(ctx, tasks[i].ID)
		if err != nil {
			return err
		}

		v := newProgressView(ctx, p, names)
		views = append(views, v)

		filePct, known := p.FilePercent()
		rows = append(rows, []string{
			strconv.FormatInt(v.ID, 10),
			v.Status,
			displayName(v.SourceName, v.Source),
			displayName(v.DestinationName, v.Destination),
			formatRatio(p.FilesDone, p.FilesTotal, filePct, known),
			formatTime(p.CreatedAt),
		})
	}

	if cc.Flags.JSON {
		return printJSON(os.Stdout, views)
	}

	if len(rows) == 0 {
		cc.Statusf("No tasks.\n")
		return nil
	}

	printTable(os.Stdout, []string{"ID", "STATUS", "SOURCE", "DESTINATION", "FILES", "CREATED"}, rows)

	return nil
}

func runTaskRm(cmd *cobra.Command, args []string) error {
	ids := make([]int64, 0, len(args))

	for _, a := range args {
		id, err := parseTaskID(a)
		if err != nil {
			return err
		}

		ids = append(ids, id)
	}

	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := cc.openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	var errs []error

	for _, id := range ids {
		if err := s.engine.Delete(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}

		cc.Statusf("Deleted task %d.\n", id)
	}

	return errors.Join(errs...)
}

func runTaskClear(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	s, err := cc.openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.engine.ClearFinished(ctx)
	if err != nil {
		return err
	}

	cc.Statusf("Deleted %s finished task(s).\n", formatCount(n))

	return nil
}

func runTaskWait(cmd *cobra.Command, arg string, timeout time.Duration) error {
	id, err := parseTaskID(arg)
	if err != nil {
		return err
	}

	cc := mustCLIContext(cmd.Context())
	ctx := shutdownContext(cmd.Context(), cc.Logger)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)

		defer cancel()
	}

	s, err := cc.openSession(ctx, sessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	p, err := followTask(ctx, cc, s.engine, id)
	if err != nil && interrupted(ctx) {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("task %d still copying after %s", id, timeout)
	}

	if err != nil {
		return err
	}

	return reportOutcome(cc, p)
}

// followTask reports the progress of task id until it leaves copying or ctx
// ends.
func followTask(ctx context.Context, cc *CLIContext, e *engine.Engine, id int64) (*engine.Progress, error) {
	for {
		status, err := e.WaitForChange(ctx, id, store.StatusCopying, progressInterval)
		if err != nil {
			return nil, err
		}

		p, err := e.Progress(ctx, id)
		if err != nil {
			return nil, err
		}

		if status != store.StatusCopying {
			return p, nil
		}

		cc.Statusf("task %d: %s\n", id, formatProgress(p))
	}
}

// reportOutcome prints how a task ended; a task in error is returned as an
// error.
func reportOutcome(cc *CLIContext, p *engine.Progress) error {
	if cc.Flags.JSON {
		if err := printJSON(os.Stdout, newProgressView(context.Background(), p, nil)); err != nil {
			return err
		}
	}

	if p.Status == store.StatusError {
		return fmt.Errorf("task %d failed: %s", p.TaskID, p.Error)
	}

	cc.Statusf("Task %d %s: %s\n", p.TaskID, p.Status, formatProgress(p))

	if p.RootDest != "" {
		cc.Statusf("Copy folder: %s\n", p.RootDest)
	}

	return nil
}

func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}

	return id, nil
}

// progressView is the printable form of a task's progress.
type progressView struct {
	ID              int64      `json:"id"`
	Source          string     `json:"source"`
	SourceName      string     `json:"source_name,omitempty"`
	Destination     string     `json:"destination"`
	DestinationName string     `json:"destination_name,omitempty"`
	Status          string     `json:"status"`
	Running         bool       `json:"running"`
	FilesDone       int64      `json:"files_done"`
	FilesTotal      *int64     `json:"files_total"`
	FoldersDone     int64      `json:"folders_done"`
	FoldersTotal    *int64     `json:"folders_total"`
	TotalSize       *int64     `json:"total_size"`
	Failed          int64      `json:"failed"`
	RootDest        string     `json:"root_dest,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// newProgressView builds the view of p, resolving folder names through
// names when it is non-nil.
func newProgressView(ctx context.Context, p *engine.Progress, names *nameCache) progressView {
	v := progressView{
		ID:           p.TaskID,
		Source:       p.Source,
		Destination:  p.Destination,
		Status:       string(p.Status),
		Running:      p.Running,
		FilesDone:    p.FilesDone,
		FilesTotal:   knownTotal(p.FilesTotal),
		FoldersDone:  p.FoldersDone,
		FoldersTotal: knownTotal(p.FoldersTotal),
		TotalSize:    knownTotal(p.TotalSize),
		Failed:       p.Failed,
		RootDest:     p.RootDest,
		Error:        p.Error,
		CreatedAt:    p.CreatedAt,
	}

	if !p.FinishedAt.IsZero() {
		finished := p.FinishedAt
		v.FinishedAt = &finished
	}

	if names != nil {
		v.SourceName = names.name(ctx, p.Source)
		v.DestinationName = names.name(ctx, p.Destination)
	}

	return v
}

func printProgressView(w io.Writer, v progressView, p *engine.Progress) {
	fmt.Fprintf(w, "Task %d  %s\n", v.ID, v.Status)
	fmt.Fprintf(w, "  Source:       %s\n", labeled(v.SourceName, v.Source))
	fmt.Fprintf(w, "  Destination:  %s\n", labeled(v.DestinationName, v.Destination))

	if v.RootDest != "" {
		fmt.Fprintf(w, "  Copy folder:  %s\n", v.RootDest)
	}

	fmt.Fprintf(w, "  Progress:     %s\n", formatProgress(p))

	if v.TotalSize != nil {
		fmt.Fprintf(w, "  Source size:  %s\n", formatSize(*v.TotalSize))
	}

	fmt.Fprintf(w, "  Created:      %s\n", formatTime(v.CreatedAt))

	if v.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished:     %s\n", formatTime(*v.FinishedAt))
	}

	if v.Error != "" {
		fmt.Fprintf(w, "  Error:        %s\n", v.Error)
	}
}

func knownTotal(v int64) *int64 {
	if v == engine.Unknown {
		return nil
	}

	return &v
}

func displayName(name, id string) string {
	if name == "" {
		return id
	}

	return name
}

func labeled(name, id string) string {
	if name == "" {
		return id
	}

	return fmt.Sprintf("%s (%s)", name, id)
}

// nameCache resolves item ids to names for display. Lookups that fail are
// not cached, so a transient error does not hide a name for the TTL.
type nameCache struct {
	lookup  func(ctx context.Context, id string) (string, error)
	ttl     time.Duration
	nowFunc func() time.Time

	mu      sync.Mutex
	entries map[string]nameEntry
}

type nameEntry struct {
	name    string
	fetched time.Time
}

func newNameCache(lookup func(ctx context.Context, id string) (string, error), ttl time.Duration) *nameCache {
	return &nameCache{
		lookup:  lookup,
		ttl:     ttl,
		nowFunc: time.Now,
		entries: make(map[string]nameEntry),
	}
}

// name returns the name of id, or "" when it cannot be looked up.
func (c *nameCache) name(ctx context.Context, id string) string {
	now := c.nowFunc()

	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()

	if ok && now.Sub(e.fetched) < c.ttl {
		return e.name
	}

	name, err := c.lookup(ctx, id)
	if err != nil {
		return ""
	}

	c.mu.Lock()
	c.entries[id] = nameEntry{name: name, fetched: now}
	c.mu.Unlock()

	return name
}

// engineNames looks names up through the engine's worker pool.
func engineNames(e *engine.Engine) func(ctx context.Context, id string) (string, error) {
	return func(ctx context.Context, id string) (string, error) {
		item, err := e.Lookup(ctx, id)
		if err != nil {
			return "", err
		}

		return item.Name, nil
	}
}
