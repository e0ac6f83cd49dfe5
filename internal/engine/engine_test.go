package engine

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
	"github.com/driveclone/driveclone/internal/gdrive/gdrivetest"
	"github.com/driveclone/driveclone/internal/pool"
	"github.com/driveclone/driveclone/internal/retry"
	"github.com/driveclone/driveclone/internal/store"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st
}

func testCreds(names ...string) []*credential.Credential {
	creds := make([]*credential.Credential, 0, len(names))
	for _, n := range names {
		creds = append(creds, credential.New(n, credential.KindServiceAccount, n+"@example.iam",
			oauth2.StaticTokenSource(&oauth2.Token{AccessToken: n})))
	}

	return creds
}

func newTestEngine(t *testing.T, st *store.Store, d *gdrivetest.Drive, mutate func(*Config)) *Engine {
	t.Helper()

	cfg := Config{
		Remote:           d,
		Store:            st,
		Credentials:      testCreds("sa1", "sa2"),
		Limit:            4,
		Policy:           retry.Policy{BaseTimeout: 2 * time.Second, MaxTimeout: 4 * time.Second, MaxAttempts: 3},
		PageSize:         2,
		SummarizeOnStart: true,
		Logger:           testLogger(t),
	}

	if mutate != nil {
		mutate(&cfg)
	}

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e
}

// waitDone blocks until task id leaves copying.
func waitDone(t *testing.T, e *Engine, id int64) store.Status {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for {
		st, err := e.WaitForChange(ctx, id, store.StatusCopying, time.Second)
		require.NoError(t, err)

		if st != store.StatusCopying {
			return st
		}
	}
}

type fixture struct {
	dest  string
	src   string
	docs  string
	files []string
}

// buildTree creates a destination folder and a source tree:
//
//	Src/ a.txt b.jpg c.bin Docs/ (d.txt Deep/ (e.txt)) Empty/
func buildTree(d *gdrivetest.Drive) fixture {
	f := fixture{
		dest: d.AddFolder("", "Backup"),
		src:  d.AddFolder("", "Src"),
	}

	f.files = append(f.files,
		d.AddFile(f.src, "a.txt", 10),
		d.AddFile(f.src, "b.jpg", 20),
		d.AddFile(f.src, "c.bin", 30),
	)

	f.docs = d.AddFolder(f.src, "Docs")
	f.files = append(f.files, d.AddFile(f.docs, "d.txt", 5))

	deep := d.AddFolder(f.docs, "Deep")
	f.files = append(f.files, d.AddFile(deep, "e.txt", 1))

	d.AddFolder(f.src, "Empty")

	return f
}

func apiError(status int, sentinel error) error {
	return &gdrive.APIError{StatusCode: status, Err: sentinel}
}

func TestStartOrResume_CopiesTree(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, nil)
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)

	require.Len(t, d.Children(f.dest), 1)
	assert.Equal(t, d.Children(f.dest)[0], p.RootDest)
	assert.Equal(t, "Src", d.Item(p.RootDest).Name)
	assert.Equal(t, d.Tree(f.src), d.Tree(p.RootDest))

	assert.Equal(t, int64(5), p.FilesDone)
	assert.Equal(t, int64(3), p.FoldersDone)
	assert.Equal(t, int64(5), p.FilesTotal)
	assert.Equal(t, int64(3), p.FoldersTotal)
	assert.Equal(t, int64(66), p.TotalSize)
	assert.False(t, p.Running)
	assert.False(t, p.FinishedAt.IsZero())

	pct, known := p.FilePercent()
	assert.True(t, known)
	assert.InDelta(t, 100.0, pct, 0.001)

	for _, id := range f.files {
		assert.Equal(t, 1, d.CopyCount(id))
	}
}

func TestStartOrResume_IdempotentWhileCopying(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	release := make(chan struct{})
	d.SetHook(func(ctx context.Context, op, _ string, _ *credential.Credential) error {
		if op == gdrivetest.OpCopyFile {
			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	e := newTestEngine(t, newTestStore(t), d, nil)
	ctx := context.Background()

	first, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)

	second, err := e.StartOrResume(ctx, f.src, f.dest, Options{Force: true})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, e.Running(first))

	close(release)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, first))

	for _, id := range f.files {
		assert.Equal(t, 1, d.CopyCount(id))
	}
}

func TestStartOrResume_ResumeFinishedCopiesOnlyNewFiles(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	st := newTestStore(t)
	e := newTestEngine(t, st, d, nil)
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	before, err := st.CopiedSet(ctx, id)
	require.NoError(t, err)

	added := d.AddFile(f.docs, "late.txt", 7)
	newDir := d.AddFolder(f.src, "New")
	addedDeep := d.AddFile(newDir, "later.txt", 8)

	again, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	after, err := st.CopiedSet(ctx, id)
	require.NoError(t, err)
	assert.Len(t, after, len(before)+2)
	assert.Contains(t, after, added)
	assert.Contains(t, after, addedDeep)

	for _, fid := range append(f.files, added, addedDeep) {
		assert.Equal(t, 1, d.CopyCount(fid), "file %s", fid)
	}

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, d.Tree(f.src), d.Tree(p.RootDest))
	assert.Len(t, d.Children(f.dest), 1, "root folder must not be recreated")
}

func TestStartOrResume_ForcePolicy(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.ResumeFinished = ResumeForce
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	added := d.AddFile(f.src, "late.txt", 1)

	again, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.False(t, e.Running(id))
	assert.Zero(t, d.CopyCount(added))

	_, err = e.StartOrResume(ctx, f.src, f.dest, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))
	assert.Equal(t, 1, d.CopyCount(added))
}

func TestStartOrResume_RecoversInterruptedTask(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	st := newTestStore(t)

	blocked := make(chan struct{})

	var once sync.Once

	d.SetHook(func(ctx context.Context, op, id string, _ *credential.Credential) error {
		if op == gdrivetest.OpCopyFile && id == f.files[3] {
			once.Do(func() { close(blocked) })
			<-ctx.Done()

			return ctx.Err()
		}

		return nil
	})

	first := newTestEngine(t, st, d, nil)
	ctx := context.Background()

	id, err := first.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)

	<-blocked
	require.NoError(t, first.Close())

	task, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCopying, task.Status, "interrupted task stays copying")

	_, err = first.StartOrResume(ctx, f.src, f.dest, Options{})
	require.ErrorIs(t, err, ErrClosed)

	d.SetHook(nil)

	second := newTestEngine(t, st, d, nil)

	again, err := second.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, store.StatusFinished, waitDone(t, second, id))

	p, err := second.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, d.Tree(f.src), d.Tree(p.RootDest))
	assert.Len(t, d.Children(f.dest), 1)

	for _, fid := range f.files {
		assert.Equal(t, 1, d.CopyCount(fid), "file %s", fid)
	}
}

func TestResumeInterrupted(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	st := newTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, f.src, f.dest)
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(ctx, task.ID, store.StatusCopying, ""))

	finished, err := st.CreateTask(ctx, f.docs, f.dest)
	require.NoError(t, err)
	require.NoError(t, st.SetStatus(ctx, finished.ID, store.StatusFinished, ""))

	e := newTestEngine(t, st, d, nil)

	ids, err := e.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{task.ID}, ids)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, task.ID))
	assert.False(t, e.Running(finished.ID))

	got, err := st.GetTask(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, got.Status)
}

func TestRequiredUnitAbandoned_TaskErrors(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	var attempts atomic.Int32

	d.SetHook(func(ctx context.Context, op, id string, _ *credential.Credential) error {
		if op == gdrivetest.OpList && id == f.docs {
			attempts.Add(1)
			<-ctx.Done()

			return ctx.Err()
		}

		return nil
	})

	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.Policy = retry.Policy{BaseTimeout: 50 * time.Millisecond, MaxTimeout: 100 * time.Millisecond, MaxAttempts: 3}
		c.SummarizeOnStart = false
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, waitDone(t, e, id))
	assert.Equal(t, int32(3), attempts.Load())

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, p.Error, "abandoned after 3 attempt(s)")
	assert.Contains(t, p.Error, f.docs)

	// An error task is retried only by a new start request.
	d.SetHook(nil)

	again, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err = e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, p.Error)
	assert.Equal(t, d.Tree(f.src), d.Tree(p.RootDest))
}

func TestFileFailure_RecordPolicy(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	bad := f.files[1]

	d.SetHook(func(_ context.Context, op, id string, _ *credential.Credential) error {
		if op == gdrivetest.OpCopyFile && id == bad {
			return apiError(http.StatusBadRequest, gdrive.ErrBadRequest)
		}

		return nil
	})

	st := newTestStore(t)
	e := newTestEngine(t, st, d, nil)
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.FilesDone)
	assert.Equal(t, int64(1), p.Failed)

	failures, err := st.ListFailures(ctx, id)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, bad, failures[0].FileID)
	assert.Equal(t, "b.jpg", failures[0].Name)

	// A later run retries the failed file and clears the failure.
	d.SetHook(nil)

	_, err = e.StartOrResume(ctx, f.src, f.dest, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err = e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.FilesDone)
	assert.Zero(t, p.Failed)
}

func TestFileFailure_FatalPolicy(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	d.SetHook(func(_ context.Context, op, id string, _ *credential.Credential) error {
		if op == gdrivetest.OpCopyFile && id == f.files[0] {
			return apiError(http.StatusBadRequest, gdrive.ErrBadRequest)
		}

		return nil
	})

	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.FileErrors = FileErrorsFatal
	})

	id, err := e.StartOrResume(context.Background(), f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, waitDone(t, e, id))
}

func TestSourceNotFolder(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.SummarizeOnStart = false
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.files[0], f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, waitDone(t, e, id))

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, p.Error, "not a folder")
	assert.Empty(t, d.Children(f.dest))
}

func TestInvalidCredentialNeverReused(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	var (
		mu       sync.Mutex
		rejected int
		used     = map[string]int{}
	)

	d.SetHook(func(_ context.Context, _, _ string, cred *credential.Credential) error {
		mu.Lock()
		defer mu.Unlock()

		used[cred.Name()]++

		if cred.Name() == "sa1" {
			rejected++
			return apiError(http.StatusUnauthorized, gdrive.ErrUnauthorized)
		}

		return nil
	})

	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.Credentials = testCreds("sa1", "sa2", "sa3")
		c.Limit = 1
	})

	id, err := e.StartOrResume(context.Background(), f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, 1, rejected)
	assert.Positive(t, used["sa2"])
	assert.Positive(t, used["sa3"])

	creds := e.Credentials()
	require.Len(t, creds, 3)
	assert.False(t, creds[0].Valid)
	assert.True(t, creds[1].Valid)
	assert.True(t, creds[2].Valid)
}

func TestSharedItemsCopiedOncePerRun(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	// a.txt also sits in Docs, and Docs also sits in Empty.
	d.AddParent(f.files[0], f.docs)

	var empty string

	for _, id := range d.Children(f.src) {
		if item := d.Item(id); item != nil && item.Name == "Empty" {
			empty = id
		}
	}

	require.NotEmpty(t, empty)
	d.AddParent(f.docs, empty)

	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.SummarizeOnStart = false
		c.PageSize = 100
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	for _, file := range f.files {
		assert.Equal(t, 1, d.CopyCount(file), "file %s", file)
	}

	// Docs is listed once, not once per parent.
	var docsLists atomic.Int32

	d.SetHook(func(_ context.Context, op, folder string, _ *credential.Credential) error {
		if op == gdrivetest.OpList && folder == f.docs {
			docsLists.Add(1)
		}

		return nil
	})

	_, err = e.StartOrResume(ctx, f.src, f.dest, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	assert.Equal(t, int32(1), docsLists.Load())

	for _, file := range f.files {
		assert.Equal(t, 1, d.CopyCount(file), "file %s", file)
	}
}

func TestQuotaErrorKeepsOnlyCredential(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	limited := f.files[0]

	d.SetHook(func(_ context.Context, op, id string, _ *credential.Credential) error {
		if op == gdrivetest.OpCopyFile && id == limited {
			return &gdrive.APIError{StatusCode: http.StatusForbidden, Reason: "userRateLimitExceeded", Err: gdrive.ErrQuotaExceeded}
		}

		return nil
	})

	st := newTestStore(t)
	e := newTestEngine(t, st, d, func(c *Config) {
		c.Credentials = testCreds("me")
		c.Limit = 1
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.FilesDone)
	assert.Equal(t, int64(1), p.Failed)

	failures, err := st.ListFailures(ctx, id)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Reason, "userRateLimitExceeded")

	creds := e.Credentials()
	require.Len(t, creds, 1)
	assert.True(t, creds[0].Valid)

	d.SetHook(nil)

	_, err = e.StartOrResume(ctx, f.src, f.dest, Options{Force: true})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err = e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.FilesDone)
}

func TestRootAccessFailureRetiresCredential(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	d.SetHook(func(_ context.Context, op, id string, cred *credential.Credential) error {
		if op == gdrivetest.OpGet && id == f.src && cred.Name() == "sa1" {
			return apiError(http.StatusNotFound, gdrive.ErrNotFound)
		}

		return nil
	})

	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.Limit = 1
		c.SummarizeOnStart = false
	})

	id, err := e.StartOrResume(context.Background(), f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, id))

	creds := e.Credentials()
	assert.False(t, creds[0].Valid)
	assert.Contains(t, creds[0].Reason, "cannot access task root")
	assert.True(t, creds[1].Valid)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	st := newTestStore(t)
	e := newTestEngine(t, st, d, nil)
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	require.NoError(t, e.Delete(ctx, id))

	_, err = e.Progress(ctx, id)
	require.ErrorIs(t, err, ErrTaskNotFound)

	n, err := st.CountCopied(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.ErrorIs(t, e.Delete(ctx, id), ErrTaskNotFound)

	_, err = e.WaitForChange(ctx, id, store.StatusFinished, time.Millisecond)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDelete_WhileCopying(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)

	release := make(chan struct{})
	entered := make(chan struct{}, 16)

	d.SetHook(func(ctx context.Context, op, _ string, _ *credential.Credential) error {
		if op == gdrivetest.OpCopyFile {
			select {
			case entered <- struct{}{}:
			default:
			}

			select {
			case <-release:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		return nil
	})

	st := newTestStore(t)
	e := newTestEngine(t, st, d, func(c *Config) {
		c.SummarizeOnStart = false
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)

	<-entered
	require.NoError(t, e.Delete(ctx, id))
	close(release)

	require.Eventually(t, func() bool { return !e.Running(id) }, 10*time.Second, 10*time.Millisecond)

	_, err = e.Progress(ctx, id)
	require.ErrorIs(t, err, ErrTaskNotFound)

	tasks, err := st.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	// A new request for the pair starts from scratch.
	again, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
	assert.Equal(t, store.StatusFinished, waitDone(t, e, again))
}

func TestProgress_UnknownTotalWithoutSummary(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.SummarizeOnStart = false
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, Unknown, p.FilesTotal)
	assert.Equal(t, Unknown, p.FoldersTotal)
	assert.Equal(t, Unknown, p.TotalSize)

	_, known := p.FilePercent()
	assert.False(t, known)

	_, err = e.Summary(ctx, f.src, false)
	require.NoError(t, err)

	p, err = e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.FilesTotal)

	pct, known := p.FolderPercent()
	assert.True(t, known)
	assert.InDelta(t, 100.0, pct, 0.001)
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()

	p := Progress{FilesDone: 3, FilesTotal: 4, FoldersDone: 1, FoldersTotal: Unknown}

	pct, known := p.FilePercent()
	assert.True(t, known)
	assert.InDelta(t, 75.0, pct, 0.001)

	_, known = p.FolderPercent()
	assert.False(t, known)

	empty := Progress{FilesTotal: 0}
	pct, known = empty.FilePercent()
	assert.True(t, known)
	assert.InDelta(t, 100.0, pct, 0.001)

	// More done than the summary counted: the source shrank.
	drifted := Progress{FilesDone: 5, FilesTotal: 4}
	pct, known = drifted.FilePercent()
	assert.True(t, known)
	assert.InDelta(t, 125.0, pct, 0.001)
}

func TestWaitForChange_Timeout(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, nil)
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	start := time.Now()
	got, err := e.WaitForChange(ctx, id, store.StatusFinished, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, got)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, err = e.WaitForChange(ctx, 999, store.StatusCopying, time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMarkFinishedAndError(t *testing.T) {
	t.Parallel()

	st := newTestStore(t)
	e := newTestEngine(t, st, gdrivetest.New(), nil)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, "src", "dst")
	require.NoError(t, err)

	require.NoError(t, e.MarkError(ctx, task.ID, "quota gone"))

	p, err := e.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, p.Status)
	assert.Equal(t, "quota gone", p.Error)

	require.NoError(t, e.MarkFinished(ctx, task.ID))

	p, err = e.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, p.Status)
	assert.Empty(t, p.Error)

	require.ErrorIs(t, e.MarkFinished(ctx, 999), ErrTaskNotFound)
}

func TestStartOrResume_Validation(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	ctx := context.Background()

	e := newTestEngine(t, newTestStore(t), d, nil)

	_, err := e.StartOrResume(ctx, "", f.dest, Options{})
	require.ErrorIs(t, err, ErrNoSource)

	_, err = e.StartOrResume(ctx, f.src, "", Options{})
	require.ErrorIs(t, err, ErrNoDestination)

	noCreds := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.Credentials = nil
	})

	_, err = noCreds.StartOrResume(ctx, f.src, f.dest, Options{})
	require.ErrorIs(t, err, credential.ErrNoCredentials)

	tasks, err := noCreds.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, tasks, "no task is created before a failed start")
}

func TestStartOrResume_DefaultTarget(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.DefaultTarget = f.dest
	})
	ctx := context.Background()

	id, err := e.StartOrResume(ctx, f.src, "", Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, id))

	p, err := e.Progress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, f.dest, p.Destination)
}

func TestListClearAndResync(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	other := d.AddFolder("", "Other")
	d.AddFile(other, "o.txt", 1)

	e := newTestEngine(t, newTestStore(t), d, func(c *Config) {
		c.ResumeFinished = ResumeForce
	})
	ctx := context.Background()

	a, err := e.StartOrResume(ctx, f.src, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, a))

	b, err := e.StartOrResume(ctx, other, f.dest, Options{})
	require.NoError(t, err)
	require.Equal(t, store.StatusFinished, waitDone(t, e, b))

	all, err := e.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = e.List(ctx, "bogus")
	require.Error(t, err)

	late := d.AddFile(other, "late.txt", 1)

	ids, err := e.ResyncFinished(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a, b}, ids)

	for _, id := range ids {
		require.Equal(t, store.StatusFinished, waitDone(t, e, id))
	}

	assert.Equal(t, 1, d.CopyCount(late))

	n, err := e.ClearFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err = e.List(ctx, store.StatusFinished)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCopySingle(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, nil)
	ctx := context.Background()

	item, err := e.CopySingle(ctx, f.files[0], f.dest)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", item.Name)
	assert.Equal(t, []string{item.ID}, d.Children(f.dest))

	_, err = e.CopySingle(ctx, f.src, f.dest)
	require.ErrorIs(t, err, ErrIsFolder)

	_, err = e.CopySingle(ctx, f.files[0], "")
	require.ErrorIs(t, err, ErrNoDestination)
}

func TestLookup(t *testing.T) {
	t.Parallel()

	d := gdrivetest.New()
	f := buildTree(d)
	e := newTestEngine(t, newTestStore(t), d, nil)

	item, err := e.Lookup(context.Background(), f.docs)
	require.NoError(t, err)
	assert.Equal(t, "Docs", item.Name)
	assert.True(t, item.IsFolder())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{
		Policy:         retry.Policy{BaseTimeout: -1, MaxTimeout: 1, MaxAttempts: 0},
		Scope:          "planet",
		ResumeFinished: "sometimes",
		FileErrors:     "ignore",
	})
	require.Error(t, err)

	for _, want := range []string{"remote is required", "store is required", "base timeout",
		`pool scope "planet"`, `resume policy "sometimes"`, `file error policy "ignore"`} {
		assert.Contains(t, err.Error(), want)
	}

	e, err := New(Config{Remote: gdrivetest.New(), Store: newTestStore(t), Scope: pool.ScopeTask})
	require.NoError(t, err)
	assert.Equal(t, retry.DefaultPolicy(), e.cfg.Policy)
	assert.Equal(t, pool.DefaultLimit, e.cfg.Workers)
	require.NoError(t, e.Close())
}
