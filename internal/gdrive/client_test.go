package gdrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/driveclone/driveclone/internal/credential"
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

func testCred(name string) *credential.Credential {
	return credential.New(name, credential.KindServiceAccount, "",
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-" + name}))
}

// newTestClient points a Client at an httptest server serving handler under
// the Drive v3 base path.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(testLogger(t), option.WithEndpoint(srv.URL+"/drive/v3/"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"errors":  []map[string]any{{"reason": reason, "message": msg}},
		},
	})
}

func TestListChildren_Paging(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files", r.URL.Path)
		assert.Equal(t, "Bearer tok-sa1", r.Header.Get("Authorization"))

		q := r.URL.Query()
		assert.Equal(t, "'root\\'s' in parents and trashed = false", q.Get("q"))
		assert.Equal(t, "true", q.Get("supportsAllDrives"))
		assert.Equal(t, "true", q.Get("includeItemsFromAllDrives"))
		assert.Equal(t, "2", q.Get("pageSize"))

		if q.Get("pageToken") == "" {
			writeJSON(w, http.StatusOK, map[string]any{
				"nextPageToken": "p2",
				"files": []map[string]any{
					{"id": "d1", "name": "Sub", "mimeType": FolderMimeType},
					{"id": "f1", "name": "a.txt", "mimeType": "text/plain", "size": "12"},
				},
			})

			return
		}

		assert.Equal(t, "p2", q.Get("pageToken"))
		writeJSON(w, http.StatusOK, map[string]any{
			"files": []map[string]any{{"id": "f2", "name": "b.jpg", "mimeType": "image/jpeg", "size": "40"}},
		})
	})

	cred := testCred("sa1")

	page, err := c.ListChildren(context.Background(), cred, "root's", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "p2", page.NextPageToken)
	assert.True(t, page.Items[0].IsFolder())
	assert.Equal(t, int64(12), page.Items[1].Size)

	page, err = c.ListChildren(context.Background(), cred, "root's", "p2", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextPageToken)
	assert.Equal(t, "b.jpg", page.Items[0].Name)
}

func TestListChildren_ClampsPageSize(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("pageSize"))
		writeJSON(w, http.StatusOK, map[string]any{"files": []any{}})
	})

	_, err := c.ListChildren(context.Background(), testCred("a"), "x", "", 5000)
	require.NoError(t, err)
}

func TestGetItem(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/drive/v3/files/abc", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"id": "abc", "name": "Photos", "mimeType": FolderMimeType, "parents": []string{"p"},
		})
	})

	item, err := c.GetItem(context.Background(), testCred("a"), "abc")
	require.NoError(t, err)
	assert.Equal(t, "Photos", item.Name)
	assert.True(t, item.IsFolder())
	assert.Equal(t, []string{"p"}, item.Parents)
}

func TestCreateFolder(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/drive/v3/files", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)

		var f map[string]any
		assert.NoError(t, json.Unmarshal(body, &f))
		assert.Equal(t, "Sub", f["name"])
		assert.Equal(t, FolderMimeType, f["mimeType"])
		assert.Equal(t, []any{"dest"}, f["parents"])

		writeJSON(w, http.StatusOK, map[string]any{"id": "new-folder", "name": "Sub", "mimeType": FolderMimeType})
	})

	item, err := c.CreateFolder(context.Background(), testCred("a"), "dest", "Sub")
	require.NoError(t, err)
	assert.Equal(t, "new-folder", item.ID)
}

func TestCopyFile(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/drive/v3/files/src-file/copy", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("supportsAllDrives"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Contains(t, string(body), `"parents":["dest"]`)

		writeJSON(w, http.StatusOK, map[string]any{"id": "copy-1", "name": "a.txt", "size": "3"})
	})

	item, err := c.CopyFile(context.Background(), testCred("a"), "src-file", "a.txt", "dest")
	require.NoError(t, err)
	assert.Equal(t, "copy-1", item.ID)
	assert.Equal(t, int64(3), item.Size)
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		reason   string
		sentinel error
	}{
		{"bad request", http.StatusBadRequest, "invalid", ErrBadRequest},
		{"unauthorized", http.StatusUnauthorized, "authError", ErrUnauthorized},
		{"forbidden", http.StatusForbidden, "insufficientFilePermissions", ErrForbidden},
		{"user rate limit", http.StatusForbidden, "userRateLimitExceeded", ErrQuotaExceeded},
		{"daily limit", http.StatusForbidden, "dailyLimitExceeded", ErrQuotaExceeded},
		{"not found", http.StatusNotFound, "notFound", ErrNotFound},
		{"throttled", http.StatusTooManyRequests, "rateLimitExceeded", ErrThrottled},
		{"server", http.StatusServiceUnavailable, "backendError", ErrServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				writeAPIError(w, tt.status, tt.reason, "nope")
			})

			_, err := c.GetItem(context.Background(), testCred("a"), "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.reason, apiErr.Reason)
			assert.Contains(t, err.Error(), fmt.Sprintf("HTTP %d", tt.status))
		})
	}
}

func TestCanAccess(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/ok"):
			writeJSON(w, http.StatusOK, map[string]any{"id": "ok", "mimeType": FolderMimeType})
		case strings.HasSuffix(r.URL.Path, "/denied"):
			writeAPIError(w, http.StatusForbidden, "insufficientFilePermissions", "denied")
		case strings.HasSuffix(r.URL.Path, "/missing"):
			writeAPIError(w, http.StatusNotFound, "notFound", "missing")
		default:
			writeAPIError(w, http.StatusInternalServerError, "backendError", "boom")
		}
	})

	cred := testCred("a")

	ok, err := c.CanAccess(context.Background(), cred, "ok")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.CanAccess(context.Background(), cred, "denied")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.CanAccess(context.Background(), cred, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.CanAccess(context.Background(), cred, "flaky")
	assert.ErrorIs(t, err, ErrServerError)
}

type failingSource struct{}

func (failingSource) Token() (*oauth2.Token, error) {
	return nil, &oauth2.RetrieveError{ErrorCode: "invalid_grant"}
}

func TestCanAccess_TokenFailure(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "ok"})
	})

	cred := credential.New("revoked", credential.KindServiceAccount, "", failingSource{})

	ok, err := c.CanAccess(context.Background(), cred, "ok")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestServiceCachedPerCredential(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "x"})
	})

	a1, err := c.service(testCred("a"))
	require.NoError(t, err)
	a2, err := c.service(testCred("a"))
	require.NoError(t, err)
	b, err := c.service(testCred("b"))
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
}
