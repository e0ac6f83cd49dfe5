package gdrive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/driveclone/driveclone/internal/credential"
)

// MIME types with special meaning in Drive.
const (
	FolderMimeType   = "application/vnd.google-apps.folder"
	ShortcutMimeType = "application/vnd.google-apps.shortcut"
)

// MaxPageSize is the largest page Drive returns from files.list.
const MaxPageSize = 1000

const (
	itemFields = "id, name, mimeType, size, parents, md5Checksum"
	listFields = "nextPageToken, files(" + itemFields + ")"

	idleConnTimeout = 90 * time.Second
	maxIdlePerHost  = 100
)

// Item is the subset of Drive file metadata the engine uses.
type Item struct {
	ID       string
	Name     string
	MimeType string
	Size     int64
	Parents  []string
	MD5      string
}

// IsFolder reports whether the item is a Drive folder.
func (i *Item) IsFolder() bool {
	return i.MimeType == FolderMimeType
}

// Page is one page of folder children.
type Page struct {
	Items         []Item
	NextPageToken string
}

// Client issues Drive v3 calls. A *drive.Service is built lazily per
// credential and cached by credential name; all services share one HTTP
// transport.
type Client struct {
	base   *http.Client
	opts   []option.ClientOption
	logger *slog.Logger

	mu       sync.Mutex
	services map[string]*drive.Service
}

// NewClient returns a client. opts are applied to every service it builds
// (tests pass option.WithEndpoint to target a fake server).
func NewClient(logger *slog.Logger, opts ...option.ClientOption) *Client {
	return &Client{
		base: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        2 * maxIdlePerHost,
				MaxIdleConnsPerHost: maxIdlePerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
		opts:     opts,
		logger:   logger,
		services: make(map[string]*drive.Service),
	}
}

func (c *Client) service(cred *credential.Credential) (*drive.Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if svc, ok := c.services[cred.Name()]; ok {
		return svc, nil
	}

	// The context only selects the base HTTP client for token refreshes.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.base)
	httpClient := oauth2.NewClient(ctx, cred.TokenSource())

	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, c.opts...)

	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating service for %s: %w", cred.Name(), err)
	}

	c.services[cred.Name()] = svc

	return svc, nil
}

// ListChildren returns one page of the non-trashed children of folderID.
func (c *Client) ListChildren(
	ctx context.Context, cred *credential.Credential, folderID, pageToken string, pageSize int,
) (*Page, error) {
	svc, err := c.service(cred)
	if err != nil {
		return nil, err
	}

	if pageSize <= 0 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	call := svc.Files.List().
		Q(fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(folderID))).
		Fields(listFields).
		OrderBy("folder,name").
		PageSize(int64(pageSize)).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx)

	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("gdrive: listing %s: %w", folderID, wrapError(err))
	}

	page := &Page{
		Items:         make([]Item, 0, len(res.Files)),
		NextPageToken: res.NextPageToken,
	}

	for _, f := range res.Files {
		page.Items = append(page.Items, toItem(f))
	}

	c.logger.Debug("listed page",
		slog.String("folder_id", folderID),
		slog.Int("items", len(page.Items)),
		slog.Bool("more", page.NextPageToken != ""),
		slog.String("credential", cred.Name()),
	)

	return page, nil
}

// GetItem returns metadata for a file or folder.
func (c *Client) GetItem(ctx context.Context, cred *credential.Credential, id string) (*Item, error) {
	svc, err := c.service(cred)
	if err != nil {
		return nil, err
	}

	f, err := svc.Files.Get(id).
		Fields(itemFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gdrive: getting %s: %w", id, wrapError(err))
	}

	item := toItem(f)

	return &item, nil
}

// CreateFolder creates a folder named name under parentID.
func (c *Client) CreateFolder(
	ctx context.Context, cred *credential.Credential, parentID, name string,
) (*Item, error) {
	svc, err := c.service(cred)
	if err != nil {
		return nil, err
	}

	f, err := svc.Files.Create(&drive.File{
		Name:     name,
		MimeType: FolderMimeType,
		Parents:  []string{parentID},
	}).
		Fields(itemFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gdrive: creating folder %q in %s: %w", name, parentID, wrapError(err))
	}

	item := toItem(f)

	return &item, nil
}

// CopyFile makes a server-side copy of fileID inside parentID, keeping name.
func (c *Client) CopyFile(
	ctx context.Context, cred *credential.Credential, fileID, name, parentID string,
) (*Item, error) {
	svc, err := c.service(cred)
	if err != nil {
		return nil, err
	}

	f, err := svc.Files.Copy(fileID, &drive.File{
		Name:    name,
		Parents: []string{parentID},
	}).
		Fields(itemFields).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("gdrive: copying %s into %s: %w", fileID, parentID, wrapError(err))
	}

	item := toItem(f)

	return &item, nil
}

// CanAccess reports whether cred can read folderID. Authorization, permission
// and not-found failures (and a token that cannot be obtained) answer false;
// any other failure is returned as an error.
func (c *Client) CanAccess(ctx context.Context, cred *credential.Credential, folderID string) (bool, error) {
	_, err := c.GetItem(ctx, cred, folderID)
	if err == nil {
		return true, nil
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrNotFound),
		IsTokenError(err):
		return false, nil
	default:
		return false, err
	}
}

// IsTokenError reports whether err came from failing to obtain an access
// token (revoked key, deleted service account).
func IsTokenError(err error) bool {
	var rerr *oauth2.RetrieveError

	return errors.As(err, &rerr)
}

func toItem(f *drive.File) Item {
	return Item{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Parents:  f.Parents,
		MD5:      f.Md5Checksum,
	}
}

// escapeQuery escapes a value for use inside a single-quoted Drive query
// string literal.
func escapeQuery(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}
