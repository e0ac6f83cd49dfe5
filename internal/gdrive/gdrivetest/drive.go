// Package gdrivetest provides an in-memory Drive for tests of code that
// consumes the gdrive client methods.
package gdrivetest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/driveclone/driveclone/internal/credential"
	"github.com/driveclone/driveclone/internal/gdrive"
)

// Operation names passed to Hook.
const (
	OpList         = "list"
	OpGet          = "get"
	OpCreateFolder = "create-folder"
	OpCopyFile     = "copy-file"
)

// Hook runs before every call, outside the drive's lock. A non-nil error is
// returned to the caller instead of performing the call. id is the folder
// listed, the item fetched, the parent created under, or the file copied.
type Hook func(ctx context.Context, op, id string, cred *credential.Credential) error

// Drive is a thread-safe in-memory file tree with Drive v3 semantics for
// listing, metadata, folder creation and server-side copy.
type Drive struct {
	mu       sync.Mutex
	items    map[string]*gdrive.Item
	children map[string][]string
	seq      int
	calls    map[string]int
	copies   map[string]int

	hook Hook
}

// New returns an empty drive.
func New() *Drive {
	return &Drive{
		items:    make(map[string]*gdrive.Item),
		children: make(map[string][]string),
		calls:    make(map[string]int),
		copies:   make(map[string]int),
	}
}

// SetHook installs h, replacing any previous hook. nil removes it.
func (d *Drive) SetHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hook = h
}

// AddFolder creates a folder under parentID ("" for a top-level folder) and
// returns its id.
func (d *Drive) AddFolder(parentID, name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.add(parentID, name, gdrive.FolderMimeType, 0).ID
}

// AddFile creates a file under parentID and returns its id.
func (d *Drive) AddFile(parentID, name string, size int64) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.add(parentID, name, "application/octet-stream", size).ID
}

// AddParent links an existing item under another folder as well, the way
// Drive items may have several parents.
func (d *Drive) AddParent(id, parentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	item := d.items[id]
	item.Parents = append(item.Parents, parentID)
	d.children[parentID] = append(d.children[parentID], id)
}

func (d *Drive) add(parentID, name, mimeType string, size int64) *gdrive.Item {
	d.seq++

	item := &gdrive.Item{
		ID:       "id" + strconv.Itoa(d.seq),
		Name:     name,
		MimeType: mimeType,
		Size:     size,
	}

	if parentID != "" {
		item.Parents = []string{parentID}
		d.children[parentID] = append(d.children[parentID], item.ID)
	}

	d.items[item.ID] = item

	return item
}

func (d *Drive) before(ctx context.Context, op, id string, cred *credential.Credential) error {
	d.mu.Lock()
	d.calls[op]++
	h := d.hook
	d.mu.Unlock()

	if h != nil {
		if err := h(ctx, op, id, cred); err != nil {
			return err
		}
	}

	return ctx.Err()
}

func notFound(id string) error {
	return fmt.Errorf("gdrivetest: %s: %w", id, &gdrive.APIError{
		StatusCode: http.StatusNotFound,
		Reason:     "notFound",
		Message:    "File not found: " + id,
		Err:        gdrive.ErrNotFound,
	})
}

// ListChildren pages through the children of folderID. Page tokens are
// offsets into the child list.
func (d *Drive) ListChildren(
	ctx context.Context, cred *credential.Credential, folderID, pageToken string, pageSize int,
) (*gdrive.Page, error) {
	if err := d.before(ctx, OpList, folderID, cred); err != nil {
		return nil, err
	}

	if pageSize <= 0 || pageSize > gdrive.MaxPageSize {
		pageSize = gdrive.MaxPageSize
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	folder, ok := d.items[folderID]
	if !ok || !folder.IsFolder() {
		return nil, notFound(folderID)
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("gdrivetest: bad page token %q: %w", pageToken, &gdrive.APIError{
				StatusCode: http.StatusBadRequest, Reason: "invalid", Err: gdrive.ErrBadRequest,
			})
		}

		offset = n
	}

	ids := d.children[folderID]
	end := min(offset+pageSize, len(ids))

	page := &gdrive.Page{}
	for _, id := range ids[min(offset, end):end] {
		page.Items = append(page.Items, *d.items[id])
	}

	if end < len(ids) {
		page.NextPageToken = strconv.Itoa(end)
	}

	return page, nil
}

// GetItem returns a copy of the item's metadata.
func (d *Drive) GetItem(ctx context.Context, cred *credential.Credential, id string) (*gdrive.Item, error) {
	if err := d.before(ctx, OpGet, id, cred); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[id]
	if !ok {
		return nil, notFound(id)
	}

	cp := *item

	return &cp, nil
}

// CreateFolder creates a folder under parentID.
func (d *Drive) CreateFolder(
	ctx context.Context, cred *credential.Credential, parentID, name string,
) (*gdrive.Item, error) {
	if err := d.before(ctx, OpCreateFolder, parentID, cred); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.items[parentID]; !ok {
		return nil, notFound(parentID)
	}

	cp := *d.add(parentID, name, gdrive.FolderMimeType, 0)

	return &cp, nil
}

// CopyFile copies fileID into parentID under name.
func (d *Drive) CopyFile(
	ctx context.Context, cred *credential.Credential, fileID, name, parentID string,
) (*gdrive.Item, error) {
	if err := d.before(ctx, OpCopyFile, fileID, cred); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	src, ok := d.items[fileID]
	if !ok {
		return nil, notFound(fileID)
	}

	if _, ok := d.items[parentID]; !ok {
		return nil, notFound(parentID)
	}

	d.copies[fileID]++
	cp := *d.add(parentID, name, src.MimeType, src.Size)

	return &cp, nil
}

// CanAccess reports whether folderID can be fetched. The hook may deny
// access by returning an authorization or permission error for OpGet.
func (d *Drive) CanAccess(ctx context.Context, cred *credential.Credential, folderID string) (bool, error) {
	_, err := d.GetItem(ctx, cred, folderID)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gdrive.ErrUnauthorized),
		errors.Is(err, gdrive.ErrForbidden),
		errors.Is(err, gdrive.ErrQuotaExceeded),
		errors.Is(err, gdrive.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Calls returns how many times op was invoked, including failed calls.
func (d *Drive) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[op]
}

// CopyCount returns how many copies of fileID were made.
func (d *Drive) CopyCount(fileID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.copies[fileID]
}

// Children returns the ids of the direct children of folderID.
func (d *Drive) Children(folderID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]string(nil), d.children[folderID]...)
}

// Item returns the item with the given id, or nil.
func (d *Drive) Item(id string) *gdrive.Item {
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[id]
	if !ok {
		return nil
	}

	cp := *item

	return &cp
}

// Tree returns the sorted slash-separated paths of everything below
// folderID, folders suffixed with "/".
func (d *Drive) Tree(folderID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var paths []string

	var walk func(id, prefix string)
	walk = func(id, prefix string) {
		for _, childID := range d.children[id] {
			child := d.items[childID]
			p := path.Join(prefix, child.Name)

			if child.IsFolder() {
				paths = append(paths, p+"/")
				walk(childID, p)

				continue
			}

			paths = append(paths, p)
		}
	}

	walk(folderID, "")
	sort.Strings(paths)

	return paths
}
