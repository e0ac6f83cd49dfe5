// Package tokenfile persists the personal account's OAuth2 token together
// with the account it belongs to.
package tokenfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// ErrNoToken is returned by Load when the token file does not exist.
var ErrNoToken = errors.New("tokenfile: no token saved")

// Account identifies who a token was issued to, and by which OAuth client.
type Account struct {
	Email    string `json:"email,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// File is the on-disk format.
type File struct {
	Token   *oauth2.Token `json:"token"`
	Account Account       `json:"account"`
	SavedAt time.Time     `json:"saved_at"`
}

// Load reads the token file at path. A token without a refresh token is
// rejected: it would stop working within the hour.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrNoToken, path)
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	switch {
	case f.Token == nil:
		return nil, fmt.Errorf("tokenfile: %s has no token (run login again)", path)
	case f.Token.RefreshToken == "":
		return nil, fmt.Errorf("tokenfile: %s has no refresh token (run login again)", path)
	}

	return &f, nil
}

// Save replaces the token file at path with tok and acct, readable by the
// owner only. Token values are never logged.
func Save(path string, tok *oauth2.Token, acct Account) error {
	if tok == nil {
		return errors.New("tokenfile: refusing to save nil token")
	}

	data, err := json.MarshalIndent(File{Token: tok, Account: acct, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	return writeAtomic(path, data)
}

// writeAtomic writes data to a synced temp file beside path and renames it
// into place, so readers see the old file or the new one.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(fileMode); err != nil {
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	return nil
}

// Remove deletes the token file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", path, err)
	}

	return nil
}
