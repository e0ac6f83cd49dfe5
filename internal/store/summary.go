package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ExtStat aggregates the files sharing one extension.
type ExtStat struct {
	Count int64 `json:"count"`
	Size  int64 `json:"size"`
}

// FolderSummary is the cached aggregate of a folder tree.
type FolderSummary struct {
	FolderID    string
	Name        string
	FileCount   int64
	FolderCount int64
	TotalSize   int64
	ByExt       map[string]ExtStat
	ComputedAt  time.Time
}

const (
	sqlGetSummary = `SELECT folder_id, name, file_count, folder_count, total_size, by_ext, computed_at
		FROM summaries WHERE folder_id = ?`

	sqlPutSummary = `INSERT INTO summaries
		(folder_id, name, file_count, folder_count, total_size, by_ext, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(folder_id) DO UPDATE SET
		 name = excluded.name,
		 file_count = excluded.file_count,
		 folder_count = excluded.folder_count,
		 total_size = excluded.total_size,
		 by_ext = excluded.by_ext,
		 computed_at = excluded.computed_at`

	sqlDeleteSummary  = `DELETE FROM summaries WHERE folder_id = ?`
	sqlClearSummaries = `DELETE FROM summaries`
)

// GetSummary returns the cached summary for a folder, or ErrNotFound.
func (s *Store) GetSummary(ctx context.Context, folderID string) (*FolderSummary, error) {
	var (
		fs         FolderSummary
		byExt      string
		computedAt int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetSummary, folderID).Scan(
		&fs.FolderID, &fs.Name, &fs.FileCount, &fs.FolderCount, &fs.TotalSize, &byExt, &computedAt)
	if err != nil {
		return nil, fmt.Errorf("store: loading summary %s: %w", folderID, noRows(err))
	}

	if err := json.Unmarshal([]byte(byExt), &fs.ByExt); err != nil {
		return nil, fmt.Errorf("store: decoding summary %s extensions: %w", folderID, err)
	}

	fs.ComputedAt = fromUnixNano(computedAt)

	return &fs, nil
}

// PutSummary stores or replaces the cached summary for sum.FolderID.
// A zero ComputedAt is stamped with the current time.
func (s *Store) PutSummary(ctx context.Context, sum *FolderSummary) error {
	byExt := sum.ByExt
	if byExt == nil {
		byExt = map[string]ExtStat{}
	}

	data, err := json.Marshal(byExt)
	if err != nil {
		return fmt.Errorf("store: encoding summary %s extensions: %w", sum.FolderID, err)
	}

	if sum.ComputedAt.IsZero() {
		sum.ComputedAt = s.nowFunc()
	}

	_, err = s.db.ExecContext(ctx, sqlPutSummary,
		sum.FolderID, sum.Name, sum.FileCount, sum.FolderCount, sum.TotalSize,
		string(data), unixNano(sum.ComputedAt))
	if err != nil {
		return fmt.Errorf("store: saving summary %s: %w", sum.FolderID, err)
	}

	return nil
}

// DeleteSummary drops the cached summary for a folder. Deleting a missing
// summary is not an error.
func (s *Store) DeleteSummary(ctx context.Context, folderID string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteSummary, folderID); err != nil {
		return fmt.Errorf("store: deleting summary %s: %w", folderID, err)
	}

	return nil
}

// ClearSummaries drops every cached summary and returns how many there were.
func (s *Store) ClearSummaries(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlClearSummaries)
	if err != nil {
		return 0, fmt.Errorf("store: clearing summaries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: clearing summaries: %w", err)
	}

	return n, nil
}

func noRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	return err
}
