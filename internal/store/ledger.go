package store

import (
	"context"
	"fmt"
	"time"
)

// MappingEntry pairs a source folder with the destination folder created
// for it. The first entry of a task's mapping is the root pair.
type MappingEntry struct {
	SourceID string
	DestID   string
}

// FileFailure records a file copy that was abandoned after exhausting its
// retries under the record-and-continue policy.
type FileFailure struct {
	TaskID   int64
	FileID   string
	Name     string
	Reason   string
	FailedAt time.Time
}

const (
	// The aggregate subquery always yields one row, so the first entry of a
	// task gets seq 0. The WHERE clause keeps the upsert parse unambiguous.
	sqlAppendMapping = `INSERT INTO task_mapping (task_id, seq, source_id, dest_id)
		SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ? FROM task_mapping WHERE task_id = ?
		ON CONFLICT(task_id, source_id) DO NOTHING`

	sqlLoadMapping  = `SELECT source_id, dest_id FROM task_mapping WHERE task_id = ? ORDER BY seq`
	sqlCountMapping = `SELECT COUNT(*) FROM task_mapping WHERE task_id = ?`
	sqlRootMapping  = `SELECT source_id, dest_id FROM task_mapping WHERE task_id = ? AND seq = 0`

	sqlRecordCopied = `INSERT INTO copied (task_id, file_id, copied_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id, file_id) DO NOTHING`

	sqlLoadCopied  = `SELECT file_id FROM copied WHERE task_id = ?`
	sqlCountCopied = `SELECT COUNT(*) FROM copied WHERE task_id = ?`

	sqlRecordFailure = `INSERT INTO file_failures (task_id, file_id, name, reason, failed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id, file_id) DO UPDATE SET
		 name = excluded.name,
		 reason = excluded.reason,
		 failed_at = excluded.failed_at`

	sqlListFailures  = `SELECT file_id, name, reason, failed_at FROM file_failures WHERE task_id = ? ORDER BY failed_at`
	sqlCountFailures = `SELECT COUNT(*) FROM file_failures WHERE task_id = ?`
	sqlClearFailures = `DELETE FROM file_failures WHERE task_id = ?`
)

// AppendMapping records that sourceID was placed at destID for the task.
// Appending a source folder that is already mapped is a no-op and reports
// false. Returns ErrNotFound if the task was deleted.
func (s *Store) AppendMapping(ctx context.Context, taskID int64, sourceID, destID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, sqlAppendMapping, taskID, sourceID, destID, taskID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, fmt.Errorf("store: appending mapping for task %d: %w", taskID, ErrNotFound)
		}

		return false, fmt.Errorf("store: appending mapping for task %d: %w", taskID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: appending mapping for task %d: %w", taskID, err)
	}

	return n == 1, nil
}

// LoadMapping returns the task's mapping in append order.
func (s *Store) LoadMapping(ctx context.Context, taskID int64) ([]MappingEntry, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadMapping, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: loading mapping for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var entries []MappingEntry

	for rows.Next() {
		var e MappingEntry
		if err := rows.Scan(&e.SourceID, &e.DestID); err != nil {
			return nil, fmt.Errorf("store: scanning mapping row: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating mapping rows: %w", err)
	}

	return entries, nil
}

// RootMapping returns the first mapping entry of the task, or ErrNotFound
// if the root folder has not been created yet.
func (s *Store) RootMapping(ctx context.Context, taskID int64) (*MappingEntry, error) {
	var e MappingEntry

	err := s.db.QueryRowContext(ctx, sqlRootMapping, taskID).Scan(&e.SourceID, &e.DestID)
	if err != nil {
		return nil, fmt.Errorf("store: loading root mapping for task %d: %w", taskID, noRows(err))
	}

	return &e, nil
}

// CountMapping returns the number of mapping entries, root included.
func (s *Store) CountMapping(ctx context.Context, taskID int64) (int64, error) {
	return s.count(ctx, sqlCountMapping, taskID)
}

// RecordCopied adds a file to the task ledger. Recording the same file twice
// is a no-op. Returns ErrNotFound if the task was deleted.
func (s *Store) RecordCopied(ctx context.Context, taskID int64, fileID string) error {
	_, err := s.db.ExecContext(ctx, sqlRecordCopied, taskID, fileID, unixNano(s.nowFunc()))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("store: recording copied file %s: %w", fileID, ErrNotFound)
		}

		return fmt.Errorf("store: recording copied file %s: %w", fileID, err)
	}

	return nil
}

// CopiedSet returns the ids of every file in the task ledger.
func (s *Store) CopiedSet(ctx context.Context, taskID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, sqlLoadCopied, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: loading ledger for task %d: %w", taskID, err)
	}
	defer rows.Close()

	set := make(map[string]struct{})

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scanning ledger row: %w", err)
		}

		set[id] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating ledger rows: %w", err)
	}

	return set, nil
}

// CountCopied returns the number of ledger rows for the task.
func (s *Store) CountCopied(ctx context.Context, taskID int64) (int64, error) {
	return s.count(ctx, sqlCountCopied, taskID)
}

// RecordFailure stores (or refreshes) a failed file for the task.
func (s *Store) RecordFailure(ctx context.Context, taskID int64, fileID, name, reason string) error {
	_, err := s.db.ExecContext(ctx, sqlRecordFailure, taskID, fileID, name, reason, unixNano(s.nowFunc()))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("store: recording failure for %s: %w", fileID, ErrNotFound)
		}

		return fmt.Errorf("store: recording failure for %s: %w", fileID, err)
	}

	return nil
}

// ListFailures returns the recorded file failures of a task, oldest first.
func (s *Store) ListFailures(ctx context.Context, taskID int64) ([]FileFailure, error) {
	rows, err := s.db.QueryContext(ctx, sqlListFailures, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: listing failures for task %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []FileFailure

	for rows.Next() {
		f := FileFailure{TaskID: taskID}

		var failedAt int64
		if err := rows.Scan(&f.FileID, &f.Name, &f.Reason, &failedAt); err != nil {
			return nil, fmt.Errorf("store: scanning failure row: %w", err)
		}

		f.FailedAt = fromUnixNano(failedAt)
		out = append(out, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating failure rows: %w", err)
	}

	return out, nil
}

// CountFailures returns the number of recorded file failures for the task.
func (s *Store) CountFailures(ctx context.Context, taskID int64) (int64, error) {
	return s.count(ctx, sqlCountFailures, taskID)
}

// ClearFailures forgets the task's recorded failures. Called when a run
// starts, since every unrecorded file is attempted again.
func (s *Store) ClearFailures(ctx context.Context, taskID int64) error {
	if _, err := s.db.ExecContext(ctx, sqlClearFailures, taskID); err != nil {
		return fmt.Errorf("store: clearing failures for task %d: %w", taskID, err)
	}

	return nil
}

func (s *Store) count(ctx context.Context, query string, taskID int64) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, taskID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: counting rows for task %d: %w", taskID, err)
	}

	return n, nil
}
