package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	lockFileMode = 0o644
	lockDirMode  = 0o755
	lockSuffix   = ".pid"
)

// errStateLocked is returned when another process runs tasks on the same
// state database.
var errStateLocked = errors.New("state database is in use by another driveclone process")

// stateLock is an exclusive flock on "<db_path>.pid", held by any process
// that runs tasks on the database. The file carries the holder's PID so a
// refused process can name it.
type stateLock struct {
	path string
	f    *os.File
}

// acquireStateLock takes the lock for the database at dbPath without
// blocking.
func acquireStateLock(dbPath string) (*stateLock, error) {
	if dbPath == "" {
		return nil, errors.New("state.db_path is empty; cannot place the state lock")
	}

	path := dbPath + lockSuffix

	if err := os.MkdirAll(filepath.Dir(path), lockDirMode); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFileMode)
	if err != nil {
		return nil, fmt.Errorf("opening state lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()

		if pid, herr := lockHolder(path); herr == nil {
			return nil, fmt.Errorf("%w (PID %d holds %s)", errStateLocked, pid, path)
		}

		return nil, fmt.Errorf("%w (%s)", errStateLocked, path)
	}

	l := &stateLock{path: path, f: f}

	if err := l.stamp(); err != nil {
		f.Close()
		return nil, err
	}

	return l, nil
}

// stamp replaces the file content with this process's PID.
func (l *stateLock) stamp() error {
	if err := l.f.Truncate(0); err != nil {
		return fmt.Errorf("truncating state lock: %w", err)
	}

	if _, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		return fmt.Errorf("writing state lock: %w", err)
	}

	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing state lock: %w", err)
	}

	return nil
}

// Release removes the lock file and drops the lock. Safe on nil.
func (l *stateLock) Release() error {
	if l == nil {
		return nil
	}

	rmErr := os.Remove(l.path)
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}

	return errors.Join(rmErr, l.f.Close())
}

// lockHolder reads the PID recorded in the lock file at path.
func lockHolder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading state lock: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}

	return pid, nil
}
