package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	pidFilePermissions = 0o644
	pidDirPermissions  = 0o755
)

// writePIDFile writes the current process ID to path and takes an exclusive
// lock on it. Returns a cleanup function that removes the file and releases
// the lock. A held lock means another daemon is already running against the
// same folder.
func writePIDFile(path string) (cleanup func(), err error) {
	if path == "" {
		return nil, fmt.Errorf("pid file path is empty")
	}

	dir := filepath.Dir(path)
	if mkdirErr := os.MkdirAll(dir, pidDirPermissions); mkdirErr != nil {
		return nil, fmt.Errorf("creating pid file directory: %w", mkdirErr)
	}

	lock := flock.New(path)

	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking pid file: %w", err)
	}

	if !locked {
		return nil, fmt.Errorf("another sync daemon is already running (could not lock %s)", path)
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), pidFilePermissions); err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("writing pid file: %w", err)
	}

	return func() {
		_ = lock.Unlock()
		os.Remove(path)
	}, nil
}
