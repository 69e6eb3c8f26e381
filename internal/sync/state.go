package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// expiringSet is a name set whose entries vanish after a fixed TTL.
type expiringSet struct {
	ttl     time.Duration
	entries map[string]time.Time
}

func newExpiringSet(ttl time.Duration) *expiringSet {
	return &expiringSet{ttl: ttl, entries: make(map[string]time.Time)}
}

func (s *expiringSet) add(name string) {
	s.entries[name] = time.Now()
}

func (s *expiringSet) remove(name string) {
	delete(s.entries, name)
}

func (s *expiringSet) contains(name string) bool {
	at, ok := s.entries[name]
	if !ok {
		return false
	}

	if time.Since(at) > s.ttl {
		delete(s.entries, name)
		return false
	}

	return true
}

// localFile is one regular file observed in the sync folder.
type localFile struct {
	path  string
	size  int64
	mtime time.Time
}

// listLocal scans the sync folder (flat, no recursion) and returns regular
// files by normalized name, skipping hidden and scratch entries.
func (e *Engine) listLocal() (map[string]localFile, error) {
	entries, err := os.ReadDir(e.cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("sync: listing %s: %w", e.cfg.Folder, err)
	}

	files := make(map[string]localFile, len(entries))

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := normalizeName(entry.Name())
		if skipName(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue // vanished between readdir and stat
		}

		files[name] = localFile{
			path:  filepath.Join(e.cfg.Folder, entry.Name()),
			size:  info.Size(),
			mtime: info.ModTime(),
		}
	}

	return files, nil
}
