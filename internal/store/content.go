package store

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// versionSep separates a file name from its version suffix in the versions
// directory: "report.txt" version 3 is stored as "report.txt.v3".
const versionSep = ".v"

// blobMode is the permission mode for stored blobs.
const blobMode fs.FileMode = 0o644

// ContentStore holds the raw bytes of every file: the current blob for each
// name under filesDir and an append-only per-version copy under versionsDir.
// Multiple worker processes share one store by pointing at the same
// directories; no in-memory state is kept.
type ContentStore struct {
	filesDir    string
	versionsDir string
	logger      *slog.Logger
}

// SaveResult describes where a blob was written and its content fingerprint.
type SaveResult struct {
	Path          string
	VersionedPath string
	Checksum      string
	Size          int64
}

// NewContentStore creates a ContentStore rooted at the given directories,
// creating them if absent.
func NewContentStore(filesDir, versionsDir string, logger *slog.Logger) (*ContentStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{filesDir, versionsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating content directory %s: %w", dir, err)
		}
	}

	return &ContentStore{
		filesDir:    filesDir,
		versionsDir: versionsDir,
		logger:      logger,
	}, nil
}

// ValidateName rejects names that would escape the store root or collide
// with the version suffix scheme. File names are single path components.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty file name", ErrBadRequest)
	}

	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid file name %q", ErrBadRequest, name)
	}

	return nil
}

// Save writes blob as the current content of name and as the versioned copy
// <name>.v<version>. The current write is atomic (write-to-temp then rename)
// so concurrent readers never observe a partial blob; the versioned copy is
// append-only and never overwritten by later versions.
func (s *ContentStore) Save(name string, blob []byte, version int) (*SaveResult, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if version < 1 {
		return nil, fmt.Errorf("%w: version must be positive, got %d", ErrBadRequest, version)
	}

	currentPath := filepath.Join(s.filesDir, name)
	versionedPath := filepath.Join(s.versionsDir, name+versionSep+strconv.Itoa(version))

	if err := renameio.WriteFile(currentPath, blob, blobMode); err != nil {
		return nil, fmt.Errorf("store: writing current blob for %s: %w", name, err)
	}

	if err := renameio.WriteFile(versionedPath, blob, blobMode); err != nil {
		return nil, fmt.Errorf("store: writing versioned blob for %s.v%d: %w", name, version, err)
	}

	s.logger.Debug("blob saved",
		slog.String("name", name),
		slog.Int("version", version),
		slog.Int("size", len(blob)),
	)

	return &SaveResult{
		Path:          currentPath,
		VersionedPath: versionedPath,
		Checksum:      Checksum(blob),
		Size:          int64(len(blob)),
	}, nil
}

// Get returns the current blob for name.
func (s *ContentStore) Get(name string) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(filepath.Join(s.filesDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, name)
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading current blob for %s: %w", name, err)
	}

	return blob, nil
}

// GetVersion returns the blob stored for one specific version of name.
func (s *ContentStore) GetVersion(name string, version int) ([]byte, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(s.versionsDir, name+versionSep+strconv.Itoa(version))

	blob, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: file %q version %d", ErrNotFound, name, version)
	}

	if err != nil {
		return nil, fmt.Errorf("store: reading versioned blob %s.v%d: %w", name, version, err)
	}

	return blob, nil
}

// EnsureCurrent rewrites the current blob from the given versioned copy when
// the current blob is missing. A deleted name keeps its metadata and version
// history, so an identical re-upload must put the bytes back under the
// current name before it can be reported as a duplicate.
func (s *ContentStore) EnsureCurrent(name string, version int) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	currentPath := filepath.Join(s.filesDir, name)

	_, err := os.Stat(currentPath)
	if err == nil {
		return nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: checking current blob for %s: %w", name, err)
	}

	blob, err := s.GetVersion(name, version)
	if err != nil {
		return err
	}

	if err := renameio.WriteFile(currentPath, blob, blobMode); err != nil {
		return fmt.Errorf("store: rewriting current blob for %s: %w", name, err)
	}

	s.logger.Info("current blob rewritten from version history",
		slog.String("name", name),
		slog.Int("version", version),
	)

	return nil
}

// Delete removes the current blob for name. With cascade, every versioned
// copy is removed as well; without it, version history stays downloadable.
func (s *ContentStore) Delete(name string, cascade bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(s.filesDir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: file %q", ErrNotFound, name)
	}

	if err != nil {
		return fmt.Errorf("store: deleting current blob for %s: %w", name, err)
	}

	if !cascade {
		return nil
	}

	versions, err := s.ListVersions(name)
	if err != nil {
		return err
	}

	for _, v := range versions {
		if err := s.DeleteVersion(name, v); err != nil {
			return err
		}
	}

	s.logger.Info("blob deleted with version history",
		slog.String("name", name),
		slog.Int("versions_removed", len(versions)),
	)

	return nil
}

// DeleteVersion removes a single versioned blob, leaving the current blob
// and other versions untouched.
func (s *ContentStore) DeleteVersion(name string, version int) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	path := filepath.Join(s.versionsDir, name+versionSep+strconv.Itoa(version))

	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: file %q version %d", ErrNotFound, name, version)
	}

	if err != nil {
		return fmt.Errorf("store: deleting versioned blob %s.v%d: %w", name, version, err)
	}

	return nil
}

// List returns the names of all files with a current blob, sorted.
func (s *ContentStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.filesDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing content directory: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names, nil
}

// ListVersions returns the version numbers stored for name, ascending.
func (s *ContentStore) ListVersions(name string) ([]int, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.versionsDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing versions directory: %w", err)
	}

	prefix := name + versionSep

	var versions []int

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}

		v, convErr := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if convErr != nil {
			// A foreign file happens to share the prefix; not ours.
			continue
		}

		versions = append(versions, v)
	}

	sort.Ints(versions)

	return versions, nil
}

// Rename retargets the current blob and every versioned copy from old to
// new. The current blob is moved first so readers of the new name see it as
// soon as possible; versioned copies follow.
func (s *ContentStore) Rename(oldName, newName string) error {
	if err := ValidateName(oldName); err != nil {
		return err
	}

	if err := ValidateName(newName); err != nil {
		return err
	}

	oldCurrent := filepath.Join(s.filesDir, oldName)
	newCurrent := filepath.Join(s.filesDir, newName)

	err := os.Rename(oldCurrent, newCurrent)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: renaming current blob %s to %s: %w", oldName, newName, err)
	}

	currentMoved := err == nil

	versions, err := s.ListVersions(oldName)
	if err != nil {
		return err
	}

	if !currentMoved && len(versions) == 0 {
		return fmt.Errorf("%w: file %q", ErrNotFound, oldName)
	}

	for _, v := range versions {
		oldPath := filepath.Join(s.versionsDir, oldName+versionSep+strconv.Itoa(v))
		newPath := filepath.Join(s.versionsDir, newName+versionSep+strconv.Itoa(v))

		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("store: renaming versioned blob %s.v%d: %w", oldName, v, err)
		}
	}

	s.logger.Info("blob renamed",
		slog.String("old_name", oldName),
		slog.String("new_name", newName),
		slog.Int("versions_moved", len(versions)),
	)

	return nil
}
