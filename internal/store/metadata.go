package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// ConflictThreshold is the window for the metadata-based fallback detector:
// two uploads of the same file whose client-supplied modification times are
// closer than this are treated as simultaneous.
const ConflictThreshold = 5000 * time.Millisecond

// legacyIndexName is the monolithic array file written by older deployments.
// It is split into per-record documents once, at store construction.
const legacyIndexName = "metadata.json"

// recordMode is the permission mode for metadata documents.
const recordMode fs.FileMode = 0o644

// MetadataStore keeps one JSON document per version record and one per
// conflict record. Readers union the directory contents; writers replace
// only their own document, so concurrent worker processes never contend on
// a shared index. The locks directory carries per-file-name advisory locks
// used to serialize version allocation across processes.
type MetadataStore struct {
	filesDir     string
	conflictsDir string
	locksDir     string
	logger       *slog.Logger
}

// NewMetadataStore creates the store directories and performs the one-time
// migration from a legacy monolithic index if one is present.
func NewMetadataStore(filesDir, conflictsDir string, logger *slog.Logger) (*MetadataStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	locksDir := filepath.Join(filepath.Dir(filesDir), "locks")

	for _, dir := range []string{filesDir, conflictsDir, locksDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: creating metadata directory %s: %w", dir, err)
		}
	}

	m := &MetadataStore{
		filesDir:     filesDir,
		conflictsDir: conflictsDir,
		locksDir:     locksDir,
		logger:       logger,
	}

	if err := m.migrateLegacyIndex(); err != nil {
		return nil, err
	}

	return m, nil
}

// migrateLegacyIndex splits a monolithic metadata.json array into per-record
// documents. Guarded by a file lock so that staggered worker startups do not
// race on the same legacy file; the winner renames it aside when done.
func (m *MetadataStore) migrateLegacyIndex() error {
	legacyPath := filepath.Join(filepath.Dir(m.filesDir), legacyIndexName)

	if _, err := os.Stat(legacyPath); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	lock := flock.New(filepath.Join(m.locksDir, "migration.lock"))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("store: acquiring migration lock: %w", err)
	}
	defer lock.Unlock() //nolint:errcheck // release is best-effort

	// Another worker may have finished the migration while we waited.
	raw, err := os.ReadFile(legacyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("store: reading legacy index: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("store: parsing legacy index: %w", err)
	}

	for i := range records {
		if err := m.Save(&records[i]); err != nil {
			return fmt.Errorf("store: migrating record %s: %w", records[i].FileID, err)
		}
	}

	if err := os.Rename(legacyPath, legacyPath+".migrated"); err != nil {
		return fmt.Errorf("store: retiring legacy index: %w", err)
	}

	m.logger.Info("migrated legacy metadata index",
		slog.Int("records", len(records)),
	)

	return nil
}

// GetAll returns every version record, by directory scan. Order is
// unspecified; callers sort as needed.
func (m *MetadataStore) GetAll() ([]Record, error) {
	entries, err := os.ReadDir(m.filesDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing metadata directory: %w", err)
	}

	records := make([]Record, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		var rec Record
		if err := readJSON(filepath.Join(m.filesDir, e.Name()), &rec); err != nil {
			// A record written by a concurrent worker may vanish between the
			// directory scan and the read.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

// Get returns the record for one file_id.
func (m *MetadataStore) Get(fileID string) (*Record, error) {
	var rec Record

	err := readJSON(filepath.Join(m.filesDir, fileID+".json"), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: record %q", ErrNotFound, fileID)
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// GetLatest returns the highest-version record for name, or ErrNotFound if
// the name has no records at all.
func (m *MetadataStore) GetLatest(name string) (*Record, error) {
	records, err := m.GetAllVersions(name)
	if err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: file %q", ErrNotFound, name)
	}

	return &records[0], nil
}

// GetAllVersions returns every record for name, latest first.
func (m *MetadataStore) GetAllVersions(name string) ([]Record, error) {
	all, err := m.GetAll()
	if err != nil {
		return nil, err
	}

	var records []Record

	for _, rec := range all {
		if rec.FileName == name {
			records = append(records, rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Version > records[j].Version
	})

	return records, nil
}

// NextVersion returns latest(name).version + 1, or 1 for an unknown name.
// Callers racing on the same name must hold the lock from LockName so two
// workers cannot both observe the same latest version.
func (m *MetadataStore) NextVersion(name string) (int, error) {
	latest, err := m.GetLatest(name)
	if errors.Is(err, ErrNotFound) {
		return 1, nil
	}

	if err != nil {
		return 0, err
	}

	return latest.Version + 1, nil
}

// LockName acquires the cross-process advisory lock that serializes version
// allocation for one file name. The caller must Unlock the returned lock.
func (m *MetadataStore) LockName(name string) (*flock.Flock, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(m.locksDir, name+".lock"))
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("store: locking name %q: %w", name, err)
	}

	return lock, nil
}

// Save writes rec as its own document, keyed by file_id. Saving the same
// file_id again replaces the document, so retries are idempotent.
func (m *MetadataStore) Save(rec *Record) error {
	if rec.FileID == "" {
		return fmt.Errorf("%w: record has no file_id", ErrBadRequest)
	}

	if err := ValidateName(rec.FileName); err != nil {
		return err
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	rec.UpdatedAt = now

	return writeJSON(filepath.Join(m.filesDir, rec.FileID+".json"), rec)
}

// Delete removes the record for one file_id.
func (m *MetadataStore) Delete(fileID string) error {
	err := os.Remove(filepath.Join(m.filesDir, fileID+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: record %q", ErrNotFound, fileID)
	}

	if err != nil {
		return fmt.Errorf("store: deleting record %s: %w", fileID, err)
	}

	return nil
}

// DeleteByName removes every record whose file_name matches. Returns the
// number of records removed.
func (m *MetadataStore) DeleteByName(name string) (int, error) {
	records, err := m.GetAllVersions(name)
	if err != nil {
		return 0, err
	}

	for _, rec := range records {
		if err := m.Delete(rec.FileID); err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
	}

	return len(records), nil
}

// Rename rewrites every record whose file_name is oldName to carry newName.
func (m *MetadataStore) Rename(oldName, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}

	records, err := m.GetAllVersions(oldName)
	if err != nil {
		return err
	}

	for i := range records {
		records[i].FileName = newName
		if err := m.Save(&records[i]); err != nil {
			return err
		}
	}

	m.logger.Info("metadata renamed",
		slog.String("old_name", oldName),
		slog.String("new_name", newName),
		slog.Int("records", len(records)),
	)

	return nil
}

// SaveConflict stores a conflict document, idempotent by id: a second save
// with the same id leaves the existing document untouched, so the window
// engine and the threshold fallback never double-record one conflict.
func (m *MetadataStore) SaveConflict(c *Conflict) error {
	if c.ID == "" {
		return fmt.Errorf("%w: conflict has no id", ErrBadRequest)
	}

	path := filepath.Join(m.conflictsDir, c.ID+".json")

	if _, err := os.Stat(path); err == nil {
		m.logger.Debug("conflict already recorded", slog.String("conflict_id", c.ID))
		return nil
	}

	return writeJSON(path, c)
}

// GetConflicts returns all conflict documents, newest first.
func (m *MetadataStore) GetConflicts() ([]Conflict, error) {
	entries, err := os.ReadDir(m.conflictsDir)
	if err != nil {
		return nil, fmt.Errorf("store: listing conflicts directory: %w", err)
	}

	conflicts := make([]Conflict, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}

		var c Conflict
		if err := readJSON(filepath.Join(m.conflictsDir, e.Name()), &c); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}

			return nil, err
		}

		conflicts = append(conflicts, c)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].Timestamp.After(conflicts[j].Timestamp)
	})

	return conflicts, nil
}

// GetConflict returns one conflict document by id.
func (m *MetadataStore) GetConflict(id string) (*Conflict, error) {
	var c Conflict

	err := readJSON(filepath.Join(m.conflictsDir, id+".json"), &c)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: conflict %q", ErrNotFound, id)
	}

	if err != nil {
		return nil, err
	}

	return &c, nil
}

// ResolveConflict marks a conflict resolved, storing the resolution and the
// resolution time. Resolving an already-resolved conflict is rejected: the
// unresolved-to-resolved transition happens exactly once.
func (m *MetadataStore) ResolveConflict(id string, res Resolution) (*Conflict, error) {
	c, err := m.GetConflict(id)
	if err != nil {
		return nil, err
	}

	if c.Status == ConflictResolved {
		return nil, fmt.Errorf("%w: conflict %q already resolved", ErrBadRequest, id)
	}

	now := time.Now().UTC()
	c.Status = ConflictResolved
	c.Resolution = &res
	c.ResolvedAt = &now

	if err := writeJSON(filepath.Join(m.conflictsDir, id+".json"), c); err != nil {
		return nil, err
	}

	m.logger.Info("conflict resolved",
		slog.String("conflict_id", id),
		slog.String("method", res.Method),
	)

	return c, nil
}

// DetectConflict is the metadata-based fallback detector. It compares the
// incoming record against the latest stored record for the same name and
// declares a conflict when all three hold: the modification times are within
// ConflictThreshold, the clients differ, and the checksums differ. This
// backstops the in-memory upload window when the two uploads land on
// different worker processes. Returns nil when there is no conflict.
func (m *MetadataStore) DetectConflict(incoming *Record) (*Conflict, error) {
	latest, err := m.GetLatest(incoming.FileName)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	delta := incoming.LastModified.Sub(latest.LastModified)
	if delta < 0 {
		delta = -delta
	}

	if delta >= ConflictThreshold ||
		incoming.ClientID == latest.ClientID ||
		incoming.Checksum == latest.Checksum {
		return nil, nil
	}

	m.logger.Warn("concurrent modification detected via metadata fallback",
		slog.String("file_name", incoming.FileName),
		slog.String("latest_client", latest.ClientID),
		slog.String("incoming_client", incoming.ClientID),
		slog.Duration("mtime_delta", delta),
	)

	return &Conflict{
		FileName:     incoming.FileName,
		Reason:       "two clients modified the file within the conflict threshold",
		ConflictType: TypeConcurrentModification,
		Winner:       latest,
		Losers:       []Record{*incoming},
		AllClients:   []string{latest.ClientID, incoming.ClientID},
		Timestamp:    time.Now().UTC(),
		Status:       ConflictUnresolved,
	}, nil
}

// readJSON decodes one document. fs.ErrNotExist passes through unwrapped in
// the error chain so callers can translate it.
func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("store: reading %s: %w", filepath.Base(path), err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrCorrupt, filepath.Base(path), err)
	}

	return nil
}

// writeJSON encodes v and writes it atomically.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", filepath.Base(path), err)
	}

	if err := renameio.WriteFile(path, raw, recordMode); err != nil {
		return fmt.Errorf("store: writing %s: %w", filepath.Base(path), err)
	}

	return nil
}
