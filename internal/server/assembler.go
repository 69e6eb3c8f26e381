package server

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/filehaven/filehaven/internal/fileid"
	"github.com/filehaven/filehaven/internal/store"
)

// Assembler accepts numbered chunk parts, persists them to a scratch
// directory, and materializes the whole file once every part has arrived.
// Parts are addressed by (file_id, chunk_number), so a retried part simply
// overwrites its predecessor; re-sending the same bytes is idempotent.
type Assembler struct {
	chunksDir string
	content   *store.ContentStore
	meta      *store.MetadataStore
	logger    *slog.Logger
}

// ChunkPart is one numbered piece of a chunked upload.
type ChunkPart struct {
	FileID       string
	ChunkNumber  int
	TotalChunks  int
	FileName     string
	ClientID     string
	LastModified time.Time
	Data         []byte
}

// AssembleResult reports the outcome of accepting one part.
type AssembleResult struct {
	// Complete is true once the final part arrived and the file was handled.
	Complete bool
	// Received is the number of parts currently held for the file_id.
	Received int
	// Duplicate is true when the assembled bytes matched the latest stored
	// version; no new version was created and scratch was scrubbed.
	Duplicate bool
	// Record is the created (or, for duplicates, existing) version record.
	Record *store.Record
	// Conflict is set when the threshold fallback detector fired. The
	// incoming upload lost: its bytes were diverted to ConflictFileName.
	Conflict         *store.Conflict
	ConflictFileName string
}

// NewAssembler creates an Assembler writing scratch parts under chunksDir.
func NewAssembler(chunksDir string, content *store.ContentStore, meta *store.MetadataStore, logger *slog.Logger) (*Assembler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(chunksDir, 0o755); err != nil {
		return nil, fmt.Errorf("server: creating chunks directory: %w", err)
	}

	return &Assembler{
		chunksDir: chunksDir,
		content:   content,
		meta:      meta,
		logger:    logger,
	}, nil
}

// AddPart persists one part and, when it completes the set, assembles and
// stores the file. Validation failures surface store.ErrBadRequest; an empty
// part surfaces store.ErrCorrupt.
func (a *Assembler) AddPart(p *ChunkPart) (*AssembleResult, error) {
	if err := a.validatePart(p); err != nil {
		return nil, err
	}

	partPath := filepath.Join(a.chunksDir, partName(p.FileID, p.ChunkNumber))
	if err := os.WriteFile(partPath, p.Data, 0o644); err != nil {
		return nil, fmt.Errorf("server: writing chunk part %s: %w", partName(p.FileID, p.ChunkNumber), err)
	}

	received, err := a.countParts(p.FileID)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("chunk part stored",
		slog.String("file_id", p.FileID),
		slog.Int("chunk_number", p.ChunkNumber),
		slog.Int("received", received),
		slog.Int("total", p.TotalChunks),
	)

	if received < p.TotalChunks {
		return &AssembleResult{Received: received}, nil
	}

	return a.assemble(p)
}

// validatePart checks the part's envelope fields.
func (a *Assembler) validatePart(p *ChunkPart) error {
	if !fileid.Valid(p.FileID) {
		return fmt.Errorf("%w: invalid file_id %q", store.ErrBadRequest, p.FileID)
	}

	if err := store.ValidateName(p.FileName); err != nil {
		return err
	}

	if p.ClientID == "" {
		return fmt.Errorf("%w: missing client_id", store.ErrBadRequest)
	}

	if p.TotalChunks < 1 || p.ChunkNumber < 1 || p.ChunkNumber > p.TotalChunks {
		return fmt.Errorf("%w: chunk %d of %d out of range", store.ErrBadRequest, p.ChunkNumber, p.TotalChunks)
	}

	if len(p.Data) == 0 {
		return fmt.Errorf("%w: chunk %d of %s is empty", store.ErrCorrupt, p.ChunkNumber, p.FileID)
	}

	return nil
}

// assemble concatenates all parts in numeric order and stores the result.
func (a *Assembler) assemble(p *ChunkPart) (*AssembleResult, error) {
	var buf bytes.Buffer

	for n := 1; n <= p.TotalChunks; n++ {
		data, err := os.ReadFile(filepath.Join(a.chunksDir, partName(p.FileID, n)))
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d of %s missing during assembly", store.ErrCorrupt, n, p.FileID)
		}

		if len(data) == 0 {
			return nil, fmt.Errorf("%w: chunk %d of %s is empty", store.ErrCorrupt, n, p.FileID)
		}

		buf.Write(data)
	}

	blob := buf.Bytes()
	checksum := store.Checksum(blob)

	// Identical content to the latest version: discard without a new version.
	// The current blob may have been deleted since that version was stored;
	// put it back from the retained versioned copy.
	latest, err := a.meta.GetLatest(p.FileName)
	if err == nil && latest.Checksum == checksum {
		if err := a.content.EnsureCurrent(p.FileName, latest.Version); err != nil {
			return nil, err
		}

		a.scrub(p.FileID)

		a.logger.Info("chunked upload duplicates latest version",
			slog.String("file_name", p.FileName),
			slog.Int("version", latest.Version),
		)

		return &AssembleResult{Complete: true, Received: p.TotalChunks, Duplicate: true, Record: latest}, nil
	}

	incoming := &store.Record{
		FileID:       p.FileID,
		FileName:     p.FileName,
		Size:         int64(len(blob)),
		Checksum:     checksum,
		ClientID:     p.ClientID,
		LastModified: p.LastModified,
	}

	// The in-memory window never sees chunked uploads, so the metadata
	// threshold detector is the only conflict check on this path.
	conflict, err := a.meta.DetectConflict(incoming)
	if err != nil {
		return nil, err
	}

	if conflict != nil {
		return a.divertLoser(p, blob, incoming, conflict)
	}

	record, err := a.storeVersion(p.FileName, blob, incoming)
	if err != nil {
		return nil, err
	}

	a.scrub(p.FileID)

	a.logger.Info("chunked upload assembled",
		slog.String("file_name", p.FileName),
		slog.Int("version", record.Version),
		slog.Int("size", len(blob)),
		slog.Int("chunks", p.TotalChunks),
	)

	return &AssembleResult{Complete: true, Received: p.TotalChunks, Record: record}, nil
}

// storeVersion allocates the next version under the per-name lock and writes
// blob and metadata.
func (a *Assembler) storeVersion(name string, blob []byte, rec *store.Record) (*store.Record, error) {
	lock, err := a.meta.LockName(name)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock() //nolint:errcheck // release is best-effort

	version, err := a.meta.NextVersion(name)
	if err != nil {
		return nil, err
	}

	if _, err := a.content.Save(name, blob, version); err != nil {
		return nil, err
	}

	rec.Version = version
	if err := a.meta.Save(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// divertLoser stores the incoming bytes under a conflict copy name, records
// the conflict document, and scrubs scratch. The existing latest version
// stays the winner.
func (a *Assembler) divertLoser(p *ChunkPart, blob []byte, incoming *store.Record, conflict *store.Conflict) (*AssembleResult, error) {
	conflictName := ConflictFileName(p.FileName, p.ClientID)

	loser := *incoming
	loser.FileName = conflictName
	loser.Conflict = true
	loser.ConflictedWith = p.FileName
	loser.ConflictFileName = conflictName

	stored, err := a.storeVersion(conflictName, blob, &loser)
	if err != nil {
		return nil, err
	}

	conflict.ID = fileid.New()
	conflict.Losers = []store.Record{*stored}

	if err := a.meta.SaveConflict(conflict); err != nil {
		return nil, err
	}

	a.scrub(p.FileID)

	a.logger.Warn("chunked upload lost threshold conflict",
		slog.String("file_name", p.FileName),
		slog.String("conflict_file_name", conflictName),
		slog.String("conflict_id", conflict.ID),
	)

	return &AssembleResult{
		Complete:         true,
		Received:         p.TotalChunks,
		Record:           stored,
		Conflict:         conflict,
		ConflictFileName: conflictName,
	}, nil
}

// countParts returns how many parts are held for fileID.
func (a *Assembler) countParts(fileID string) (int, error) {
	entries, err := os.ReadDir(a.chunksDir)
	if err != nil {
		return 0, fmt.Errorf("server: listing chunks directory: %w", err)
	}

	prefix := fileID + "_"
	count := 0

	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			count++
		}
	}

	return count, nil
}

// scrub removes all scratch parts for fileID. Removal failures are logged
// and ignored: leftover parts are harmless and reclaimed on the next upload
// with the same id.
func (a *Assembler) scrub(fileID string) {
	entries, err := os.ReadDir(a.chunksDir)
	if err != nil {
		a.logger.Warn("scrub: listing chunks directory failed", slog.String("error", err.Error()))
		return
	}

	prefix := fileID + "_"

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}

		if err := os.Remove(filepath.Join(a.chunksDir, e.Name())); err != nil {
			a.logger.Warn("scrub: removing chunk part failed",
				slog.String("part", e.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// partName is the deterministic scratch file name for one part.
func partName(fileID string, n int) string {
	return fileID + "_" + strconv.Itoa(n)
}
