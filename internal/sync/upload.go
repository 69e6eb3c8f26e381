package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/store"
)

// flushUploads sends every pending upload, choosing the chunked path for
// large files. Entries stay pending on transient failure.
func (e *Engine) flushUploads(ctx context.Context) {
	e.mu.Lock()
	pending := make(map[string]string, len(e.pendingUploads))
	for name, path := range e.pendingUploads {
		if !e.inFlight[name] {
			pending[name] = path
		}
	}
	e.mu.Unlock()

	for name, path := range pending {
		e.uploadOne(ctx, name, path)
	}
}

// uploadOne uploads a single file and resolves its pending entry.
func (e *Engine) uploadOne(ctx context.Context, name, path string) {
	blob, err := os.ReadFile(path)
	if err != nil {
		// The file vanished between the event and the upload.
		if os.IsNotExist(err) {
			e.mu.Lock()
			delete(e.pendingUploads, name)
			e.mu.Unlock()

			return
		}

		e.logger.Error("reading file for upload failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		return
	}

	checksum := store.Checksum(blob)

	// Identical content already sent moments ago: nothing new to say.
	e.mu.Lock()
	if mark, ok := e.recentlyUploaded[name]; ok &&
		mark.checksum == checksum && time.Since(mark.at) < reuploadDebounce {
		delete(e.pendingUploads, name)
		e.mu.Unlock()

		return
	}

	e.inFlight[name] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, name)
		e.mu.Unlock()
	}()

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mtime := info.ModTime()

	var result *api.UploadResult
	if len(blob) > api.ChunkSize {
		result, err = e.client.ChunkedUpload(ctx, name, e.clientID, blob, mtime)
	} else {
		result, err = e.client.SafeUpload(ctx, name, e.clientID, blob, mtime)
	}

	if err != nil {
		var conflictErr *api.ConflictError
		if errors.As(err, &conflictErr) {
			e.adoptServerCopy(ctx, name, conflictErr)
			return
		}

		e.logger.Error("upload failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		e.setStatus(ctx, FileStatus{Name: name, Status: StatusError, Checksum: checksum})

		return
	}

	now := time.Now()

	e.mu.Lock()
	delete(e.pendingUploads, name)
	e.recentlyUploaded[name] = uploadMark{at: now, checksum: checksum, version: result.Version}
	e.knownSizes[name] = int64(len(blob))
	e.pruneUploadMarks(now)
	e.mu.Unlock()

	e.setStatus(ctx, FileStatus{
		Name:     name,
		Status:   StatusSynced,
		Checksum: checksum,
		Version:  result.Version,
	})

	if result.Duplicate {
		e.logger.Debug("upload was already current", slog.String("name", name))
		return
	}

	e.logger.Info("uploaded",
		slog.String("name", name),
		slog.Int("version", result.Version),
		slog.Int("size", len(blob)),
	)
}

// adoptServerCopy handles a lost conflict: this client's bytes are already
// preserved server-side under the conflict copy name, so the local file
// adopts the winner's content. The conflict copy itself arrives through the
// normal server→local pass.
func (e *Engine) adoptServerCopy(ctx context.Context, name string, conflictErr *api.ConflictError) {
	e.logger.Warn("upload lost a conflict, adopting server copy",
		slog.String("name", name),
		slog.String("winner", conflictErr.WinnerClientID),
		slog.String("conflict_copy", conflictErr.ConflictFileName),
		slog.String("conflict_id", conflictErr.ConflictID),
	)

	e.watcherIgnore(name)
	defer e.watcherUnignore(name)

	blob, modified, err := e.client.Download(ctx, name)
	if err != nil {
		e.logger.Error("downloading winner copy failed",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)

		e.setStatus(ctx, FileStatus{Name: name, Status: StatusConflict})

		return
	}

	// Stage next to the target so the final rename is atomic even if the
	// process dies mid-adoption; leftovers are scrubbed every tick.
	target := filepath.Join(e.cfg.Folder, name)
	staging := filepath.Join(e.cfg.Folder, conflictTempPrefix+name)

	if err := os.WriteFile(staging, blob, 0o644); err != nil {
		e.logger.Error("staging winner copy failed", slog.String("error", err.Error()))
		return
	}

	if err := os.Rename(staging, target); err != nil {
		e.logger.Error("adopting winner copy failed", slog.String("error", err.Error()))
		return
	}

	if !modified.IsZero() {
		_ = os.Chtimes(target, modified, modified)
	}

	e.mu.Lock()
	delete(e.pendingUploads, name)
	e.mu.Unlock()

	e.setStatus(ctx, FileStatus{
		Name:     name,
		Status:   StatusSynced,
		Checksum: store.Checksum(blob),
	})
}

// pruneUploadMarks drops upload records older than their TTL. Caller holds
// the lock.
func (e *Engine) pruneUploadMarks(now time.Time) {
	for name, mark := range e.recentlyUploaded {
		if now.Sub(mark.at) > uploadedTTL {
			delete(e.recentlyUploaded, name)
		}
	}
}
