package sync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/store"
)

// tick runs one reconciler pass: health probe, offline-queue flush on the
// offline→online transition, pending operations, then the two-way sync.
func (e *Engine) tick(ctx context.Context) {
	online := e.probe(ctx)

	e.mu.Lock()
	wasOnline := e.serverOnline
	e.serverOnline = online
	e.mu.Unlock()

	if !online {
		if wasOnline {
			e.logger.Warn("server went offline, queueing changes")
		}

		return
	}

	if !wasOnline {
		e.logger.Info("server reachable, flushing offline queue")
		e.flushOfflineQueue(ctx)
	}

	e.flushRenames(ctx)
	e.flushDeletions(ctx)
	e.flushUploads(ctx)
	e.reconcile(ctx)
	e.cleanupConflictTemps()

	e.mu.Lock()
	e.isFirstSync = false
	e.mu.Unlock()
}

// probe checks server health under a short deadline.
func (e *Engine) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	return e.client.Health(probeCtx) == nil
}

// flushOfflineQueue replays queued events in order: renames first, then
// adds/changes and deletions FIFO. Rows are removed as they succeed; a
// failed row stays queued for the next transition.
func (e *Engine) flushOfflineQueue(ctx context.Context) {
	events, err := e.ledger.Pending(ctx)
	if err != nil {
		e.logger.Error("loading offline queue failed", slog.String("error", err.Error()))
		return
	}

	for _, ev := range events {
		var opErr error

		switch ev.Type {
		case EventRename:
			opErr = e.client.Rename(ctx, ev.OldName, ev.Name)
			if errors.Is(opErr, api.ErrNotFound) {
				opErr = nil // already gone or never uploaded
			}

		case EventAdd, EventChange:
			path := filepath.Join(e.cfg.Folder, ev.Name)
			if _, statErr := os.Stat(path); statErr == nil {
				e.mu.Lock()
				e.pendingUploads[ev.Name] = path
				e.mu.Unlock()
			}

		case EventDelete:
			opErr = e.client.Delete(ctx, ev.Name)
			if errors.Is(opErr, api.ErrNotFound) {
				opErr = nil
			}

			if opErr == nil {
				e.mu.Lock()
				e.recentlyDeleted.add(ev.Name)
				e.mu.Unlock()
			}
		}

		if opErr != nil {
			e.logger.Error("offline event replay failed",
				slog.String("type", string(ev.Type)),
				slog.String("name", ev.Name),
				slog.String("error", opErr.Error()),
			)

			continue
		}

		if err := e.ledger.Remove(ctx, ev.ID); err != nil {
			e.logger.Error("removing flushed queue row failed", slog.String("error", err.Error()))
		}
	}
}

// flushRenames sends detected local renames to the server.
func (e *Engine) flushRenames(ctx context.Context) {
	e.mu.Lock()
	renames := e.pendingRenames
	e.pendingRenames = make(map[string]string)
	e.mu.Unlock()

	for old, next := range renames {
		err := e.client.Rename(ctx, old, next)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			e.logger.Error("rename failed",
				slog.String("from", old),
				slog.String("to", next),
				slog.String("error", err.Error()),
			)

			// Fall back to uploading the new name next tick.
			e.mu.Lock()
			e.pendingUploads[next] = filepath.Join(e.cfg.Folder, next)
			e.mu.Unlock()

			continue
		}

		e.mu.Lock()
		e.recentlyDeleted.add(old)

		if st, ok := e.status[old]; ok {
			st.Name = next
			e.status[next] = st
			delete(e.status, old)
		}
		e.mu.Unlock()

		_ = e.ledger.DeleteStatus(ctx, old)

		e.logger.Info("renamed on server", slog.String("from", old), slog.String("to", next))
	}
}

// flushDeletions propagates pending local deletions to the server.
func (e *Engine) flushDeletions(ctx context.Context) {
	e.mu.Lock()
	pending := make([]string, 0, len(e.pendingDeletions))
	for name := range e.pendingDeletions {
		pending = append(pending, name)
	}
	e.mu.Unlock()

	for _, name := range pending {
		err := e.client.Delete(ctx, name)
		if err != nil && !errors.Is(err, api.ErrNotFound) {
			e.logger.Error("delete failed",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)

			continue
		}

		e.mu.Lock()
		delete(e.pendingDeletions, name)
		e.recentlyDeleted.add(name)
		delete(e.status, name)
		e.mu.Unlock()

		_ = e.ledger.DeleteStatus(ctx, name)

		e.logger.Info("deleted on server", slog.String("name", name))
	}
}

// reconcile runs the two-way comparison between the server listing and the
// local folder.
func (e *Engine) reconcile(ctx context.Context) {
	serverFiles, err := e.client.ListFiles(ctx)
	if err != nil {
		e.logger.Error("listing server files failed", slog.String("error", err.Error()))
		return
	}

	local, err := e.listLocal()
	if err != nil {
		e.logger.Error("listing local files failed", slog.String("error", err.Error()))
		return
	}

	serverByName := make(map[string]api.FileInfo, len(serverFiles))
	for _, sf := range serverFiles {
		serverByName[sf.Name] = sf

		e.mu.Lock()
		e.knownSizes[sf.Name] = sf.Size
		e.mu.Unlock()
	}

	e.serverToLocal(ctx, serverFiles, local)
	e.localToServer(ctx, serverByName, local)
}

// serverToLocal downloads server news: absent files, and files whose
// version, checksum, or modification time says the server copy is ahead.
func (e *Engine) serverToLocal(ctx context.Context, serverFiles []api.FileInfo, local map[string]localFile) {
	for _, sf := range serverFiles {
		e.mu.Lock()
		deleted := e.recentlyDeleted.contains(sf.Name)
		mark, uploaded := e.recentlyUploaded[sf.Name]
		_, uploadPending := e.pendingUploads[sf.Name]
		e.mu.Unlock()

		if deleted || uploadPending {
			continue
		}

		if uploaded && time.Since(mark.at) < uploadSkipWindow {
			continue
		}

		lf, exists := local[sf.Name]
		if !exists {
			e.download(ctx, sf)
			continue
		}

		if e.serverIsAhead(sf, lf) {
			e.download(ctx, sf)
		}
	}
}

// serverIsAhead decides the sync direction for a file present on both
// sides: by version when we recorded one, else by checksum with a
// modification-time tiebreak, else by modification time alone.
func (e *Engine) serverIsAhead(sf api.FileInfo, lf localFile) bool {
	e.mu.Lock()
	st, tracked := e.status[sf.Name]
	e.mu.Unlock()

	if tracked && st.Version > 0 && sf.Version > 0 {
		return sf.Version > st.Version
	}

	if sf.Checksum != "" {
		blob, err := os.ReadFile(lf.path)
		if err != nil {
			return false
		}

		if store.Checksum(blob) == sf.Checksum {
			return false
		}

		return sf.LastModified.After(lf.mtime.Add(mtimeTolerance))
	}

	return sf.LastModified.After(lf.mtime.Add(mtimeTolerance))
}

// localToServer uploads local news and removes files the server dropped.
// The rename heuristic runs first so a moved file is not re-uploaded.
func (e *Engine) localToServer(ctx context.Context, serverByName map[string]api.FileInfo, local map[string]localFile) {
	e.mu.Lock()
	firstSync := e.isFirstSync
	e.mu.Unlock()

	for name, lf := range local {
		if _, onServer := serverByName[name]; onServer {
			continue
		}

		e.mu.Lock()
		_, uploadPending := e.pendingUploads[name]
		skip := uploadPending || e.pendingDeletions[name] || e.recentlyDeleted.contains(name)
		e.mu.Unlock()

		if skip {
			continue
		}

		if old := e.findRenameSource(serverByName, local, lf); old != "" {
			e.logger.Info("rename inferred from listing",
				slog.String("from", old),
				slog.String("to", name),
			)

			e.mu.Lock()
			e.pendingRenames[old] = name
			e.mu.Unlock()

			continue
		}

		// New or recently modified files go up. Anything older was
		// deleted on the server by another client: mirror the delete.
		if firstSync || time.Since(lf.mtime) < time.Minute {
			e.mu.Lock()
			e.pendingUploads[name] = lf.path
			e.mu.Unlock()

			continue
		}

		e.logger.Info("removing file deleted on server", slog.String("name", name))

		if err := os.Remove(lf.path); err != nil {
			e.logger.Error("local remove failed", slog.String("error", err.Error()))
			continue
		}

		e.mu.Lock()
		e.recentlyDeleted.add(name)
		delete(e.status, name)
		e.mu.Unlock()

		_ = e.ledger.DeleteStatus(ctx, name)
	}
}

// findRenameSource looks for a server file that disappeared locally and
// matches lf by size and near-equal modification time.
func (e *Engine) findRenameSource(serverByName map[string]api.FileInfo, local map[string]localFile, lf localFile) string {
	for name, sf := range serverByName {
		if _, existsLocally := local[name]; existsLocally {
			continue
		}

		if sf.Size != lf.size {
			continue
		}

		delta := sf.LastModified.Sub(lf.mtime)
		if delta < 0 {
			delta = -delta
		}

		if delta < 10*time.Second {
			return name
		}
	}

	return ""
}

// download fetches one server file into the folder with watcher events for
// the name suppressed, adopting the server's modification time.
func (e *Engine) download(ctx context.Context, sf api.FileInfo) {
	e.watcherIgnore(sf.Name)
	defer e.watcherUnignore(sf.Name)

	blob, modified, err := e.client.Download(ctx, sf.Name)
	if err != nil {
		e.logger.Error("download failed",
			slog.String("name", sf.Name),
			slog.String("error", err.Error()),
		)

		return
	}

	path := filepath.Join(e.cfg.Folder, sf.Name)

	if err := renameio.WriteFile(path, blob, 0o644); err != nil {
		e.logger.Error("writing downloaded file failed",
			slog.String("name", sf.Name),
			slog.String("error", err.Error()),
		)

		return
	}

	if modified.IsZero() {
		modified = sf.LastModified
	}

	if !modified.IsZero() {
		_ = os.Chtimes(path, modified, modified)
	}

	e.setStatus(ctx, FileStatus{
		Name:     sf.Name,
		Status:   StatusSynced,
		Checksum: store.Checksum(blob),
		Version:  sf.Version,
	})

	e.logger.Info("downloaded",
		slog.String("name", sf.Name),
		slog.Int("version", sf.Version),
		slog.Int("size", len(blob)),
	)
}

// cleanupConflictTemps removes leftover conflict adoption scratch files.
func (e *Engine) cleanupConflictTemps() {
	pattern := filepath.Join(e.cfg.Folder, conflictTempPrefix+"*")

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}

	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			e.logger.Debug("removed conflict scratch file", slog.String("path", m))
		}
	}
}

// setStatus records a file's sync state in memory and in the ledger.
func (e *Engine) setStatus(ctx context.Context, st FileStatus) {
	e.mu.Lock()
	e.status[st.Name] = st
	e.mu.Unlock()

	if err := e.ledger.SetStatus(ctx, st); err != nil {
		e.logger.Warn("persisting file status failed",
			slog.String("name", st.Name),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) watcherIgnore(name string) {
	if e.watcher != nil {
		e.watcher.Ignore(name)
	}
}

func (e *Engine) watcherUnignore(name string) {
	if e.watcher != nil {
		e.watcher.Unignore(name)
	}
}
