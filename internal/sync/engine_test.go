package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/server"
)

// engineFixture runs an Engine against a real worker handler. The healthy
// flag lets tests take the server "offline" without tearing it down.
type engineFixture struct {
	engine  *Engine
	folder  string
	srv     *httptest.Server
	healthy atomic.Bool
	api     *api.Client
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	worker, err := server.New(server.DirsUnderRoot(t.TempDir()), server.Options{})
	require.NoError(t, err)

	f := &engineFixture{folder: t.TempDir()}
	f.healthy.Store(true)

	handler := worker.Handler()
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.healthy.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)

	engine, err := New(Config{
		Folder:     f.folder,
		ServerURL:  f.srv.URL,
		ClientName: "engine-under-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { engine.ledger.Close() })

	f.engine = engine
	f.api = api.NewClient(f.srv.URL, f.srv.Client(), nil)

	return f
}

func (f *engineFixture) writeLocal(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(f.folder, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestEngineUploadsNewLocalFile(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.writeLocal(t, "note.txt", "hello")

	// First tick discovers the file, second tick flushes the upload.
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	blob, _, err := f.api.Download(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), blob)

	statuses, err := f.engine.ledger.Statuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, statuses["note.txt"].Status)
	assert.Equal(t, 1, statuses["note.txt"].Version)
}

func TestEngineDownloadsServerFile(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, err := f.api.SafeUpload(ctx, "remote.txt", "other-client", []byte("from server"), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	f.engine.tick(ctx)

	blob, err := os.ReadFile(filepath.Join(f.folder, "remote.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from server"), blob)
}

func TestEngineChangeEventUploadsNewVersion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	path := f.writeLocal(t, "note.txt", "v1")
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	f.engine.onEvent(ctx, Event{Type: EventChange, Path: path, Name: "note.txt"})
	f.engine.tick(ctx)

	versions, err := f.api.ListVersions(ctx, "note.txt")
	require.NoError(t, err)
	require.Len(t, versions, 2)

	blob, _, err := f.api.Download(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
}

func TestEngineDeletePropagates(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	path := f.writeLocal(t, "note.txt", "x")
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	require.NoError(t, os.Remove(path))
	f.engine.onEvent(ctx, Event{Type: EventDelete, Path: path, Name: "note.txt"})
	f.engine.tick(ctx)

	_, _, err := f.api.Download(ctx, "note.txt")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestEngineMirrorsServerDelete(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	path := f.writeLocal(t, "note.txt", "x")
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	// Another client deletes the file server-side.
	require.NoError(t, f.api.Delete(ctx, "note.txt"))

	// Age the local copy past the upload grace period, and age the engine's
	// own upload record so the file counts as settled.
	old := time.Now().Add(-5 * time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))

	f.engine.mu.Lock()
	delete(f.engine.recentlyUploaded, "note.txt")
	f.engine.mu.Unlock()

	f.engine.tick(ctx)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "local copy should mirror the server delete")
}

func TestEngineOfflineQueueFlush(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Establish the online state, then cut the server.
	f.engine.tick(ctx)
	f.healthy.Store(false)
	f.engine.tick(ctx)

	path := f.writeLocal(t, "offline.txt", "queued while down")
	f.engine.onEvent(ctx, Event{Type: EventAdd, Path: path, Name: "offline.txt"})

	queued, err := f.engine.ledger.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	// Server returns; the transition flushes the queue and the upload goes
	// out on the same tick.
	f.healthy.Store(true)
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	blob, _, err := f.api.Download(ctx, "offline.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("queued while down"), blob)

	queued, err = f.engine.ledger.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestEngineAdoptsWinnerAfterLostConflict(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	base := time.Now()

	// Another client wins with the earlier modification time.
	_, err := f.api.SafeUpload(ctx, "note.txt", "other-client", []byte("winner"), base.Add(-3*time.Second))
	require.NoError(t, err)

	path := f.writeLocal(t, "note.txt", "loser")
	require.NoError(t, os.Chtimes(path, base.Add(-2*time.Second), base.Add(-2*time.Second)))

	f.engine.mu.Lock()
	f.engine.pendingUploads["note.txt"] = path
	f.engine.serverOnline = true
	f.engine.mu.Unlock()

	f.engine.tick(ctx)

	// The local file adopted the winner's content.
	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("winner"), blob)

	// The diverted copy comes down on a later pass.
	f.engine.tick(ctx)

	conflictCopy := "note_conflicted_by_" + f.engine.ClientID() + ".txt"
	copyBlob, err := os.ReadFile(filepath.Join(f.folder, conflictCopy))
	require.NoError(t, err)
	assert.Equal(t, []byte("loser"), copyBlob)

	statuses, err := f.engine.ledger.Statuses(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, statuses["note.txt"].Status)
}

func TestEngineRenameHeuristic(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	path := f.writeLocal(t, "old.txt", "same bytes")
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	// Simulate a rename that the watcher missed: the local file moves, the
	// server still has the old name.
	newPath := filepath.Join(f.folder, "new.txt")
	require.NoError(t, os.Rename(path, newPath))

	// The server copy's mtime matches the moved file within tolerance, and
	// our upload record ages out so the listing comparison runs.
	f.engine.mu.Lock()
	delete(f.engine.recentlyUploaded, "old.txt")
	f.engine.mu.Unlock()

	f.engine.tick(ctx) // detects the rename
	f.engine.tick(ctx) // flushes it

	_, _, err := f.api.Download(ctx, "new.txt")
	require.NoError(t, err)

	_, _, err = f.api.Download(ctx, "old.txt")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestEnginePairsDeleteAddIntoRename(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	path := f.writeLocal(t, "old.txt", "same bytes")
	f.engine.tick(ctx)
	f.engine.tick(ctx)

	newPath := filepath.Join(f.folder, "new.txt")
	require.NoError(t, os.Rename(path, newPath))

	f.engine.onEvent(ctx, Event{Type: EventDelete, Path: path, Name: "old.txt"})
	f.engine.onEvent(ctx, Event{Type: EventAdd, Path: newPath, Name: "new.txt"})

	f.engine.mu.Lock()
	_, isRename := f.engine.pendingRenames["old.txt"]
	_, isDeletion := f.engine.pendingDeletions["old.txt"]
	f.engine.mu.Unlock()

	assert.True(t, isRename, "delete+add of same size should pair into a rename")
	assert.False(t, isDeletion)
}

func TestEngineCleansConflictScratchFiles(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	scratch := filepath.Join(f.folder, conflictTempPrefix+"note.txt")
	require.NoError(t, os.WriteFile(scratch, []byte("leftover"), 0o644))

	f.engine.tick(ctx)

	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
}
