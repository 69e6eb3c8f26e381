package server

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehaven/filehaven/internal/store"
)

// windowFixture wires a window over temp-dir stores with a controllable clock.
type windowFixture struct {
	window  *UploadWindow
	content *store.ContentStore
	meta    *store.MetadataStore
	clock   time.Time
}

func newWindowFixture(t *testing.T) *windowFixture {
	t.Helper()

	root := t.TempDir()

	content, err := store.NewContentStore(filepath.Join(root, "files"), filepath.Join(root, "versions"), nil)
	require.NoError(t, err)

	meta, err := store.NewMetadataStore(
		filepath.Join(root, "metadata", "files"),
		filepath.Join(root, "metadata", "conflicts"),
		nil,
	)
	require.NoError(t, err)

	f := &windowFixture{
		window:  NewUploadWindow(content, meta, nil),
		content: content,
		meta:    meta,
		clock:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	f.window.now = func() time.Time { return f.clock }

	return f
}

func (f *windowFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *windowFixture) upload(t *testing.T, name, clientID, content string, mtime time.Time) *UploadResult {
	t.Helper()

	result, err := f.window.Process(&SafeUpload{
		FileName:     name,
		ClientID:     clientID,
		LastModified: mtime,
		Blob:         []byte(content),
	})
	require.NoError(t, err)

	return result
}

func TestWindowPlainUpload(t *testing.T) {
	f := newWindowFixture(t)

	result := f.upload(t, "note.txt", "alice", "a", f.clock)
	require.Nil(t, result.Conflict)
	assert.False(t, result.Duplicate)
	assert.Equal(t, 1, result.Record.Version)

	blob, err := f.content.Get("note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), blob)
}

func TestWindowSingleClientVersioning(t *testing.T) {
	f := newWindowFixture(t)

	first := f.upload(t, "note.txt", "alice", "a", f.clock)
	require.Equal(t, 1, first.Record.Version)

	// Same client, new content, still inside the window: plain version bump,
	// never a conflict.
	f.advance(time.Second)
	second := f.upload(t, "note.txt", "alice", "ab", f.clock)
	require.Nil(t, second.Conflict)
	assert.Equal(t, 2, second.Record.Version)

	conflicts, err := f.meta.GetConflicts()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestWindowIdempotentUpload(t *testing.T) {
	f := newWindowFixture(t)

	f.upload(t, "note.txt", "alice", "a", f.clock)

	f.advance(time.Second)
	repeat := f.upload(t, "note.txt", "alice", "a", f.clock)
	assert.True(t, repeat.Duplicate)
	assert.Equal(t, 1, repeat.Record.Version)

	versions, err := f.meta.GetAllVersions("note.txt")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestWindowMultiClientConflict(t *testing.T) {
	f := newWindowFixture(t)

	base := f.clock

	// Alice's upload carries the earlier modification time: she wins.
	alice := f.upload(t, "note.txt", "alice", "A", base.Add(-100*time.Millisecond))
	require.Nil(t, alice.Conflict)
	require.Equal(t, 1, alice.Record.Version)

	f.advance(time.Second)
	bob := f.upload(t, "note.txt", "bob", "B", base.Add(900*time.Millisecond))
	require.NotNil(t, bob.Conflict)
	assert.False(t, bob.Conflict.IsWinner)
	assert.Equal(t, "alice", bob.Conflict.WinnerClientID)
	assert.Equal(t, "note_conflicted_by_bob.txt", bob.Conflict.ConflictFileName)
	assert.NotEqual(t, AlreadyExistsConflictID, bob.Conflict.ConflictID)

	// Winner's content stays the latest version of the original name.
	current, err := f.content.Get("note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("A"), current)

	// The loser's bytes live under the conflict copy name.
	copyBlob, err := f.content.Get("note_conflicted_by_bob.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), copyBlob)

	conflicts, err := f.meta.GetConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.ConflictUnresolved, conflicts[0].Status)
	assert.Equal(t, store.TypeMultiClientConcurrentModification, conflicts[0].ConflictType)
	assert.Equal(t, "alice", conflicts[0].Winner.ClientID)
	require.Len(t, conflicts[0].Losers, 1)
	assert.Equal(t, "bob", conflicts[0].Losers[0].ClientID)
	assert.Equal(t, "note_conflicted_by_bob.txt", conflicts[0].Losers[0].ConflictFileName)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conflicts[0].AllClients)
}

func TestWindowRepeatLoserGetsAlreadyExists(t *testing.T) {
	f := newWindowFixture(t)

	base := f.clock
	f.upload(t, "note.txt", "alice", "A", base.Add(-100*time.Millisecond))

	f.advance(time.Second)
	f.upload(t, "note.txt", "bob", "B", base.Add(900*time.Millisecond))

	recordsBefore, err := f.meta.GetAll()
	require.NoError(t, err)

	// Bob retries the identical content inside the window.
	f.advance(time.Second)
	retry := f.upload(t, "note.txt", "bob", "B", base.Add(900*time.Millisecond))
	require.NotNil(t, retry.Conflict)
	assert.Equal(t, AlreadyExistsConflictID, retry.Conflict.ConflictID)
	assert.Equal(t, "note_conflicted_by_bob.txt", retry.Conflict.ConflictFileName)

	// No additional version records were created.
	recordsAfter, err := f.meta.GetAll()
	require.NoError(t, err)
	assert.Len(t, recordsAfter, len(recordsBefore))

	conflicts, err := f.meta.GetConflicts()
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestWindowWinnerFollowupEditAfterConflict(t *testing.T) {
	f := newWindowFixture(t)

	base := f.clock
	f.upload(t, "note.txt", "alice", "A", base)

	f.advance(time.Second)
	bob := f.upload(t, "note.txt", "bob", "B", base.Add(900*time.Millisecond))
	require.NotNil(t, bob.Conflict)
	require.Equal(t, "alice", bob.Conflict.WinnerClientID)

	// The winner edits again inside the window. The settled conflict must
	// not re-enter detection: this is a plain version bump, and the diverted
	// loser's bytes stay diverted.
	f.advance(time.Second)
	followup := f.upload(t, "note.txt", "alice", "C", base.Add(2*time.Second))
	require.Nil(t, followup.Conflict)
	assert.False(t, followup.Duplicate)
	assert.Equal(t, 2, followup.Record.Version)

	current, err := f.content.Get("note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("C"), current)

	copyBlob, err := f.content.Get("note_conflicted_by_bob.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("B"), copyBlob)

	conflicts, err := f.meta.GetConflicts()
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestWindowDeleteThenIdenticalReupload(t *testing.T) {
	f := newWindowFixture(t)

	f.upload(t, "note.txt", "alice", "a", f.clock)
	require.NoError(t, f.content.Delete("note.txt", false))

	// Re-uploading the retained latest version's bytes is a duplicate, but
	// the current blob must come back so the name is downloadable again.
	f.advance(time.Second)
	repeat := f.upload(t, "note.txt", "alice", "a", f.clock)
	assert.True(t, repeat.Duplicate)
	assert.Equal(t, 1, repeat.Record.Version)

	blob, err := f.content.Get("note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), blob)

	versions, err := f.meta.GetAllVersions("note.txt")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestWindowExpiryEndsConflictDetection(t *testing.T) {
	f := newWindowFixture(t)

	f.upload(t, "note.txt", "alice", "A", f.clock)

	// Bob arrives after the window expired with a modification time far
	// outside the fallback threshold: no conflict, just the next version.
	f.advance(SyncInterval + time.Second)
	bob := f.upload(t, "note.txt", "bob", "B", f.clock)
	require.Nil(t, bob.Conflict)
	assert.Equal(t, 2, bob.Record.Version)
}

func TestWindowFallbackCatchesCloseTimestamps(t *testing.T) {
	f := newWindowFixture(t)

	base := f.clock
	f.upload(t, "note.txt", "alice", "A", base)

	// The window no longer holds Alice's entry, but Bob's modification time
	// is within the 5 s threshold: the metadata fallback diverts him.
	f.advance(SyncInterval + time.Second)
	bob := f.upload(t, "note.txt", "bob", "B", base.Add(time.Second))
	require.NotNil(t, bob.Conflict)
	assert.False(t, bob.Conflict.IsWinner)
	assert.Equal(t, "note_conflicted_by_bob.txt", bob.Conflict.ConflictFileName)

	conflicts, err := f.meta.GetConflicts()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, store.TypeConcurrentModification, conflicts[0].ConflictType)
}

func TestWindowThreeClients(t *testing.T) {
	f := newWindowFixture(t)

	base := f.clock
	f.upload(t, "note.txt", "alice", "A", base)

	f.advance(time.Second)
	bob := f.upload(t, "note.txt", "bob", "B", base.Add(time.Second))
	require.NotNil(t, bob.Conflict)

	f.advance(time.Second)
	carol := f.upload(t, "note.txt", "carol", "C", base.Add(2*time.Second))
	require.NotNil(t, carol.Conflict)
	assert.Equal(t, "alice", carol.Conflict.WinnerClientID)
	assert.Equal(t, "note_conflicted_by_carol.txt", carol.Conflict.ConflictFileName)

	// One conflict copy per losing client.
	names, err := f.content.List()
	require.NoError(t, err)
	assert.Contains(t, names, "note.txt")
	assert.Contains(t, names, "note_conflicted_by_bob.txt")
	assert.Contains(t, names, "note_conflicted_by_carol.txt")
}

func TestWindowValidation(t *testing.T) {
	f := newWindowFixture(t)

	_, err := f.window.Process(&SafeUpload{FileName: "", ClientID: "alice", Blob: []byte("a")})
	assert.ErrorIs(t, err, store.ErrBadRequest)

	_, err = f.window.Process(&SafeUpload{FileName: "note.txt", ClientID: "", Blob: []byte("a")})
	assert.ErrorIs(t, err, store.ErrBadRequest)

	_, err = f.window.Process(&SafeUpload{FileName: "note.txt", ClientID: "alice", Blob: nil})
	assert.ErrorIs(t, err, store.ErrBadRequest)
}

func TestConflictFileName(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		clientID string
		want     string
	}{
		{name: "with extension", fileName: "note.txt", clientID: "bob", want: "note_conflicted_by_bob.txt"},
		{name: "no extension", fileName: "Makefile", clientID: "bob", want: "Makefile_conflicted_by_bob"},
		{name: "multiple dots", fileName: "archive.tar.gz", clientID: "carol", want: "archive.tar_conflicted_by_carol.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ConflictFileName(tt.fileName, tt.clientID))
		})
	}
}
