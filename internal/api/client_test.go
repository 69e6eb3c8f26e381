package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a client against srv with sleeps disabled.
func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, srv.Client(), nil)
	c.sleepFunc = func(context.Context, time.Duration) error { return nil }

	return c
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		fmt.Fprint(w, `{"success":true,"files":[]}`)
	}))
	defer srv.Close()

	files, err := newTestClient(srv).ListFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not_found"}`)
	}))
	defer srv.Close()

	_, _, err := newTestClient(srv).Download(context.Background(), "absent.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := newTestClient(srv).Health(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestConflictResponseBecomesConflictError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{
			"error": "conflict",
			"message": "upload lost",
			"winner": {"client_id": "alice", "last_modified": "2024-01-01T12:00:00Z"},
			"conflict_file_name": "note_conflicted_by_bob.txt",
			"conflict_id": "abcdef0123456789"
		}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).SafeUpload(context.Background(),
		"note.txt", "bob", []byte("B"), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, "alice", conflictErr.WinnerClientID)
	assert.Equal(t, "note_conflicted_by_bob.txt", conflictErr.ConflictFileName)
	assert.Equal(t, "abcdef0123456789", conflictErr.ConflictID)
}

func TestSafeUploadSendsMultipartFields(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))

		assert.Equal(t, "/files/upload-safe", r.URL.Path)
		assert.Equal(t, "note.txt", r.FormValue("file_name"))
		assert.Equal(t, "alice", r.FormValue("client_id"))
		assert.Equal(t, mtime.Format(time.RFC3339Nano), r.FormValue("last_modified"))

		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()

		buf := make([]byte, 16)
		n, _ := f.Read(buf)
		assert.Equal(t, "hello", string(buf[:n]))

		fmt.Fprint(w, `{"success":true,"message":"File uploaded","version":1}`)
	}))
	defer srv.Close()

	result, err := newTestClient(srv).SafeUpload(context.Background(),
		"note.txt", "alice", []byte("hello"), mtime)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Version)
	assert.False(t, result.Duplicate)
}

func TestChunkedUploadSplitsAndOrders(t *testing.T) {
	var (
		gotChunks  []int
		gotTotals  []int
		gotFileIDs = map[string]bool{}
		received   []byte
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))
		require.Equal(t, "/files/chunk", r.URL.Path)

		n, err := strconv.Atoi(r.FormValue("chunk_number"))
		require.NoError(t, err)
		total, err := strconv.Atoi(r.FormValue("total_chunks"))
		require.NoError(t, err)

		gotChunks = append(gotChunks, n)
		gotTotals = append(gotTotals, total)
		gotFileIDs[r.FormValue("file_id")] = true

		f, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		defer f.Close()

		buf := make([]byte, ChunkSize+1)
		for {
			c, readErr := f.Read(buf)
			received = append(received, buf[:c]...)

			if readErr != nil {
				break
			}
		}

		if n < total {
			fmt.Fprintf(w, `{"success":true,"message":"Chunk %d of %d received","received":%d}`, n, total, n)
			return
		}

		fmt.Fprint(w, `{"success":true,"message":"File assembled from chunks","version":1}`)
	}))
	defer srv.Close()

	// 2.5 chunks of payload.
	blob := make([]byte, ChunkSize*2+ChunkSize/2)
	for i := range blob {
		blob[i] = byte(i % 251)
	}

	result, err := newTestClient(srv).ChunkedUpload(context.Background(),
		"big.bin", "alice", blob, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Version)

	assert.Equal(t, []int{1, 2, 3}, gotChunks)
	assert.Equal(t, []int{3, 3, 3}, gotTotals)
	assert.Len(t, gotFileIDs, 1, "all chunks share one upload id")
	assert.Equal(t, blob, received)
}

func TestChunkedUploadDuplicateStopsEarly(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"success":true,"message":"File already up-to-date, no new version created","version":2,"duplicate":true}`)
	}))
	defer srv.Close()

	blob := make([]byte, ChunkSize*3)

	result, err := newTestClient(srv).ChunkedUpload(context.Background(),
		"big.bin", "alice", blob, time.Now())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloadReturnsLastModified(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/files/note.txt/download", r.URL.Path)
		w.Header().Set("Last-Modified", mtime.Format(http.TimeFormat))
		fmt.Fprint(w, "content")
	}))
	defer srv.Close()

	blob, modified, err := newTestClient(srv).Download(context.Background(), "note.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("content"), blob)
	assert.Equal(t, mtime, modified.UTC())
}

func TestListVersionsAndConflicts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/files/note.txt/versions":
			fmt.Fprint(w, `{"success":true,"versions":[
				{"file_name":"note.txt","version":2,"checksum":"bb"},
				{"file_name":"note.txt","version":1,"checksum":"aa"}
			]}`)
		case "/conflicts":
			fmt.Fprint(w, `{"success":true,"conflicts":[
				{"id":"c1","file_name":"note.txt","status":"unresolved"}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := newTestClient(srv)

	versions, err := client.ListVersions(context.Background(), "note.txt")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[0].Version)

	conflicts, err := client.ListConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "unresolved", conflicts[0].Status)
}

func TestResolveConflictBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conflicts/c1/resolve", r.URL.Path)

		var res Resolution
		require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
		assert.Equal(t, "keep_winner", res.Method)
		assert.Equal(t, "admin", res.ClientID)

		fmt.Fprint(w, `{"success":true}`)
	}))
	defer srv.Close()

	err := newTestClient(srv).ResolveConflict(context.Background(), "c1",
		Resolution{Method: "keep_winner", ClientID: "admin"})
	require.NoError(t, err)
}

func TestContextCancellationStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(srv)
	client.sleepFunc = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Health(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
