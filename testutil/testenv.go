// Package testutil provides shared test environment helpers for the E2E
// tests: in-process worker clusters over a shared storage root, so the
// multi-worker scenarios run without spawning child processes.
package testutil

import (
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/server"
)

// Cluster is a set of in-process workers sharing one storage root. Each
// worker has its own upload window, matching the production property that
// only the metadata threshold detector spans workers.
type Cluster struct {
	StorageRoot string
	Workers     []*httptest.Server
}

// StartCluster brings up n workers over a fresh shared storage root. The
// servers shut down with the test.
func StartCluster(t *testing.T, n int) *Cluster {
	t.Helper()

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := &Cluster{StorageRoot: root}

	for i := 0; i < n; i++ {
		worker, err := server.New(server.DirsUnderRoot(root), server.Options{Logger: logger})
		require.NoError(t, err)

		srv := httptest.NewServer(worker.Handler())
		t.Cleanup(srv.Close)

		c.Workers = append(c.Workers, srv)
	}

	return c
}

// Client returns an API client pointed at worker i.
func (c *Cluster) Client(i int) *api.Client {
	return api.NewClient(c.Workers[i].URL, c.Workers[i].Client(), nil)
}
