package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker serves from an in-process httptest server. Its handler reports
// the worker id so dispatch order is observable, and /health can be failed
// on demand.
type fakeWorker struct {
	id  int
	srv *httptest.Server

	mu        sync.Mutex
	unhealthy bool

	done     chan struct{}
	stopOnce sync.Once
}

func newFakeWorker(id int) *fakeWorker {
	w := &fakeWorker{id: id, done: make(chan struct{})}

	w.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.mu.Lock()
			bad := w.unhealthy
			w.mu.Unlock()

			if bad {
				rw.WriteHeader(http.StatusInternalServerError)
				return
			}
		}

		fmt.Fprintf(rw, "worker-%d", w.id)
	}))

	return w
}

func (w *fakeWorker) Start(context.Context) error { return nil }

func (w *fakeWorker) Stop(time.Duration) {
	w.stopOnce.Do(func() {
		w.srv.Close()
		close(w.done)
	})
}

// crash simulates the process dying on its own.
func (w *fakeWorker) crash() { w.Stop(0) }

func (w *fakeWorker) setUnhealthy(v bool) {
	w.mu.Lock()
	w.unhealthy = v
	w.mu.Unlock()
}

func (w *fakeWorker) URL() string { return w.srv.URL }

func (w *fakeWorker) Done() <-chan struct{} { return w.done }

// fakeFactory records every worker it spawns.
type fakeFactory struct {
	mu      sync.Mutex
	workers []*fakeWorker
}

func (f *fakeFactory) new(id, _ int) Worker {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := newFakeWorker(id)
	f.workers = append(f.workers, w)

	return w
}

func (f *fakeFactory) spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.workers)
}

func (f *fakeFactory) worker(i int) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.workers[i]
}

func newTestSupervisor(t *testing.T, min int) (*Supervisor, *fakeFactory) {
	t.Helper()

	factory := &fakeFactory{}

	sup, err := New(Config{
		MinInstances:   min,
		MaxInstances:   min,
		StorageRoot:    "/srv/filehaven",
		HealthInterval: 10 * time.Millisecond,
		UnhealthyAfter: 20 * time.Millisecond,
		Factory:        factory.new,
	})
	require.NoError(t, err)

	require.NoError(t, sup.spawnInitial(context.Background()))
	t.Cleanup(sup.stopAll)

	return sup, factory
}

func get(t *testing.T, handler http.Handler, path string) (*httptest.ResponseRecorder, string) {
	t.Helper()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)

	return rec, string(body)
}

func TestDispatchRoundRobin(t *testing.T) {
	sup, _ := newTestSupervisor(t, 2)
	handler := sup.Handler()

	_, first := get(t, handler, "/files/")
	_, second := get(t, handler, "/files/")
	_, third := get(t, handler, "/files/")

	assert.NotEqual(t, first, second)
	assert.Equal(t, first, third)
}

func TestDispatchRetriesOnceOnTransportFailure(t *testing.T) {
	sup, factory := newTestSupervisor(t, 2)
	handler := sup.Handler()

	// Kill worker 0's listener without telling the supervisor.
	factory.worker(0).srv.CloseClientConnections()
	factory.worker(0).srv.Close()

	for i := 0; i < 3; i++ {
		rec, body := get(t, handler, "/files/")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "worker-1", body)
	}

	// The failed worker was marked unhealthy by the first dispatch.
	status := sup.Status()
	assert.Equal(t, 2, status.TotalServers)
	assert.Equal(t, 1, status.HealthyServers)
}

func TestDispatchAllWorkersDown(t *testing.T) {
	sup, factory := newTestSupervisor(t, 2)
	handler := sup.Handler()

	factory.worker(0).srv.Close()
	factory.worker(1).srv.Close()

	// One request burns both attempts and reports the pool as unavailable.
	rec, body := get(t, handler, "/files/")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body, "no healthy workers")
}

func TestReaperRespawnsCrashedWorker(t *testing.T) {
	sup, factory := newTestSupervisor(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.reapLoop(ctx) //nolint:errcheck // exits on cancel

	factory.worker(0).crash()

	require.Eventually(t, func() bool {
		return factory.spawned() == 3 && sup.Status().TotalServers == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 2, sup.Status().HealthyServers)
}

func TestHealthLoopReplacesPersistentlyUnhealthyWorker(t *testing.T) {
	sup, factory := newTestSupervisor(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sup.reapLoop(ctx) //nolint:errcheck // exits on cancel

	factory.worker(1).setUnhealthy(true)

	// First round marks it unhealthy, a later round (past the unhealthy
	// window) terminates it, and the reaper brings up a replacement.
	require.Eventually(t, func() bool {
		sup.checkAll(ctx)
		return factory.spawned() == 3 && sup.Status().HealthyServers == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHealthLoopMarksRecovery(t *testing.T) {
	sup, factory := newTestSupervisor(t, 2)

	factory.worker(0).setUnhealthy(true)
	sup.checkAll(context.Background())
	assert.Equal(t, 1, sup.Status().HealthyServers)

	factory.worker(0).setUnhealthy(false)
	sup.checkAll(context.Background())
	assert.Equal(t, 2, sup.Status().HealthyServers)
}

func TestStatusEndpoint(t *testing.T) {
	sup, _ := newTestSupervisor(t, 2)

	rec, body := get(t, sup.Handler(), "/supervisor/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status Status
	require.NoError(t, json.Unmarshal([]byte(body), &status))

	assert.Equal(t, 2, status.TotalServers)
	assert.Equal(t, 2, status.HealthyServers)
	assert.Equal(t, "/srv/filehaven", status.SharedStorageRoot)
	assert.Len(t, status.Servers, 2)
}

func TestDispatchForwardsBodyAndStatus(t *testing.T) {
	// A single worker echoing method, path, and body proves the proxy
	// relays requests faithfully.
	factory := &fakeFactory{}

	sup, err := New(Config{
		MinInstances: 1,
		Factory: func(id, port int) Worker {
			f := factory.new(id, port).(*fakeWorker)
			f.srv.Config.Handler = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				rw.WriteHeader(http.StatusTeapot)
				fmt.Fprintf(rw, "%s %s %s", r.Method, r.URL.Path, b)
			})

			return f
		},
	})
	require.NoError(t, err)
	require.NoError(t, sup.spawnInitial(context.Background()))
	t.Cleanup(sup.stopAll)

	req := httptest.NewRequest(http.MethodPost, "/files/upload-safe", strings.NewReader("payload"))

	rec := httptest.NewRecorder()
	sup.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "POST /files/upload-safe payload", rec.Body.String())
}
