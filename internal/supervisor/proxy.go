package supervisor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// dispatchAttempts is how many healthy workers one request may try: the
// round-robin pick plus one retry after a transport failure.
const dispatchAttempts = 2

// statusPath is served by the supervisor itself instead of being proxied.
const statusPath = "/supervisor/status"

// Handler returns the public dispatch handler: round-robin over healthy
// workers with a single retry, 503 when none are healthy.
func (s *Supervisor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(statusPath, s.handleStatus)
	mux.HandleFunc("/", s.dispatch)

	return mux
}

func (s *Supervisor) dispatch(w http.ResponseWriter, r *http.Request) {
	// Requests may be replayed against a second worker, so the body has to
	// be buffered up front.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	for attempt := 0; attempt < dispatchAttempts; attempt++ {
		target := s.nextHealthy()
		if target == nil {
			break
		}

		resp, err := s.forward(r, target, body)
		if err != nil {
			s.markUnhealthy(target, err)
			continue
		}

		copyResponse(w, resp)

		return
	}

	s.logger.Warn("no healthy workers for request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unavailable",
		"message": "no healthy workers",
	})
}

// nextHealthy advances the round-robin cursor to the next healthy slot.
func (s *Supervisor) nextHealthy() *slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.slots)

	for i := 0; i < n; i++ {
		sl := s.slots[(s.next+i)%n]
		if sl.healthy {
			s.next = (s.next + i + 1) % n
			return sl
		}
	}

	return nil
}

// markUnhealthy records a transport-level dispatch failure against sl.
func (s *Supervisor) markUnhealthy(sl *slot, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl.healthy {
		sl.healthy = false
		sl.unhealthySince = time.Now()
	}

	s.logger.Warn("worker failed dispatch, marked unhealthy",
		slog.Int("id", sl.id),
		slog.Int("port", sl.port),
		slog.String("error", cause.Error()),
	)
}

// forward replays the buffered request against one worker.
func (s *Supervisor) forward(r *http.Request, target *slot, body []byte) (*http.Response, error) {
	url := target.worker.URL() + r.URL.RequestURI()

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("supervisor: building upstream request: %w", err)
	}

	req.Header = r.Header.Clone()
	req.ContentLength = int64(len(body))

	return http.DefaultClient.Do(req)
}

// copyResponse relays the upstream response verbatim.
func copyResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	header := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// WorkerStatus is one worker's entry in the Status report.
type WorkerStatus struct {
	ID                int       `json:"id"`
	Port              int       `json:"port"`
	Healthy           bool      `json:"healthy"`
	StartedAt         time.Time `json:"started_at"`
	LastHealthCheckAt time.Time `json:"last_health_check_at"`
}

// Status is the supervisor's observable state.
type Status struct {
	ProxyPort         int            `json:"proxy_port"`
	BindAddress       string         `json:"bind_address"`
	TotalServers      int            `json:"total_servers"`
	HealthyServers    int            `json:"healthy_servers"`
	SharedStorageRoot string         `json:"shared_storage_root"`
	Servers           []WorkerStatus `json:"servers"`
}

// Status snapshots the pool.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		ProxyPort:         s.cfg.ProxyPort,
		BindAddress:       s.cfg.BindAddress,
		TotalServers:      len(s.slots),
		HealthyServers:    s.healthyCountLocked(),
		SharedStorageRoot: s.cfg.StorageRoot,
		Servers:           make([]WorkerStatus, 0, len(s.slots)),
	}

	for _, sl := range s.slots {
		st.Servers = append(st.Servers, WorkerStatus{
			ID:                sl.id,
			Port:              sl.port,
			Healthy:           sl.healthy,
			StartedAt:         sl.startedAt,
			LastHealthCheckAt: sl.lastCheckedAt,
		})
	}

	return st
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.Status()); err != nil {
		s.logger.Warn("encoding status failed", slog.String("error", err.Error()))
	}
}
