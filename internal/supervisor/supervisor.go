// Package supervisor runs a pool of worker processes behind a single public
// listener: staggered startup, round-robin dispatch over the healthy subset,
// periodic health probes with forced replacement, and crash recovery.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Defaults for the supervision loop.
const (
	DefaultHealthInterval = 5 * time.Second
	DefaultHealthTimeout  = 2 * time.Second
	DefaultUnhealthyAfter = 30 * time.Second
	DefaultSpawnStagger   = 2 * time.Second
	DefaultShutdownGrace  = 5 * time.Second

	// respawnDelay throttles replacement spawns while at least one worker
	// is still healthy. Zero healthy workers bypasses it.
	respawnDelay = time.Second
)

// Config sets up a Supervisor. Factory is the only required field.
type Config struct {
	BindAddress string // public listener address, default "0.0.0.0"
	ProxyPort   int    // public listener port, default 8080
	BasePort    int    // first worker port, default ProxyPort+1

	MinInstances int // default 2
	MaxInstances int // default MinInstances

	// StorageRoot is reported in Status; workers receive it via the
	// environment the Factory bakes in.
	StorageRoot string

	HealthInterval time.Duration
	HealthTimeout  time.Duration
	UnhealthyAfter time.Duration
	SpawnStagger   time.Duration
	ShutdownGrace  time.Duration

	Factory Factory
	Logger  *slog.Logger
}

// slot is the supervisor's bookkeeping for one worker.
type slot struct {
	id      int
	port    int
	worker  Worker
	healthy bool

	startedAt      time.Time
	lastCheckedAt  time.Time
	unhealthySince time.Time
}

// Supervisor owns the worker pool and the public listener.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
	probe  *http.Client

	mu       sync.Mutex
	slots    []*slot
	ports    map[int]bool
	next     int // round-robin cursor
	nextID   int
	stopping bool

	exits chan *slot
}

// New validates cfg, fills defaults, and returns a Supervisor ready to Run.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Factory == nil {
		return nil, errors.New("supervisor: config requires a worker factory")
	}

	if cfg.BindAddress == "" {
		cfg.BindAddress = "0.0.0.0"
	}

	if cfg.ProxyPort == 0 {
		cfg.ProxyPort = 8080
	}

	if cfg.BasePort == 0 {
		cfg.BasePort = cfg.ProxyPort + 1
	}

	if cfg.MinInstances < 1 {
		cfg.MinInstances = 2
	}

	if cfg.MaxInstances < cfg.MinInstances {
		cfg.MaxInstances = cfg.MinInstances
	}

	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}

	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}

	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = DefaultUnhealthyAfter
	}

	if cfg.SpawnStagger < 0 {
		cfg.SpawnStagger = DefaultSpawnStagger
	}

	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		cfg:    cfg,
		logger: logger,
		probe:  &http.Client{Timeout: cfg.HealthTimeout},
		ports:  make(map[int]bool),
		exits:  make(chan *slot, cfg.MaxInstances),
	}, nil
}

// Run spawns the initial workers and serves until ctx is cancelled, then
// shuts the pool down. The proxy, health loop, and reaper run as services
// under one supervision tree.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.spawnInitial(ctx); err != nil {
		s.stopAll()
		return err
	}

	tree := suture.NewSimple("filehaven-supervisor")
	tree.Add(serviceFunc{name: "proxy", fn: s.serveProxy})
	tree.Add(serviceFunc{name: "health-loop", fn: s.healthLoop})
	tree.Add(serviceFunc{name: "reaper", fn: s.reapLoop})

	err := tree.Serve(ctx)

	s.stopAll()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// spawnInitial brings up min_instances workers with staggered starts.
func (s *Supervisor) spawnInitial(ctx context.Context) error {
	for i := 0; i < s.cfg.MinInstances; i++ {
		if i > 0 && s.cfg.SpawnStagger > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.SpawnStagger):
			}
		}

		if _, err := s.spawn(ctx); err != nil {
			return err
		}
	}

	return nil
}

// spawn allocates a port, starts a worker on it, and registers the slot.
func (s *Supervisor) spawn(ctx context.Context) (*slot, error) {
	s.mu.Lock()

	if s.stopping {
		s.mu.Unlock()
		return nil, errors.New("supervisor: shutting down")
	}

	if len(s.slots) >= s.cfg.MaxInstances {
		s.mu.Unlock()
		return nil, fmt.Errorf("supervisor: already at max_instances (%d)", s.cfg.MaxInstances)
	}

	port, err := s.allocatePortLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	worker := s.cfg.Factory(id, port)

	if err := worker.Start(ctx); err != nil {
		s.releasePort(port)
		return nil, err
	}

	now := time.Now()
	sl := &slot{
		id:            id,
		port:          port,
		worker:        worker,
		healthy:       true, // Start blocks on the first successful /health
		startedAt:     now,
		lastCheckedAt: now,
	}

	s.mu.Lock()
	s.slots = append(s.slots, sl)
	s.mu.Unlock()

	go func() {
		<-worker.Done()
		s.exits <- sl
	}()

	s.logger.Info("worker joined pool", slog.Int("id", id), slog.Int("port", port))

	return sl, nil
}

// allocatePortLocked hands out the lowest free port in the worker range.
func (s *Supervisor) allocatePortLocked() (int, error) {
	for p := s.cfg.BasePort; p < s.cfg.BasePort+s.cfg.MaxInstances; p++ {
		if !s.ports[p] {
			s.ports[p] = true
			return p, nil
		}
	}

	return 0, errors.New("supervisor: no free worker ports")
}

func (s *Supervisor) releasePort(port int) {
	s.mu.Lock()
	delete(s.ports, port)
	s.mu.Unlock()
}

// remove drops sl from the pool and frees its port. Returns false when the
// slot was already removed.
func (s *Supervisor) remove(sl *slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, cur := range s.slots {
		if cur == sl {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			delete(s.ports, sl.port)

			return true
		}
	}

	return false
}

// reapLoop handles worker exits: remove the dead slot and respawn while the
// pool is under min_instances. With zero healthy workers the replacement is
// immediate, otherwise slightly delayed.
func (s *Supervisor) reapLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sl := <-s.exits:
			if !s.remove(sl) {
				continue
			}

			s.mu.Lock()
			stopping := s.stopping
			total := len(s.slots)
			healthy := s.healthyCountLocked()
			s.mu.Unlock()

			if stopping {
				continue
			}

			s.logger.Warn("worker exited",
				slog.Int("id", sl.id),
				slog.Int("port", sl.port),
				slog.Int("remaining", total),
			)

			if total >= s.cfg.MinInstances {
				continue
			}

			if healthy > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(respawnDelay):
				}
			}

			if _, err := s.spawn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("respawn failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *Supervisor) healthyCountLocked() int {
	n := 0

	for _, sl := range s.slots {
		if sl.healthy {
			n++
		}
	}

	return n
}

// stopAll tears the pool down: gentle stop per worker, hard kill after the
// grace window. Safe to call more than once.
func (s *Supervisor) stopAll() {
	s.mu.Lock()
	s.stopping = true
	workers := make([]Worker, 0, len(s.slots))

	for _, sl := range s.slots {
		workers = append(workers, sl.worker)
	}

	s.slots = nil
	s.ports = make(map[int]bool)
	s.mu.Unlock()

	var wg sync.WaitGroup

	for _, w := range workers {
		wg.Add(1)

		go func(w Worker) {
			defer wg.Done()
			w.Stop(s.cfg.ShutdownGrace)
		}(w)
	}

	wg.Wait()
}

// serveProxy runs the public listener until ctx is cancelled.
func (s *Supervisor) serveProxy(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddress, fmt.Sprintf("%d", s.cfg.ProxyPort))

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.logger.Info("supervisor listening", slog.String("addr", addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)

		return ctx.Err()

	case err := <-errCh:
		return fmt.Errorf("supervisor: proxy listener: %w", err)
	}
}

// serviceFunc adapts a plain function to a suture service.
type serviceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s serviceFunc) Serve(ctx context.Context) error { return s.fn(ctx) }

func (s serviceFunc) String() string { return s.name }
