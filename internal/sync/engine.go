package sync

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/filehaven/filehaven/internal/api"
	"github.com/filehaven/filehaven/internal/fileid"
)

// Engine timing constants.
const (
	// DefaultPollInterval is the reconciler tick. It must be at least the
	// server's conflict window tolerance so a slow upload is not re-sent
	// while the server still holds it in the window.
	DefaultPollInterval = 2 * time.Second

	// deletedTTL is how long a locally deleted name suppresses re-download.
	deletedTTL = 30 * time.Second

	// uploadedTTL is how long an upload record is remembered.
	uploadedTTL = 60 * time.Second

	// uploadSkipWindow is how long after our own upload the server copy is
	// not treated as remote news.
	uploadSkipWindow = 30 * time.Second

	// reuploadDebounce suppresses re-sending unchanged content.
	reuploadDebounce = 30 * time.Second

	// renamePairWindow pairs a local delete with a subsequent add of the
	// same size into one rename.
	renamePairWindow = 2 * time.Second

	// mtimeTolerance absorbs filesystem timestamp granularity when
	// comparing modification times across machines.
	mtimeTolerance = 2 * time.Second

	// probeTimeout bounds the per-tick server health probe.
	probeTimeout = 2 * time.Second
)

// Config sets up an Engine.
type Config struct {
	// Folder is the flat directory kept in sync.
	Folder string

	// ServerURL is the server (or supervisor) base URL.
	ServerURL string

	// ClientName is the stable user-chosen name this client identifies
	// as; the client id is derived from it.
	ClientName string

	// PollInterval overrides the reconciler tick for tests.
	PollInterval time.Duration

	// DBPath overrides the ledger location; defaults to
	// <Folder>/.filehaven/state.db.
	DBPath string

	Logger *slog.Logger
}

// uploadMark remembers one finished upload for the skip and debounce
// windows.
type uploadMark struct {
	at       time.Time
	checksum string
	version  int
}

// deleteMark remembers one local delete for rename pairing.
type deleteMark struct {
	size int64
	at   time.Time
}

// Engine is the client sync daemon: it consumes watcher events, keeps the
// offline queue, and reconciles the folder against the server every tick.
type Engine struct {
	cfg      Config
	clientID string
	client   *api.Client
	watcher  *Watcher
	ledger   *Ledger
	logger   *slog.Logger

	mu               gosync.Mutex
	pendingUploads   map[string]string // name -> path
	pendingDeletions map[string]bool
	pendingRenames   map[string]string // old name -> new name
	recentlyDeleted  *expiringSet
	recentlyUploaded map[string]uploadMark
	lastDeletes      map[string]deleteMark
	inFlight         map[string]bool
	knownSizes       map[string]int64
	status           map[string]FileStatus

	serverOnline bool
	isFirstSync  bool
}

// New builds an Engine: derives the client id, opens the ledger under the
// sync folder, and prepares the server client. The watcher starts in Run.
func New(cfg Config) (*Engine, error) {
	if cfg.Folder == "" {
		return nil, fmt.Errorf("sync: config requires a folder")
	}

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("sync: config requires a server URL")
	}

	clientID, err := fileid.ClientID(cfg.ClientName)
	if err != nil {
		return nil, err
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.DBPath == "" {
		stateDir := filepath.Join(cfg.Folder, ".filehaven")
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("sync: creating state directory: %w", err)
		}

		cfg.DBPath = filepath.Join(stateDir, "state.db")
	}

	ledger, err := OpenLedger(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	status, err := ledger.Statuses(context.Background())
	if err != nil {
		ledger.Close()
		return nil, err
	}

	return &Engine{
		cfg:              cfg,
		clientID:         clientID,
		client:           api.NewClient(cfg.ServerURL, &http.Client{}, logger),
		ledger:           ledger,
		logger:           logger,
		pendingUploads:   make(map[string]string),
		pendingDeletions: make(map[string]bool),
		pendingRenames:   make(map[string]string),
		recentlyDeleted:  newExpiringSet(deletedTTL),
		recentlyUploaded: make(map[string]uploadMark),
		lastDeletes:      make(map[string]deleteMark),
		inFlight:         make(map[string]bool),
		knownSizes:       make(map[string]int64),
		status:           status,
		isFirstSync:      true,
	}, nil
}

// ClientID is the derived stable client identifier.
func (e *Engine) ClientID() string { return e.clientID }

// Run starts the watcher, the event intake, and the reconciler tick loop,
// and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	watcher, err := NewWatcher(e.cfg.Folder, e.logger)
	if err != nil {
		e.ledger.Close()
		return err
	}

	e.watcher = watcher

	e.logger.Info("sync engine starting",
		slog.String("folder", e.cfg.Folder),
		slog.String("server", e.cfg.ServerURL),
		slog.String("client_id", e.clientID),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-watcher.Events():
				if !ok {
					return nil
				}

				e.onEvent(ctx, ev)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()

		// First tick immediately so startup does not wait a full interval.
		e.tick(ctx)

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				e.tick(ctx)
			}
		}
	})

	err = g.Wait()

	watcher.Close()
	e.ledger.Close()

	if err == context.Canceled {
		return nil
	}

	return err
}

// onEvent folds one watcher event into the pending state, or into the
// offline queue while the server is unreachable.
func (e *Engine) onEvent(ctx context.Context, ev Event) {
	e.mu.Lock()
	online := e.serverOnline
	e.mu.Unlock()

	switch ev.Type {
	case EventDelete:
		e.onDelete(ctx, ev, online)
	case EventAdd, EventChange:
		e.onUpsert(ctx, ev, online)
	case EventRename:
		// The watcher never emits renames directly; they are derived from
		// delete+add pairs in onUpsert.
	}
}

func (e *Engine) onDelete(ctx context.Context, ev Event, online bool) {
	e.mu.Lock()
	delete(e.pendingUploads, ev.Name)
	e.lastDeletes[ev.Name] = deleteMark{size: e.knownSizes[ev.Name], at: time.Now()}

	if online {
		e.pendingDeletions[ev.Name] = true
	}
	e.mu.Unlock()

	if !online {
		if err := e.ledger.Enqueue(ctx, ev); err != nil {
			e.logger.Error("queueing offline delete failed", slog.String("error", err.Error()))
		}
	}

	e.logger.Debug("local delete observed", slog.String("name", ev.Name))
}

func (e *Engine) onUpsert(ctx context.Context, ev Event, online bool) {
	// A delete of a same-sized file moments ago makes this a rename.
	if old := e.pairRename(ev); old != "" {
		e.logger.Info("local rename detected",
			slog.String("from", old),
			slog.String("to", ev.Name),
		)

		if online {
			e.mu.Lock()
			delete(e.pendingDeletions, old)
			e.pendingRenames[old] = ev.Name
			e.mu.Unlock()
		} else if err := e.ledger.Enqueue(ctx, Event{Type: EventRename, Name: ev.Name, OldName: old}); err != nil {
			e.logger.Error("queueing offline rename failed", slog.String("error", err.Error()))
		}

		return
	}

	e.mu.Lock()
	e.pendingUploads[ev.Name] = ev.Path
	e.mu.Unlock()

	if !online {
		if err := e.ledger.Enqueue(ctx, ev); err != nil {
			e.logger.Error("queueing offline change failed", slog.String("error", err.Error()))
		}
	}

	e.logger.Debug("local change observed",
		slog.String("name", ev.Name),
		slog.String("type", string(ev.Type)),
	)
}

// pairRename returns the old name when ev completes a rename pair, and
// consumes the recorded delete.
func (e *Engine) pairRename(ev Event) string {
	info, err := os.Stat(ev.Path)
	if err != nil {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for old, mark := range e.lastDeletes {
		if time.Since(mark.at) > renamePairWindow {
			delete(e.lastDeletes, old)
			continue
		}

		if old == ev.Name {
			continue
		}

		if mark.size == info.Size() && mark.size > 0 {
			delete(e.lastDeletes, old)
			return old
		}
	}

	return ""
}
