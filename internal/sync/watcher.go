// Package sync implements the client: a folder watcher, an offline-capable
// reconciliation engine, and upload orchestration against the server API.
package sync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"
)

// EventType classifies one watcher event.
type EventType string

const (
	EventAdd    EventType = "add"
	EventChange EventType = "change"
	EventDelete EventType = "delete"
	EventRename EventType = "rename"
)

// Event is one debounced filesystem change. OldName is set for renames only.
type Event struct {
	Type    EventType
	Path    string
	Name    string
	OldName string
}

// debounceDelay coalesces the bursts editors produce for one save.
const debounceDelay = 500 * time.Millisecond

// conflictTempPrefix marks scratch files written while adopting server
// content after a lost conflict. The watcher never reports them.
const conflictTempPrefix = ".conflict_server_"

// Watcher wraps fsnotify for one flat sync folder: per-path debouncing, a
// per-name ignore set for in-flight downloads, and a global pause.
type Watcher struct {
	folder   string
	fw       *fsnotify.Watcher
	logger   *slog.Logger
	events   chan Event
	debounce time.Duration

	mu      gosync.Mutex
	ignored map[string]bool
	paused  bool
	timers  map[string]*time.Timer
	last    map[string]EventType

	done chan struct{}
}

// NewWatcher starts watching folder. Events arrive on Events() after the
// debounce delay.
func NewWatcher(folder string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sync: creating watcher: %w", err)
	}

	if err := fw.Add(folder); err != nil {
		fw.Close()
		return nil, fmt.Errorf("sync: watching %s: %w", folder, err)
	}

	w := &Watcher{
		folder:   folder,
		fw:       fw,
		logger:   logger,
		events:   make(chan Event, 64),
		debounce: debounceDelay,
		ignored:  make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		last:     make(map[string]EventType),
		done:     make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

// Events is the debounced event stream.
func (w *Watcher) Events() <-chan Event { return w.events }

// Ignore suppresses events for name while a download is in flight.
func (w *Watcher) Ignore(name string) {
	w.mu.Lock()
	w.ignored[normalizeName(name)] = true
	w.mu.Unlock()
}

// Unignore re-enables events for name.
func (w *Watcher) Unignore(name string) {
	w.mu.Lock()
	delete(w.ignored, normalizeName(name))
	w.mu.Unlock()
}

// Pause suppresses all events until Resume.
func (w *Watcher) Pause() {
	w.mu.Lock()
	w.paused = true
	w.mu.Unlock()
}

// Resume lifts a Pause.
func (w *Watcher) Resume() {
	w.mu.Lock()
	w.paused = false
	w.mu.Unlock()
}

// Close stops the watcher and its event stream.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}

			w.handle(ev)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// handle classifies one raw event and (re)arms the per-path debounce timer.
func (w *Watcher) handle(ev fsnotify.Event) {
	name := normalizeName(filepath.Base(ev.Name))
	if skipName(name) {
		return
	}

	var t EventType

	switch {
	case ev.Op.Has(fsnotify.Create):
		t = EventAdd
	case ev.Op.Has(fsnotify.Write):
		t = EventChange
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		t = EventDelete
	default:
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// A write right after a create is still an add; a delete supersedes
	// anything buffered.
	if prev, ok := w.last[name]; ok && prev == EventAdd && t == EventChange {
		t = EventAdd
	}

	w.last[name] = t

	if timer, ok := w.timers[name]; ok {
		timer.Reset(w.debounce)
		return
	}

	path := filepath.Join(w.folder, name)

	w.timers[name] = time.AfterFunc(w.debounce, func() {
		w.fire(name, path)
	})
}

// fire emits the buffered event for name unless suppressed.
func (w *Watcher) fire(name, path string) {
	w.mu.Lock()
	t, ok := w.last[name]
	delete(w.last, name)
	delete(w.timers, name)
	suppressed := w.paused || w.ignored[name]
	w.mu.Unlock()

	if !ok || suppressed {
		return
	}

	select {
	case w.events <- Event{Type: t, Path: path, Name: name}:
	case <-w.done:
	}
}

// normalizeName puts a file name into NFC so macOS (NFD) and Linux clients
// agree on names.
func normalizeName(name string) string {
	return norm.NFC.String(name)
}

// skipName filters hidden and scratch files out of the event stream.
func skipName(name string) bool {
	return name == "" ||
		strings.HasPrefix(name, ".") ||
		strings.HasPrefix(name, conflictTempPrefix) ||
		strings.HasSuffix(name, "~")
}
