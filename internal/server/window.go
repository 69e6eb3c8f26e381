package server

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/filehaven/filehaven/internal/fileid"
	"github.com/filehaven/filehaven/internal/store"
)

// SyncInterval is the sliding-window duration: uploads of the same file name
// arriving within this interval from different clients are candidates for
// multi-client conflict detection.
const SyncInterval = 10 * time.Second

// AlreadyExistsConflictID is returned to a client whose (client_id, checksum)
// pair duplicates a conflict set that was already materialized. No new
// version records are created for such arrivals.
const AlreadyExistsConflictID = "already-exists"

// SafeUpload is one arrival on the safe-upload path.
type SafeUpload struct {
	FileName     string
	ClientID     string
	LastModified time.Time
	Blob         []byte
}

// LoserOutcome summarizes one losing upload within a conflict.
type LoserOutcome struct {
	ClientID         string    `json:"client_id"`
	LastModified     time.Time `json:"last_modified"`
	ConflictFileName string    `json:"conflict_file_name"`
}

// ConflictOutcome is the window engine's verdict for one requester caught in
// a multi-client conflict.
type ConflictOutcome struct {
	ConflictID       string
	IsWinner         bool
	WinnerClientID   string
	WinnerModified   time.Time
	Losers           []LoserOutcome
	ConflictFileName string // set for the losing requester only
}

// UploadResult is the outcome of processing one safe upload.
type UploadResult struct {
	// Record is the version record the requester's bytes ended up in: the
	// promoted version, the reused latest for duplicates, or the conflict
	// copy for losers.
	Record *store.Record
	// Duplicate is true when the upload matched the latest version already.
	Duplicate bool
	// Conflict is non-nil when a multi-client conflict involved this upload.
	Conflict *ConflictOutcome
}

// windowEntry is one recent upload held in the in-memory window.
type windowEntry struct {
	clientID     string
	checksum     string
	lastModified time.Time
	blob         []byte
	fileID       string
	arrivedAt    time.Time
}

// UploadWindow is the per-process sliding-window conflict engine for the
// safe-upload path. The window is deliberately not shared across worker
// processes; two conflicting uploads that land on different workers are
// caught by the metadata threshold fallback instead.
type UploadWindow struct {
	content *store.ContentStore
	meta    *store.MetadataStore
	logger  *slog.Logger

	interval time.Duration
	now      func() time.Time

	mu        sync.Mutex
	entries   map[string][]windowEntry
	processed map[string][]processedConflict
}

// processedConflict remembers a materialized conflict so repeat arrivals
// from its participants do not create additional version records. members
// holds the (client_id, checksum) pairs consumed by the conflict.
type processedConflict struct {
	conflictID     string
	winnerID       string
	winnerChecksum string
	winnerMtime    time.Time
	losers         []LoserOutcome
	members        map[string]bool
	processedAt    time.Time
}

// NewUploadWindow creates the window engine over the shared stores.
func NewUploadWindow(content *store.ContentStore, meta *store.MetadataStore, logger *slog.Logger) *UploadWindow {
	if logger == nil {
		logger = slog.Default()
	}

	return &UploadWindow{
		content:   content,
		meta:      meta,
		logger:    logger,
		interval:  SyncInterval,
		now:       time.Now,
		entries:   make(map[string][]windowEntry),
		processed: make(map[string][]processedConflict),
	}
}

// Process runs the full safe-upload pipeline for one arrival: garbage
// collection, idempotent short-circuit, window insertion, deduplication, and
// either plain version allocation or winner/loser materialization.
func (w *UploadWindow) Process(up *SafeUpload) (*UploadResult, error) {
	if err := store.ValidateName(up.FileName); err != nil {
		return nil, err
	}

	if up.ClientID == "" {
		return nil, fmt.Errorf("%w: missing client_id", store.ErrBadRequest)
	}

	if len(up.Blob) == 0 {
		return nil, fmt.Errorf("%w: empty upload body", store.ErrBadRequest)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.gc(now)

	checksum := store.Checksum(up.Blob)

	// Idempotent upload: identical to the current latest version. Returned
	// without inserting into the window so a client's own retry does not
	// count as a second writer. A deleted file keeps its metadata, so the
	// current blob may be gone; rewrite it from the retained version before
	// declaring the upload a duplicate.
	latest, err := w.meta.GetLatest(up.FileName)
	if err == nil && latest.Checksum == checksum {
		if err := w.content.EnsureCurrent(up.FileName, latest.Version); err != nil {
			return nil, err
		}

		w.logger.Debug("upload already up-to-date",
			slog.String("file_name", up.FileName),
			slog.Int("version", latest.Version),
		)

		return &UploadResult{Record: latest, Duplicate: true}, nil
	}

	// Repeat arrival for an already-materialized conflict: answer from the
	// remembered outcome without re-entering the window, so rejected bytes
	// can never seed a new candidate set.
	if pc := w.findProcessed(up.FileName, up.ClientID, checksum); pc != nil {
		return w.replayOutcome(pc, up.FileName, up.ClientID, checksum)
	}

	w.entries[up.FileName] = append(w.entries[up.FileName], windowEntry{
		clientID:     up.ClientID,
		checksum:     checksum,
		lastModified: up.LastModified,
		blob:         up.Blob,
		fileID:       fileid.New(),
		arrivedAt:    now,
	})

	unique := dedupeEntries(w.entries[up.FileName])
	w.entries[up.FileName] = unique

	// A conflict needs at least two distinct clients. One client editing the
	// same file repeatedly inside the window is ordinary versioning; each
	// client is represented by its most recent distinct upload.
	candidates := latestPerClient(unique)

	if len(candidates) < 2 {
		return w.storePlain(up, checksum)
	}

	return w.materializeConflict(up.FileName, up.ClientID, checksum, candidates, now)
}

// gc drops window entries older than the interval and forgets processed
// conflict sets of the same age.
func (w *UploadWindow) gc(now time.Time) {
	for name, entries := range w.entries {
		kept := entries[:0]

		for _, e := range entries {
			if now.Sub(e.arrivedAt) <= w.interval {
				kept = append(kept, e)
			}
		}

		if len(kept) == 0 {
			delete(w.entries, name)
		} else {
			w.entries[name] = kept
		}
	}

	for name, pcs := range w.processed {
		kept := pcs[:0]

		for _, pc := range pcs {
			if now.Sub(pc.processedAt) <= w.interval {
				kept = append(kept, pc)
			}
		}

		if len(kept) == 0 {
			delete(w.processed, name)
		} else {
			w.processed[name] = kept
		}
	}
}

// findProcessed returns the remembered conflict that consumed the given
// (client_id, checksum) pair for name, or nil.
func (w *UploadWindow) findProcessed(name, clientID, checksum string) *processedConflict {
	pcs := w.processed[name]
	key := clientID + "\x00" + checksum

	for i := range pcs {
		if pcs[i].members[key] {
			return &pcs[i]
		}
	}

	return nil
}

// dedupeEntries keeps the earliest arrival per (client_id, checksum) pair.
func dedupeEntries(entries []windowEntry) []windowEntry {
	seen := make(map[string]bool, len(entries))
	unique := entries[:0:0]

	for _, e := range entries {
		key := e.clientID + "\x00" + e.checksum
		if seen[key] {
			continue
		}

		seen[key] = true
		unique = append(unique, e)
	}

	return unique
}

// latestPerClient reduces the deduplicated window to one representative
// entry per client: the most recently arrived distinct upload.
func latestPerClient(entries []windowEntry) []windowEntry {
	byClient := make(map[string]windowEntry, len(entries))
	order := make([]string, 0, len(entries))

	for _, e := range entries {
		if _, seen := byClient[e.clientID]; !seen {
			order = append(order, e.clientID)
		}

		byClient[e.clientID] = e
	}

	reps := make([]windowEntry, 0, len(order))
	for _, id := range order {
		reps = append(reps, byClient[id])
	}

	return reps
}

// storePlain handles the single-client case: run the metadata threshold
// fallback (the only detector that works when the other upload landed on a
// different worker process), then allocate the next version under the
// per-name lock and save blob plus metadata.
func (w *UploadWindow) storePlain(up *SafeUpload, checksum string) (*UploadResult, error) {
	incoming := &store.Record{
		FileID:       fileid.New(),
		FileName:     up.FileName,
		Size:         int64(len(up.Blob)),
		Checksum:     checksum,
		ClientID:     up.ClientID,
		LastModified: up.LastModified,
	}

	fallback, err := w.meta.DetectConflict(incoming)
	if err != nil {
		return nil, err
	}

	if fallback != nil {
		return w.divertFallbackLoser(up, incoming, fallback)
	}

	record, err := w.saveNewVersion(up.FileName, up.Blob, incoming)
	if err != nil {
		return nil, err
	}

	w.logger.Info("upload stored",
		slog.String("file_name", up.FileName),
		slog.Int("version", record.Version),
		slog.String("client_id", up.ClientID),
	)

	return &UploadResult{Record: record}, nil
}

// divertFallbackLoser handles a threshold-fallback hit on the safe path:
// the stored latest version stays the winner and the incoming bytes are
// diverted to a conflict copy, mirroring the chunked-upload path.
func (w *UploadWindow) divertFallbackLoser(
	up *SafeUpload, incoming *store.Record, conflict *store.Conflict,
) (*UploadResult, error) {
	conflictName := ConflictFileName(up.FileName, up.ClientID)

	loser := *incoming
	loser.FileName = conflictName
	loser.Conflict = true
	loser.ConflictedWith = up.FileName
	loser.ConflictFileName = conflictName

	stored, err := w.saveNewVersion(conflictName, up.Blob, &loser)
	if err != nil {
		return nil, err
	}

	conflict.ID = fileid.New()
	conflict.Losers = []store.Record{*stored}

	if err := w.meta.SaveConflict(conflict); err != nil {
		return nil, err
	}

	w.logger.Warn("upload lost threshold conflict",
		slog.String("file_name", up.FileName),
		slog.String("conflict_file_name", conflictName),
		slog.String("conflict_id", conflict.ID),
	)

	return &UploadResult{
		Record: stored,
		Conflict: &ConflictOutcome{
			ConflictID:     conflict.ID,
			WinnerClientID: conflict.Winner.ClientID,
			WinnerModified: conflict.Winner.LastModified,
			Losers: []LoserOutcome{{
				ClientID:         up.ClientID,
				LastModified:     up.LastModified,
				ConflictFileName: conflictName,
			}},
			ConflictFileName: conflictName,
		},
	}, nil
}

// saveNewVersion allocates next_version(name) under the cross-process lock
// and writes content and metadata.
func (w *UploadWindow) saveNewVersion(name string, blob []byte, rec *store.Record) (*store.Record, error) {
	lock, err := w.meta.LockName(name)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock() //nolint:errcheck // release is best-effort

	version, err := w.meta.NextVersion(name)
	if err != nil {
		return nil, err
	}

	if _, err := w.content.Save(name, blob, version); err != nil {
		return nil, err
	}

	rec.Version = version
	if err := w.meta.Save(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// materializeConflict promotes the earliest-modified candidate as the winner
// and diverts every other candidate into a conflict copy. The entries that
// fed the conflict are consumed from the window, so a later upload by any
// participant starts a fresh candidate set instead of re-promoting already
// rejected bytes.
func (w *UploadWindow) materializeConflict(
	name, requesterID, requesterChecksum string, candidates []windowEntry, now time.Time,
) (*UploadResult, error) {
	sorted := make([]windowEntry, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].lastModified.Before(sorted[j].lastModified)
	})

	winner := sorted[0]
	losers := sorted[1:]

	winnerRecord, err := w.materializeWinner(name, &winner)
	if err != nil {
		return nil, err
	}

	loserRecords, loserOutcomes, err := w.materializeLosers(name, losers)
	if err != nil {
		return nil, err
	}

	conflictID := fileid.New()

	allClients := make([]string, 0, len(sorted))
	for _, e := range sorted {
		allClients = append(allClients, e.clientID)
	}

	conflict := &store.Conflict{
		ID:           conflictID,
		FileName:     name,
		Reason:       fmt.Sprintf("%d clients uploaded different content within the sync window", len(sorted)),
		ConflictType: store.TypeMultiClientConcurrentModification,
		Winner:       winnerRecord,
		Losers:       loserRecords,
		AllClients:   allClients,
		Timestamp:    now,
		Status:       store.ConflictUnresolved,
	}

	if err := w.meta.SaveConflict(conflict); err != nil {
		return nil, err
	}

	// Consume every window entry for the name, including non-representative
	// ones; they all predate the verdict. Their pairs are remembered so
	// retries replay the outcome instead of re-entering detection.
	members := make(map[string]bool, len(w.entries[name]))
	for _, e := range w.entries[name] {
		members[e.clientID+"\x00"+e.checksum] = true
	}

	delete(w.entries, name)

	w.processed[name] = append(w.processed[name], processedConflict{
		conflictID:     conflictID,
		winnerID:       winner.clientID,
		winnerChecksum: winner.checksum,
		winnerMtime:    winner.lastModified,
		losers:         loserOutcomes,
		members:        members,
		processedAt:    now,
	})

	w.logger.Warn("multi-client conflict materialized",
		slog.String("file_name", name),
		slog.String("conflict_id", conflictID),
		slog.String("winner", winner.clientID),
		slog.Int("losers", len(losers)),
	)

	outcome := &ConflictOutcome{
		ConflictID:     conflictID,
		WinnerClientID: winner.clientID,
		WinnerModified: winner.lastModified,
		Losers:         loserOutcomes,
	}

	if requesterID == winner.clientID && requesterChecksum == winner.checksum {
		outcome.IsWinner = true
		return &UploadResult{Record: winnerRecord, Conflict: outcome}, nil
	}

	outcome.ConflictFileName = ConflictFileName(name, requesterID)

	return &UploadResult{Record: findLoserRecord(loserRecords, requesterID), Conflict: outcome}, nil
}

// materializeWinner promotes the winner's bytes as the next version of name,
// reusing the existing latest version when the content already matches.
func (w *UploadWindow) materializeWinner(name string, winner *windowEntry) (*store.Record, error) {
	latest, err := w.meta.GetLatest(name)
	if err == nil && latest.Checksum == winner.checksum {
		return latest, nil
	}

	return w.saveNewVersion(name, winner.blob, &store.Record{
		FileID:       winner.fileID,
		FileName:     name,
		Size:         int64(len(winner.blob)),
		Checksum:     winner.checksum,
		ClientID:     winner.clientID,
		LastModified: winner.lastModified,
	})
}

// materializeLosers stores each losing upload under its conflict copy name.
func (w *UploadWindow) materializeLosers(name string, losers []windowEntry) ([]store.Record, []LoserOutcome, error) {
	records := make([]store.Record, 0, len(losers))
	outcomes := make([]LoserOutcome, 0, len(losers))

	for _, loser := range losers {
		conflictName := ConflictFileName(name, loser.clientID)

		rec, err := w.saveNewVersion(conflictName, loser.blob, &store.Record{
			FileID:           loser.fileID,
			FileName:         conflictName,
			Size:             int64(len(loser.blob)),
			Checksum:         loser.checksum,
			ClientID:         loser.clientID,
			LastModified:     loser.lastModified,
			Conflict:         true,
			ConflictedWith:   name,
			ConflictFileName: conflictName,
		})
		if err != nil {
			return nil, nil, err
		}

		records = append(records, *rec)
		outcomes = append(outcomes, LoserOutcome{
			ClientID:         loser.clientID,
			LastModified:     loser.lastModified,
			ConflictFileName: conflictName,
		})
	}

	return records, outcomes, nil
}

// replayOutcome answers a repeat arrival for an already-materialized conflict.
func (w *UploadWindow) replayOutcome(
	pc *processedConflict, name, requesterID, requesterChecksum string,
) (*UploadResult, error) {
	outcome := &ConflictOutcome{
		ConflictID:     AlreadyExistsConflictID,
		WinnerClientID: pc.winnerID,
		WinnerModified: pc.winnerMtime,
		Losers:         pc.losers,
	}

	if requesterID == pc.winnerID && requesterChecksum == pc.winnerChecksum {
		outcome.IsWinner = true
		outcome.ConflictID = pc.conflictID

		latest, err := w.meta.GetLatest(name)
		if err != nil {
			return nil, err
		}

		return &UploadResult{Record: latest, Conflict: outcome}, nil
	}

	for _, l := range pc.losers {
		if l.ClientID == requesterID {
			outcome.ConflictFileName = l.ConflictFileName
			break
		}
	}

	w.logger.Debug("repeat arrival for processed conflict set",
		slog.String("conflict_id", pc.conflictID),
		slog.String("client_id", requesterID),
	)

	return &UploadResult{Conflict: outcome}, nil
}

// findLoserRecord picks the requester's own conflict copy record.
func findLoserRecord(records []store.Record, clientID string) *store.Record {
	for i := range records {
		if records[i].ClientID == clientID {
			return &records[i]
		}
	}

	return nil
}

// ConflictFileName derives the conflict copy name for a losing client:
// <base>_conflicted_by_<client><ext>, with ext empty for extensionless names.
func ConflictFileName(name, clientID string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	return base + "_conflicted_by_" + clientID + ext
}
