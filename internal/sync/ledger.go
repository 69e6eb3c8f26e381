package sync

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// File sync status values persisted per name.
const (
	StatusSynced   = "synced"
	StatusPending  = "pending"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// FileStatus is the persisted sync state of one file name.
type FileStatus struct {
	Name      string
	Status    string
	Checksum  string
	Version   int
	UpdatedAt time.Time
}

// QueuedEvent is one offline-queue row.
type QueuedEvent struct {
	ID       int64
	Type     EventType
	Name     string
	OldName  string
	QueuedAt time.Time
}

// Ledger persists the offline event queue and per-file sync status in
// SQLite, so a client restarted while the server is unreachable loses
// nothing. Sole-writer pattern: one connection, WAL mode.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenLedger opens (or creates) the database at dbPath and applies
// migrations.
func OpenLedger(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("ledger opened", slog.String("db_path", dbPath))

	return &Ledger{db: db, logger: logger}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Enqueue appends one event to the offline queue.
func (l *Ledger) Enqueue(ctx context.Context, ev Event) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO offline_queue (event_type, file_name, old_name, queued_at)
		 VALUES (?, ?, ?, ?)`,
		string(ev.Type), ev.Name, nullString(ev.OldName), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sync: queueing offline event for %s: %w", ev.Name, err)
	}

	l.logger.Debug("offline event queued",
		slog.String("type", string(ev.Type)),
		slog.String("name", ev.Name),
	)

	return nil
}

// Pending returns the queued events in flush order: renames first, then
// everything else FIFO.
func (l *Ledger) Pending(ctx context.Context) ([]QueuedEvent, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, event_type, file_name, old_name, queued_at
		 FROM offline_queue
		 ORDER BY CASE event_type WHEN 'rename' THEN 0 ELSE 1 END, id`)
	if err != nil {
		return nil, fmt.Errorf("sync: loading offline queue: %w", err)
	}
	defer rows.Close()

	var events []QueuedEvent

	for rows.Next() {
		var (
			ev       QueuedEvent
			evType   string
			oldName  sql.NullString
			queuedAt int64
		)

		if err := rows.Scan(&ev.ID, &evType, &ev.Name, &oldName, &queuedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning offline queue row: %w", err)
		}

		ev.Type = EventType(evType)
		ev.OldName = oldName.String
		ev.QueuedAt = time.Unix(queuedAt, 0)

		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating offline queue: %w", err)
	}

	return events, nil
}

// Remove deletes one flushed queue row.
func (l *Ledger) Remove(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sync: removing offline queue row %d: %w", id, err)
	}

	return nil
}

// SetStatus upserts the sync status for one file name.
func (l *Ledger) SetStatus(ctx context.Context, st FileStatus) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO file_status (file_name, status, checksum, version, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (file_name) DO UPDATE SET
			status = excluded.status,
			checksum = excluded.checksum,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		st.Name, st.Status, st.Checksum, st.Version, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("sync: saving status for %s: %w", st.Name, err)
	}

	return nil
}

// Statuses loads all persisted file statuses keyed by name.
func (l *Ledger) Statuses(ctx context.Context) (map[string]FileStatus, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT file_name, status, checksum, version, updated_at FROM file_status`)
	if err != nil {
		return nil, fmt.Errorf("sync: loading file statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]FileStatus)

	for rows.Next() {
		var (
			st        FileStatus
			updatedAt int64
		)

		if err := rows.Scan(&st.Name, &st.Status, &st.Checksum, &st.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("sync: scanning file status row: %w", err)
		}

		st.UpdatedAt = time.Unix(updatedAt, 0)
		statuses[st.Name] = st
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating file statuses: %w", err)
	}

	return statuses, nil
}

// DeleteStatus drops the persisted status for one name.
func (l *Ledger) DeleteStatus(ctx context.Context, name string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM file_status WHERE file_name = ?`, name); err != nil {
		return fmt.Errorf("sync: deleting status for %s: %w", name, err)
	}

	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
