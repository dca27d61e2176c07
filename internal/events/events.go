// Package events is the kernel's append-only audit log: generations,
// grants, launches, kills, analyzer blocks and task runs, queryable from
// the API and MCP surfaces.
package events

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

// Event kinds.
const (
	KindGeneration    = "generation"
	KindGrant         = "grant"
	KindLaunch        = "launch"
	KindKill          = "kill"
	KindAnalyzerBlock = "analyzer_block"
	KindTaskRun       = "task_run"
	KindPublish       = "publish"
	KindRevoke        = "revoke"
)

// Event is one audit record.
type Event struct {
	ID     int64     `json:"id"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	AppID  string    `json:"app_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Filter narrows a query.
type Filter struct {
	Kind  string
	AppID string
	Limit int
}

var migrations = []string{
	`CREATE TABLE events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at TEXT NOT NULL,
		kind TEXT NOT NULL,
		app_id TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX idx_events_kind ON events(kind)`,
	`CREATE INDEX idx_events_app ON events(app_id)`,
}

// Log is the SQLite-backed event store (pure Go driver, zero CGO).
type Log struct {
	db *sql.DB
}

// Open creates or opens <dataRoot>/kernel.db and runs migrations.
func Open(dataRoot string) (*Log, error) {
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}
	path := filepath.Join(dataRoot, "kernel.db")

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := l.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying event log migration", "version", i+1)
		if _, err := l.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := l.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}
	return nil
}

// Record appends one event. Failures are logged, never surfaced: the audit
// log must not break kernel operations.
func (l *Log) Record(kind, appID, detail string) {
	_, err := l.db.Exec(
		"INSERT INTO events (at, kind, app_id, detail) VALUES (?, ?, ?, ?)",
		time.Now().Format(timeFormat), kind, appID, detail)
	if err != nil {
		slog.Warn("recording event", "kind", kind, "error", err)
	}
}

// Query returns matching events, newest first.
func (l *Log) Query(f Filter) ([]Event, error) {
	query := "SELECT id, at, kind, app_id, detail FROM events WHERE 1=1"
	var args []any

	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.AppID != "" {
		query += " AND app_id = ?"
		args = append(args, f.AppID)
	}
	query += " ORDER BY id DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.ID, &at, &e.Kind, &e.AppID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.At, _ = time.Parse(timeFormat, at)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
