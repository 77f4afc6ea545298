// Package history persists call summaries to SQLite. One row per signal
// id: duplicate records from redundant deliveries are ignored.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stayline/callwire/internal/call"
	"github.com/stayline/callwire/internal/signal"
)

// Recorder owns the history database.
type Recorder struct {
	db   *sql.DB
	path string
}

// Open opens or creates the history database at path, configuring it the
// same way regardless of whether it already exists.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	// WAL and a busy timeout so the recorder and a history listing
	// invoked from the CLI can share the file.
	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure history db: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id         TEXT NOT NULL UNIQUE,
			from_id           TEXT NOT NULL,
			to_id             TEXT NOT NULL,
			from_display_name TEXT NOT NULL DEFAULT '',
			kind              TEXT NOT NULL,
			final_status      TEXT NOT NULL,
			started_at        DATETIME NOT NULL,
			ended_at          DATETIME NOT NULL,
			duration_seconds  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_call_history_ended
			ON call_history(ended_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}

	return &Recorder{db: db, path: path}, nil
}

// Record inserts one call summary. A summary for an already-recorded
// signal id is silently dropped.
func (r *Recorder) Record(ctx context.Context, sum call.Summary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO call_history
			(signal_id, from_id, to_id, from_display_name, kind,
			 final_status, started_at, ended_at, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO NOTHING
	`, sum.SignalID, sum.From, sum.To, sum.FromDisplayName, string(sum.Kind),
		string(sum.FinalStatus), sum.StartedAt.UTC(), sum.EndedAt.UTC(), sum.DurationSeconds)
	if err != nil {
		return fmt.Errorf("record call %s: %w", sum.SignalID, err)
	}
	log.Printf("HISTORY: recorded call %s (%s, %ds)", sum.SignalID, sum.FinalStatus, sum.DurationSeconds)
	return nil
}

// Entry is one stored call summary.
type Entry struct {
	SignalID        string
	From            string
	To              string
	FromDisplayName string
	Kind            signal.Kind
	FinalStatus     call.FinalStatus
	StartedAt       time.Time
	EndedAt         time.Time
	DurationSeconds int64
}

// List returns the most recent entries, newest first. limit <= 0 means a
// default of 50.
func (r *Recorder) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT signal_id, from_id, to_id, from_display_name, kind,
		       final_status, started_at, ended_at, duration_seconds
		FROM call_history
		ORDER BY ended_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list call history: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var kind, status string
		if err := rows.Scan(&e.SignalID, &e.From, &e.To, &e.FromDisplayName,
			&kind, &status, &e.StartedAt, &e.EndedAt, &e.DurationSeconds); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		e.Kind = signal.Kind(kind)
		e.FinalStatus = call.FinalStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Stats is an aggregate over the whole history table.
type Stats struct {
	Total        int64
	Ended        int64
	Rejected     int64
	Missed       int64
	TotalSeconds int64
}

// Summary returns aggregate counters across all recorded calls.
func (r *Recorder) Summary(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN final_status = 'ended' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN final_status = 'rejected' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN final_status = 'missed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(duration_seconds), 0)
		FROM call_history
	`).Scan(&st.Total, &st.Ended, &st.Rejected, &st.Missed, &st.TotalSeconds)
	if err != nil {
		return Stats{}, fmt.Errorf("history summary: %w", err)
	}
	return st, nil
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
