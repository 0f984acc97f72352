package server

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // SQLite driver
)

// History is the best-effort dispatch/result log kept beside the state file.
// It exists for operators digging into a flaky test's past; losing rows is
// acceptable, blocking the scheduler is not.
type History struct {
	db  *sql.DB
	log zerolog.Logger
}

// HistoryEntry is one recorded completion.
type HistoryEntry struct {
	ID           string `json:"id"`
	Snapshot     string `json:"snapshot"`
	Test         string `json:"test"`
	Kind         string `json:"kind"` // "local" or "browser"
	Passed       bool   `json:"passed"`
	Milliseconds int64  `json:"milliseconds"`
	Message      string `json:"message,omitempty"`
	RecordedAt   string `json:"recordedAt"`
}

// OpenHistory creates the database and table.
func OpenHistory(path string, log zerolog.Logger) (*History, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS results (
		id TEXT PRIMARY KEY,
		snapshot TEXT NOT NULL,
		test TEXT NOT NULL,
		kind TEXT NOT NULL,
		passed INTEGER NOT NULL,
		milliseconds INTEGER NOT NULL,
		message TEXT,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_results_test ON results(test);
	CREATE INDEX IF NOT EXISTS idx_results_recorded ON results(recorded_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	return &History{
		db:  db,
		log: log.With().Str("component", "history").Logger(),
	}, nil
}

// Record inserts one completion row. Failures log and move on.
func (h *History) Record(snapshotName, test, kind string, passed bool, milliseconds int64, message string) {
	passedInt := 0
	if passed {
		passedInt = 1
	}
	_, err := h.db.Exec(`
		INSERT INTO results (id, snapshot, test, kind, passed, milliseconds, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), snapshotName, test, kind, passedInt, milliseconds, message,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		h.log.Debug().Err(err).Str("test", test).Msg("failed to record history row")
	}
}

// Recent returns the newest rows, optionally filtered to one test name.
func (h *History) Recent(test string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, snapshot, test, kind, passed, milliseconds, message, recorded_at
		FROM results`
	args := []any{}
	if test != "" {
		query += ` WHERE test = ?`
		args = append(args, test)
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var passed int
		var message *string
		if err := rows.Scan(&e.ID, &e.Snapshot, &e.Test, &e.Kind, &passed,
			&e.Milliseconds, &message, &e.RecordedAt); err != nil {
			continue
		}
		e.Passed = passed == 1
		if message != nil {
			e.Message = *message
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}
