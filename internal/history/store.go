// Package history persists selection records in a local SQLite database so
// the learning state survives restarts.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/John-Robertt/boxpilot/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS selections(
	server_id TEXT NOT NULL,
	score     REAL NOT NULL,
	ts        INTEGER NOT NULL,
	outcome   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_selections_ts ON selections(ts);
CREATE INDEX IF NOT EXISTS idx_selections_server ON selections(server_id, ts);`

// Store is a SQLite-backed selector.RecordStore. Timestamps are stored as
// unix nanoseconds so UpdateOutcome can match a record exactly.
type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory if needed.
// ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if strings.TrimSpace(path) == "" {
			return nil, errors.New("history: empty database path")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: mkdir: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and ":memory:" is
	// per connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Append(ctx context.Context, r model.SelectionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selections(server_id, score, ts, outcome) VALUES(?,?,?,?)`,
		r.ServerID, r.Score, r.Timestamp.UnixNano(), string(r.Outcome))
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (s *Store) UpdateOutcome(ctx context.Context, serverID string, at time.Time, o model.Outcome) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE selections SET outcome=? WHERE server_id=? AND ts=?`,
		string(o), serverID, at.UnixNano())
	if err != nil {
		return fmt.Errorf("history: update outcome: %w", err)
	}
	return nil
}

// Load returns records newer than since, oldest first.
func (s *Store) Load(ctx context.Context, since time.Time) ([]model.SelectionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id, score, ts, outcome FROM selections WHERE ts > ? ORDER BY ts, rowid`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	defer rows.Close()

	var out []model.SelectionRecord
	for rows.Next() {
		var (
			r       model.SelectionRecord
			ts      int64
			outcome string
		)
		if err := rows.Scan(&r.ServerID, &r.Score, &ts, &outcome); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		r.Outcome = model.Outcome(outcome)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	return out, nil
}

// Prune deletes records at or before the cutoff.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM selections WHERE ts <= ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}
