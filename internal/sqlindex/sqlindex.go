// Package sqlindex maintains a sqlite mirror of the machine files so
// searches work when the daemon is not running. The mirror is a pure
// cache: it is rebuilt from the files whenever their signatures
// (size and mtime) change and can be deleted at any time.
package sqlindex

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"histd/internal/histfile"
	"histd/internal/history"
	"histd/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	machine    TEXT NOT NULL,
	sequence   INTEGER NOT NULL,
	command    TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time   TEXT NOT NULL,
	exit_code  INTEGER NOT NULL,
	folder     TEXT NOT NULL,
	session    TEXT NOT NULL,
	PRIMARY KEY (machine, sequence)
);
CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_time);

CREATE TABLE IF NOT EXISTS sources (
	path  TEXT PRIMARY KEY,
	size  INTEGER NOT NULL,
	mtime INTEGER NOT NULL
);
`

// Index is the sqlite-backed event mirror.
type Index struct {
	db *sql.DB
}

// Open opens or creates the index database.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

type signature struct {
	size  int64
	mtime int64
}

// Refresh rebuilds the mirror when the source files changed since the
// last build. It reports whether a rebuild happened. Files that fail
// to parse are skipped; a cache must never block a search.
func (ix *Index) Refresh(paths []string) (bool, error) {
	current := make(map[string]signature, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		current[p] = signature{size: fi.Size(), mtime: fi.ModTime().UnixNano()}
	}

	stored, err := ix.storedSignatures()
	if err != nil {
		return false, err
	}
	if signaturesEqual(current, stored) {
		return false, nil
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM events`); err != nil {
		return false, err
	}
	if _, err := tx.Exec(`DELETE FROM sources`); err != nil {
		return false, err
	}

	insert, err := tx.Prepare(`INSERT OR REPLACE INTO events
		(machine, sequence, command, start_time, end_time, exit_code, folder, session)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return false, err
	}
	defer insert.Close()

	for path, sig := range current {
		res, err := histfile.Read(path)
		if err != nil {
			// Unsupported formats and unreadable files are simply not
			// mirrored.
			continue
		}
		for _, e := range res.Events {
			_, err := insert.Exec(
				e.Machine, e.Sequence, e.Command,
				e.StartTime.UTC().Format(time.RFC3339Nano),
				e.EndTime.UTC().Format(time.RFC3339Nano),
				e.ExitCode, e.Folder, e.Session,
			)
			if err != nil {
				return false, fmt.Errorf("index %s: %w", path, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO sources (path, size, mtime) VALUES (?, ?, ?)`,
			path, sig.size, sig.mtime); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (ix *Index) storedSignatures() (map[string]signature, error) {
	rows, err := ix.db.Query(`SELECT path, size, mtime FROM sources`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]signature)
	for rows.Next() {
		var path string
		var sig signature
		if err := rows.Scan(&path, &sig.size, &sig.mtime); err != nil {
			return nil, err
		}
		out[path] = sig
	}
	return out, rows.Err()
}

func signaturesEqual(a, b map[string]signature) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Events answers a query from the mirror, most recent first.
// Aggregated mode is answered by folding the matching raw events.
func (ix *Index) Events(q store.Query) ([]history.Event, error) {
	where := `1=1`
	args := []any{}

	switch q.Mode {
	case store.ModeSession:
		where += ` AND session = ?`
		args = append(args, q.Session)
	case store.ModeFolder:
		where += ` AND folder = ?`
		args = append(args, q.Folder)
	}
	if q.Text != "" {
		where += ` AND instr(command, ?) > 0`
		args = append(args, q.Text)
	}

	query := `SELECT machine, sequence, command, start_time, end_time, exit_code, folder, session
		FROM events WHERE ` + where + ` ORDER BY start_time DESC, machine DESC, sequence DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := ix.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []history.Event
	for rows.Next() {
		var e history.Event
		var start, end string
		if err := rows.Scan(&e.Machine, &e.Sequence, &e.Command, &start, &end, &e.ExitCode, &e.Folder, &e.Session); err != nil {
			return nil, err
		}
		if e.StartTime, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("bad start_time in index: %w", err)
		}
		if e.EndTime, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("bad end_time in index: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Aggregated answers an aggregated-unique query from the mirror.
func (ix *Index) Aggregated(text string, limit int, now time.Time) ([]history.Aggregated, error) {
	events, err := ix.Events(store.Query{Mode: store.ModeAll, Text: text})
	if err != nil {
		return nil, err
	}
	aggs := history.Aggregate(events, nil, now)
	if limit > 0 && len(aggs) > limit {
		aggs = aggs[:limit]
	}
	return aggs, nil
}

// EventCount returns the number of mirrored events.
func (ix *Index) EventCount() (int, error) {
	var n int
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}
