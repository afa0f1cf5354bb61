// Package results persists the final tallies of vehicle counting runs in SQLite.
package results

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	// registers the pure-Go "sqlite" driver
	_ "modernc.org/sqlite"

	"github.com/viam-modules/vehicle-counter/tracker"
)

// ErrNotFound is returned when no stored run matches a query.
var ErrNotFound = errors.New("no matching run")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	status      TEXT NOT NULL,
	frames      INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_source_finished ON runs(source, finished_at);
CREATE TABLE IF NOT EXISTS run_counts (
	run_id   TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	category TEXT NOT NULL,
	count    INTEGER NOT NULL,
	PRIMARY KEY (run_id, category)
);`

// Run is the stored outcome of one counting run.
type Run struct {
	ID         string
	Source     string
	Status     tracker.Status
	Frames     int
	Counts     tracker.Tally
	StartedAt  time.Time
	FinishedAt time.Time
}

// Total sums the run's counts.
func (r Run) Total() int {
	return r.Counts.Total()
}

// Store is a SQLite backed run history.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open results database %q", path)
	}
	// a single connection keeps writers serialized
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "unable to migrate results database")
		}
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun stores a finished run and returns its id. A missing id is generated.
// Failed runs have no tally and are rejected.
func (s *Store) SaveRun(ctx context.Context, run Run) (string, error) {
	switch run.Status {
	case tracker.StatusCompleted, tracker.StatusAbandoned:
	default:
		return "", errors.Errorf("cannot save a run with status %q", run.Status)
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "unable to begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, source, status, frames, total, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, string(run.Status), run.Frames, run.Total(),
		unixNanos(run.StartedAt), unixNanos(run.FinishedAt),
	); err != nil {
		return "", errors.Wrapf(err, "unable to insert run %s", run.ID)
	}
	for _, c := range run.Counts.Categories() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_counts (run_id, category, count) VALUES (?, ?, ?)`,
			run.ID, string(c), run.Counts[c],
		); err != nil {
			return "", errors.Wrapf(err, "unable to insert %s count for run %s", c, run.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "unable to commit run")
	}
	return run.ID, nil
}

// ListRuns returns the most recent runs of source, newest first. An empty
// source lists every source. A non-positive limit means no limit.
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]Run, error) {
	return s.queryRuns(ctx, source, "", limit)
}

// LatestRun returns the most recent completed run of source.
func (s *Store) LatestRun(ctx context.Context, source string) (Run, error) {
	runs, err := s.queryRuns(ctx, source, tracker.StatusCompleted, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNotFound
	}
	return runs[0], nil
}

func (s *Store) queryRuns(ctx context.Context, source string, status tracker.Status, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, status, frames, started_at, finished_at FROM runs
		 WHERE (?1 = '' OR source = ?1) AND (?2 = '' OR status = ?2)
		 ORDER BY finished_at DESC, id
		 LIMIT ?3`,
		source, string(status), limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "unable to query runs")
	}
	var runs []Run
	for rows.Next() {
		var (
			run               Run
			status            string
			started, finished int64
		)
		if err := rows.Scan(&run.ID, &run.Source, &status, &run.Frames, &started, &finished); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "unable to scan run")
		}
		run.Status = tracker.Status(status)
		run.StartedAt = fromUnixNanos(started)
		run.FinishedAt = fromUnixNanos(finished)
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "unable to read runs")
	}
	rows.Close()

	for i := range runs {
		counts, err := s.loadCounts(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Counts = counts
	}
	return runs, nil
}

func (s *Store) loadCounts(ctx context.Context, runID string) (tracker.Tally, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, count FROM run_counts WHERE run_id = ?`, runID)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to query counts of run %s", runID)
	}
	defer rows.Close()
	counts := tracker.NewTally()
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, errors.Wrap(err, "unable to scan count")
		}
		counts[tracker.Category(category)] = n
	}
	return counts, errors.Wrap(rows.Err(), "unable to read counts")
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
