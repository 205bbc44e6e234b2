// Package store implements the durable persistence collaborator on top of
// SQLite: the test case / scenario / group catalog, run records, captured
// run logs, attachments and the key-value config store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/roborun/roborun/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS testcases (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS scenarios (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	inputs TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS scenario_testcases (
	scenario_id INTEGER NOT NULL REFERENCES scenarios(id) ON DELETE CASCADE,
	testcase_id INTEGER NOT NULL REFERENCES testcases(id) ON DELETE CASCADE,
	position INTEGER NOT NULL,
	UNIQUE(scenario_id, testcase_id)
);
CREATE TABLE IF NOT EXISTS groups (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS group_testcases (
	group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
	testcase_id INTEGER NOT NULL REFERENCES testcases(id) ON DELETE CASCADE,
	UNIQUE(group_id, testcase_id)
);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	target_name TEXT NOT NULL DEFAULT '',
	variables TEXT NOT NULL DEFAULT '{}',
	reason TEXT NOT NULL DEFAULT '',
	total INTEGER NOT NULL DEFAULT 0,
	passed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	submitted_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	finished_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state);
CREATE TABLE IF NOT EXISTS run_logs (
	run_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	ts TIMESTAMP NOT NULL,
	stream TEXT NOT NULL,
	line TEXT NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS configs (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Store wraps the SQLite database. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dbPath and ensures the
// schema. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// modernc.org/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "transaction rollback failed", "error", err)
	}
}

// SaveRun upserts the run record. Called synchronously on every state
// transition before the new state becomes visible to queriers.
func (s *Store) SaveRun(ctx context.Context, run model.Run) error {
	vars, err := json.Marshal(orEmpty(run.Variables))
	if err != nil {
		return fmt.Errorf("encoding run variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs
			(id, state, target_type, target_id, target_name, variables, reason,
			 total, passed, failed, submitted_at, started_at, finished_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			state=excluded.state,
			reason=excluded.reason,
			total=excluded.total,
			passed=excluded.passed,
			failed=excluded.failed,
			started_at=excluded.started_at,
			finished_at=excluded.finished_at`,
		run.ID, string(run.State), run.TargetType, run.TargetID, run.TargetName,
		string(vars), run.Reason,
		run.Summary.Total, run.Summary.Passed, run.Summary.Failed,
		run.SubmittedAt, nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns a run by ID or model.ErrNotFound.
func (s *Store) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, target_type, target_id, target_name, variables, reason,
			total, passed, failed, submitted_at, started_at, finished_at
		 FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, model.ErrNotFound
	}
	return run, err
}

// ListRuns returns the most recently submitted runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, target_type, target_id, target_name, variables, reason,
			total, passed, failed, submitted_at, started_at, finished_at
		 FROM runs ORDER BY submitted_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	return collectRuns(rows)
}

// LoadNonTerminalRuns returns all runs still marked QUEUED or RUNNING,
// oldest first. Used once at startup for recovery.
func (s *Store) LoadNonTerminalRuns(ctx context.Context) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, target_type, target_id, target_name, variables, reason,
			total, passed, failed, submitted_at, started_at, finished_at
		 FROM runs WHERE state IN (?, ?) ORDER BY submitted_at ASC, id ASC`,
		string(model.StateQueued), string(model.StateRunning))
	if err != nil {
		return nil, fmt.Errorf("loading non-terminal runs: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	return collectRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		run      model.Run
		state    string
		vars     string
		started  sql.NullTime
		finished sql.NullTime
	)
	err := row.Scan(
		&run.ID, &state, &run.TargetType, &run.TargetID, &run.TargetName,
		&vars, &run.Reason,
		&run.Summary.Total, &run.Summary.Passed, &run.Summary.Failed,
		&run.SubmittedAt, &started, &finished,
	)
	if err != nil {
		return model.Run{}, err
	}
	run.State = model.State(state)
	if err := json.Unmarshal([]byte(vars), &run.Variables); err != nil {
		return model.Run{}, fmt.Errorf("decoding run variables: %w", err)
	}
	if len(run.Variables) == 0 {
		run.Variables = nil
	}
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

func collectRuns(rows *sql.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendChunk persists one captured log line. The engine's log sink owns
// sequence allocation; the (run_id, seq) primary key rejects duplicates.
func (s *Store) AppendChunk(ctx context.Context, chunk model.LogChunk) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, seq, ts, stream, line) VALUES (?,?,?,?,?)`,
		chunk.RunID, chunk.Seq, chunk.TS, chunk.Stream, chunk.Line,
	)
	if err != nil {
		return fmt.Errorf("appending log chunk %s/%d: %w", chunk.RunID, chunk.Seq, err)
	}
	return nil
}

// Chunks returns all chunks of a run with seq >= fromSeq, in sequence order.
func (s *Store) Chunks(ctx context.Context, runID string, fromSeq int64) ([]model.LogChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, ts, stream, line FROM run_logs
		 WHERE run_id=? AND seq>=? ORDER BY seq ASC`, runID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("reading log chunks: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var chunks []model.LogChunk
	for rows.Next() {
		var c model.LogChunk
		if err := rows.Scan(&c.RunID, &c.Seq, &c.TS, &c.Stream, &c.Line); err != nil {
			return nil, fmt.Errorf("scanning log chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// NextChunkSeq returns the next unused sequence number for a run.
func (s *Store) NextChunkSeq(ctx context.Context, runID string) (int64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq)+1, 0) FROM run_logs WHERE run_id=?`, runID)
	var next int64
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("reading next log seq: %w", err)
	}
	return next, nil
}

// AddAttachment records a run artifact.
func (s *Store) AddAttachment(ctx context.Context, a model.Attachment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (run_id, name, path, content_type, created_at)
		 VALUES (?,?,?,?,?)`,
		a.RunID, a.Name, a.Path, a.ContentType, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("adding attachment for run %s: %w", a.RunID, err)
	}
	return nil
}

// Attachments lists the artifacts of a run.
func (s *Store) Attachments(ctx context.Context, runID string) ([]model.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, path, content_type, created_at
		 FROM attachments WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []model.Attachment
	for rows.Next() {
		var a model.Attachment
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Path, &a.ContentType, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning attachment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
