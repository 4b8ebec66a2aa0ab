// Package journal keeps a SQLite history of pipeline runs.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"holdings-sync/pipeline"
)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one recorded run.
type Entry struct {
	RunID       string
	StartedAt   time.Time
	FinishedAt  time.Time
	Mode        string
	Status      string // "success" or "failure"
	FailedStage string
	MessageID   string
	Rows        int
	Cols        int
	Error       string
}

// Journal records run outcomes. Only outcomes are stored, never table data.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection; SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := execStatements(db,
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=15000;`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite pragmas: %w", err)
	}

	if err := execStatements(db,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			mode TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('success', 'failure')),
			failed_stage TEXT,
			message_id TEXT,
			row_count INTEGER NOT NULL DEFAULT 0,
			col_count INTEGER NOT NULL DEFAULT 0,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migration: %w", err)
	}

	return &Journal{db: db, logger: logger}, nil
}

func execStatements(db *sql.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Record stores the outcome of a run.
func (j *Journal) Record(ctx context.Context, res *pipeline.Result) error {
	status := "failure"
	if res.Success {
		status = "success"
	}
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, mode, status, failed_stage, message_id, row_count, col_count, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID,
		res.Started.UTC().Format(timeLayout),
		res.Finished.UTC().Format(timeLayout),
		res.Mode,
		status,
		res.FailedStage,
		res.MessageID,
		res.Rows,
		res.Cols,
		errText,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Last returns up to n runs, newest first.
func (j *Journal) Last(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, mode, status,
		        COALESCE(failed_stage, ''), COALESCE(message_id, ''), row_count, col_count, COALESCE(error, '')
		 FROM runs ORDER BY started_at DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e                 Entry
			started, finished string
		)
		if err := rows.Scan(&e.RunID, &started, &finished, &e.Mode, &e.Status,
			&e.FailedStage, &e.MessageID, &e.Rows, &e.Cols, &e.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if e.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return entries, nil
}

// StageDone implements pipeline.Recorder. Stages are not journaled.
func (j *Journal) StageDone(context.Context, string, string, time.Duration, error) {}

// RunDone implements pipeline.Recorder.
func (j *Journal) RunDone(ctx context.Context, res *pipeline.Result) {
	// Interrupted runs are recorded too.
	if err := j.Record(context.WithoutCancel(ctx), res); err != nil {
		j.logger.Warn("Failed to record run in journal", "run_id", res.RunID, "error", err)
		return
	}
	j.logger.Debug("Run recorded in journal", "run_id", res.RunID)
}
