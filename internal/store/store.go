// Package store keeps a history of evaluation runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/b0tShaman/neuro-seq/internal/evaluate"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run is one recorded evaluation.
type Run struct {
	ID        string
	ModelDir  string
	CreatedAt time.Time
	Steps     int
	Exact     int
	MAE       float64
	RMSE      float64
}

// Prediction is one scored step of a run.
type Prediction struct {
	SequenceID int
	Step       int
	Predicted  int
	Expected   int
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		model_dir TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		steps INTEGER NOT NULL,
		exact INTEGER NOT NULL,
		mae REAL NOT NULL,
		rmse REAL NOT NULL
	);
	CREATE TABLE IF NOT EXISTS predictions (
		run_id TEXT NOT NULL REFERENCES runs(id),
		sequence_id INTEGER NOT NULL,
		step INTEGER NOT NULL,
		predicted INTEGER NOT NULL,
		expected INTEGER NOT NULL,
		PRIMARY KEY (run_id, sequence_id, step)
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordRun stores a report and all its predictions in one transaction and
// returns the new run id.
func (s *Store) RecordRun(ctx context.Context, modelDir string, r *evaluate.Report) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, model_dir, created_at, steps, exact, mae, rmse) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, modelDir, time.Now().UnixNano(), r.Steps, r.Exact, r.MAE, r.RMSE,
	); err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO predictions (run_id, sequence_id, step, predicted, expected) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare prediction insert: %w", err)
	}
	defer stmt.Close()

	for _, seq := range r.Sequences {
		for k, p := range seq.Predicted {
			if _, err := stmt.ExecContext(ctx, id, seq.ID, seq.Warmup+k, p, seq.Expected[k]); err != nil {
				return "", fmt.Errorf("failed to insert prediction for sequence %d: %w", seq.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	return id, nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, model_dir, created_at, steps, exact, mae, rmse FROM runs
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run     Run
			created int64
		)
		if err := rows.Scan(&run.ID, &run.ModelDir, &created, &run.Steps, &run.Exact, &run.MAE, &run.RMSE); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.CreatedAt = time.Unix(0, created)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Predictions returns the stored steps of a run ordered by sequence and step.
func (s *Store) Predictions(ctx context.Context, runID string) ([]Prediction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence_id, step, predicted, expected FROM predictions
		 WHERE run_id = ? ORDER BY sequence_id, step`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query predictions: %w", err)
	}
	defer rows.Close()

	var out []Prediction
	for rows.Next() {
		var p Prediction
		if err := rows.Scan(&p.SequenceID, &p.Step, &p.Predicted, &p.Expected); err != nil {
			return nil, fmt.Errorf("failed to scan prediction: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
