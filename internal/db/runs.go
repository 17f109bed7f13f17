package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRun creates a new pipeline run record and returns its ID.
func (d *DB) CreateRun(ctx context.Context, pipeline string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline, status, created_at) VALUES (?, ?, ?, ?)`,
		id.String(), pipeline, RunStatusRunning, time.Now().UTC(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// CompleteRun marks a run as completed successfully.
func (d *DB) CompleteRun(ctx context.Context, runID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ? WHERE id = ?`,
		RunStatusCompleted, time.Now().UTC(), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FailRun marks a run as failed, recording the first failing stage and its
// outcome category.
func (d *DB) FailRun(ctx context.Context, runID uuid.UUID, stageID, outcome string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failed_stage = ?, failure_outcome = ?, completed_at = ? WHERE id = ?`,
		RunStatusFailed, stageID, outcome, time.Now().UTC(), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID. Returns nil if no such run exists.
func (d *DB) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT id, pipeline, status, failed_stage, failure_outcome, created_at, completed_at
		 FROM runs WHERE id = ?`, runID.String())
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves recent runs, newest first.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, pipeline, status, failed_stage, failure_outcome, created_at, completed_at
		 FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var failedStage, failureOutcome sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&run.ID, &run.Pipeline, &run.Status, &failedStage, &failureOutcome, &run.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.FailedStage = failedStage.String
	run.FailureOutcome = failureOutcome.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return &run, nil
}
