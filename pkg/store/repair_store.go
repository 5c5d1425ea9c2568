package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

const repairColumns = `id, cohort, status, processed, updated, errors,
	cancel_requested, last_error, created_at, started_at, finished_at`

func scanRepairJob(row interface{ Scan(...any) error }) (*model.RepairJob, error) {
	var job model.RepairJob
	var lastErr sql.NullString
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&job.ID, &job.Cohort, &job.Status, &job.Processed,
		&job.Updated, &job.Errors, &job.CancelRequested, &lastErr,
		&job.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job.LastError = strPtr(lastErr)
	job.StartedAt = timePtr(startedAt)
	job.FinishedAt = timePtr(finishedAt)
	return &job, nil
}

// CreateRepairJob enqueues a repair job for a cohort.
func (s *Store) CreateRepairJob(ctx context.Context, cohort string) (*model.RepairJob, error) {
	query := `INSERT INTO repair_jobs (id, cohort) VALUES ($1, $2)
		RETURNING ` + repairColumns
	return scanRepairJob(s.db.QueryRowContext(ctx, query, uuid.NewString(), cohort))
}

// ClaimNextRepairJob atomically claims the oldest pending job, or returns
// ErrNotFound when the table is idle.
func (s *Store) ClaimNextRepairJob(ctx context.Context) (*model.RepairJob, error) {
	query := `UPDATE repair_jobs
		SET status = 'running', started_at = NOW()
		WHERE id = (
			SELECT id FROM repair_jobs
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1)
		RETURNING ` + repairColumns
	return scanRepairJob(s.db.QueryRowContext(ctx, query))
}

// GetRepairJob loads one job. Running workers poll this between batches to
// observe cancel requests.
func (s *Store) GetRepairJob(ctx context.Context, id string) (*model.RepairJob, error) {
	query := `SELECT ` + repairColumns + ` FROM repair_jobs WHERE id = $1`
	return scanRepairJob(s.db.QueryRowContext(ctx, query, id))
}

// UpdateRepairProgress overwrites the progress counters.
func (s *Store) UpdateRepairProgress(ctx context.Context, id string, processed, updated, errs int) error {
	query := `UPDATE repair_jobs SET processed = $1, updated = $2, errors = $3 WHERE id = $4`
	_, err := s.db.ExecContext(ctx, query, processed, updated, errs, id)
	return err
}

// FinishRepairJob records the terminal status.
func (s *Store) FinishRepairJob(ctx context.Context, id string, status model.RepairJobStatus, lastError *string) error {
	query := `UPDATE repair_jobs
		SET status = $1, last_error = $2, finished_at = NOW()
		WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, string(status), nullString(lastError), id)
	if err != nil {
		return fmt.Errorf("finish repair job %s: %w", id, err)
	}
	return nil
}

// RequestRepairCancel flags a job for cooperative cancellation. The worker
// notices between batches.
func (s *Store) RequestRepairCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repair_jobs SET cancel_requested = TRUE
			WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRepairJobs returns recent jobs, newest first.
func (s *Store) ListRepairJobs(ctx context.Context, limit int) ([]*model.RepairJob, error) {
	query := `SELECT ` + repairColumns + ` FROM repair_jobs
		ORDER BY created_at DESC LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.RepairJob
	for rows.Next() {
		job, err := scanRepairJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
