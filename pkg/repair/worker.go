// Package repair runs operator-enqueued batch re-evaluations of stale
// shipment cohorts.
package repair

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/packhouse-labs/fulfillment-core/pkg/lifecycle"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

const (
	pollInterval = 10 * time.Second
	batchSize    = 100
)

// Store is the persistence surface the worker needs.
type Store interface {
	ClaimNextRepairJob(ctx context.Context) (*model.RepairJob, error)
	GetRepairJob(ctx context.Context, id string) (*model.RepairJob, error)
	UpdateRepairProgress(ctx context.Context, id string, processed, updated, errs int) error
	FinishRepairJob(ctx context.Context, id string, status model.RepairJobStatus, lastError *string) error
	ListRepairCohort(ctx context.Context, cohort string, afterID int64, limit int) ([]*model.Shipment, error)
}

// Evaluator re-derives lifecycle state for one shipment.
type Evaluator interface {
	Evaluate(ctx context.Context, shipmentID int64) (*lifecycle.UpdateResult, *model.Shipment, error)
}

// Worker claims repair jobs and pages their cohort through the lifecycle
// evaluator. One job runs at a time per process; SKIP LOCKED keeps multiple
// processes from claiming the same job.
type Worker struct {
	store     Store
	evaluator Evaluator
	logger    *slog.Logger
}

// New creates a repair worker.
func New(st Store, evaluator Evaluator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     st,
		evaluator: evaluator,
		logger:    logger.With("component", "repair"),
	}
}

// Run polls for pending jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		w.claimAndRun(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) claimAndRun(ctx context.Context) {
	job, err := w.store.ClaimNextRepairJob(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		w.logger.Error("claim repair job failed", "error", err)
		return
	}
	w.logger.Info("repair job started", "job_id", job.ID, "cohort", job.Cohort)
	w.runJob(ctx, job)
}

// runJob pages the cohort by ascending id in fixed batches, re-evaluating
// each shipment. Progress lands after every batch; a cancel request is
// honored at batch boundaries.
func (w *Worker) runJob(ctx context.Context, job *model.RepairJob) {
	var (
		afterID   int64
		processed int
		updated   int
		errCount  int
		lastErr   *string
	)
	for {
		if ctx.Err() != nil {
			return // process shutdown; the job stays running and is re-claimed after restart
		}

		fresh, err := w.store.GetRepairJob(ctx, job.ID)
		if err != nil {
			w.logger.Error("repair job re-read failed", "job_id", job.ID, "error", err)
			return
		}
		if fresh.CancelRequested {
			w.finish(ctx, job.ID, model.RepairCancelled, lastErr)
			w.logger.Info("repair job cancelled", "job_id", job.ID,
				"processed", processed, "updated", updated)
			return
		}

		batch, err := w.store.ListRepairCohort(ctx, job.Cohort, afterID, batchSize)
		if err != nil {
			msg := err.Error()
			w.finish(ctx, job.ID, model.RepairFailed, &msg)
			w.logger.Error("repair cohort listing failed", "job_id", job.ID, "error", err)
			return
		}
		if len(batch) == 0 {
			w.flush(ctx, job.ID, processed, updated, errCount)
			status := model.RepairCompleted
			if errCount > 0 && updated == 0 && processed == errCount {
				status = model.RepairFailed
			}
			w.finish(ctx, job.ID, status, lastErr)
			w.logger.Info("repair job finished", "job_id", job.ID,
				"status", status, "processed", processed,
				"updated", updated, "errors", errCount)
			return
		}

		for _, sh := range batch {
			afterID = sh.ID
			processed++
			result, _, err := w.evaluator.Evaluate(ctx, sh.ID)
			if err != nil {
				errCount++
				msg := err.Error()
				lastErr = &msg
				w.logger.Warn("repair evaluation failed",
					"job_id", job.ID, "shipment_id", sh.ID, "error", err)
				continue
			}
			if result.Changed {
				updated++
			}
		}
		w.flush(ctx, job.ID, processed, updated, errCount)
	}
}

func (w *Worker) flush(ctx context.Context, jobID string, processed, updated, errCount int) {
	if err := w.store.UpdateRepairProgress(ctx, jobID, processed, updated, errCount); err != nil {
		w.logger.Warn("repair progress write failed", "job_id", jobID, "error", err)
	}
}

func (w *Worker) finish(ctx context.Context, jobID string, status model.RepairJobStatus, lastErr *string) {
	if err := w.store.FinishRepairJob(ctx, jobID, status, lastErr); err != nil {
		w.logger.Error("repair job finish write failed", "job_id", jobID, "error", err)
	}
}
