// Package queue implements the durable Postgres-backed job queues the
// workers coordinate through: at-least-once FIFO delivery, exponential
// backoff, dead-lettering, and stale-processing recovery.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Queue names used by the core pipeline.
const (
	QueueQCExplosion     = "qc_explosion"
	QueueRateCheck       = "rate_check"
	QueueLifecycleEvents = "lifecycle_events"
)

// Status is the queue-record state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusFailed     Status = "failed"
	StatusCompleted  Status = "completed"
	StatusDeadLetter Status = "dead_letter"
)

const (
	baseBackoff    = 5 * time.Second
	maxBackoff     = 300 * time.Second
	rateLimitDelay = 65 * time.Second
	staleThreshold = 5 * time.Minute
)

// Job is one durable queue record.
type Job struct {
	ID             string
	Queue          string
	ShipmentID     *int64
	CoalesceKey    *string
	Payload        json.RawMessage
	Status         Status
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	LastError      *string
	LastHTTPStatus *int
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	CompletedAt    *time.Time
}

// RateLimitError marks a failure as rate-limited: the retry count is left
// unchanged and the job is held for a fixed delay.
type RateLimitError struct {
	StatusCode int
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rate limited (HTTP %d)", e.StatusCode)
}

// HTTPStatus exposes the status code for queue-record bookkeeping.
func (e *RateLimitError) HTTPStatus() int { return e.StatusCode }

// IsRateLimited classifies an error as rate-limited: a RateLimitError, an
// HTTP 429, or error text mentioning a rate limit.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	if code, ok := httpStatus(err); ok && code == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}

func httpStatus(err error) (int, bool) {
	var coded interface{ HTTPStatus() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatus(), true
	}
	return 0, false
}

// FailureRecorder counts job failures for the telemetry pipeline.
type FailureRecorder interface {
	RecordQueueFailure(ctx context.Context, queueName string, rateLimited bool)
}

// Queue is one named durable queue over the shared queue_jobs table.
type Queue struct {
	db             *sql.DB
	name           string
	maxRetries     int
	dedupeShipment bool
	metrics        FailureRecorder
	logger         *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithMaxRetries overrides the default of 5 attempts.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithShipmentDedupe enables the enqueue-time dedupe invariant: at most one
// queued-or-processing job per shipment.
func WithShipmentDedupe() Option {
	return func(q *Queue) { q.dedupeShipment = true }
}

// WithFailureMetrics reports every MarkFailure into the recorder.
func WithFailureMetrics(rec FailureRecorder) Option {
	return func(q *Queue) { q.metrics = rec }
}

// New creates a queue handle.
func New(db *sql.DB, name string, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		db:         db,
		name:       name,
		maxRetries: 5,
		logger:     logger.With("component", "queue", "queue", name),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue inserts a job. With shipment dedupe enabled, an existing
// queued-or-processing job for the same shipment is returned instead of
// inserting a duplicate.
func (q *Queue) Enqueue(ctx context.Context, shipmentID *int64, coalesceKey string, payload any) (string, error) {
	if q.dedupeShipment && shipmentID != nil {
		var existing string
		err := q.db.QueryRowContext(ctx, `SELECT id FROM queue_jobs
			WHERE queue = $1 AND shipment_id = $2 AND status IN ('queued', 'processing')
			ORDER BY created_at LIMIT 1`, q.name, *shipmentID).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := uuid.NewString()
	var key sql.NullString
	if coalesceKey != "" {
		key = sql.NullString{String: coalesceKey, Valid: true}
	}
	var shipment sql.NullInt64
	if shipmentID != nil {
		shipment = sql.NullInt64{Int64: *shipmentID, Valid: true}
	}
	_, err = q.db.ExecContext(ctx, `INSERT INTO queue_jobs
			(id, queue, shipment_id, coalesce_key, payload, status, max_retries)
		VALUES ($1, $2, $3, $4, $5, 'queued', $6)`,
		id, q.name, shipment, key, body, q.maxRetries)
	if err != nil {
		return "", fmt.Errorf("enqueue %s job: %w", q.name, err)
	}
	return id, nil
}

// ClaimNext atomically claims the oldest dispatchable job: queued, or
// failed with an elapsed retry delay. Returns nil when the queue is idle.
func (q *Queue) ClaimNext(ctx context.Context) (*Job, error) {
	query := `UPDATE queue_jobs SET status = 'processing', processed_at = NOW()
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue = $1
			  AND (status = 'queued' OR (status = 'failed' AND next_retry_at <= NOW()))
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING id, queue, shipment_id, coalesce_key, payload, status,
			retry_count, max_retries, next_retry_at, last_error,
			last_http_status, created_at, processed_at, completed_at`
	job, err := scanJob(q.db.QueryRowContext(ctx, query, q.name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

// MarkCompleted records a successful handler run.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs
		SET status = 'completed', completed_at = NOW(), last_error = NULL
		WHERE id = $1`, id)
	return err
}

// MarkFailure applies the failure policy to a claimed job. Rate-limited
// errors hold the job without consuming an attempt; other errors back off
// exponentially until the retry budget dead-letters the job.
func (q *Queue) MarkFailure(ctx context.Context, job *Job, handlerErr error) error {
	httpCode, _ := httpStatus(handlerErr)
	var codeArg sql.NullInt64
	if httpCode != 0 {
		codeArg = sql.NullInt64{Int64: int64(httpCode), Valid: true}
	}

	rateLimited := IsRateLimited(handlerErr)
	if q.metrics != nil {
		q.metrics.RecordQueueFailure(ctx, q.name, rateLimited)
	}

	if rateLimited {
		_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs
			SET status = 'failed', next_retry_at = NOW() + ($1 * INTERVAL '1 second'),
			    last_error = $2, last_http_status = $3
			WHERE id = $4`,
			int(rateLimitDelay.Seconds()), handlerErr.Error(), codeArg, job.ID)
		if err != nil {
			return fmt.Errorf("hold rate-limited job %s: %w", job.ID, err)
		}
		q.logger.Warn("job rate limited, holding",
			"job_id", job.ID, "retry_count", job.RetryCount, "error", handlerErr)
		return nil
	}

	retries := job.RetryCount + 1
	if retries >= job.MaxRetries {
		_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs
			SET status = 'dead_letter', retry_count = $1, last_error = $2,
			    last_http_status = $3
			WHERE id = $4`, retries, handlerErr.Error(), codeArg, job.ID)
		if err != nil {
			return fmt.Errorf("dead-letter job %s: %w", job.ID, err)
		}
		q.logger.Error("job dead-lettered",
			"job_id", job.ID, "retries", retries, "error", handlerErr)
		return nil
	}

	delay := Backoff(retries)
	_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs
		SET status = 'failed', retry_count = $1,
		    next_retry_at = NOW() + ($2 * INTERVAL '1 second'),
		    last_error = $3, last_http_status = $4
		WHERE id = $5`,
		retries, int(delay.Seconds()), handlerErr.Error(), codeArg, job.ID)
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", job.ID, err)
	}
	q.logger.Warn("job failed, backing off",
		"job_id", job.ID, "retry_count", retries, "delay", delay, "error", handlerErr)
	return nil
}

// Backoff is the retry delay after n attempts: min(5s * 2^n, 300s).
func Backoff(retryCount int) time.Duration {
	d := baseBackoff << uint(retryCount)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// RecoverStale resets jobs stuck in processing longer than the stale
// threshold back to queued. Handlers are obliged to be idempotent; this is
// what makes the at-least-once guarantee hold across crashes.
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE queue_jobs
		SET status = 'queued', last_error = 'recovered from stale processing'
		WHERE queue = $1 AND status = 'processing'
		  AND processed_at < NOW() - ($2 * INTERVAL '1 second')`,
		q.name, int(staleThreshold.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("recover stale %s jobs: %w", q.name, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Warn("recovered stale processing jobs", "count", n)
	}
	return n, nil
}

// Stats returns per-status job counts.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs WHERE queue = $1 GROUP BY status`, q.name)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats[Status(st)] = n
	}
	return stats, rows.Err()
}

// Purge deletes jobs in the given statuses, returning the count removed.
func (q *Queue) Purge(ctx context.Context, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	args = append(args, q.name)
	placeholders := make([]string, 0, len(statuses))
	for i, st := range statuses {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
		args = append(args, string(st))
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs
		WHERE queue = $1 AND status IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", q.name, err)
	}
	return res.RowsAffected()
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var shipment sql.NullInt64
	var key, lastErr sql.NullString
	var httpCode sql.NullInt64
	var nextRetry, processedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Queue, &shipment, &key, &j.Payload, &j.Status,
		&j.RetryCount, &j.MaxRetries, &nextRetry, &lastErr, &httpCode,
		&j.CreatedAt, &processedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if shipment.Valid {
		v := shipment.Int64
		j.ShipmentID = &v
	}
	if key.Valid {
		v := key.String
		j.CoalesceKey = &v
	}
	if lastErr.Valid {
		v := lastErr.String
		j.LastError = &v
	}
	if httpCode.Valid {
		v := int(httpCode.Int64)
		j.LastHTTPStatus = &v
	}
	if nextRetry.Valid {
		v := nextRetry.Time
		j.NextRetryAt = &v
	}
	if processedAt.Valid {
		v := processedAt.Time
		j.ProcessedAt = &v
	}
	if completedAt.Valid {
		v := completedAt.Time
		j.CompletedAt = &v
	}
	return &j, nil
}
