package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(0))
	assert.Equal(t, 10*time.Second, Backoff(1))
	assert.Equal(t, 20*time.Second, Backoff(2))
	assert.Equal(t, 160*time.Second, Backoff(5))
	assert.Equal(t, 300*time.Second, Backoff(6))
	assert.Equal(t, 300*time.Second, Backoff(50))
}

type codedError struct{ code int }

func (e *codedError) Error() string   { return fmt.Sprintf("HTTP %d", e.code) }
func (e *codedError) HTTPStatus() int { return e.code }

func TestIsRateLimited(t *testing.T) {
	assert.False(t, IsRateLimited(nil))
	assert.False(t, IsRateLimited(errors.New("connection refused")))
	assert.False(t, IsRateLimited(&codedError{code: 500}))

	assert.True(t, IsRateLimited(&RateLimitError{StatusCode: 429}))
	assert.True(t, IsRateLimited(&codedError{code: 429}))
	assert.True(t, IsRateLimited(errors.New("provider said Rate Limit exceeded")))
	assert.True(t, IsRateLimited(fmt.Errorf("fetch rates: %w", &RateLimitError{StatusCode: 429})))
}

func TestEnqueueDedupesPerShipment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	q := New(db, QueueQCExplosion, nil, WithShipmentDedupe())
	shipmentID := int64(42)

	mock.ExpectQuery(`SELECT id FROM queue_jobs`).
		WithArgs(QueueQCExplosion, shipmentID).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-job"))

	id, err := q.Enqueue(context.Background(), &shipmentID, "", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "existing-job", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueInsertsWhenNoDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	q := New(db, QueueQCExplosion, nil, WithShipmentDedupe())
	shipmentID := int64(42)

	mock.ExpectQuery(`SELECT id FROM queue_jobs`).
		WithArgs(QueueQCExplosion, shipmentID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`INSERT INTO queue_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := q.Enqueue(context.Background(), &shipmentID, "hydration", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailureRateLimitHoldsWithoutRetryIncrement(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	q := New(db, QueueRateCheck, nil)
	job := &Job{ID: "job-1", RetryCount: 2, MaxRetries: 5}

	// The hold writes no retry_count; 65 seconds, attempt not consumed.
	mock.ExpectExec(`SET status = 'failed', next_retry_at = NOW\(\)`).
		WithArgs(65, sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = q.MarkFailure(context.Background(), job, &RateLimitError{StatusCode: 429})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailureBacksOffThenDeadLetters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	q := New(db, QueueRateCheck, nil)

	// Second failure: retry_count 2, delay 20s.
	mock.ExpectExec(`SET status = 'failed', retry_count = \$1`).
		WithArgs(2, 20, sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = q.MarkFailure(context.Background(),
		&Job{ID: "job-1", RetryCount: 1, MaxRetries: 5}, errors.New("boom"))
	require.NoError(t, err)

	// Budget exhausted: dead letter.
	mock.ExpectExec(`SET status = 'dead_letter', retry_count = \$1`).
		WithArgs(5, sqlmock.AnyArg(), sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = q.MarkFailure(context.Background(),
		&Job{ID: "job-1", RetryCount: 4, MaxRetries: 5}, errors.New("boom"))
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

type failureRecord struct {
	queue       string
	rateLimited bool
}

type recordingMetrics struct{ failures []failureRecord }

func (r *recordingMetrics) RecordQueueFailure(ctx context.Context, queueName string, rateLimited bool) {
	r.failures = append(r.failures, failureRecord{queueName, rateLimited})
}

func TestMarkFailureReportsMetrics(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := &recordingMetrics{}
	q := New(db, QueueRateCheck, nil, WithFailureMetrics(rec))

	mock.ExpectExec(`SET status = 'failed', next_retry_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = q.MarkFailure(context.Background(),
		&Job{ID: "job-1", RetryCount: 0, MaxRetries: 5}, &RateLimitError{StatusCode: 429})
	require.NoError(t, err)

	mock.ExpectExec(`SET status = 'failed', retry_count = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = q.MarkFailure(context.Background(),
		&Job{ID: "job-2", RetryCount: 0, MaxRetries: 5}, errors.New("boom"))
	require.NoError(t, err)

	require.Len(t, rec.failures, 2)
	assert.Equal(t, failureRecord{QueueRateCheck, true}, rec.failures[0])
	assert.Equal(t, failureRecord{QueueRateCheck, false}, rec.failures[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	q := New(db, QueueQCExplosion, nil)
	mock.ExpectExec(`SET status = 'queued', last_error = 'recovered from stale processing'`).
		WithArgs(QueueQCExplosion, 300).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.RecoverStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
