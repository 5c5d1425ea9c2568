package repair

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packhouse-labs/fulfillment-core/pkg/lifecycle"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// --- Mocks ---

type mockRepairStore struct {
	job         *model.RepairJob
	cohort      []*model.Shipment
	cancelAfter int // flip CancelRequested after this many re-reads; 0 disables

	reads       int
	progress    [][3]int
	finalStatus model.RepairJobStatus
	finalError  *string
}

func (m *mockRepairStore) ClaimNextRepairJob(ctx context.Context) (*model.RepairJob, error) {
	if m.job == nil {
		return nil, store.ErrNotFound
	}
	return m.job, nil
}

func (m *mockRepairStore) GetRepairJob(ctx context.Context, id string) (*model.RepairJob, error) {
	m.reads++
	job := *m.job
	if m.cancelAfter > 0 && m.reads > m.cancelAfter {
		job.CancelRequested = true
	}
	return &job, nil
}

func (m *mockRepairStore) UpdateRepairProgress(ctx context.Context, id string, processed, updated, errs int) error {
	m.progress = append(m.progress, [3]int{processed, updated, errs})
	return nil
}

func (m *mockRepairStore) FinishRepairJob(ctx context.Context, id string, status model.RepairJobStatus, lastError *string) error {
	m.finalStatus = status
	m.finalError = lastError
	return nil
}

func (m *mockRepairStore) ListRepairCohort(ctx context.Context, cohort string, afterID int64, limit int) ([]*model.Shipment, error) {
	var out []*model.Shipment
	for _, sh := range m.cohort {
		if sh.ID > afterID {
			out = append(out, sh)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type mockEvaluator struct {
	changed map[int64]bool
	fail    map[int64]error
	calls   []int64
}

func (m *mockEvaluator) Evaluate(ctx context.Context, shipmentID int64) (*lifecycle.UpdateResult, *model.Shipment, error) {
	m.calls = append(m.calls, shipmentID)
	if err := m.fail[shipmentID]; err != nil {
		return nil, nil, err
	}
	return &lifecycle.UpdateResult{Changed: m.changed[shipmentID]}, nil, nil
}

func cohortOf(ids ...int64) []*model.Shipment {
	out := make([]*model.Shipment, 0, len(ids))
	for _, id := range ids {
		out = append(out, &model.Shipment{ID: id})
	}
	return out
}

// --- Tests ---

func TestRunJobCompletesAndCountsUpdates(t *testing.T) {
	st := &mockRepairStore{
		job:    &model.RepairJob{ID: "j-1", Cohort: "stale_on_dock", Status: model.RepairRunning},
		cohort: cohortOf(1, 2, 3),
	}
	ev := &mockEvaluator{changed: map[int64]bool{2: true}}
	New(st, ev, nil).claimAndRun(context.Background())

	assert.Equal(t, []int64{1, 2, 3}, ev.calls)
	assert.Equal(t, model.RepairCompleted, st.finalStatus)
	require.NotEmpty(t, st.progress)
	assert.Equal(t, [3]int{3, 1, 0}, st.progress[len(st.progress)-1])
	assert.Nil(t, st.finalError)
}

func TestRunJobHonorsCancelBetweenBatches(t *testing.T) {
	// More than one batch so a second re-read happens.
	ids := make([]int64, batchSize+10)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	st := &mockRepairStore{
		job:         &model.RepairJob{ID: "j-1", Cohort: "stale_on_dock", Status: model.RepairRunning},
		cohort:      cohortOf(ids...),
		cancelAfter: 1,
	}
	ev := &mockEvaluator{}
	New(st, ev, nil).claimAndRun(context.Background())

	assert.Equal(t, model.RepairCancelled, st.finalStatus)
	assert.Len(t, ev.calls, batchSize, "only the first batch ran")
}

func TestRunJobFailsWhenEverythingErrors(t *testing.T) {
	st := &mockRepairStore{
		job:    &model.RepairJob{ID: "j-1", Cohort: "stale_on_dock", Status: model.RepairRunning},
		cohort: cohortOf(1, 2),
	}
	ev := &mockEvaluator{fail: map[int64]error{
		1: errors.New("derive failed"),
		2: errors.New("derive failed"),
	}}
	New(st, ev, nil).claimAndRun(context.Background())

	assert.Equal(t, model.RepairFailed, st.finalStatus)
	require.NotNil(t, st.finalError)
	assert.Equal(t, "derive failed", *st.finalError)
}

func TestRunJobPartialErrorsStillComplete(t *testing.T) {
	st := &mockRepairStore{
		job:    &model.RepairJob{ID: "j-1", Cohort: "stale_on_dock", Status: model.RepairRunning},
		cohort: cohortOf(1, 2, 3),
	}
	ev := &mockEvaluator{
		changed: map[int64]bool{3: true},
		fail:    map[int64]error{2: errors.New("boom")},
	}
	New(st, ev, nil).claimAndRun(context.Background())

	assert.Equal(t, model.RepairCompleted, st.finalStatus)
	assert.Equal(t, [3]int{3, 1, 1}, st.progress[len(st.progress)-1])
}

func TestClaimWithNoPendingJobsIsQuiet(t *testing.T) {
	st := &mockRepairStore{}
	ev := &mockEvaluator{}
	New(st, ev, nil).claimAndRun(context.Background())
	assert.Empty(t, ev.calls)
	assert.Empty(t, st.progress)
}

func TestShutdownLeavesJobRunning(t *testing.T) {
	st := &mockRepairStore{
		job:    &model.RepairJob{ID: "j-1", Cohort: "stale_on_dock", Status: model.RepairRunning},
		cohort: cohortOf(1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	New(st, &mockEvaluator{}, nil).claimAndRun(ctx)

	// No terminal status write; the job is re-claimed after restart.
	assert.Empty(t, st.finalStatus)
}
