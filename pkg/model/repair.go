package model

import "time"

// RepairJobStatus is the lifecycle of one operator-enqueued repair job.
type RepairJobStatus string

const (
	RepairPending   RepairJobStatus = "pending"
	RepairRunning   RepairJobStatus = "running"
	RepairCompleted RepairJobStatus = "completed"
	RepairCancelled RepairJobStatus = "cancelled"
	RepairFailed    RepairJobStatus = "failed"
)

// RepairJob is a batch re-evaluation of one stale-shipment cohort. Progress
// counters are written as batches finish so the ops surface can watch a
// running job.
type RepairJob struct {
	ID              string
	Cohort          string
	Status          RepairJobStatus
	Processed       int
	Updated         int
	Errors          int
	CancelRequested bool
	LastError       *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
}
