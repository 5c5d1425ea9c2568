// Package sessionsync reconciles upstream picking-wave documents into the
// local shipment model and detects closed transitions.
package sessionsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/packhouse-labs/fulfillment-core/pkg/docstore"
	"github.com/packhouse-labs/fulfillment-core/pkg/fingerprint"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

const (
	pollInterval      = 60 * time.Second
	reimportBatchSize = 500
)

// Docs is the document-store surface.
type Docs interface {
	ListOpenSessions(ctx context.Context) ([]docstore.SessionDoc, error)
	GetSession(ctx context.Context, sessionID string) (*docstore.SessionDoc, error)
	ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]docstore.SessionDoc, error)
}

// Store is the persistence surface the worker needs.
type Store interface {
	FindShipmentForSession(ctx context.Context, orderNumber, externalID string) (*model.Shipment, error)
	UpdateSessionFields(ctx context.Context, id int64, f store.SessionFields) error
	MarkSessionClosed(ctx context.Context, id int64, pickEndedAt *time.Time) error
	ListActiveSessionRefs(ctx context.Context) ([]store.ActiveSessionRef, error)
	CountQCItems(ctx context.Context, shipmentID int64) (int, error)
	SetProactiveHydration(ctx context.Context, id int64) error
	GetShipment(ctx context.Context, id int64) (*model.Shipment, error)
}

// Hydrator runs the fingerprint engine inline for proactive hydration.
type Hydrator interface {
	Hydrate(ctx context.Context, shipmentID int64, orderNumber string) (*fingerprint.HydrationResult, error)
}

// Enqueuer schedules lifecycle evaluations.
type Enqueuer interface {
	EnqueueLifecycleEvaluation(ctx context.Context, shipmentID int64, reason string) error
}

// Coordinator gates polling while a backfill holds the worker mutex.
// Acquisition failure means skip this poll.
type Coordinator interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	BroadcastDegraded(ctx context.Context, degraded bool) error
}

// Status is the worker's counter snapshot.
type Status struct {
	WorkerStatus        string     `json:"worker_status"` // idle | running | degraded | error
	CyclesCompleted     int64      `json:"cycles_completed"`
	SessionsSeen        int64      `json:"sessions_seen"`
	ShipmentsUpdated    int64      `json:"shipments_updated"`
	SkippedNoShipment   int64      `json:"skipped_no_shipment"`
	SkippedUnchanged    int64      `json:"skipped_unchanged"`
	ClosedDetected      int64      `json:"closed_detected"`
	ProactiveHydrations int64      `json:"proactive_hydrations"`
	ErrorsCount         int64      `json:"errors_count"`
	LastCycleAt         *time.Time `json:"last_cycle_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// Worker polls the document store and reconciles sessions.
type Worker struct {
	docs     Docs
	store    Store
	hydrator Hydrator
	queue    Enqueuer
	coord    Coordinator // nil disables gating
	logger   *slog.Logger

	mu       sync.Mutex
	status   Status
	degraded bool
}

// New creates the sync worker.
func New(docs Docs, st Store, hydrator Hydrator, queue Enqueuer, coord Coordinator, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		docs:     docs,
		store:    st,
		hydrator: hydrator,
		queue:    queue,
		coord:    coord,
		logger:   logger.With("component", "session_sync"),
		status:   Status{WorkerStatus: "idle"},
	}
}

// Run polls on a fixed interval until the context is cancelled. Any error
// aborts the cycle; the next interval retries from scratch.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		w.runCycle(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) runCycle(ctx context.Context) {
	if !w.acquire(ctx) {
		return
	}
	defer w.release(ctx)

	w.setWorkerStatus("running")
	if err := w.Cycle(ctx); err != nil {
		w.mu.Lock()
		w.status.ErrorsCount++
		w.status.LastError = err.Error()
		w.status.WorkerStatus = "error"
		w.mu.Unlock()
		w.logger.Error("sync cycle failed", "error", err)
		return
	}
	now := time.Now()
	w.mu.Lock()
	w.status.CyclesCompleted++
	w.status.LastCycleAt = &now
	w.status.WorkerStatus = "idle"
	w.mu.Unlock()
}

// acquire takes the coordinator mutex. A held mutex (an active backfill)
// means this poll is skipped and a degraded-state signal is broadcast so
// operators are never stuck watching a stale UI.
func (w *Worker) acquire(ctx context.Context) bool {
	if w.coord == nil {
		return true
	}
	ok, err := w.coord.TryAcquire(ctx)
	if err != nil {
		w.logger.Error("coordinator acquire failed", "error", err)
		return false
	}
	if !ok {
		w.setWorkerStatus("degraded")
		w.mu.Lock()
		already := w.degraded
		w.degraded = true
		w.mu.Unlock()
		if !already {
			if err := w.coord.BroadcastDegraded(ctx, true); err != nil {
				w.logger.Warn("degraded broadcast failed", "error", err)
			}
		}
		w.logger.Warn("backfill holds worker mutex, skipping poll")
		return false
	}
	w.mu.Lock()
	wasDegraded := w.degraded
	w.degraded = false
	w.mu.Unlock()
	if wasDegraded {
		// Inverse signal on recovery.
		if err := w.coord.BroadcastDegraded(ctx, false); err != nil {
			w.logger.Warn("recovery broadcast failed", "error", err)
		}
	}
	return true
}

func (w *Worker) release(ctx context.Context) {
	if w.coord == nil {
		return
	}
	if err := w.coord.Release(ctx); err != nil {
		w.logger.Warn("coordinator release failed", "error", err)
	}
}

// Cycle performs one full reconciliation pass.
func (w *Worker) Cycle(ctx context.Context) error {
	docs, err := w.docs.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("list open sessions: %w", err)
	}
	w.mu.Lock()
	w.status.SessionsSeen += int64(len(docs))
	w.mu.Unlock()

	openIDs := make(map[string]struct{}, len(docs))
	for i := range docs {
		openIDs[docs[i].SessionID] = struct{}{}
		if err := w.reconcile(ctx, &docs[i]); err != nil {
			return err
		}
	}
	return w.detectClosed(ctx, openIDs)
}

// reconcile applies one session document to its local shipment.
func (w *Worker) reconcile(ctx context.Context, doc *docstore.SessionDoc) error {
	sh, err := w.store.FindShipmentForSession(ctx, doc.OrderNumber, doc.ExternalShipmentID)
	if errors.Is(err, store.ErrNotFound) {
		// The storefront sync hasn't caught up yet.
		w.mu.Lock()
		w.status.SkippedNoShipment++
		w.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("find shipment for session %s: %w", doc.SessionID, err)
	}

	status := model.SessionStatus(strings.ToLower(doc.SessionStatus))
	if unchanged(sh, doc, status) {
		w.mu.Lock()
		w.status.SkippedUnchanged++
		w.mu.Unlock()
		return nil
	}

	fields := store.SessionFields{
		SessionID:         doc.SessionID,
		SessionDocumentID: doc.DocumentID,
		SessionStatus:     status,
		SpotNumber:        doc.SpotNumber,
		PickStartedAt:     doc.PickStartDatetime,
		PickEndedAt:       doc.PickEndDatetime,
	}
	if doc.PickedByUserID != "" {
		fields.PickerID = &doc.PickedByUserID
	}
	if doc.PickedByUserName != "" {
		fields.PickerName = &doc.PickedByUserName
	}
	if err := w.store.UpdateSessionFields(ctx, sh.ID, fields); err != nil {
		return err
	}
	w.mu.Lock()
	w.status.ShipmentsUpdated++
	w.mu.Unlock()

	if err := w.queue.EnqueueLifecycleEvaluation(ctx, sh.ID, "session_sync"); err != nil {
		return err
	}
	w.hydrateIfEmpty(ctx, sh)
	return nil
}

// hydrateIfEmpty runs proactive hydration inline when a shipment has no QC
// items yet. Deferred hydration errors are logged, not rethrown.
func (w *Worker) hydrateIfEmpty(ctx context.Context, sh *model.Shipment) {
	if w.hydrator == nil {
		return
	}
	n, err := w.store.CountQCItems(ctx, sh.ID)
	if err != nil {
		w.logger.Warn("qc item count failed", "shipment_id", sh.ID, "error", err)
		return
	}
	if n > 0 {
		return
	}
	if _, err := w.hydrator.Hydrate(ctx, sh.ID, sh.OrderNumber); err != nil {
		if errors.Is(err, fingerprint.ErrDeferred) {
			w.logger.Info("proactive hydration deferred", "shipment_id", sh.ID, "error", err)
		} else {
			w.logger.Error("proactive hydration failed", "shipment_id", sh.ID, "error", err)
		}
		return
	}
	if err := w.store.SetProactiveHydration(ctx, sh.ID); err != nil {
		w.logger.Warn("proactive hydration flag write failed", "shipment_id", sh.ID, "error", err)
	}
	w.mu.Lock()
	w.status.ProactiveHydrations++
	w.mu.Unlock()
}

// detectClosed re-reads sessions that vanished from the open set and, when
// upstream reports closed, advances the local shipment.
func (w *Worker) detectClosed(ctx context.Context, openIDs map[string]struct{}) error {
	refs, err := w.store.ListActiveSessionRefs(ctx)
	if err != nil {
		return fmt.Errorf("list active session refs: %w", err)
	}
	for _, ref := range refs {
		if _, stillOpen := openIDs[ref.SessionID]; stillOpen {
			continue
		}
		doc, err := w.docs.GetSession(ctx, ref.SessionID)
		if err != nil {
			return fmt.Errorf("re-read session %s: %w", ref.SessionID, err)
		}
		if !strings.EqualFold(doc.SessionStatus, string(model.SessionClosed)) {
			continue
		}
		if err := w.store.MarkSessionClosed(ctx, ref.ShipmentID, doc.PickEndDatetime); err != nil {
			return err
		}
		if err := w.queue.EnqueueLifecycleEvaluation(ctx, ref.ShipmentID, "session_closed"); err != nil {
			return err
		}
		w.mu.Lock()
		w.status.ClosedDetected++
		w.mu.Unlock()
		w.logger.Info("closed session detected",
			"session_id", ref.SessionID, "shipment_id", ref.ShipmentID)
	}
	return nil
}

// Reimport scans all sessions updated since the given time in pages of 500,
// applying each to the local model. The cursor advances to the last
// observed updated_date plus one millisecond; the scan stops when a page
// comes back short.
func (w *Worker) Reimport(ctx context.Context, since time.Time) (int, error) {
	total := 0
	cursor := since
	for {
		page, err := w.docs.ListUpdatedSince(ctx, cursor, reimportBatchSize)
		if err != nil {
			return total, fmt.Errorf("reimport page at %s: %w", cursor, err)
		}
		for i := range page {
			if err := w.reconcile(ctx, &page[i]); err != nil {
				return total, err
			}
			if page[i].UpdatedDate.After(cursor) {
				cursor = page[i].UpdatedDate
			}
		}
		total += len(page)
		if len(page) < reimportBatchSize {
			return total, nil
		}
		cursor = cursor.Add(time.Millisecond)
	}
}

func unchanged(sh *model.Shipment, doc *docstore.SessionDoc, status model.SessionStatus) bool {
	if sh.SessionID == nil || *sh.SessionID != doc.SessionID {
		return false
	}
	if sh.SessionStatus == nil || *sh.SessionStatus != status {
		return false
	}
	if sh.SessionDocumentID == nil || *sh.SessionDocumentID != doc.DocumentID {
		return false
	}
	if !timeEqual(sh.PickStartedAt, doc.PickStartDatetime) {
		return false
	}
	return timeEqual(sh.PickEndedAt, doc.PickEndDatetime)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (w *Worker) setWorkerStatus(s string) {
	w.mu.Lock()
	w.status.WorkerStatus = s
	w.mu.Unlock()
}

// StatusSnapshot returns the counters.
func (w *Worker) StatusSnapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}
