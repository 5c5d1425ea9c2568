package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/queue"
)

// Store is the persistence surface the worker needs.
type Store interface {
	GetShipment(ctx context.Context, id int64) (*model.Shipment, error)
	UpdateLifecycle(ctx context.Context, id int64, phase string, subphase *string) error
}

// TransitionRecorder counts persisted transitions for the telemetry
// pipeline.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, phase string)
}

// UpdateResult is the typed outcome of one lifecycle evaluation.
type UpdateResult struct {
	ShipmentID       int64     `json:"shipment_id"`
	PreviousPhase    Phase     `json:"previous_phase"`
	NewPhase         Phase     `json:"new_phase"`
	PreviousSubphase *Subphase `json:"previous_subphase,omitempty"`
	NewSubphase      *Subphase `json:"new_subphase,omitempty"`
	Changed          bool      `json:"changed"`
	Refused          bool      `json:"refused"`
}

// SideEffect is invoked after a transition lands a shipment in its
// registered subphase. Effects run inline on the worker, sequential within
// a batch; failures are logged, never requeued, because the transition
// itself is already persisted.
type SideEffect func(ctx context.Context, sh *model.Shipment) error

// sideEffectGuardDelay lets the transition write settle before the effect
// reads the row back.
const sideEffectGuardDelay = 500 * time.Millisecond

// WorkerStatus snapshots the worker's counters for the ops surface.
type WorkerStatus struct {
	Queue         queue.WorkerStatus `json:"queue"`
	Evaluated     int64              `json:"evaluated"`
	Changed       int64              `json:"changed"`
	Refused       int64              `json:"refused"`
	SideEffects   int64              `json:"side_effects"`
	EffectErrors  int64              `json:"effect_errors"`
	LastShipmentID int64             `json:"last_shipment_id,omitempty"`
}

// Worker consumes the lifecycle-event queue, runs the state machine against
// the current row, and triggers registered side effects on change.
type Worker struct {
	store   Store
	inner   *queue.Worker
	metrics TransitionRecorder
	logger  *slog.Logger

	mu       sync.Mutex
	registry map[Subphase]SideEffect
	stats    WorkerStatus
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithTransitionMetrics reports every persisted transition into the
// recorder.
func WithTransitionMetrics(rec TransitionRecorder) WorkerOption {
	return func(w *Worker) { w.metrics = rec }
}

// NewWorker creates the lifecycle event worker over its queue. The batch
// cap of five per cycle throttles outbound side-effect calls.
func NewWorker(st Store, q *queue.Queue, logger *slog.Logger, opts ...WorkerOption) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		store:    st,
		logger:   logger.With("component", "lifecycle_worker"),
		registry: make(map[Subphase]SideEffect),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.inner = queue.NewWorker(q, w.handle, logger,
		queue.WithBatchSize(5),
		queue.WithIntervals(2*time.Second, 10*time.Second))
	return w
}

// RegisterSideEffect binds a subphase to its effect. The registry is a
// closed enumeration extended here at wiring time; there is no runtime
// plugin model.
func (w *Worker) RegisterSideEffect(sub Subphase, fn SideEffect) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.registry[sub] = fn
}

// Run loops until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.inner.Run(ctx)
}

// Status returns a snapshot of the counters.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.Queue = w.inner.Status()
	return st
}

func (w *Worker) handle(ctx context.Context, job *queue.Job) error {
	if job.ShipmentID == nil {
		w.logger.Warn("lifecycle event without shipment id, dropping", "job_id", job.ID)
		return nil
	}
	result, sh, err := w.Evaluate(ctx, *job.ShipmentID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.stats.Evaluated++
	w.stats.LastShipmentID = result.ShipmentID
	if result.Changed {
		w.stats.Changed++
	}
	if result.Refused {
		w.stats.Refused++
	}
	var effect SideEffect
	if result.Changed && result.NewSubphase != nil {
		effect = w.registry[*result.NewSubphase]
	}
	w.mu.Unlock()

	if effect == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(sideEffectGuardDelay):
	}
	if err := effect(ctx, sh); err != nil {
		w.logger.Error("side effect failed",
			"shipment_id", result.ShipmentID, "subphase", *result.NewSubphase, "error", err)
		w.mu.Lock()
		w.stats.EffectErrors++
		w.mu.Unlock()
		return nil // transition already persisted; effects are fire-and-forget
	}
	w.mu.Lock()
	w.stats.SideEffects++
	w.mu.Unlock()
	return nil
}

// Evaluate runs one evaluation: read the authoritative row, derive the
// state, and persist it when it changed and the move is legal. A disallowed
// transition is refused and logged, leaving state untouched.
func (w *Worker) Evaluate(ctx context.Context, shipmentID int64) (*UpdateResult, *model.Shipment, error) {
	sh, err := w.store.GetShipment(ctx, shipmentID)
	if err != nil {
		return nil, nil, fmt.Errorf("load shipment %d: %w", shipmentID, err)
	}

	prevPhase := Phase(sh.LifecyclePhase)
	var prevSub *Subphase
	if sh.DecisionSubphase != nil {
		s := Subphase(*sh.DecisionSubphase)
		prevSub = &s
	}

	derived := Derive(sh)
	result := &UpdateResult{
		ShipmentID:       shipmentID,
		PreviousPhase:    prevPhase,
		NewPhase:         derived.Phase,
		PreviousSubphase: prevSub,
		NewSubphase:      derived.Subphase,
	}

	sameSub := (prevSub == nil && derived.Subphase == nil) ||
		(prevSub != nil && derived.Subphase != nil && *prevSub == *derived.Subphase)
	if prevPhase == derived.Phase && sameSub {
		return result, sh, nil
	}

	if !TransitionAllowed(prevPhase, derived.Phase) ||
		(prevPhase == derived.Phase && !SubphaseTransitionAllowed(prevSub, derived.Subphase)) {
		result.Refused = true
		w.logger.Warn("refusing disallowed lifecycle transition",
			"shipment_id", shipmentID,
			"from", prevPhase, "to", derived.Phase,
			"from_subphase", subphaseString(prevSub),
			"to_subphase", subphaseString(derived.Subphase))
		return result, sh, nil
	}

	var subStr *string
	if derived.Subphase != nil {
		s := string(*derived.Subphase)
		subStr = &s
	}
	if err := w.store.UpdateLifecycle(ctx, shipmentID, string(derived.Phase), subStr); err != nil {
		return nil, nil, fmt.Errorf("persist lifecycle for shipment %d: %w", shipmentID, err)
	}
	result.Changed = true
	if w.metrics != nil {
		w.metrics.RecordTransition(ctx, string(derived.Phase))
	}
	w.logger.Info("lifecycle transition",
		"shipment_id", shipmentID,
		"from", prevPhase, "to", derived.Phase,
		"from_subphase", subphaseString(prevSub),
		"to_subphase", subphaseString(derived.Subphase))

	// Keep the in-memory row consistent for the side-effect call.
	sh.LifecyclePhase = string(derived.Phase)
	sh.DecisionSubphase = subStr
	return result, sh, nil
}

func subphaseString(s *Subphase) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

// Enqueuer schedules lifecycle evaluations on the durable event queue.
type Enqueuer struct {
	Queue *queue.Queue
}

// EnqueueLifecycleEvaluation inserts a lightweight event for one shipment.
// The reason doubles as the coalescing key.
func (e *Enqueuer) EnqueueLifecycleEvaluation(ctx context.Context, shipmentID int64, reason string) error {
	_, err := e.Queue.Enqueue(ctx, &shipmentID, reason, map[string]string{"reason": reason})
	return err
}
