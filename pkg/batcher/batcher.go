// Package batcher builds fulfillment sessions: it groups sessionable
// shipments by station type, fills existing drafts before opening new ones,
// and assigns cart spots.
package batcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/packhouse-labs/fulfillment-core/pkg/config"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// Store is the persistence surface the batcher needs.
type Store interface {
	ListSessionable(ctx context.Context, stationType string) ([]*model.Shipment, error)
	ListOpenDrafts(ctx context.Context, stationType string) ([]*model.FulfillmentSession, error)
	CreateFulfillmentSession(ctx context.Context, stationType string, stationID *int64, maxOrders int) (*model.FulfillmentSession, error)
	IncrementOrderCount(ctx context.Context, tx *sql.Tx, sessionID int64, delta int) error
	AssignToSession(ctx context.Context, tx *sql.Tx, shipmentID, sessionID int64, spot int) error
	MaxSpot(ctx context.Context, sessionID int64) (int, error)
	GetShipment(ctx context.Context, id int64) (*model.Shipment, error)
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
}

// Enqueuer schedules lifecycle evaluations after assignment.
type Enqueuer interface {
	EnqueueLifecycleEvaluation(ctx context.Context, shipmentID int64, reason string) error
}

// Assignment is one planned shipment-to-session placement.
type Assignment struct {
	ShipmentID  int64  `json:"shipment_id"`
	OrderNumber string `json:"order_number"`
	SessionID   int64  `json:"session_id"`
	Spot        int    `json:"spot"`
	NewSession  bool   `json:"new_session"`
}

// Report is the outcome of one build pass.
type Report struct {
	DryRun          bool         `json:"dry_run"`
	Candidates      int          `json:"candidates"`
	Assigned        int          `json:"assigned"`
	SkippedStale    int          `json:"skipped_stale"`
	SessionsCreated int          `json:"sessions_created"`
	Assignments     []Assignment `json:"assignments"`
}

// Batcher builds sessions.
type Batcher struct {
	store  Store
	queue  Enqueuer
	policy *config.Policy
	logger *slog.Logger
}

// New creates a batcher.
func New(st Store, queue Enqueuer, policy *config.Policy, logger *slog.Logger) *Batcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		store:  st,
		queue:  queue,
		policy: policy,
		logger: logger.With("component", "batcher"),
	}
}

// ErrUnknownStationType rejects a filter naming a station type the policy
// does not know.
var ErrUnknownStationType = errors.New("unknown station type")

// BuildSessions runs one build pass in policy priority order. A non-empty
// stationType restricts the pass to that type; empty covers every type with
// sessionable work. With dryRun the plan is computed but nothing is written.
func (b *Batcher) BuildSessions(ctx context.Context, stationType string, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}

	types := b.stationTypes()
	if stationType != "" {
		if _, ok := b.policy.StationTypePriority[stationType]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownStationType, stationType)
		}
		types = []string{stationType}
	}
	for _, st := range types {
		if err := b.buildForStationType(ctx, st, dryRun, report); err != nil {
			return report, err
		}
	}
	b.logger.Info("session build pass finished",
		"dry_run", dryRun,
		"station_type", stationType,
		"candidates", report.Candidates,
		"assigned", report.Assigned,
		"sessions_created", report.SessionsCreated,
		"skipped_stale", report.SkippedStale)
	return report, nil
}

// stationTypes returns every known station type in policy priority order.
// Types without sessionable work come back empty from the per-type query.
func (b *Batcher) stationTypes() []string {
	types := make([]string, 0, len(b.policy.StationTypePriority))
	for t := range b.policy.StationTypePriority {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		pi, pj := b.policy.StationPriority(types[i]), b.policy.StationPriority(types[j])
		if pi != pj {
			return pi < pj
		}
		return types[i] < types[j]
	})
	return types
}

// buildForStationType fills drafts of one station type, oldest first, then
// opens new sessions for the remainder.
func (b *Batcher) buildForStationType(ctx context.Context, stationType string, dryRun bool, report *Report) error {
	candidates, err := b.store.ListSessionable(ctx, stationType)
	if err != nil {
		return fmt.Errorf("list sessionable for %s: %w", stationType, err)
	}
	if len(candidates) == 0 {
		return nil
	}
	report.Candidates += len(candidates)

	drafts, err := b.store.ListOpenDrafts(ctx, stationType)
	if err != nil {
		return err
	}

	next := 0
	for _, draft := range drafts {
		if next >= len(candidates) {
			return nil
		}
		n, err := b.fillSession(ctx, draft, candidates[next:], dryRun, false, report)
		if err != nil {
			return err
		}
		next += n
	}

	for next < len(candidates) {
		remaining := candidates[next:]
		var session *model.FulfillmentSession
		if dryRun {
			session = &model.FulfillmentSession{
				ID:          -int64(report.SessionsCreated + 1), // placeholder id for the plan
				StationType: stationType,
				MaxOrders:   b.policy.SessionCapacity,
				Status:      model.FSDraft,
			}
		} else {
			session, err = b.store.CreateFulfillmentSession(ctx, stationType, remaining[0].StationID, b.policy.SessionCapacity)
			if err != nil {
				return fmt.Errorf("create session for %s: %w", stationType, err)
			}
			b.logger.Info("opened fulfillment session",
				"session_id", session.ID, "station_type", stationType,
				"sequence", session.SequenceNumber)
		}
		report.SessionsCreated++
		n, err := b.fillSession(ctx, session, remaining, dryRun, true, report)
		if err != nil {
			return err
		}
		if n == 0 {
			// Everything left was stale; stop opening empty sessions.
			return nil
		}
		next += n
	}
	return nil
}

// fillSession assigns shipments into one session up to its remaining
// capacity. Spot numbers continue from the session's current maximum.
// Returns how many candidates were consumed, assigned or skipped.
func (b *Batcher) fillSession(ctx context.Context, session *model.FulfillmentSession, candidates []*model.Shipment, dryRun, isNew bool, report *Report) (int, error) {
	capacity := session.MaxOrders - session.OrderCount
	if capacity <= 0 {
		return 0, nil
	}

	// Drafts keep their spot numbering in dry runs too, so the plan shows
	// the spots a live pass would hand out.
	spot := 0
	if !isNew {
		maxSpot, err := b.store.MaxSpot(ctx, session.ID)
		if err != nil {
			return 0, fmt.Errorf("max spot for session %d: %w", session.ID, err)
		}
		spot = maxSpot
	}

	consumed := 0
	assigned := 0
	for _, sh := range candidates {
		if assigned >= capacity {
			break
		}
		consumed++

		if dryRun {
			spot++
			assigned++
			report.Assigned++
			report.Assignments = append(report.Assignments, Assignment{
				ShipmentID:  sh.ID,
				OrderNumber: sh.OrderNumber,
				SessionID:   session.ID,
				Spot:        spot,
				NewSession:  isNew,
			})
			continue
		}

		ok, err := b.assignOne(ctx, sh.ID, session.ID, spot+1)
		if err != nil {
			return consumed, err
		}
		if !ok {
			report.SkippedStale++
			continue
		}
		spot++
		assigned++
		report.Assigned++
		report.Assignments = append(report.Assignments, Assignment{
			ShipmentID:  sh.ID,
			OrderNumber: sh.OrderNumber,
			SessionID:   session.ID,
			Spot:        spot,
			NewSession:  isNew,
		})
		if err := b.queue.EnqueueLifecycleEvaluation(ctx, sh.ID, "session_assigned"); err != nil {
			return consumed, err
		}
	}
	return consumed, nil
}

// assignOne revalidates the shipment against a fresh row and writes the
// assignment with the order-count bump in one transaction. A shipment that
// moved since listing is skipped, not failed.
func (b *Batcher) assignOne(ctx context.Context, shipmentID, sessionID int64, spot int) (bool, error) {
	fresh, err := b.store.GetShipment(ctx, shipmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !stillSessionable(fresh) {
		b.logger.Info("shipment moved since listing, skipping",
			"shipment_id", shipmentID, "phase", fresh.LifecyclePhase,
			"shipment_status", fresh.ShipmentStatus)
		return false, nil
	}

	err = b.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := b.store.AssignToSession(ctx, tx, shipmentID, sessionID, spot); err != nil {
			return err
		}
		return b.store.IncrementOrderCount(ctx, tx, sessionID, 1)
	})
	if err != nil {
		return false, fmt.Errorf("assign shipment %d to session %d: %w", shipmentID, sessionID, err)
	}
	return true, nil
}

// stillSessionable re-checks eligibility on a fresh row.
func stillSessionable(sh *model.Shipment) bool {
	if sh.FulfillmentSessionID != nil {
		return false
	}
	if sh.ShipmentStatus != model.ShipmentOnHold {
		return false
	}
	if !sh.HasMoveOverTag {
		return false
	}
	if sh.OrderStatus == "cancelled" {
		return false
	}
	if sh.PackagingTypeID == nil || sh.StationID == nil {
		return false
	}
	return true
}
