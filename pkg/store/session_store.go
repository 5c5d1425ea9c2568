package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

const sessionColumns = `id, station_type, station_id, order_count, max_orders,
	status, sequence_number, created_at, ready_at, picking_at, packing_at,
	completed_at`

func scanSession(row interface{ Scan(...any) error }) (*model.FulfillmentSession, error) {
	var fs model.FulfillmentSession
	var stationID sql.NullInt64
	var readyAt, pickingAt, packingAt, completedAt sql.NullTime
	err := row.Scan(&fs.ID, &fs.StationType, &stationID, &fs.OrderCount,
		&fs.MaxOrders, &fs.Status, &fs.SequenceNumber, &fs.CreatedAt,
		&readyAt, &pickingAt, &packingAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	fs.StationID = int64Ptr(stationID)
	fs.ReadyAt = timePtr(readyAt)
	fs.PickingAt = timePtr(pickingAt)
	fs.PackingAt = timePtr(packingAt)
	fs.CompletedAt = timePtr(completedAt)
	return &fs, nil
}

// GetFulfillmentSession loads one session by id.
func (s *Store) GetFulfillmentSession(ctx context.Context, id int64) (*model.FulfillmentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM fulfillment_sessions WHERE id = $1`
	return scanSession(s.db.QueryRowContext(ctx, query, id))
}

// ListOpenDrafts returns draft sessions of a station type with remaining
// capacity, in creation order so the oldest fills first.
func (s *Store) ListOpenDrafts(ctx context.Context, stationType string) ([]*model.FulfillmentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM fulfillment_sessions
		WHERE status = 'draft' AND station_type = $1 AND order_count < max_orders
		ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, stationType)
	if err != nil {
		return nil, fmt.Errorf("list open drafts for %s: %w", stationType, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.FulfillmentSession
	for rows.Next() {
		fs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fs)
	}
	return out, rows.Err()
}

// CreateFulfillmentSession opens a new draft with a day-scoped sequence
// number.
func (s *Store) CreateFulfillmentSession(ctx context.Context, stationType string, stationID *int64, maxOrders int) (*model.FulfillmentSession, error) {
	query := `INSERT INTO fulfillment_sessions (station_type, station_id, max_orders, status, sequence_number)
		VALUES ($1, $2, $3, 'draft',
			COALESCE((SELECT MAX(sequence_number) FROM fulfillment_sessions
				WHERE created_at::date = NOW()::date), 0) + 1)
		RETURNING ` + sessionColumns
	return scanSession(s.db.QueryRowContext(ctx, query, stationType, nullInt64(stationID), maxOrders))
}

// IncrementOrderCount bumps a session's order count inside a batch
// transaction. The table CHECK rejects overfills.
func (s *Store) IncrementOrderCount(ctx context.Context, tx *sql.Tx, sessionID int64, delta int) error {
	query := `UPDATE fulfillment_sessions SET order_count = order_count + $1 WHERE id = $2`
	_, err := tx.ExecContext(ctx, query, delta, sessionID)
	if err != nil {
		return fmt.Errorf("increment order count for session %d: %w", sessionID, err)
	}
	return nil
}

// MaxSpot returns the highest assigned spot in a session, zero when empty.
// Refills continue numbering from here.
func (s *Store) MaxSpot(ctx context.Context, sessionID int64) (int, error) {
	var maxSpot sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(smart_session_spot) FROM shipments WHERE fulfillment_session_id = $1`,
		sessionID).Scan(&maxSpot)
	if err != nil {
		return 0, err
	}
	if !maxSpot.Valid {
		return 0, nil
	}
	return int(maxSpot.Int64), nil
}

// sessionTransitions enumerates the monotone status edges and the timestamp
// column stamped on each.
var sessionTransitions = map[model.FulfillmentSessionStatus]struct {
	next      model.FulfillmentSessionStatus
	timestamp string
}{
	model.FSDraft:   {model.FSReady, "ready_at"},
	model.FSReady:   {model.FSPicking, "picking_at"},
	model.FSPicking: {model.FSPacking, "packing_at"},
	model.FSPacking: {model.FSCompleted, "completed_at"},
}

// TransitionSession advances a session to the given status, stamping the
// matching timestamp. Only the next monotone status is allowed.
func (s *Store) TransitionSession(ctx context.Context, id int64, to model.FulfillmentSessionStatus) error {
	fs, err := s.GetFulfillmentSession(ctx, id)
	if err != nil {
		return err
	}
	edge, ok := sessionTransitions[fs.Status]
	if !ok || edge.next != to {
		return fmt.Errorf("invalid session transition %s -> %s for session %d", fs.Status, to, id)
	}
	query := fmt.Sprintf(`UPDATE fulfillment_sessions SET status = $1, %s = $2 WHERE id = $3 AND status = $4`, edge.timestamp)
	res, err := s.db.ExecContext(ctx, query, string(to), time.Now().UTC(), id, string(fs.Status))
	if err != nil {
		return fmt.Errorf("transition session %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %d moved concurrently, transition to %s not applied", id, to)
	}
	return nil
}

// UpsertRateAnalysis writes the single cost-analysis row for an external
// shipment id.
func (s *Store) UpsertRateAnalysis(ctx context.Context, ra *model.RateAnalysis) error {
	query := `INSERT INTO rate_analyses (external_shipment_id, customer_service,
			customer_cost, customer_delivery_days, smart_shipping_method,
			smart_cost, smart_delivery_days, savings, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_shipment_id) DO UPDATE SET
			customer_service = EXCLUDED.customer_service,
			customer_cost = EXCLUDED.customer_cost,
			customer_delivery_days = EXCLUDED.customer_delivery_days,
			smart_shipping_method = EXCLUDED.smart_shipping_method,
			smart_cost = EXCLUDED.smart_cost,
			smart_delivery_days = EXCLUDED.smart_delivery_days,
			savings = EXCLUDED.savings,
			reasoning = EXCLUDED.reasoning,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, ra.ExternalShipmentID,
		ra.CustomerService, ra.CustomerCost, ra.CustomerDeliveryDays,
		ra.SmartShippingMethod, ra.SmartCost, ra.SmartDeliveryDays,
		ra.Savings, ra.Reasoning)
	if err != nil {
		return fmt.Errorf("upsert rate analysis %s: %w", ra.ExternalShipmentID, err)
	}
	return nil
}
