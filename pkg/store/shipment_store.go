package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

const shipmentColumns = `id, external_shipment_id, order_number, order_status,
	carrier_code, service_code, dest_postal_code, dest_state, tracking_number,
	shipment_status, delivery_status_code, session_id, session_document_id,
	session_status, spot_number, picker_id, picker_name, lifecycle_phase,
	decision_subphase, fingerprint_id, fingerprint_status, packaging_type_id,
	station_id, fulfillment_session_id, smart_session_spot, rate_check_status,
	proactive_hydration, has_move_over_tag, pick_started_at, pick_ended_at,
	shipped_at, created_at, updated_at`

func scanShipment(row interface{ Scan(...any) error }) (*model.Shipment, error) {
	var (
		sh                                     model.Shipment
		externalID, tracking, sessID, docID    sql.NullString
		sessStatus, pickerID, pickerName       sql.NullString
		subphase, fpStatus                     sql.NullString
		spot, smartSpot                        sql.NullInt64
		fpID, packagingID, stationID, fsID     sql.NullInt64
		pickStart, pickEnd, shippedAt          sql.NullTime
	)
	err := row.Scan(&sh.ID, &externalID, &sh.OrderNumber, &sh.OrderStatus,
		&sh.CarrierCode, &sh.ServiceCode, &sh.DestPostalCode, &sh.DestState,
		&tracking, &sh.ShipmentStatus, &sh.DeliveryStatusCode, &sessID, &docID,
		&sessStatus, &spot, &pickerID, &pickerName, &sh.LifecyclePhase,
		&subphase, &fpID, &fpStatus, &packagingID, &stationID, &fsID,
		&smartSpot, &sh.RateCheckStatus, &sh.ProactiveHydration,
		&sh.HasMoveOverTag, &pickStart, &pickEnd, &shippedAt, &sh.CreatedAt,
		&sh.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sh.ExternalShipmentID = strPtr(externalID)
	sh.TrackingNumber = strPtr(tracking)
	sh.SessionID = strPtr(sessID)
	sh.SessionDocumentID = strPtr(docID)
	if sessStatus.Valid {
		st := model.SessionStatus(sessStatus.String)
		sh.SessionStatus = &st
	}
	sh.SpotNumber = intPtr(spot)
	sh.PickerID = strPtr(pickerID)
	sh.PickerName = strPtr(pickerName)
	sh.DecisionSubphase = strPtr(subphase)
	sh.FingerprintID = int64Ptr(fpID)
	if fpStatus.Valid {
		st := model.FingerprintStatus(fpStatus.String)
		sh.FingerprintStatus = &st
	}
	sh.PackagingTypeID = int64Ptr(packagingID)
	sh.StationID = int64Ptr(stationID)
	sh.FulfillmentSessionID = int64Ptr(fsID)
	sh.SmartSessionSpot = intPtr(smartSpot)
	sh.PickStartedAt = timePtr(pickStart)
	sh.PickEndedAt = timePtr(pickEnd)
	sh.ShippedAt = timePtr(shippedAt)
	return &sh, nil
}

// GetShipment loads one shipment by primary key.
func (s *Store) GetShipment(ctx context.Context, id int64) (*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE id = $1`
	return scanShipment(s.db.QueryRowContext(ctx, query, id))
}

// GetShipmentByExternalID loads a shipment by the label provider's id.
func (s *Store) GetShipmentByExternalID(ctx context.Context, externalID string) (*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE external_shipment_id = $1`
	return scanShipment(s.db.QueryRowContext(ctx, query, externalID))
}

// FindShipmentForSession locates the local shipment for an upstream session
// document by (order_number, external_shipment_id).
func (s *Store) FindShipmentForSession(ctx context.Context, orderNumber, externalID string) (*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments
		WHERE order_number = $1 AND external_shipment_id = $2`
	return scanShipment(s.db.QueryRowContext(ctx, query, orderNumber, externalID))
}

// UpdateLifecycle persists a derived (phase, subphase) atomically with the
// update timestamp.
func (s *Store) UpdateLifecycle(ctx context.Context, id int64, phase string, subphase *string) error {
	query := `UPDATE shipments
		SET lifecycle_phase = $1, decision_subphase = $2, updated_at = NOW()
		WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, phase, nullString(subphase), id)
	if err != nil {
		return fmt.Errorf("update lifecycle for shipment %d: %w", id, err)
	}
	return nil
}

// SetFingerprintResult records the hydration outcome on the shipment row.
// Packaging and station are set only on auto-assignment.
func (s *Store) SetFingerprintResult(ctx context.Context, id int64, fingerprintID *int64, status model.FingerprintStatus, packagingTypeID, stationID *int64) error {
	query := `UPDATE shipments
		SET fingerprint_id = $1,
		    fingerprint_status = $2,
		    packaging_type_id = COALESCE($3, packaging_type_id),
		    station_id = COALESCE($4, station_id),
		    updated_at = NOW()
		WHERE id = $5`
	_, err := s.db.ExecContext(ctx, query,
		nullInt64(fingerprintID), string(status), nullInt64(packagingTypeID), nullInt64(stationID), id)
	if err != nil {
		return fmt.Errorf("set fingerprint result for shipment %d: %w", id, err)
	}
	return nil
}

// SetFingerprintStatus updates just the hydration status marker.
func (s *Store) SetFingerprintStatus(ctx context.Context, id int64, status model.FingerprintStatus) error {
	query := `UPDATE shipments SET fingerprint_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, string(status), id)
	return err
}

// InvalidateFingerprintsForSKUs marks every unshipped shipment containing
// any of the SKUs for recalculation and clears its packaging decisions.
// Returns the number of shipments touched.
func (s *Store) InvalidateFingerprintsForSKUs(ctx context.Context, skus []string) (int64, error) {
	if len(skus) == 0 {
		return 0, nil
	}
	query := `UPDATE shipments
		SET fingerprint_status = 'needs_recalc',
		    fingerprint_id = NULL,
		    packaging_type_id = NULL,
		    station_id = NULL,
		    updated_at = NOW()
		WHERE shipped_at IS NULL
		  AND tracking_number IS NULL
		  AND id IN (SELECT DISTINCT shipment_id FROM qc_items WHERE sku = ANY($1))`
	res, err := s.db.ExecContext(ctx, query, pq.Array(skus))
	if err != nil {
		return 0, fmt.Errorf("invalidate fingerprints: %w", err)
	}
	return res.RowsAffected()
}

// SessionFields is the normalized update written when an upstream session
// document changes.
type SessionFields struct {
	SessionID         string
	SessionDocumentID string
	SessionStatus     model.SessionStatus
	SpotNumber        *int
	PickerID          *string
	PickerName        *string
	PickStartedAt     *time.Time
	PickEndedAt       *time.Time
}

// UpdateSessionFields writes a single normalized session update.
func (s *Store) UpdateSessionFields(ctx context.Context, id int64, f SessionFields) error {
	query := `UPDATE shipments
		SET session_id = $1,
		    session_document_id = $2,
		    session_status = $3,
		    spot_number = $4,
		    picker_id = $5,
		    picker_name = $6,
		    pick_started_at = $7,
		    pick_ended_at = $8,
		    updated_at = NOW()
		WHERE id = $9`
	var spot sql.NullInt64
	if f.SpotNumber != nil {
		spot = sql.NullInt64{Int64: int64(*f.SpotNumber), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query, f.SessionID, f.SessionDocumentID,
		string(f.SessionStatus), spot, nullString(f.PickerID), nullString(f.PickerName),
		nullTime(f.PickStartedAt), nullTime(f.PickEndedAt), id)
	if err != nil {
		return fmt.Errorf("update session fields for shipment %d: %w", id, err)
	}
	return nil
}

// MarkSessionClosed records a detected closed transition.
func (s *Store) MarkSessionClosed(ctx context.Context, id int64, pickEndedAt *time.Time) error {
	query := `UPDATE shipments
		SET session_status = 'closed',
		    pick_ended_at = COALESCE($1, pick_ended_at, NOW()),
		    updated_at = NOW()
		WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, nullTime(pickEndedAt), id)
	return err
}

// ActiveSessionRef is a (shipment, session) pair still believed open.
type ActiveSessionRef struct {
	ShipmentID int64
	SessionID  string
}

// ListActiveSessionRefs returns shipments whose stored session status is
// new, active, or inactive. Used for closed-transition detection.
func (s *Store) ListActiveSessionRefs(ctx context.Context) ([]ActiveSessionRef, error) {
	query := `SELECT id, session_id FROM shipments
		WHERE session_status IN ('new', 'active', 'inactive')
		  AND session_id IS NOT NULL`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var refs []ActiveSessionRef
	for rows.Next() {
		var r ActiveSessionRef
		if err := rows.Scan(&r.ShipmentID, &r.SessionID); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// ListSessionable returns shipments eligible for session assignment,
// ordered by (station_id, fingerprint_id, order_number). Pass an empty
// stationType to include all.
func (s *Store) ListSessionable(ctx context.Context, stationType string) ([]*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments sh
		WHERE sh.decision_subphase = 'needs_session'
		  AND sh.packaging_type_id IS NOT NULL
		  AND sh.station_id IS NOT NULL
		  AND sh.fulfillment_session_id IS NULL
		  AND sh.shipment_status = 'on_hold'
		  AND sh.has_move_over_tag
		  AND sh.order_status <> 'cancelled'
		  AND ($1 = '' OR sh.station_id IN (SELECT id FROM stations WHERE station_type = $1))
		ORDER BY sh.station_id, sh.fingerprint_id, sh.order_number`
	rows, err := s.db.QueryContext(ctx, query, stationType)
	if err != nil {
		return nil, fmt.Errorf("list sessionable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// AssignToSession sets the fulfillment session and spot inside an open
// transaction so the order-count bump commits atomically with it.
func (s *Store) AssignToSession(ctx context.Context, tx *sql.Tx, shipmentID, sessionID int64, spot int) error {
	query := `UPDATE shipments
		SET fulfillment_session_id = $1, smart_session_spot = $2, updated_at = NOW()
		WHERE id = $3`
	_, err := tx.ExecContext(ctx, query, sessionID, spot, shipmentID)
	return err
}

// ClearSessionAssignment returns a shipment to the pre-session subphase.
func (s *Store) ClearSessionAssignment(ctx context.Context, shipmentID int64) error {
	query := `UPDATE shipments
		SET fulfillment_session_id = NULL, smart_session_spot = NULL, updated_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, shipmentID)
	return err
}

// ListForFingerprintBackfill returns shipments whose fingerprint work is
// incomplete: null/recalc/missing-weight/pending-categorization status, or a
// fingerprint that recorded zero total weight.
func (s *Store) ListForFingerprintBackfill(ctx context.Context, limit int) ([]*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments sh
		WHERE sh.shipped_at IS NULL
		  AND (sh.fingerprint_status IS NULL
		    OR sh.fingerprint_status IN ('needs_recalc', 'missing_weight', 'pending_categorization')
		    OR sh.fingerprint_id IN (SELECT id FROM fingerprints WHERE total_weight = 0))
		ORDER BY sh.id
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list fingerprint backfill: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ListMissingWeightRepairable returns missing-weight shipments whose QC
// SKUs have since acquired weight data in the catalog mirror.
func (s *Store) ListMissingWeightRepairable(ctx context.Context, limit int) ([]*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments sh
		WHERE sh.fingerprint_status = 'missing_weight'
		  AND sh.shipped_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM qc_items q
			JOIN catalog_products p ON p.sku = q.sku
			WHERE q.shipment_id = sh.id AND p.weight_value <= 0)
		ORDER BY sh.id
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list missing-weight repairable: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// SetRateCheckStatus updates the rate-check marker.
func (s *Store) SetRateCheckStatus(ctx context.Context, id int64, status model.RateCheckStatus) error {
	query := `UPDATE shipments SET rate_check_status = $1, updated_at = NOW() WHERE id = $2`
	_, err := s.db.ExecContext(ctx, query, string(status), id)
	return err
}

// SetProactiveHydration flags a shipment hydrated ahead of demand.
func (s *Store) SetProactiveHydration(ctx context.Context, id int64) error {
	query := `UPDATE shipments SET proactive_hydration = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// ListRepairCohort pages through a named repair cohort by ascending id.
// Cohorts are fixed queries; operators pick one when enqueuing a repair job.
func (s *Store) ListRepairCohort(ctx context.Context, cohort string, afterID int64, limit int) ([]*model.Shipment, error) {
	var where string
	switch cohort {
	case "stale_on_dock":
		where = `lifecycle_phase = 'on_dock'
			AND (order_status <> 'pending' OR shipment_status <> 'pending')`
	case "stale_awaiting_decisions":
		where = `lifecycle_phase = 'awaiting_decisions' AND session_status IS NOT NULL`
	default:
		return nil, fmt.Errorf("unknown repair cohort %q", cohort)
	}
	query := `SELECT ` + shipmentColumns + ` FROM shipments
		WHERE ` + where + ` AND id > $1 ORDER BY id LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list repair cohort %q: %w", cohort, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// WebhookShipment is the normalized shape ingested from label-provider
// webhook events.
type WebhookShipment struct {
	ExternalShipmentID string
	OrderNumber        string
	CarrierCode        string
	ServiceCode        string
	DestPostalCode     string
	DestState          string
	TrackingNumber     *string
	ShipmentStatus     model.ShipmentStatus
	DeliveryStatusCode string
}

// UpsertShipmentFromWebhook writes an ingested shipment row keyed by
// external shipment id and returns the local id.
func (s *Store) UpsertShipmentFromWebhook(ctx context.Context, w WebhookShipment) (int64, error) {
	query := `INSERT INTO shipments (external_shipment_id, order_number,
			carrier_code, service_code, dest_postal_code, dest_state,
			tracking_number, shipment_status, delivery_status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_shipment_id) DO UPDATE SET
			order_number = EXCLUDED.order_number,
			carrier_code = EXCLUDED.carrier_code,
			service_code = EXCLUDED.service_code,
			dest_postal_code = EXCLUDED.dest_postal_code,
			dest_state = EXCLUDED.dest_state,
			tracking_number = COALESCE(EXCLUDED.tracking_number, shipments.tracking_number),
			shipment_status = EXCLUDED.shipment_status,
			delivery_status_code = EXCLUDED.delivery_status_code,
			updated_at = NOW()
		RETURNING id`
	var id int64
	err := s.db.QueryRowContext(ctx, query, w.ExternalShipmentID, w.OrderNumber,
		w.CarrierCode, w.ServiceCode, w.DestPostalCode, w.DestState,
		nullString(w.TrackingNumber), string(w.ShipmentStatus), w.DeliveryStatusCode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert shipment %s: %w", w.ExternalShipmentID, err)
	}
	return id, nil
}

// FindShipmentByTracking locates a shipment by (tracking_number,
// carrier_code), the unique pair track events are keyed by.
func (s *Store) FindShipmentByTracking(ctx context.Context, tracking, carrierCode string) (*model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments
		WHERE tracking_number = $1 AND carrier_code = $2`
	return scanShipment(s.db.QueryRowContext(ctx, query, tracking, carrierCode))
}

// SetTrackingNumber records a tracking number from a track event.
func (s *Store) SetTrackingNumber(ctx context.Context, id int64, tracking, deliveryStatus string) error {
	query := `UPDATE shipments
		SET tracking_number = $1, delivery_status_code = $2, updated_at = NOW()
		WHERE id = $3`
	_, err := s.db.ExecContext(ctx, query, tracking, deliveryStatus, id)
	return err
}
