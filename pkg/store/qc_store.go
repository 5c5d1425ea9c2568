package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

// ReplaceQCItems swaps the full QC-item set for a shipment in one
// transaction. Hydration is idempotent, so delete-and-recreate keeps the
// (shipment_id, sku) uniqueness trivially satisfied.
func (s *Store) ReplaceQCItems(ctx context.Context, shipmentID int64, items []model.QCItem) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM qc_items WHERE shipment_id = $1`, shipmentID); err != nil {
			return fmt.Errorf("clear qc items for shipment %d: %w", shipmentID, err)
		}
		insert := `INSERT INTO qc_items (shipment_id, sku, barcode, image_url,
				expected_qty, is_kit_component, parent_sku, collection_id,
				weight_value, weight_unit, location)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
		for _, it := range items {
			_, err := tx.ExecContext(ctx, insert, shipmentID, it.SKU, it.Barcode,
				it.ImageURL, it.ExpectedQty, it.IsKitComponent,
				nullString(it.ParentSKU), nullString(it.CollectionID),
				it.WeightValue, it.WeightUnit, it.Location)
			if err != nil {
				return fmt.Errorf("insert qc item %s for shipment %d: %w", it.SKU, shipmentID, err)
			}
		}
		return nil
	})
}

// ListQCItems returns the QC items for a shipment ordered by SKU.
func (s *Store) ListQCItems(ctx context.Context, shipmentID int64) ([]model.QCItem, error) {
	query := `SELECT id, shipment_id, sku, barcode, image_url, expected_qty,
			is_kit_component, parent_sku, collection_id, weight_value,
			weight_unit, location
		FROM qc_items WHERE shipment_id = $1 ORDER BY sku`
	rows, err := s.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list qc items for shipment %d: %w", shipmentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.QCItem
	for rows.Next() {
		var it model.QCItem
		var parent, collection sql.NullString
		if err := rows.Scan(&it.ID, &it.ShipmentID, &it.SKU, &it.Barcode,
			&it.ImageURL, &it.ExpectedQty, &it.IsKitComponent, &parent,
			&collection, &it.WeightValue, &it.WeightUnit, &it.Location); err != nil {
			return nil, err
		}
		it.ParentSKU = strPtr(parent)
		it.CollectionID = strPtr(collection)
		out = append(out, it)
	}
	return out, rows.Err()
}

// CountQCItems returns the number of QC items attached to a shipment.
func (s *Store) CountQCItems(ctx context.Context, shipmentID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM qc_items WHERE shipment_id = $1`, shipmentID).Scan(&n)
	return n, err
}

// ListShipmentItems returns the purchased lines for a shipment.
func (s *Store) ListShipmentItems(ctx context.Context, shipmentID int64) ([]model.ShipmentItem, error) {
	query := `SELECT id, shipment_id, sku, quantity, unit_price, requires_shipping
		FROM shipment_items WHERE shipment_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, shipmentID)
	if err != nil {
		return nil, fmt.Errorf("list shipment items for shipment %d: %w", shipmentID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ShipmentItem
	for rows.Next() {
		var it model.ShipmentItem
		if err := rows.Scan(&it.ID, &it.ShipmentID, &it.SKU, &it.Quantity,
			&it.UnitPrice, &it.RequiresShipping); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ReplaceShipmentItems rewrites the purchased lines after a storefront edit.
func (s *Store) ReplaceShipmentItems(ctx context.Context, shipmentID int64, items []model.ShipmentItem) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM shipment_items WHERE shipment_id = $1`, shipmentID); err != nil {
			return err
		}
		insert := `INSERT INTO shipment_items (shipment_id, sku, quantity, unit_price, requires_shipping)
			VALUES ($1, $2, $3, $4, $5)`
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, insert, shipmentID, it.SKU, it.Quantity, it.UnitPrice, it.RequiresShipping); err != nil {
				return err
			}
		}
		return nil
	})
}

// FindUnexplodedKitShipments returns unshipped shipments holding a QC item
// whose SKU is a known kit parent but was never exploded.
func (s *Store) FindUnexplodedKitShipments(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT DISTINCT q.shipment_id FROM qc_items q
		JOIN shipments sh ON sh.id = q.shipment_id
		WHERE sh.shipped_at IS NULL
		  AND NOT q.is_kit_component
		  AND q.sku IN (SELECT DISTINCT parent_sku FROM kit_components)
		ORDER BY q.shipment_id
		LIMIT $1`
	return s.listIDs(ctx, query, limit)
}

// FindUnsubstitutedVariantShipments returns unshipped shipments holding a
// QC item persisted under a variant SKU whose catalog row names a parent.
func (s *Store) FindUnsubstitutedVariantShipments(ctx context.Context, limit int) ([]int64, error) {
	query := `SELECT DISTINCT q.shipment_id FROM qc_items q
		JOIN shipments sh ON sh.id = q.shipment_id
		JOIN catalog_products p ON p.sku = q.sku
		WHERE sh.shipped_at IS NULL
		  AND p.parent_sku <> ''
		  AND p.product_category <> 'kit'
		ORDER BY q.shipment_id
		LIMIT $1`
	return s.listIDs(ctx, query, limit)
}

func (s *Store) listIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WipeForRehydration clears QC items and packaging/session assignments so a
// repaired shipment can be hydrated from scratch.
func (s *Store) WipeForRehydration(ctx context.Context, shipmentID int64) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM qc_items WHERE shipment_id = $1`, shipmentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE shipments
			SET fingerprint_id = NULL,
			    fingerprint_status = NULL,
			    packaging_type_id = NULL,
			    station_id = NULL,
			    fulfillment_session_id = NULL,
			    smart_session_spot = NULL,
			    updated_at = NOW()
			WHERE id = $1`, shipmentID)
		return err
	})
}
