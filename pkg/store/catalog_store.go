package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/packhouse-labs/fulfillment-core/pkg/model"
)

// GetProducts batch-loads catalog rows from the hourly-mirrored products
// table. Absent SKUs are simply missing from the result map.
func (s *Store) GetProducts(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error) {
	out := make(map[string]model.CatalogProduct, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	query := `SELECT sku, barcode, description, image_url, is_assembled_product,
			weight_value, weight_unit, product_category, parent_sku,
			quantity_on_hand, physical_location
		FROM catalog_products WHERE sku = ANY($1)`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(skus))
	if err != nil {
		return nil, fmt.Errorf("get products: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p model.CatalogProduct
		if err := rows.Scan(&p.SKU, &p.Barcode, &p.Description, &p.ImageURL,
			&p.IsAssembledProduct, &p.WeightValue, &p.WeightUnit,
			&p.ProductCategory, &p.ParentSKU, &p.QuantityOnHand,
			&p.PhysicalLocation); err != nil {
			return nil, err
		}
		out[p.SKU] = p
	}
	return out, rows.Err()
}

// KitSnapshotTimestamp returns the newest snapshot_timestamp in the kit
// mappings view, the freshness gate for the in-memory kit cache.
func (s *Store) KitSnapshotTimestamp(ctx context.Context) (time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(snapshot_timestamp) FROM kit_components`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("kit snapshot timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// LoadKitSnapshot loads the entire parent->components mapping and its
// snapshot timestamp in one pass.
func (s *Store) LoadKitSnapshot(ctx context.Context) (map[string][]model.KitComponent, time.Time, error) {
	query := `SELECT parent_sku, component_sku, component_qty, snapshot_timestamp
		FROM kit_components ORDER BY parent_sku, component_sku`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load kit snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	kits := make(map[string][]model.KitComponent)
	var newest time.Time
	for rows.Next() {
		var parent, component string
		var qty int
		var ts time.Time
		if err := rows.Scan(&parent, &component, &qty, &ts); err != nil {
			return nil, time.Time{}, err
		}
		kits[parent] = append(kits[parent], model.KitComponent{SKU: component, Qty: qty})
		if ts.After(newest) {
			newest = ts
		}
	}
	return kits, newest, rows.Err()
}

// GetCollections batch-loads SKU -> collection mappings.
func (s *Store) GetCollections(ctx context.Context, skus []string) (map[string]model.ProductCollection, error) {
	out := make(map[string]model.ProductCollection, len(skus))
	if len(skus) == 0 {
		return out, nil
	}
	query := `SELECT sku, collection_id, collection_name, updated_at
		FROM product_collections WHERE sku = ANY($1)`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(skus))
	if err != nil {
		return nil, fmt.Errorf("get collections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var c model.ProductCollection
		if err := rows.Scan(&c.SKU, &c.CollectionID, &c.CollectionName, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out[c.SKU] = c
	}
	return out, rows.Err()
}

// UpsertCollectionMapping writes a SKU -> collection mapping. Callers must
// follow up with fingerprint invalidation for affected shipments.
func (s *Store) UpsertCollectionMapping(ctx context.Context, c model.ProductCollection) error {
	query := `INSERT INTO product_collections (sku, collection_id, collection_name, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (sku) DO UPDATE SET
			collection_id = EXCLUDED.collection_id,
			collection_name = EXCLUDED.collection_name,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, c.SKU, c.CollectionID, c.CollectionName)
	if err != nil {
		return fmt.Errorf("upsert collection mapping %s: %w", c.SKU, err)
	}
	return nil
}
