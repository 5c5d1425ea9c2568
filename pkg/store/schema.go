package store

// schemaStatements is the idempotent DDL for the core tables. Arbitrary
// schema migration is out of scope; new columns ship with new releases.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS shipments (
		id BIGSERIAL PRIMARY KEY,
		external_shipment_id TEXT UNIQUE,
		order_number TEXT NOT NULL,
		order_status TEXT NOT NULL DEFAULT 'pending',
		carrier_code TEXT NOT NULL DEFAULT '',
		service_code TEXT NOT NULL DEFAULT '',
		dest_postal_code TEXT NOT NULL DEFAULT '',
		dest_state TEXT NOT NULL DEFAULT '',
		tracking_number TEXT,
		shipment_status TEXT NOT NULL DEFAULT 'pending',
		delivery_status_code TEXT NOT NULL DEFAULT '',
		session_id TEXT,
		session_document_id TEXT,
		session_status TEXT,
		spot_number INT,
		picker_id TEXT,
		picker_name TEXT,
		lifecycle_phase TEXT NOT NULL DEFAULT '',
		decision_subphase TEXT,
		fingerprint_id BIGINT,
		fingerprint_status TEXT,
		packaging_type_id BIGINT,
		station_id BIGINT,
		fulfillment_session_id BIGINT,
		smart_session_spot INT,
		rate_check_status TEXT NOT NULL DEFAULT 'none',
		proactive_hydration BOOLEAN NOT NULL DEFAULT FALSE,
		has_move_over_tag BOOLEAN NOT NULL DEFAULT FALSE,
		pick_started_at TIMESTAMPTZ,
		pick_ended_at TIMESTAMPTZ,
		shipped_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (tracking_number, carrier_code)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_shipments_lifecycle
		ON shipments (lifecycle_phase, decision_subphase)`,
	`CREATE INDEX IF NOT EXISTS idx_shipments_order_number
		ON shipments (order_number)`,

	`CREATE TABLE IF NOT EXISTS shipment_items (
		id BIGSERIAL PRIMARY KEY,
		shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
		sku TEXT NOT NULL,
		quantity INT NOT NULL,
		unit_price NUMERIC(12,2) NOT NULL DEFAULT 0,
		requires_shipping BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS qc_items (
		id BIGSERIAL PRIMARY KEY,
		shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
		sku TEXT NOT NULL,
		barcode TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		expected_qty INT NOT NULL,
		is_kit_component BOOLEAN NOT NULL DEFAULT FALSE,
		parent_sku TEXT,
		collection_id TEXT,
		weight_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		weight_unit TEXT NOT NULL DEFAULT 'oz',
		location TEXT NOT NULL DEFAULT '',
		UNIQUE (shipment_id, sku)
	)`,

	`CREATE TABLE IF NOT EXISTS fingerprints (
		id BIGSERIAL PRIMARY KEY,
		signature TEXT NOT NULL,
		signature_hash TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		item_count INT NOT NULL DEFAULT 0,
		total_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
		weight_unit TEXT NOT NULL DEFAULT 'oz',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS fingerprint_models (
		id BIGSERIAL PRIMARY KEY,
		fingerprint_id BIGINT NOT NULL UNIQUE REFERENCES fingerprints(id),
		packaging_type_id BIGINT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS packaging_types (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		station_type TEXT NOT NULL,
		length_in DOUBLE PRECISION NOT NULL DEFAULT 0,
		width_in DOUBLE PRECISION NOT NULL DEFAULT 0,
		height_in DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_weight_oz DOUBLE PRECISION NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS stations (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		station_type TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS product_collections (
		sku TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL,
		collection_name TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS catalog_products (
		sku TEXT PRIMARY KEY,
		barcode TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		is_assembled_product BOOLEAN NOT NULL DEFAULT FALSE,
		weight_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		weight_unit TEXT NOT NULL DEFAULT 'oz',
		product_category TEXT NOT NULL DEFAULT '',
		parent_sku TEXT NOT NULL DEFAULT '',
		quantity_on_hand INT NOT NULL DEFAULT 0,
		physical_location TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS kit_components (
		parent_sku TEXT NOT NULL,
		component_sku TEXT NOT NULL,
		component_qty INT NOT NULL,
		snapshot_timestamp TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (parent_sku, component_sku)
	)`,

	`CREATE TABLE IF NOT EXISTS fulfillment_sessions (
		id BIGSERIAL PRIMARY KEY,
		station_type TEXT NOT NULL,
		station_id BIGINT,
		order_count INT NOT NULL DEFAULT 0,
		max_orders INT NOT NULL DEFAULT 28,
		status TEXT NOT NULL DEFAULT 'draft',
		sequence_number INT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		ready_at TIMESTAMPTZ,
		picking_at TIMESTAMPTZ,
		packing_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		CHECK (order_count <= max_orders)
	)`,

	`CREATE TABLE IF NOT EXISTS rate_analyses (
		id BIGSERIAL PRIMARY KEY,
		external_shipment_id TEXT NOT NULL UNIQUE,
		customer_service TEXT NOT NULL DEFAULT '',
		customer_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		customer_delivery_days INT NOT NULL DEFAULT 0,
		smart_shipping_method TEXT NOT NULL DEFAULT '',
		smart_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		smart_delivery_days INT NOT NULL DEFAULT 0,
		savings DOUBLE PRECISION NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS queue_jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		shipment_id BIGINT,
		coalesce_key TEXT,
		payload JSONB NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 5,
		next_retry_at TIMESTAMPTZ,
		last_error TEXT,
		last_http_status INT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_jobs_dispatch
		ON queue_jobs (queue, status, created_at)`,

	`CREATE TABLE IF NOT EXISTS repair_jobs (
		id TEXT PRIMARY KEY,
		cohort TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		processed INT NOT NULL DEFAULT 0,
		updated INT NOT NULL DEFAULT 0,
		errors INT NOT NULL DEFAULT 0,
		cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ
	)`,
}
