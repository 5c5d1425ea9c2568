package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/packhouse-labs/fulfillment-core/pkg/config"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// ErrDeferred marks a non-fatal precondition failure: the catalog has no
// entry for a purchased SKU yet. The queue retries with normal backoff.
var ErrDeferred = errors.New("hydration deferred")

// Store is the persistence surface the engine needs.
type Store interface {
	GetShipment(ctx context.Context, id int64) (*model.Shipment, error)
	ListShipmentItems(ctx context.Context, shipmentID int64) ([]model.ShipmentItem, error)
	ListQCItems(ctx context.Context, shipmentID int64) ([]model.QCItem, error)
	ReplaceQCItems(ctx context.Context, shipmentID int64, items []model.QCItem) error
	GetCollections(ctx context.Context, skus []string) (map[string]model.ProductCollection, error)
	FindFingerprintByHash(ctx context.Context, hash string) (*model.Fingerprint, error)
	CreateFingerprint(ctx context.Context, fp *model.Fingerprint) (bool, error)
	GetFingerprintModel(ctx context.Context, fingerprintID int64) (*model.FingerprintModel, error)
	GetPackagingType(ctx context.Context, id int64) (*model.PackagingType, error)
	FirstActiveStation(ctx context.Context, stationType string) (*model.Station, error)
	SetFingerprintResult(ctx context.Context, id int64, fingerprintID *int64, status model.FingerprintStatus, packagingTypeID, stationID *int64) error
	InvalidateFingerprintsForSKUs(ctx context.Context, skus []string) (int64, error)
	ListForFingerprintBackfill(ctx context.Context, limit int) ([]*model.Shipment, error)
	ListMissingWeightRepairable(ctx context.Context, limit int) ([]*model.Shipment, error)
	FindUnexplodedKitShipments(ctx context.Context, limit int) ([]int64, error)
	FindUnsubstitutedVariantShipments(ctx context.Context, limit int) ([]int64, error)
	WipeForRehydration(ctx context.Context, shipmentID int64) error
}

// Catalog is the kit/product cache surface.
type Catalog interface {
	EnsureFresh(ctx context.Context) error
	IsKit(sku string) bool
	Components(sku string) ([]model.KitComponent, bool)
	Preload(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error)
	GetProducts(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error)
}

// Enqueuer schedules a lifecycle re-evaluation after hydration.
type Enqueuer interface {
	EnqueueLifecycleEvaluation(ctx context.Context, shipmentID int64, reason string) error
}

// HydrationResult reports what one hydration pass did.
type HydrationResult struct {
	ShipmentID        int64                   `json:"shipment_id"`
	OrderNumber       string                  `json:"order_number"`
	ItemsCreated      int                     `json:"items_created"`
	FingerprintStatus model.FingerprintStatus `json:"fingerprint_status"`
	FingerprintID     *int64                  `json:"fingerprint_id,omitempty"`
	FingerprintIsNew  bool                    `json:"fingerprint_is_new"`
	UncategorizedSKUs []string                `json:"uncategorized_skus,omitempty"`
	MissingWeightSKUs []string                `json:"missing_weight_skus,omitempty"`
	PackagingAssigned bool                    `json:"packaging_assigned"`
}

// Engine explodes shipment items into scan units, computes the fingerprint,
// and auto-assigns packaging when a prior decision exists. Every operation
// is idempotent; a shipment is re-runnable at any time.
type Engine struct {
	store   Store
	catalog Catalog
	queue   Enqueuer
	policy  *config.Policy
	logger  *slog.Logger
}

// New creates an engine.
func New(st Store, cat Catalog, queue Enqueuer, policy *config.Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   st,
		catalog: cat,
		queue:   queue,
		policy:  policy,
		logger:  logger.With("component", "fingerprint_engine"),
	}
}

// scanUnit is an intermediate post-explosion line before aggregation.
type scanUnit struct {
	sku            string
	qty            int
	isKitComponent bool
	parentSKU      string // kit parent or substituted variant lineage
}

// Hydrate runs the full QC explosion and fingerprint computation for one
// shipment. A missing catalog entry for a purchased SKU returns ErrDeferred
// rather than guessing.
func (e *Engine) Hydrate(ctx context.Context, shipmentID int64, orderNumber string) (*HydrationResult, error) {
	res := &HydrationResult{ShipmentID: shipmentID, OrderNumber: orderNumber}

	items, err := e.store.ListShipmentItems(ctx, shipmentID)
	if err != nil {
		return res, fmt.Errorf("load shipment items: %w", err)
	}

	rawSKUs := make([]string, 0, len(items))
	for _, it := range items {
		rawSKUs = append(rawSKUs, it.SKU)
	}
	products, err := e.catalog.Preload(ctx, rawSKUs)
	if err != nil {
		return res, fmt.Errorf("preload catalog: %w", err)
	}

	units, err := e.explode(items, products)
	if err != nil {
		return res, err
	}
	aggregated := aggregate(units)

	finalSKUs := make([]string, 0, len(aggregated))
	for _, u := range aggregated {
		finalSKUs = append(finalSKUs, u.sku)
	}
	finalProducts, err := e.catalog.GetProducts(ctx, finalSKUs)
	if err != nil {
		return res, fmt.Errorf("load catalog for scan units: %w", err)
	}
	collections, err := e.store.GetCollections(ctx, finalSKUs)
	if err != nil {
		return res, fmt.Errorf("load collections: %w", err)
	}

	qcItems := make([]model.QCItem, 0, len(aggregated))
	for _, u := range aggregated {
		item := model.QCItem{
			ShipmentID:     shipmentID,
			SKU:            u.sku,
			ExpectedQty:    u.qty,
			IsKitComponent: u.isKitComponent,
			WeightUnit:     "oz",
		}
		if u.parentSKU != "" {
			parent := u.parentSKU
			item.ParentSKU = &parent
		}
		if p, ok := finalProducts[u.sku]; ok {
			item.Barcode = p.Barcode
			item.ImageURL = p.ImageURL
			item.WeightValue = weightInOunces(p.WeightValue, p.WeightUnit)
			item.Location = p.PhysicalLocation
		}
		if c, ok := collections[u.sku]; ok {
			id := c.CollectionID
			item.CollectionID = &id
		}
		qcItems = append(qcItems, item)
	}

	if err := e.store.ReplaceQCItems(ctx, shipmentID, qcItems); err != nil {
		return res, fmt.Errorf("write qc items: %w", err)
	}
	res.ItemsCreated = len(qcItems)

	status, err := e.computeFingerprint(ctx, shipmentID, qcItems, res)
	if err != nil {
		return res, err
	}
	res.FingerprintStatus = status

	if e.queue != nil {
		if err := e.queue.EnqueueLifecycleEvaluation(ctx, shipmentID, "hydration"); err != nil {
			e.logger.Warn("lifecycle enqueue after hydration failed",
				"shipment_id", shipmentID, "error", err)
		}
	}
	return res, nil
}

// explode applies the per-line explosion rules. Ordered, all idempotent:
// kit-categorised products and out-of-stock assembled products explode into
// components; variants roll up to their parent; excluded SKUs are dropped.
func (e *Engine) explode(items []model.ShipmentItem, products map[string]model.CatalogProduct) ([]scanUnit, error) {
	var units []scanUnit
	for _, line := range items {
		if !line.RequiresShipping {
			continue
		}
		if e.policy.SKUExcluded(line.SKU) {
			continue
		}
		product, ok := products[line.SKU]
		if !ok {
			return nil, fmt.Errorf("%w: no catalog entry for sku %s", ErrDeferred, line.SKU)
		}

		components, isKit := e.catalog.Components(line.SKU)
		shouldExplode := isKit &&
			(strings.EqualFold(product.ProductCategory, "kit") ||
				(product.IsAssembledProduct && product.QuantityOnHand == 0))

		switch {
		case shouldExplode:
			for _, comp := range components {
				if e.policy.SKUExcluded(comp.SKU) {
					continue
				}
				units = append(units, scanUnit{
					sku:            comp.SKU,
					qty:            comp.Qty * line.Quantity,
					isKitComponent: true,
					parentSKU:      line.SKU,
				})
			}
		case product.ParentSKU != "":
			// Variant -> parent rollup; keep the variant as lineage only.
			units = append(units, scanUnit{
				sku:       product.ParentSKU,
				qty:       line.Quantity,
				parentSKU: line.SKU,
			})
		default:
			units = append(units, scanUnit{sku: line.SKU, qty: line.Quantity})
		}
	}
	return units, nil
}

// aggregate merges duplicate SKUs (a kit component may collide with a
// direct line item), preserving kit lineage when any occurrence was
// exploded. Output is SKU-sorted for deterministic writes.
func aggregate(units []scanUnit) []scanUnit {
	bySKU := make(map[string]*scanUnit)
	for _, u := range units {
		agg, ok := bySKU[u.sku]
		if !ok {
			copied := u
			bySKU[u.sku] = &copied
			continue
		}
		agg.qty += u.qty
		if u.isKitComponent && !agg.isKitComponent {
			agg.isKitComponent = true
			agg.parentSKU = u.parentSKU
		}
	}
	out := make([]scanUnit, 0, len(bySKU))
	for _, u := range bySKU {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sku < out[j].sku })
	return out
}

// computeFingerprint classifies the QC set and finds or creates the
// fingerprint row, inheriting packaging from an existing fingerprint model.
func (e *Engine) computeFingerprint(ctx context.Context, shipmentID int64, qcItems []model.QCItem, res *HydrationResult) (model.FingerprintStatus, error) {
	for _, it := range qcItems {
		if it.CollectionID == nil {
			res.UncategorizedSKUs = append(res.UncategorizedSKUs, it.SKU)
		}
	}
	if len(res.UncategorizedSKUs) > 0 {
		if err := e.store.SetFingerprintResult(ctx, shipmentID, nil, model.FingerprintPendingCategor, nil, nil); err != nil {
			return "", err
		}
		return model.FingerprintPendingCategor, nil
	}

	for _, it := range qcItems {
		if it.WeightValue <= 0 {
			res.MissingWeightSKUs = append(res.MissingWeightSKUs, it.SKU)
		}
	}
	if len(res.MissingWeightSKUs) > 0 {
		if err := e.store.SetFingerprintResult(ctx, shipmentID, nil, model.FingerprintMissingWeight, nil, nil); err != nil {
			return "", err
		}
		return model.FingerprintMissingWeight, nil
	}

	sig := Signature{CollectionQuantities: make(map[string]int, len(qcItems))}
	var total float64
	for _, it := range qcItems {
		sig.CollectionQuantities[*it.CollectionID] += it.ExpectedQty
		total += it.WeightValue * float64(it.ExpectedQty)
	}
	sig.TotalWeight = RoundWeight(total)

	signature, hash, err := sig.Canonical()
	if err != nil {
		return "", err
	}

	fp := &model.Fingerprint{
		Signature:     signature,
		SignatureHash: hash,
		DisplayName:   sig.DisplayName("oz"),
		ItemCount:     sig.ItemCount(),
		TotalWeight:   sig.TotalWeight,
		WeightUnit:    "oz",
	}
	created, err := e.store.CreateFingerprint(ctx, fp)
	if err != nil {
		return "", err
	}
	res.FingerprintID = &fp.ID
	res.FingerprintIsNew = created

	var packagingID, stationID *int64
	fm, err := e.store.GetFingerprintModel(ctx, fp.ID)
	switch {
	case err == nil:
		// Inherit the prior packaging decision and derive the station.
		pt, err := e.store.GetPackagingType(ctx, fm.PackagingTypeID)
		if err != nil {
			return "", fmt.Errorf("load packaging type %d: %w", fm.PackagingTypeID, err)
		}
		packagingID = &fm.PackagingTypeID
		st, err := e.store.FirstActiveStation(ctx, pt.StationType)
		if err == nil {
			stationID = &st.ID
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("find station for %s: %w", pt.StationType, err)
		}
		res.PackagingAssigned = true
	case errors.Is(err, store.ErrNotFound):
		// First shipment with this composition; an operator decides later.
	default:
		return "", err
	}

	if err := e.store.SetFingerprintResult(ctx, shipmentID, &fp.ID, model.FingerprintComplete, packagingID, stationID); err != nil {
		return "", err
	}
	return model.FingerprintComplete, nil
}

func weightInOunces(value float64, unit string) float64 {
	switch strings.ToLower(unit) {
	case "lb", "lbs", "pound", "pounds":
		return value * 16
	case "g", "gram", "grams":
		return value * 0.03527396195
	case "kg":
		return value * 35.27396195
	default: // oz or unspecified
		return value
	}
}
