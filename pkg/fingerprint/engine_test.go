package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packhouse-labs/fulfillment-core/pkg/config"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// --- Mocks ---

type mockStore struct {
	items        []model.ShipmentItem
	collections  map[string]model.ProductCollection
	fingerprints map[string]*model.Fingerprint
	models       map[int64]*model.FingerprintModel
	packaging    map[int64]*model.PackagingType
	stations     map[string]*model.Station
	nextFPID     int64

	writtenQC    []model.QCItem
	resultStatus model.FingerprintStatus
	resultFPID   *int64
	resultPkgID  *int64
	resultStnID  *int64
}

func newMockStore() *mockStore {
	return &mockStore{
		collections:  map[string]model.ProductCollection{},
		fingerprints: map[string]*model.Fingerprint{},
		models:       map[int64]*model.FingerprintModel{},
		packaging:    map[int64]*model.PackagingType{},
		stations:     map[string]*model.Station{},
		nextFPID:     100,
	}
}

func (m *mockStore) GetShipment(ctx context.Context, id int64) (*model.Shipment, error) {
	return &model.Shipment{ID: id, OrderNumber: "A-1"}, nil
}

func (m *mockStore) ListShipmentItems(ctx context.Context, shipmentID int64) ([]model.ShipmentItem, error) {
	return m.items, nil
}

func (m *mockStore) ListQCItems(ctx context.Context, shipmentID int64) ([]model.QCItem, error) {
	return m.writtenQC, nil
}

func (m *mockStore) ReplaceQCItems(ctx context.Context, shipmentID int64, items []model.QCItem) error {
	m.writtenQC = items
	return nil
}

func (m *mockStore) GetCollections(ctx context.Context, skus []string) (map[string]model.ProductCollection, error) {
	out := map[string]model.ProductCollection{}
	for _, sku := range skus {
		if c, ok := m.collections[sku]; ok {
			out[sku] = c
		}
	}
	return out, nil
}

func (m *mockStore) FindFingerprintByHash(ctx context.Context, hash string) (*model.Fingerprint, error) {
	if fp, ok := m.fingerprints[hash]; ok {
		return fp, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) CreateFingerprint(ctx context.Context, fp *model.Fingerprint) (bool, error) {
	if existing, ok := m.fingerprints[fp.SignatureHash]; ok {
		*fp = *existing
		return false, nil
	}
	m.nextFPID++
	fp.ID = m.nextFPID
	copied := *fp
	m.fingerprints[fp.SignatureHash] = &copied
	return true, nil
}

func (m *mockStore) GetFingerprintModel(ctx context.Context, fingerprintID int64) (*model.FingerprintModel, error) {
	if fm, ok := m.models[fingerprintID]; ok {
		return fm, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) GetPackagingType(ctx context.Context, id int64) (*model.PackagingType, error) {
	if pt, ok := m.packaging[id]; ok {
		return pt, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) FirstActiveStation(ctx context.Context, stationType string) (*model.Station, error) {
	if st, ok := m.stations[stationType]; ok {
		return st, nil
	}
	return nil, store.ErrNotFound
}

func (m *mockStore) SetFingerprintResult(ctx context.Context, id int64, fingerprintID *int64, status model.FingerprintStatus, packagingTypeID, stationID *int64) error {
	m.resultFPID = fingerprintID
	m.resultStatus = status
	m.resultPkgID = packagingTypeID
	m.resultStnID = stationID
	return nil
}

func (m *mockStore) InvalidateFingerprintsForSKUs(ctx context.Context, skus []string) (int64, error) {
	return 0, nil
}

func (m *mockStore) ListForFingerprintBackfill(ctx context.Context, limit int) ([]*model.Shipment, error) {
	return nil, nil
}

func (m *mockStore) ListMissingWeightRepairable(ctx context.Context, limit int) ([]*model.Shipment, error) {
	return nil, nil
}

func (m *mockStore) FindUnexplodedKitShipments(ctx context.Context, limit int) ([]int64, error) {
	return nil, nil
}

func (m *mockStore) FindUnsubstitutedVariantShipments(ctx context.Context, limit int) ([]int64, error) {
	return nil, nil
}

func (m *mockStore) WipeForRehydration(ctx context.Context, shipmentID int64) error {
	return nil
}

type mockCatalog struct {
	products map[string]model.CatalogProduct
	kits     map[string][]model.KitComponent
}

func (m *mockCatalog) EnsureFresh(ctx context.Context) error { return nil }

func (m *mockCatalog) IsKit(sku string) bool {
	_, ok := m.kits[sku]
	return ok
}

func (m *mockCatalog) Components(sku string) ([]model.KitComponent, bool) {
	c, ok := m.kits[sku]
	return c, ok
}

func (m *mockCatalog) Preload(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error) {
	return m.lookup(skus), nil
}

func (m *mockCatalog) GetProducts(ctx context.Context, skus []string) (map[string]model.CatalogProduct, error) {
	return m.lookup(skus), nil
}

func (m *mockCatalog) lookup(skus []string) map[string]model.CatalogProduct {
	out := map[string]model.CatalogProduct{}
	for _, sku := range skus {
		if p, ok := m.products[sku]; ok {
			out[sku] = p
		}
	}
	return out
}

type mockEnqueuer struct {
	enqueued []int64
}

func (m *mockEnqueuer) EnqueueLifecycleEvaluation(ctx context.Context, shipmentID int64, reason string) error {
	m.enqueued = append(m.enqueued, shipmentID)
	return nil
}

// --- Fixtures ---

func categorized(st *mockStore, sku, collectionID string) {
	st.collections[sku] = model.ProductCollection{SKU: sku, CollectionID: collectionID}
}

func newTestEngine(st *mockStore, cat *mockCatalog, q *mockEnqueuer) *Engine {
	return New(st, cat, q, config.DefaultPolicy(), nil)
}

// --- Tests ---

func TestHydrateExplodesKitCategory(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "KIT-BOX", Quantity: 2, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"KIT-BOX": {SKU: "KIT-BOX", ProductCategory: "kit"},
			"JERKY-1": {SKU: "JERKY-1", WeightValue: 4, WeightUnit: "oz"},
			"SAUCE-1": {SKU: "SAUCE-1", WeightValue: 8, WeightUnit: "oz"},
		},
		kits: map[string][]model.KitComponent{
			"KIT-BOX": {{SKU: "JERKY-1", Qty: 3}, {SKU: "SAUCE-1", Qty: 1}},
		},
	}
	categorized(st, "JERKY-1", "C_JERKY")
	categorized(st, "SAUCE-1", "C_SAUCE")
	q := &mockEnqueuer{}

	res, err := newTestEngine(st, cat, q).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)

	require.Len(t, st.writtenQC, 2)
	bySKU := map[string]model.QCItem{}
	for _, it := range st.writtenQC {
		bySKU[it.SKU] = it
	}
	assert.Equal(t, 6, bySKU["JERKY-1"].ExpectedQty)
	assert.Equal(t, 2, bySKU["SAUCE-1"].ExpectedQty)
	assert.True(t, bySKU["JERKY-1"].IsKitComponent)
	require.NotNil(t, bySKU["JERKY-1"].ParentSKU)
	assert.Equal(t, "KIT-BOX", *bySKU["JERKY-1"].ParentSKU)

	assert.Equal(t, model.FingerprintComplete, res.FingerprintStatus)
	assert.True(t, res.FingerprintIsNew)
	assert.Equal(t, []int64{1}, q.enqueued)
}

func TestHydrateExplodesOutOfStockAssembled(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "BUNDLE", Quantity: 1, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"BUNDLE": {SKU: "BUNDLE", IsAssembledProduct: true, QuantityOnHand: 0},
			"PART-A": {SKU: "PART-A", WeightValue: 2, WeightUnit: "oz"},
		},
		kits: map[string][]model.KitComponent{
			"BUNDLE": {{SKU: "PART-A", Qty: 2}},
		},
	}
	categorized(st, "PART-A", "C_PARTS")

	_, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)

	require.Len(t, st.writtenQC, 1)
	assert.Equal(t, "PART-A", st.writtenQC[0].SKU)
	assert.Equal(t, 2, st.writtenQC[0].ExpectedQty)
}

func TestHydrateKeepsInStockAssembledWhole(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "BUNDLE", Quantity: 1, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"BUNDLE": {SKU: "BUNDLE", IsAssembledProduct: true, QuantityOnHand: 5, WeightValue: 10, WeightUnit: "oz"},
		},
		kits: map[string][]model.KitComponent{
			"BUNDLE": {{SKU: "PART-A", Qty: 2}},
		},
	}
	categorized(st, "BUNDLE", "C_BUNDLE")

	_, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)

	require.Len(t, st.writtenQC, 1)
	assert.Equal(t, "BUNDLE", st.writtenQC[0].SKU)
	assert.False(t, st.writtenQC[0].IsKitComponent)
}

func TestHydrateRollsUpVariants(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "SHIRT-RED-L", Quantity: 3, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"SHIRT-RED-L": {SKU: "SHIRT-RED-L", ParentSKU: "SHIRT"},
			"SHIRT":       {SKU: "SHIRT", WeightValue: 6, WeightUnit: "oz"},
		},
	}
	categorized(st, "SHIRT", "C_APPAREL")

	_, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)

	require.Len(t, st.writtenQC, 1)
	assert.Equal(t, "SHIRT", st.writtenQC[0].SKU)
	require.NotNil(t, st.writtenQC[0].ParentSKU)
	assert.Equal(t, "SHIRT-RED-L", *st.writtenQC[0].ParentSKU)
}

func TestHydrateSkipsExcludedAndNonShipping(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "BUILDBAG", Quantity: 1, RequiresShipping: true},
		{SKU: "GIFT-NOTE", Quantity: 1, RequiresShipping: false},
		{SKU: "JERKY-1", Quantity: 1, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"JERKY-1": {SKU: "JERKY-1", WeightValue: 4, WeightUnit: "oz"},
		},
	}
	categorized(st, "JERKY-1", "C_JERKY")

	_, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)

	require.Len(t, st.writtenQC, 1)
	assert.Equal(t, "JERKY-1", st.writtenQC[0].SKU)
}

func TestHydrateDefersOnMissingCatalogEntry(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "BRAND-NEW", Quantity: 1, RequiresShipping: true},
	}
	cat := &mockCatalog{products: map[string]model.CatalogProduct{}}

	_, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeferred)
}

func TestHydrateUncategorizedBlocksFingerprint(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "JERKY-1", Quantity: 1, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"JERKY-1": {SKU: "JERKY-1", WeightValue: 4, WeightUnit: "oz"},
		},
	}
	// no collection mapping

	res, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)
	assert.Equal(t, model.FingerprintPendingCategor, res.FingerprintStatus)
	assert.Equal(t, []string{"JERKY-1"}, res.UncategorizedSKUs)
	assert.Nil(t, st.resultFPID)
}

func TestHydrateMissingWeightBlocksFingerprint(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "JERKY-1", Quantity: 1, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"JERKY-1": {SKU: "JERKY-1", WeightValue: 0},
		},
	}
	categorized(st, "JERKY-1", "C_JERKY")

	res, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)
	assert.Equal(t, model.FingerprintMissingWeight, res.FingerprintStatus)
	assert.Equal(t, []string{"JERKY-1"}, res.MissingWeightSKUs)
}

func TestHydrateReusesFingerprintAndInheritsPackaging(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "JERKY-1", Quantity: 8, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"JERKY-1": {SKU: "JERKY-1", WeightValue: 13, WeightUnit: "oz"},
		},
	}
	categorized(st, "JERKY-1", "C_JERKY")

	engine := newTestEngine(st, cat, &mockEnqueuer{})
	first, err := engine.Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)
	require.True(t, first.FingerprintIsNew)
	require.NotNil(t, first.FingerprintID)

	// Operator confirms packaging for this fingerprint.
	st.models[*first.FingerprintID] = &model.FingerprintModel{
		FingerprintID: *first.FingerprintID, PackagingTypeID: 7,
	}
	st.packaging[7] = &model.PackagingType{ID: 7, StationType: "poly_bag"}
	st.stations["poly_bag"] = &model.Station{ID: 3, StationType: "poly_bag"}

	second, err := engine.Hydrate(context.Background(), 2, "A-2")
	require.NoError(t, err)
	assert.False(t, second.FingerprintIsNew)
	assert.Equal(t, *first.FingerprintID, *second.FingerprintID)
	assert.True(t, second.PackagingAssigned)
	require.NotNil(t, st.resultPkgID)
	assert.Equal(t, int64(7), *st.resultPkgID)
	require.NotNil(t, st.resultStnID)
	assert.Equal(t, int64(3), *st.resultStnID)
}

func TestHydrateMergesDuplicateScanUnits(t *testing.T) {
	st := newMockStore()
	st.items = []model.ShipmentItem{
		{SKU: "KIT-BOX", Quantity: 1, RequiresShipping: true},
		{SKU: "JERKY-1", Quantity: 2, RequiresShipping: true},
	}
	cat := &mockCatalog{
		products: map[string]model.CatalogProduct{
			"KIT-BOX": {SKU: "KIT-BOX", ProductCategory: "kit"},
			"JERKY-1": {SKU: "JERKY-1", WeightValue: 4, WeightUnit: "oz"},
		},
		kits: map[string][]model.KitComponent{
			"KIT-BOX": {{SKU: "JERKY-1", Qty: 3}},
		},
	}
	categorized(st, "JERKY-1", "C_JERKY")

	_, err := newTestEngine(st, cat, &mockEnqueuer{}).Hydrate(context.Background(), 1, "A-1")
	require.NoError(t, err)

	require.Len(t, st.writtenQC, 1)
	assert.Equal(t, 5, st.writtenQC[0].ExpectedQty)
	assert.True(t, st.writtenQC[0].IsKitComponent)
}

func TestWeightInOunces(t *testing.T) {
	assert.Equal(t, 16.0, weightInOunces(1, "lb"))
	assert.InDelta(t, 35.274, weightInOunces(1, "kg"), 0.001)
	assert.InDelta(t, 3.527, weightInOunces(100, "g"), 0.001)
	assert.Equal(t, 4.0, weightInOunces(4, "oz"))
	assert.Equal(t, 4.0, weightInOunces(4, ""))
}
