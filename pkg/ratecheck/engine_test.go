package ratecheck

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packhouse-labs/fulfillment-core/pkg/config"
	"github.com/packhouse-labs/fulfillment-core/pkg/labelapi"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// --- Mocks ---

type mockStore struct {
	shipment    *model.Shipment
	fingerprint *model.Fingerprint
	fpModel     *model.FingerprintModel
	packaging   *model.PackagingType

	savedAnalysis *model.RateAnalysis
	savedStatus   model.RateCheckStatus
}

func (m *mockStore) GetShipment(ctx context.Context, id int64) (*model.Shipment, error) {
	return m.shipment, nil
}

func (m *mockStore) GetFingerprint(ctx context.Context, id int64) (*model.Fingerprint, error) {
	if m.fingerprint == nil {
		return nil, store.ErrNotFound
	}
	return m.fingerprint, nil
}

func (m *mockStore) GetFingerprintModel(ctx context.Context, fingerprintID int64) (*model.FingerprintModel, error) {
	if m.fpModel == nil {
		return nil, store.ErrNotFound
	}
	return m.fpModel, nil
}

func (m *mockStore) GetPackagingType(ctx context.Context, id int64) (*model.PackagingType, error) {
	if m.packaging == nil {
		return nil, store.ErrNotFound
	}
	return m.packaging, nil
}

func (m *mockStore) UpsertRateAnalysis(ctx context.Context, ra *model.RateAnalysis) error {
	m.savedAnalysis = ra
	return nil
}

func (m *mockStore) SetRateCheckStatus(ctx context.Context, id int64, status model.RateCheckStatus) error {
	m.savedStatus = status
	return nil
}

type mockRates struct {
	rates []labelapi.Rate
	err   error
}

func (m *mockRates) GetRates(ctx context.Context, externalID string) ([]labelapi.Rate, error) {
	return m.rates, m.err
}

// --- Fixtures ---

func f64(v float64) *float64 { return &v }
func ip(v int) *int          { return &v }
func sp(s string) *string    { return &s }
func i64(v int64) *int64     { return &v }

func eligibleShipment() *model.Shipment {
	return &model.Shipment{
		ID:                 1,
		ExternalShipmentID: sp("se-100"),
		OrderNumber:        "A-1",
		ServiceCode:        "usps_priority",
		DestPostalCode:     "83702",
		FingerprintID:      i64(4),
		PackagingTypeID:    i64(7),
	}
}

func readyStore() *mockStore {
	return &mockStore{
		shipment:    eligibleShipment(),
		fingerprint: &model.Fingerprint{ID: 4, TotalWeight: 32, WeightUnit: "oz"},
		fpModel:     &model.FingerprintModel{FingerprintID: 4, PackagingTypeID: 7},
		packaging:   &model.PackagingType{ID: 7, LengthIn: 10, WidthIn: 8, HeightIn: 4},
	}
}

// --- Tests ---

func TestCheckSyncEligibilityReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*model.Shipment)
		reason string
	}{
		{"no external id", func(sh *model.Shipment) { sh.ExternalShipmentID = nil }, "missing external shipment id"},
		{"no postal code", func(sh *model.Shipment) { sh.DestPostalCode = "" }, "missing destination postal code"},
		{"no service code", func(sh *model.Shipment) { sh.ServiceCode = "" }, "missing service code"},
		{"no fingerprint", func(sh *model.Shipment) { sh.FingerprintID = nil }, "missing fingerprint"},
		{"no packaging", func(sh *model.Shipment) { sh.PackagingTypeID = nil }, "missing packaging type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sh := eligibleShipment()
			tc.mutate(sh)
			gate := CheckSyncEligibility(sh)
			assert.False(t, gate.Eligible)
			assert.Equal(t, tc.reason, gate.Reason)
		})
	}

	gate := CheckSyncEligibility(eligibleShipment())
	assert.True(t, gate.Eligible)
	assert.Empty(t, gate.Reason)
}

func TestResolvePackage(t *testing.T) {
	st := readyStore()
	engine := New(st, &mockRates{}, config.DefaultPolicy(), nil)

	spec, err := engine.ResolvePackage(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, 32.0, spec.WeightOz)
	assert.Equal(t, 10.0, spec.LengthIn)

	t.Run("pound weights convert", func(t *testing.T) {
		st.fingerprint.TotalWeight = 2
		st.fingerprint.WeightUnit = "lb"
		spec, err := engine.ResolvePackage(context.Background(), st.shipment)
		require.NoError(t, err)
		assert.Equal(t, 32.0, spec.WeightOz)
	})

	t.Run("zero weight refuses", func(t *testing.T) {
		st.fingerprint.TotalWeight = 0
		_, err := engine.ResolvePackage(context.Background(), st.shipment)
		assert.Error(t, err)
	})

	t.Run("no packaging decision refuses", func(t *testing.T) {
		st.fingerprint.TotalWeight = 32
		st.fingerprint.WeightUnit = "oz"
		st.fpModel = nil
		_, err := engine.ResolvePackage(context.Background(), st.shipment)
		assert.Error(t, err)
	})
}

func TestAnalyzeSelectsCheapestMeetingSLA(t *testing.T) {
	st := readyStore()
	rates := &mockRates{rates: []labelapi.Rate{
		{ServiceCode: "usps_priority", ServiceName: "USPS Priority", Amount: f64(12.50), DeliveryDays: ip(2)},
		{ServiceCode: "ups_ground", ServiceName: "UPS Ground", Amount: f64(8.00), DeliveryDays: ip(4)},       // too slow
		{ServiceCode: "usps_ground_advantage", ServiceName: "USPS GA", Amount: f64(7.25), DeliveryDays: ip(2)}, // winner
		{ServiceCode: "fedex_2day", ServiceName: "FedEx 2Day", Amount: f64(9.80), DeliveryDays: ip(2)},
	}}
	engine := New(st, rates, config.DefaultPolicy(), nil)

	res, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, model.RateCheckComplete, res.Status)
	assert.Equal(t, "usps_ground_advantage", res.SmartShippingMethod)
	assert.InDelta(t, 5.25, res.Savings, 0.001)
	require.NotNil(t, st.savedAnalysis)
	assert.Equal(t, "se-100", st.savedAnalysis.ExternalShipmentID)
	assert.Equal(t, model.RateCheckComplete, st.savedStatus)
}

func TestAnalyzeRetainsCustomerChoiceWhenCheapest(t *testing.T) {
	st := readyStore()
	rates := &mockRates{rates: []labelapi.Rate{
		{ServiceCode: "usps_priority", ServiceName: "USPS Priority", Amount: f64(7.00), DeliveryDays: ip(2)},
		{ServiceCode: "fedex_2day", ServiceName: "FedEx 2Day", Amount: f64(9.80), DeliveryDays: ip(2)},
	}}
	engine := New(st, rates, config.DefaultPolicy(), nil)

	res, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, "usps_priority", res.SmartShippingMethod)
	assert.Equal(t, 0.0, res.Savings)
	assert.Equal(t, "customer's choice is the most cost-effective option", res.Reasoning)
}

func TestAnalyzeSkipsDisallowedServices(t *testing.T) {
	st := readyStore()
	policy := config.DefaultPolicy()
	policy.DisallowedRateServices = []string{"Cheapo Post"}
	rates := &mockRates{rates: []labelapi.Rate{
		{ServiceCode: "usps_priority", ServiceName: "USPS Priority", Amount: f64(12.00), DeliveryDays: ip(2)},
		{ServiceCode: "cheapo", ServiceName: "Cheapo Post", Amount: f64(1.00), DeliveryDays: ip(1)},
		{ServiceCode: "fedex_2day", ServiceName: "FedEx 2Day", Amount: f64(9.80), DeliveryDays: ip(2)},
	}}
	engine := New(st, rates, policy, nil)

	res, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, "fedex_2day", res.SmartShippingMethod)
}

func TestAnalyzeRespectsWeightLimits(t *testing.T) {
	st := readyStore() // 32 oz
	rates := &mockRates{rates: []labelapi.Rate{
		{ServiceCode: "usps_priority", ServiceName: "USPS Priority", Amount: f64(12.00), DeliveryDays: ip(2)},
		{ServiceCode: "light_mail", ServiceName: "Light Mail", Amount: f64(3.00), DeliveryDays: ip(2), MaxWeightOz: f64(16)},
		{ServiceCode: "fedex_2day", ServiceName: "FedEx 2Day", Amount: f64(9.80), DeliveryDays: ip(2)},
	}}
	engine := New(st, rates, config.DefaultPolicy(), nil)

	res, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, "fedex_2day", res.SmartShippingMethod)
}

func TestAnalyzeLockedServiceSkips(t *testing.T) {
	st := readyStore()
	policy := config.DefaultPolicy()
	policy.LockedCustomerServices = []string{"usps_priority"}
	engine := New(st, &mockRates{}, policy, nil)

	res, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, model.RateCheckSkipped, res.Status)
	assert.Equal(t, model.RateCheckSkipped, st.savedStatus)
	assert.Nil(t, st.savedAnalysis)
}

func TestAnalyzeMissingDecisionDataFailsTerminally(t *testing.T) {
	st := readyStore()
	st.fingerprint = nil // disappeared between gating and analysis
	engine := New(st, &mockRates{}, config.DefaultPolicy(), nil)

	res, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.NoError(t, err)
	assert.Equal(t, model.RateCheckFailed, res.Status)
	assert.Equal(t, model.RateCheckFailed, st.savedStatus)
}

func TestAnalyzeFetchErrorPropagates(t *testing.T) {
	st := readyStore()
	engine := New(st, &mockRates{err: errors.New("HTTP 429")}, config.DefaultPolicy(), nil)

	_, err := engine.AnalyzeAndSave(context.Background(), st.shipment)
	require.Error(t, err)
	assert.NotEqual(t, model.RateCheckComplete, st.savedStatus)
}

func TestInferDeliveryDays(t *testing.T) {
	assert.Equal(t, 1, InferDeliveryDays("fedex_overnight"))
	assert.Equal(t, 1, InferDeliveryDays("ups_next_day_air"))
	assert.Equal(t, 2, InferDeliveryDays("usps_priority"))
	assert.Equal(t, 2, InferDeliveryDays("fedex_2day"))
	assert.Equal(t, 3, InferDeliveryDays("fedex_3day"))
	assert.Equal(t, 5, InferDeliveryDays("usps_ground_advantage"))
}
