package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packhouse-labs/fulfillment-core/pkg/labelapi"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// --- Mocks ---

type mockWebhookStore struct {
	upserted    []store.WebhookShipment
	upsertID    int64
	byTracking  *model.Shipment
	trackingSet []string
}

func (m *mockWebhookStore) UpsertShipmentFromWebhook(ctx context.Context, w store.WebhookShipment) (int64, error) {
	m.upserted = append(m.upserted, w)
	return m.upsertID, nil
}

func (m *mockWebhookStore) FindShipmentByTracking(ctx context.Context, tracking, carrierCode string) (*model.Shipment, error) {
	if m.byTracking == nil {
		return nil, store.ErrNotFound
	}
	return m.byTracking, nil
}

func (m *mockWebhookStore) SetTrackingNumber(ctx context.Context, id int64, tracking, deliveryStatus string) error {
	m.trackingSet = append(m.trackingSet, fmt.Sprintf("%d:%s:%s", id, tracking, deliveryStatus))
	return nil
}

type mockFetcher struct {
	shipment *labelapi.Shipment
	err      error
	fetched  []string
}

func (m *mockFetcher) GetShipment(ctx context.Context, externalID string) (*labelapi.Shipment, error) {
	m.fetched = append(m.fetched, externalID)
	return m.shipment, m.err
}

type mockQueue struct {
	enqueued []string
	err      error
}

func (m *mockQueue) Enqueue(ctx context.Context, shipmentID *int64, coalesceKey string, payload any) (string, error) {
	id := int64(0)
	if shipmentID != nil {
		id = *shipmentID
	}
	m.enqueued = append(m.enqueued, fmt.Sprintf("%d:%s", id, coalesceKey))
	if m.err != nil {
		return "", m.err
	}
	return "job-1", nil
}

// --- Helpers ---

const testSecret = "hunter2"

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(st *mockWebhookStore, fetcher *mockFetcher) (*Handler, *mockQueue, *mockQueue) {
	qc := &mockQueue{}
	lc := &mockQueue{}
	return NewHandler(testSecret, st, fetcher, qc, lc, nil), qc, lc
}

func post(t *testing.T, h http.Handler, event, body, delivery string, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+event, strings.NewReader(body))
	if signed {
		req.Header.Set(signatureHeader, sign(testSecret, []byte(body)))
	}
	if delivery != "" {
		req.Header.Set(deliveryHeader, delivery)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// --- Tests ---

func TestVerify(t *testing.T) {
	body := []byte(`{"resource_type":"shipments"}`)
	assert.True(t, Verify([]byte(testSecret), body, sign(testSecret, body)))
	assert.False(t, Verify([]byte(testSecret), body, sign("wrong-secret", body)))
	assert.False(t, Verify([]byte(testSecret), body, "md5=deadbeef"))
	assert.False(t, Verify([]byte(testSecret), body, ""))
	assert.False(t, Verify([]byte(testSecret), []byte("tampered"), sign(testSecret, body)))
}

func TestReplaySet(t *testing.T) {
	rs := newReplaySet()
	assert.False(t, rs.Observe("d-1"))
	assert.True(t, rs.Observe("d-1"))
	assert.False(t, rs.Observe("d-2"))

	t.Run("eviction drops the oldest fifth", func(t *testing.T) {
		rs := newReplaySet()
		for i := 0; i < replayCapacity; i++ {
			rs.Observe(fmt.Sprintf("d-%d", i))
		}
		// Capacity reached; the next id evicts the oldest block.
		assert.False(t, rs.Observe("overflow"))
		assert.False(t, rs.Observe("d-0"))                  // evicted, seen again
		assert.True(t, rs.Observe(fmt.Sprintf("d-%d", replayCapacity-1))) // still retained
	})
}

func TestServeHTTPRejectsBadSignature(t *testing.T) {
	st := &mockWebhookStore{}
	h, qc, _ := newTestHandler(st, &mockFetcher{})

	rec := post(t, h, EventFulfillmentShipped, `{"shipment_id":"se-1"}`, "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, qc.enqueued)
	assert.Empty(t, st.upserted)
}

func TestServeHTTPDropsDuplicateDelivery(t *testing.T) {
	st := &mockWebhookStore{upsertID: 7}
	fetcher := &mockFetcher{shipment: &labelapi.Shipment{ShipmentID: "se-1", OrderNumber: "A-1"}}
	h, qc, _ := newTestHandler(st, fetcher)

	body := `{"shipment_id":"se-1"}`
	rec := post(t, h, EventFulfillmentShipped, body, "delivery-1", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, st.upserted, 1)

	rec = post(t, h, EventFulfillmentShipped, body, "delivery-1", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, st.upserted, 1, "duplicate must not be processed twice")
	assert.Len(t, qc.enqueued, 1)
}

func TestShipmentEventFetchesUpsertsAndEnqueues(t *testing.T) {
	st := &mockWebhookStore{upsertID: 42}
	fetcher := &mockFetcher{shipment: &labelapi.Shipment{
		ShipmentID:     "se-100",
		OrderNumber:    "A-100",
		CarrierCode:    "stamps_com",
		ServiceCode:    "usps_priority",
		ShipmentStatus: "on_hold",
		TrackingNumber: "9400111899",
		ShipTo:         labelapi.Address{PostalCode: "83702", StateProvince: "ID"},
	}}
	h, qc, lc := newTestHandler(st, fetcher)

	rec := post(t, h, EventFulfillmentShipped, `{"shipment_id":"se-100"}`, "d-1", true)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"se-100"}, fetcher.fetched)
	require.Len(t, st.upserted, 1)
	row := st.upserted[0]
	assert.Equal(t, "se-100", row.ExternalShipmentID)
	assert.Equal(t, "A-100", row.OrderNumber)
	assert.Equal(t, "83702", row.DestPostalCode)
	require.NotNil(t, row.TrackingNumber)
	assert.Equal(t, "9400111899", *row.TrackingNumber)

	assert.Equal(t, []string{"42:"}, qc.enqueued)
	assert.Equal(t, []string{"42:" + EventFulfillmentShipped}, lc.enqueued)
}

func TestShipmentEventDerivesIDFromResourceURL(t *testing.T) {
	st := &mockWebhookStore{upsertID: 9}
	fetcher := &mockFetcher{shipment: &labelapi.Shipment{ShipmentID: "se-555", OrderNumber: "A-5"}}
	h, _, _ := newTestHandler(st, fetcher)

	body := `{"resource_type":"shipments","resource_url":"https://api.example.com/v2/shipments/se-555/"}`
	rec := post(t, h, EventFulfillmentUpdated, body, "d-2", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"se-555"}, fetcher.fetched)
}

func TestTrackEventAppliesTracking(t *testing.T) {
	st := &mockWebhookStore{byTracking: &model.Shipment{ID: 13}}
	h, _, lc := newTestHandler(st, &mockFetcher{})

	body := `{"tracking_number":"1Z999","carrier_code":"ups","status_code":"DE"}`
	rec := post(t, h, EventTrack, body, "d-3", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"13:1Z999:DE"}, st.trackingSet)
	assert.Equal(t, []string{"13:track"}, lc.enqueued)
}

func TestTrackEventUnknownShipmentAcknowledged(t *testing.T) {
	st := &mockWebhookStore{}
	h, _, lc := newTestHandler(st, &mockFetcher{})

	body := `{"tracking_number":"1Z999","carrier_code":"ups","status_code":"DE"}`
	rec := post(t, h, EventTrack, body, "d-4", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, st.trackingSet)
	assert.Empty(t, lc.enqueued)
}

func TestUnknownEventAcknowledged(t *testing.T) {
	st := &mockWebhookStore{}
	h, qc, _ := newTestHandler(st, &mockFetcher{})

	rec := post(t, h, "order_notify_v1", `{}`, "d-5", true)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, qc.enqueued)
}

func TestServeHTTPRejectsNonPost(t *testing.T) {
	h, _, _ := newTestHandler(&mockWebhookStore{}, &mockFetcher{})
	req := httptest.NewRequest(http.MethodGet, "/webhooks/track", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestIDFromResourceURL(t *testing.T) {
	assert.Equal(t, "se-1", idFromResourceURL("https://api.example.com/v2/shipments/se-1"))
	assert.Equal(t, "se-1", idFromResourceURL("https://api.example.com/v2/shipments/se-1/"))
	assert.Equal(t, "", idFromResourceURL(""))
}
