// Package webhook receives label-provider event callbacks, verifies their
// signatures, and turns them into durable work.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/packhouse-labs/fulfillment-core/pkg/labelapi"
	"github.com/packhouse-labs/fulfillment-core/pkg/model"
	"github.com/packhouse-labs/fulfillment-core/pkg/store"
)

// Event names the provider delivers.
const (
	EventFulfillmentShipped = "fulfillment_shipped_v2"
	EventFulfillmentUpdated = "fulfillment_updated_v2"
	EventTrack              = "track"
)

const (
	signatureHeader = "X-Webhook-Signature"
	deliveryHeader  = "X-Webhook-Delivery"
	maxBodyBytes    = 1 << 20

	replayCapacity = 10000
)

// Verify checks an HMAC-SHA256 signature of the form "sha256=<hex>" in
// constant time.
func Verify(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(header[len(prefix):]))
}

// replaySet remembers recently seen delivery ids. At capacity the oldest
// fifth is evicted; exact retention doesn't matter, only that a redelivered
// id within the window is dropped.
type replaySet struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
}

func newReplaySet() *replaySet {
	return &replaySet{seen: make(map[string]struct{}, replayCapacity)}
}

// Observe records an id, reporting whether it was already present.
func (r *replaySet) Observe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return true
	}
	if len(r.order) >= replayCapacity {
		evict := replayCapacity / 5
		for _, old := range r.order[:evict] {
			delete(r.seen, old)
		}
		r.order = append(r.order[:0], r.order[evict:]...)
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
	return false
}

// envelope is the provider's callback body. Resource payloads are fetched
// fresh from the API; the envelope only points at them.
type envelope struct {
	ResourceType string `json:"resource_type"`
	ResourceURL  string `json:"resource_url"`
	ShipmentID   string `json:"shipment_id"`
	// track events carry their payload inline
	TrackingNumber string `json:"tracking_number"`
	CarrierCode    string `json:"carrier_code"`
	StatusCode     string `json:"status_code"`
}

// Store is the persistence surface the handler needs.
type Store interface {
	UpsertShipmentFromWebhook(ctx context.Context, w store.WebhookShipment) (int64, error)
	FindShipmentByTracking(ctx context.Context, tracking, carrierCode string) (*model.Shipment, error)
	SetTrackingNumber(ctx context.Context, id int64, tracking, deliveryStatus string) error
}

// ShipmentFetcher re-reads the shipment resource from the provider.
type ShipmentFetcher interface {
	GetShipment(ctx context.Context, externalID string) (*labelapi.Shipment, error)
}

// Enqueuer inserts durable jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, shipmentID *int64, coalesceKey string, payload any) (string, error)
}

// Handler is the HTTP endpoint for provider callbacks.
type Handler struct {
	secret    []byte
	store     Store
	fetcher   ShipmentFetcher
	qcQueue   Enqueuer
	lifecycle Enqueuer
	replays   *replaySet
	logger    *slog.Logger
}

// NewHandler creates the webhook endpoint. An empty secret disables
// signature verification, for local development only.
func NewHandler(secret string, st Store, fetcher ShipmentFetcher, qcQueue, lifecycleQueue Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:    []byte(secret),
		store:     st,
		fetcher:   fetcher,
		qcQueue:   qcQueue,
		lifecycle: lifecycleQueue,
		replays:   newReplaySet(),
		logger:    logger.With("component", "webhook"),
	}
}

// ServeHTTP accepts POST /webhooks/{event}. The response commits receipt:
// 2xx only after the durable job is inserted, so the provider redelivers
// anything we lost.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	event := strings.TrimPrefix(r.URL.Path, "/webhooks/")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(h.secret) > 0 && !Verify(h.secret, body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("webhook signature rejected", "event", event)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if id := r.Header.Get(deliveryHeader); id != "" && h.replays.Observe(id) {
		h.logger.Info("duplicate webhook delivery dropped", "event", event, "delivery_id", id)
		w.WriteHeader(http.StatusOK)
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	if err := h.dispatch(r.Context(), event, &env); err != nil {
		h.logger.Error("webhook processing failed", "event", event, "error", err)
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) dispatch(ctx context.Context, event string, env *envelope) error {
	switch event {
	case EventFulfillmentShipped, EventFulfillmentUpdated:
		return h.handleShipmentEvent(ctx, event, env)
	case EventTrack:
		return h.handleTrackEvent(ctx, env)
	default:
		// Unknown events are acknowledged so the provider stops retrying.
		h.logger.Warn("ignoring unknown webhook event", "event", event)
		return nil
	}
}

// handleShipmentEvent fetches the authoritative resource, upserts the local
// row, and enqueues hydration plus a lifecycle evaluation.
func (h *Handler) handleShipmentEvent(ctx context.Context, event string, env *envelope) error {
	externalID := env.ShipmentID
	if externalID == "" {
		externalID = idFromResourceURL(env.ResourceURL)
	}
	if externalID == "" {
		return fmt.Errorf("%s event without shipment id", event)
	}

	remote, err := h.fetcher.GetShipment(ctx, externalID)
	if err != nil {
		return fmt.Errorf("fetch shipment %s: %w", externalID, err)
	}

	row := store.WebhookShipment{
		ExternalShipmentID: remote.ShipmentID,
		OrderNumber:        remote.OrderNumber,
		CarrierCode:        remote.CarrierCode,
		ServiceCode:        remote.ServiceCode,
		DestPostalCode:     remote.ShipTo.PostalCode,
		DestState:          remote.ShipTo.StateProvince,
		ShipmentStatus:     model.ShipmentStatus(remote.ShipmentStatus),
	}
	if remote.TrackingNumber != "" {
		row.TrackingNumber = &remote.TrackingNumber
	}
	id, err := h.store.UpsertShipmentFromWebhook(ctx, row)
	if err != nil {
		return err
	}

	if _, err := h.qcQueue.Enqueue(ctx, &id, "", map[string]string{
		"order_number": remote.OrderNumber,
		"source":       event,
	}); err != nil {
		return fmt.Errorf("enqueue hydration for shipment %d: %w", id, err)
	}
	if _, err := h.lifecycle.Enqueue(ctx, &id, event, map[string]string{"reason": event}); err != nil {
		return fmt.Errorf("enqueue lifecycle for shipment %d: %w", id, err)
	}
	h.logger.Info("shipment event ingested",
		"event", event, "external_shipment_id", externalID, "shipment_id", id)
	return nil
}

// handleTrackEvent records a tracking update on the matching shipment. A
// track event for an unknown shipment is acknowledged; the shipped event
// that creates the row may still be in flight.
func (h *Handler) handleTrackEvent(ctx context.Context, env *envelope) error {
	if env.TrackingNumber == "" {
		return fmt.Errorf("track event without tracking number")
	}
	sh, err := h.store.FindShipmentByTracking(ctx, env.TrackingNumber, env.CarrierCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.logger.Info("track event for unknown shipment",
				"tracking_number", env.TrackingNumber, "carrier_code", env.CarrierCode)
			return nil
		}
		return err
	}
	if err := h.store.SetTrackingNumber(ctx, sh.ID, env.TrackingNumber, env.StatusCode); err != nil {
		return err
	}
	if _, err := h.lifecycle.Enqueue(ctx, &sh.ID, "track", map[string]string{"reason": "track"}); err != nil {
		return err
	}
	h.logger.Info("track event applied",
		"shipment_id", sh.ID, "status_code", env.StatusCode)
	return nil
}

func idFromResourceURL(u string) string {
	if u == "" {
		return ""
	}
	trimmed := strings.TrimRight(u, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return ""
}
