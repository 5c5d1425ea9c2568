// Package labelapi is the HTTP client for the label provider's V2 API.
package labelapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

// APIError is a non-2xx response from the label provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("label api: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus exposes the code for queue-side classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Shipment is the provider's shipment resource, reduced to the fields the
// core reads.
type Shipment struct {
	ShipmentID     string `json:"shipment_id"`
	OrderNumber    string `json:"order_number"`
	ServiceCode    string `json:"service_code"`
	CarrierCode    string `json:"carrier_code"`
	ShipmentStatus string `json:"shipment_status"`
	TrackingNumber string `json:"tracking_number"`
	ShipTo         Address `json:"ship_to"`
}

// Address is the destination block on a shipment resource.
type Address struct {
	PostalCode    string `json:"postal_code"`
	StateProvince string `json:"state_province"`
}

// Rate is one candidate rate for a shipment.
type Rate struct {
	ServiceCode   string   `json:"service_code"`
	ServiceName   string   `json:"service_name"`
	CarrierCode   string   `json:"carrier_code"`
	Amount        *float64 `json:"amount"`
	DeliveryDays  *int     `json:"delivery_days"`
	MinWeightOz   *float64 `json:"min_weight_oz"`
	MaxWeightOz   *float64 `json:"max_weight_oz"`
}

// Client talks to the label provider. Calls carry a bounded timeout, an
// outbound rate limiter, and retry for transient failures.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a client. The limiter throttles all outbound calls.
func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(5), 10),
		logger:  logger.With("component", "label_api"),
	}
}

// GetShipment fetches /shipments/{id}.
func (c *Client) GetShipment(ctx context.Context, externalID string) (*Shipment, error) {
	var out Shipment
	if err := c.get(ctx, "/v2/shipments/"+externalID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRates fetches the candidate rates for a shipment.
func (c *Client) GetRates(ctx context.Context, externalID string) ([]Rate, error) {
	var out struct {
		Rates []Rate `json:"rates"`
	}
	if err := c.get(ctx, "/v2/shipments/"+externalID+"/rates", &out); err != nil {
		return nil, err
	}
	return out.Rates, nil
}

// RegisterWebhook subscribes a callback URL to a V2 event.
func (c *Client) RegisterWebhook(ctx context.Context, event, url string) error {
	body, _ := json.Marshal(map[string]string{"event": event, "url": url})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/environment/webhooks", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

// get performs a GET with retry on transient failures. Rate limits and
// client errors are permanent here; the durable queue applies its own
// policy to them.
func (c *Client) get(ctx context.Context, path string, out any) error {
	operation := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if err := c.do(req, out); err != nil {
			var apiErr *APIError
			if isTransient(err, &apiErr) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3))
	return err
}

func isTransient(err error, apiErr **APIError) bool {
	if e, ok := err.(*APIError); ok {
		*apiErr = e
		return e.StatusCode >= 500
	}
	return true // network-level failure
}

func (c *Client) do(req *http.Request, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("label api request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode label api response: %w", err)
	}
	return nil
}
