// Package docstore reads picking-wave session documents from the
// firestore-style document store.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SessionDoc is one upstream picking-wave document. session_status is
// case-preserving upstream; consumers lowercase on ingest.
type SessionDoc struct {
	SessionID          string          `json:"session_id"`
	SessionStatus      string          `json:"session_status"`
	OrderNumber        string          `json:"order_number"`
	ExternalShipmentID string          `json:"external_shipment_id"`
	PickStartDatetime  *time.Time      `json:"pick_start_datetime"`
	PickEndDatetime    *time.Time      `json:"pick_end_datetime"`
	SpotNumber         *int            `json:"spot_number"`
	PickedByUserID     string          `json:"picked_by_user_id"`
	PickedByUserName   string          `json:"picked_by_user_name"`
	SavedCustomField2  string          `json:"saved_custom_field_2"`
	DocumentID         string          `json:"document_id"`
	UpdatedDate        time.Time       `json:"updated_date"`
	OrderItems         json.RawMessage `json:"order_items"`
}

// sessionSchema guards against upstream shape drift: the fields the sync
// worker depends on must be present and typed.
const sessionSchema = `{
	"type": "object",
	"required": ["session_id", "session_status", "order_number", "external_shipment_id", "document_id", "updated_date"],
	"properties": {
		"session_id": {"type": "string", "minLength": 1},
		"session_status": {"type": "string", "minLength": 1},
		"order_number": {"type": "string"},
		"external_shipment_id": {"type": "string"},
		"spot_number": {"type": ["integer", "null"]},
		"document_id": {"type": "string"},
		"updated_date": {"type": "string"}
	}
}`

// Client reads session documents over the store's streaming read API.
type Client struct {
	baseURL string
	http    *http.Client
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// New creates a client. Schema compilation is static and cannot fail at
// runtime, so a bad schema is a programmer error.
func New(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	schema := jsonschema.MustCompileString("session.json", sessionSchema)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
		schema:  schema,
		logger:  logger.With("component", "docstore"),
	}
}

// ListOpenSessions streams every session whose status is not closed.
func (c *Client) ListOpenSessions(ctx context.Context) ([]SessionDoc, error) {
	q := url.Values{}
	q.Set("status_ne", "closed")
	return c.list(ctx, q)
}

// GetSession re-reads one session document by id.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	doc, err := c.decodeOne(body)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	return doc, nil
}

// ListUpdatedSince pages sessions updated at-or-after the cursor, ordered
// by updated_date ascending. Used by reimport.
func (c *Client) ListUpdatedSince(ctx context.Context, since time.Time, limit int) ([]SessionDoc, error) {
	q := url.Values{}
	q.Set("updated_since", since.UTC().Format(time.RFC3339Nano))
	q.Set("order_by", "updated_date")
	q.Set("limit", strconv.Itoa(limit))
	return c.list(ctx, q)
}

func (c *Client) list(ctx context.Context, q url.Values) ([]SessionDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/sessions?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode session list: %w", err)
	}
	docs := make([]SessionDoc, 0, len(raw))
	for _, r := range raw {
		doc, err := c.decodeOne(r)
		if err != nil {
			// One malformed document must not abort the whole stream.
			c.logger.Warn("skipping invalid session document", "error", err)
			continue
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

func (c *Client) decodeOne(raw []byte) (*SessionDoc, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("session document failed validation: %w", err)
	}
	var doc SessionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode session document: %w", err)
	}
	return &doc, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docstore request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("docstore: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(resp.Body)
}
