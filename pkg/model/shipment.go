// Package model holds the strongly-typed row model shared by every worker.
// The database row is the single source of truth; workers read fresh before
// mutating and rely on unique constraints as the conflict detector.
package model

import "time"

// ShipmentStatus is the externally-reported shipment status from the label
// provider.
type ShipmentStatus string

const (
	ShipmentOnHold         ShipmentStatus = "on_hold"
	ShipmentPending        ShipmentStatus = "pending"
	ShipmentLabelPending   ShipmentStatus = "label_pending"
	ShipmentLabelPurchased ShipmentStatus = "label_purchased"
	ShipmentCancelled      ShipmentStatus = "cancelled"
)

// SessionStatus mirrors the upstream picking-wave document status. Upstream
// is case-preserving; we lowercase on ingest.
type SessionStatus string

const (
	SessionNew      SessionStatus = "new"
	SessionActive   SessionStatus = "active"
	SessionInactive SessionStatus = "inactive"
	SessionClosed   SessionStatus = "closed"
)

// RateCheckStatus tracks the cost-aware rate analysis for a shipment.
type RateCheckStatus string

const (
	RateCheckNone     RateCheckStatus = "none"
	RateCheckPending  RateCheckStatus = "pending"
	RateCheckComplete RateCheckStatus = "complete"
	RateCheckSkipped  RateCheckStatus = "skipped"
	RateCheckFailed   RateCheckStatus = "failed"
)

// FingerprintStatus tracks the hydration outcome for a shipment.
type FingerprintStatus string

const (
	FingerprintComplete       FingerprintStatus = "complete"
	FingerprintNeedsRecalc    FingerprintStatus = "needs_recalc"
	FingerprintMissingWeight  FingerprintStatus = "missing_weight"
	FingerprintPendingCategor FingerprintStatus = "pending_categorization"
)

// Delivery status codes reported by carrier track events.
const (
	DeliveryNotYetInSystem = "NY"
	DeliveryAccepted       = "AC"
	DeliveryInTransit      = "IT"
	DeliveryDelivered      = "DE"
)

// Shipment is the central aggregate. It exclusively owns its QC items,
// shipment items, tags, and audit events.
type Shipment struct {
	ID                 int64
	ExternalShipmentID *string // unique where present
	OrderNumber        string
	OrderStatus        string // storefront order status: pending, cancelled, ...
	CarrierCode        string
	ServiceCode        string
	DestPostalCode     string
	DestState          string
	TrackingNumber     *string // unique with carrier where present
	ShipmentStatus     ShipmentStatus
	DeliveryStatusCode string

	SessionID         *string // external picking-wave session id
	SessionDocumentID *string
	SessionStatus     *SessionStatus
	SpotNumber        *int
	PickerID          *string
	PickerName        *string

	LifecyclePhase   string
	DecisionSubphase *string

	FingerprintID     *int64
	FingerprintStatus *FingerprintStatus
	PackagingTypeID   *int64
	StationID         *int64

	FulfillmentSessionID *int64
	SmartSessionSpot     *int

	RateCheckStatus    RateCheckStatus
	ProactiveHydration bool
	HasMoveOverTag     bool

	PickStartedAt *time.Time
	PickEndedAt   *time.Time
	ShippedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShipmentItem is an ordered line exactly as it came from the storefront.
type ShipmentItem struct {
	ID               int64
	ShipmentID       int64
	SKU              string
	Quantity         int
	UnitPrice        float64
	RequiresShipping bool
}

// QCItem is the post-explosion, scan-ready line attached to a shipment.
// (shipment_id, sku) is unique. Deleted and recreated on re-hydration.
type QCItem struct {
	ID             int64
	ShipmentID     int64
	SKU            string
	Barcode        string
	ImageURL       string
	ExpectedQty    int
	IsKitComponent bool
	ParentSKU      *string // kit parent or substituted variant, audit lineage
	CollectionID   *string
	WeightValue    float64
	WeightUnit     string
	Location       string
}
