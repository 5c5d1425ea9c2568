package model

import "time"

// FulfillmentSessionStatus is the internal batch status. Transitions are
// monotone: draft -> ready -> picking -> packing -> completed.
type FulfillmentSessionStatus string

const (
	FSDraft     FulfillmentSessionStatus = "draft"
	FSReady     FulfillmentSessionStatus = "ready"
	FSPicking   FulfillmentSessionStatus = "picking"
	FSPacking   FulfillmentSessionStatus = "packing"
	FSCompleted FulfillmentSessionStatus = "completed"
)

// DefaultSessionCapacity is the default maximum shipments per cart.
const DefaultSessionCapacity = 28

// FulfillmentSession is the internal batch of shipments assigned to one
// cart/station. order_count never exceeds max_orders; members share the
// session's station type.
type FulfillmentSession struct {
	ID             int64
	StationType    string
	StationID      *int64
	OrderCount     int
	MaxOrders      int
	Status         FulfillmentSessionStatus
	SequenceNumber int // day-scoped
	CreatedAt      time.Time
	ReadyAt        *time.Time
	PickingAt      *time.Time
	PackingAt      *time.Time
	CompletedAt    *time.Time
}

// RateAnalysis is the single cost-analysis row per external shipment id.
type RateAnalysis struct {
	ID                   int64
	ExternalShipmentID   string // unique
	CustomerService      string
	CustomerCost         float64
	CustomerDeliveryDays int
	SmartShippingMethod  string
	SmartCost            float64
	SmartDeliveryDays    int
	Savings              float64
	Reasoning            string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}
