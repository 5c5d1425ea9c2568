package model

import "time"

// Fingerprint is the canonical packaging signature shared by N shipments.
// signature_hash is unique; same signature implies the same row. Never
// mutated after creation.
type Fingerprint struct {
	ID            int64
	Signature     string // canonical JSON of collectionId->qty plus weight
	SignatureHash string // first 32 hex chars of SHA-256 of the signature
	DisplayName   string
	ItemCount     int
	TotalWeight   float64
	WeightUnit    string
	CreatedAt     time.Time
}

// FingerprintModel is the persistent packaging decision for a fingerprint.
// Created the first time an operator confirms packaging; reused for every
// subsequent matching shipment.
type FingerprintModel struct {
	ID              int64
	FingerprintID   int64
	PackagingTypeID int64
	CreatedBy       string
	CreatedAt       time.Time
}

// PackagingType is a catalog entry for a physical package option. Its
// station type determines which stations can pack it.
type PackagingType struct {
	ID          int64
	Name        string
	StationType string
	LengthIn    float64
	WidthIn     float64
	HeightIn    float64
	MaxWeightOz float64
	Active      bool
}

// Station is a physical pack/pick station.
type Station struct {
	ID          int64
	Name        string
	StationType string
	Active      bool
}

// ProductCollection maps a SKU to its merchandising collection, the axis of
// the fingerprint signature. Mutating a mapping invalidates all active
// shipments containing the SKU.
type ProductCollection struct {
	SKU            string
	CollectionID   string
	CollectionName string
	UpdatedAt      time.Time
}

// CatalogProduct is a row of the hourly-mirrored product catalog from the
// warehouse-management provider.
type CatalogProduct struct {
	SKU                string
	Barcode            string
	Description        string
	ImageURL           string
	IsAssembledProduct bool
	WeightValue        float64
	WeightUnit         string
	ProductCategory    string
	ParentSKU          string
	QuantityOnHand     int
	PhysicalLocation   string
}

// KitComponent is one component line of a kit mapping.
type KitComponent struct {
	SKU string
	Qty int
}
