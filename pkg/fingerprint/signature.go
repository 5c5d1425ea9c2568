// Package fingerprint derives the canonical packaging signature of a
// shipment and runs the QC explosion that feeds it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// Signature is the canonical form of a shipment's packaging identity:
// the collection multiset plus the rounded total weight.
type Signature struct {
	CollectionQuantities map[string]int
	TotalWeight          float64 // rounded to 0.1
}

// RoundWeight rounds to one decimal place, the signature's weight
// resolution.
func RoundWeight(w float64) float64 {
	return math.Round(w*10) / 10
}

// Canonical returns the canonical JSON signature and its hash. The JSON is
// RFC 8785 canonical: keys sorted ascending with the "weight" key landing
// last for the uppercase/numeric collection-id namespace in use. The hash
// is the first 32 hex chars (128 bits) of SHA-256 over the signature.
func (s Signature) Canonical() (signature string, hash string, err error) {
	payload := make(map[string]any, len(s.CollectionQuantities)+1)
	for id, qty := range s.CollectionQuantities {
		payload[id] = qty
	}
	payload["weight"] = RoundWeight(s.TotalWeight)

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("marshal signature: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", "", fmt.Errorf("canonicalize signature: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return string(canonical), hex.EncodeToString(sum[:16]), nil
}

// DisplayName builds a stable human-readable name for a signature, e.g.
// "C_JERKY x8 @ 104oz".
func (s Signature) DisplayName(unit string) string {
	ids := make([]string, 0, len(s.CollectionQuantities))
	for id := range s.CollectionQuantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s x%d", id, s.CollectionQuantities[id]))
	}
	return fmt.Sprintf("%s @ %g%s", strings.Join(parts, ", "), RoundWeight(s.TotalWeight), unit)
}

// ItemCount returns the total scan-unit count of the signature.
func (s Signature) ItemCount() int {
	total := 0
	for _, qty := range s.CollectionQuantities {
		total += qty
	}
	return total
}
