//go:build property
// +build property

package fingerprint

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCanonicalOrderIndependenceProperty verifies the signature hash depends
// only on the collection multiset and rounded weight, never on how the map
// was assembled.
func TestCanonicalOrderIndependenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("hash is insertion-order independent", prop.ForAll(
		func(ids []string, quantities []int, weight float64) bool {
			n := len(ids)
			if len(quantities) < n {
				n = len(quantities)
			}
			forward := make(map[string]int, n)
			for i := 0; i < n; i++ {
				if ids[i] != "" {
					forward[ids[i]] = quantities[i]
				}
			}
			if len(forward) == 0 {
				return true
			}
			keys := make([]string, 0, len(forward))
			for k := range forward {
				keys = append(keys, k)
			}
			sort.Sort(sort.Reverse(sort.StringSlice(keys)))
			reversed := make(map[string]int, len(forward))
			for _, k := range keys {
				reversed[k] = forward[k]
			}

			a := Signature{CollectionQuantities: forward, TotalWeight: weight}
			b := Signature{CollectionQuantities: reversed, TotalWeight: weight}

			sigA, hashA, errA := a.Canonical()
			sigB, hashB, errB := b.Canonical()
			if errA != nil || errB != nil {
				return errA != nil && errB != nil
			}
			return sigA == sigB && hashA == hashB && len(hashA) == 32
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.IntRange(1, 99)),
		gen.Float64Range(0.1, 2000),
	))

	properties.Property("canonicalization is deterministic", prop.ForAll(
		func(id string, qty int, weight float64) bool {
			s := Signature{
				CollectionQuantities: map[string]int{"C_" + id: qty},
				TotalWeight:          weight,
			}
			_, hash1, err1 := s.Canonical()
			_, hash2, err2 := s.Canonical()
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return hash1 == hash2
		},
		gen.AlphaString(),
		gen.IntRange(1, 99),
		gen.Float64Range(0.1, 2000),
	))

	properties.TestingRun(t)
}

// TestRoundWeightIdempotencyProperty verifies weight rounding is stable:
// rounding a rounded weight changes nothing, so the hash of a signature
// built from an already-rounded weight matches the original.
func TestRoundWeightIdempotencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("rounding is idempotent", prop.ForAll(
		func(weight float64) bool {
			once := RoundWeight(weight)
			return RoundWeight(once) == once
		},
		gen.Float64Range(0, 10000),
	))

	properties.Property("rounded weight yields the same hash", prop.ForAll(
		func(qty int, weight float64) bool {
			raw := Signature{
				CollectionQuantities: map[string]int{"C_JERKY": qty},
				TotalWeight:          weight,
			}
			rounded := Signature{
				CollectionQuantities: map[string]int{"C_JERKY": qty},
				TotalWeight:          RoundWeight(weight),
			}
			_, hashRaw, err1 := raw.Canonical()
			_, hashRounded, err2 := rounded.Canonical()
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return hashRaw == hashRounded
		},
		gen.IntRange(1, 99),
		gen.Float64Range(0, 10000),
	))

	properties.TestingRun(t)
}
