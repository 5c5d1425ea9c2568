package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalIsOrderIndependent(t *testing.T) {
	a := Signature{
		CollectionQuantities: map[string]int{"C_JERKY": 8, "C_SAUCE": 2},
		TotalWeight:          104,
	}
	b := Signature{
		CollectionQuantities: map[string]int{"C_SAUCE": 2, "C_JERKY": 8},
		TotalWeight:          104,
	}

	sigA, hashA, err := a.Canonical()
	require.NoError(t, err)
	sigB, hashB, err := b.Canonical()
	require.NoError(t, err)

	assert.Equal(t, sigA, sigB)
	assert.Equal(t, hashA, hashB)
}

func TestCanonicalShape(t *testing.T) {
	sig := Signature{
		CollectionQuantities: map[string]int{"C_JERKY": 8},
		TotalWeight:          104,
	}
	canonical, hash, err := sig.Canonical()
	require.NoError(t, err)

	assert.Equal(t, `{"C_JERKY":8,"weight":104}`, canonical)
	assert.Len(t, hash, 32)
}

func TestCanonicalWeightSensitivity(t *testing.T) {
	base := Signature{CollectionQuantities: map[string]int{"C_JERKY": 8}, TotalWeight: 104}
	heavier := Signature{CollectionQuantities: map[string]int{"C_JERKY": 8}, TotalWeight: 104.2}
	sameAfterRounding := Signature{CollectionQuantities: map[string]int{"C_JERKY": 8}, TotalWeight: 104.04}

	_, baseHash, err := base.Canonical()
	require.NoError(t, err)
	_, heavierHash, err := heavier.Canonical()
	require.NoError(t, err)
	_, roundedHash, err := sameAfterRounding.Canonical()
	require.NoError(t, err)

	assert.NotEqual(t, baseHash, heavierHash)
	assert.Equal(t, baseHash, roundedHash)
}

func TestRoundWeight(t *testing.T) {
	assert.Equal(t, 104.0, RoundWeight(104.04))
	assert.Equal(t, 104.1, RoundWeight(104.05))
	assert.Equal(t, 0.0, RoundWeight(0))
}

func TestDisplayName(t *testing.T) {
	sig := Signature{
		CollectionQuantities: map[string]int{"C_SAUCE": 2, "C_JERKY": 8},
		TotalWeight:          104,
	}
	assert.Equal(t, "C_JERKY x8, C_SAUCE x2 @ 104oz", sig.DisplayName("oz"))
	assert.Equal(t, 10, sig.ItemCount())
}
