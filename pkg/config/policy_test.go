package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 28, p.SessionCapacity)
	assert.True(t, p.SKUExcluded("BUILDBAG"))
	assert.False(t, p.SKUExcluded("C_JERKY"))
	assert.Equal(t, 1, p.StationPriority("boxing_machine"))
	assert.Equal(t, 3, p.StationPriority("hand_pack"))
	assert.Equal(t, 99, p.StationPriority("freezer"))
}

func TestLoadPolicyEmptyPathReturnsDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)
}

func TestLoadPolicyLayersOverDefaults(t *testing.T) {
	path := writeProfile(t, `
session_capacity: 40
disallowed_rate_services:
  - Media Mail
locked_customer_services:
  - usps_priority_express
`)
	p, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 40, p.SessionCapacity)
	assert.True(t, p.ServiceDisallowed("Media Mail"))
	assert.True(t, p.CustomerServiceLocked("usps_priority_express"))
	// Untouched fields keep their defaults.
	assert.True(t, p.SKUExcluded("BUILDBAG"))
	assert.Equal(t, 1, p.StationPriority("boxing_machine"))
}

func TestLoadPolicyRejectsNonPositiveCapacity(t *testing.T) {
	path := writeProfile(t, "session_capacity: 0\n")
	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session_capacity")
}

func TestLoadPolicyMissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadPolicyMalformedYAML(t *testing.T) {
	path := writeProfile(t, "session_capacity: [not a number\n")
	_, err := LoadPolicy(path)
	assert.Error(t, err)
}
