package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packhouse-labs/fulfillment-core/pkg/batcher"
)

type mockBuilder struct {
	stationType string
	dryRun      bool
	err         error
}

func (m *mockBuilder) BuildSessions(ctx context.Context, stationType string, dryRun bool) (*batcher.Report, error) {
	m.stationType = stationType
	m.dryRun = dryRun
	if m.err != nil {
		return nil, m.err
	}
	return &batcher.Report{DryRun: dryRun}, nil
}

func TestStatusSurfacesRegisteredSnapshots(t *testing.T) {
	s := NewServer(Options{})
	var degraded atomic.Bool
	s.RegisterStatus("coordinator", func() any {
		return map[string]bool{"degraded": degraded.Load()}
	})
	degraded.Store(true)

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]map[string]bool
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body["coordinator"]["degraded"])

	degraded.Store(false)
	rr = httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.False(t, body["coordinator"]["degraded"])
}

func TestSessionBuildPassesFilterAndDryRun(t *testing.T) {
	builder := &mockBuilder{}
	s := NewServer(Options{Builder: builder})

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/sessions/build?station_type=poly_bag&dry_run=true", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "poly_bag", builder.stationType)
	assert.True(t, builder.dryRun)
}

func TestSessionBuildRejectsUnknownStationType(t *testing.T) {
	builder := &mockBuilder{err: batcher.ErrUnknownStationType}
	s := NewServer(Options{Builder: builder})

	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, httptest.NewRequest(http.MethodPost,
		"/sessions/build?station_type=conveyor", nil))

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
