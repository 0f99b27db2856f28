/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario sets up the expected state through the clinic
	services, and that loading resets whatever was there before.
*/
package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-engine/clinic"
)

func TestScenario_PackageProgress(t *testing.T) {
	// GIVEN/WHEN: the package-progress scenario is loaded
	s := setupTestServer(t)
	var resp map[string]string
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/scenarios/load",
		LoadScenarioRequest{ScenarioID: "package-progress"}, &resp))

	// THEN: one negotiated package with three active sessions, none invoiced
	ctx := context.Background()
	orders, err := s.handler.Invoices.ListUninvoicedOrders(ctx, "maria-gomez")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "400.00", orders[0].FinalPrice.StringFixed(2))
	assert.Equal(t, "50.00", orders[0].Discount.StringFixed(2))

	sessions, err := clinic.ActiveOrderSessions(ctx, s.handler.Store, orders[0].ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)

	var current ScenarioDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/scenarios/current", nil, &current))
	assert.Equal(t, "package-progress", current.ID)
}

func TestScenario_Billing(t *testing.T) {
	s := setupTestServer(t)
	require.NoError(t, s.handler.loadBillingScenario(context.Background()))

	orders, err := s.handler.Invoices.ListUninvoicedOrders(context.Background(), "tom-becker")
	require.NoError(t, err)
	require.Len(t, orders, 1, "only the massage package is left to bill")
	assert.Equal(t, clinic.ServiceID("massage"), orders[0].ServiceID)
}

func TestScenario_UnknownAndReset(t *testing.T) {
	s := setupTestServer(t)

	var errResp ErrorResponse
	code := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, &errResp)
	assert.Equal(t, http.StatusBadRequest, code)

	var ok map[string]string
	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/scenarios/reset", nil, &ok))

	var services []ServiceDTO
	require.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/services", nil, &services))
	assert.Empty(t, services)
}
