package factory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-engine/clinic"
	"github.com/warp/clinic-engine/clinic/store"
	"github.com/warp/clinic-engine/factory"
)

func TestParseCatalog_DefaultsAndRounding(t *testing.T) {
	// GIVEN: a catalog with a numeric price and no "active" flag
	f := factory.NewCatalogFactory()

	// WHEN
	services, err := f.ParseCatalog(`{"services": [
		{"id": "massage", "name": " Massage ", "base_price": 80.005, "default_sessions": 3}
	]}`)

	// THEN
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Equal(t, clinic.ServiceID("massage"), services[0].ID)
	assert.Equal(t, "Massage", services[0].Name)
	assert.True(t, services[0].Active, "active defaults to true")
	assert.Equal(t, "80.01", services[0].BasePrice.StringFixed(2))
	assert.Equal(t, 3, services[0].DefaultSessions)
}

func TestParseCatalog_Rejects(t *testing.T) {
	f := factory.NewCatalogFactory()

	cases := map[string]string{
		"empty":          `{"services": []}`,
		"missing id":     `{"services": [{"name": "x", "base_price": "1"}]}`,
		"duplicate id":   `{"services": [{"id": "a", "name": "x", "base_price": "1"}, {"id": "a", "name": "y", "base_price": "2"}]}`,
		"missing name":   `{"services": [{"id": "a", "base_price": "1"}]}`,
		"negative price": `{"services": [{"id": "a", "name": "x", "base_price": "-1"}]}`,
		"negative count": `{"services": [{"id": "a", "name": "x", "base_price": "1", "default_sessions": -2}]}`,
	}
	for name, js := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.ParseCatalog(js)
			require.Error(t, err)
			assert.ErrorIs(t, err, clinic.ErrValidation)
		})
	}
}

func TestParseCatalog_MalformedJSON(t *testing.T) {
	_, err := factory.NewCatalogFactory().ParseCatalog(`{"services": [{"id": "a", "bogus": 1}]}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse catalog JSON")
}

func TestSeed_UpsertsServices(t *testing.T) {
	// GIVEN: the default catalog seeded once
	ctx := context.Background()
	st := store.NewMemory()
	f := factory.NewCatalogFactory()
	require.NoError(t, f.Seed(ctx, st, factory.DefaultCatalog()))

	// WHEN: a new price for one service is seeded again
	require.NoError(t, f.Seed(ctx, st, []clinic.Service{{
		ID: "massage", Name: "Therapeutic massage", BasePrice: clinic.MustParseMoney("95.00"), DefaultSessions: 1, Active: true,
	}}))

	// THEN: the service is updated in place and the catalog size is unchanged
	svc, err := st.GetService(ctx, "massage")
	require.NoError(t, err)
	assert.Equal(t, "95.00", svc.BasePrice.StringFixed(2))

	all, err := st.ListServices(ctx)
	require.NoError(t, err)
	assert.Len(t, all, len(factory.DefaultCatalog()))
}

func TestDefaultCatalog_HasInactiveService(t *testing.T) {
	var inactive int
	for _, svc := range factory.DefaultCatalog() {
		if !svc.Active {
			inactive++
		}
	}
	assert.Equal(t, 1, inactive)
}
