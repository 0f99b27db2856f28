/*
Package factory provides JSON to Go service-catalog conversion.

PURPOSE:
  Converts a JSON service catalog into clinic.Service values and seeds them
  into a store. Front-desk managers can maintain prices and default package
  sizes in a file instead of in code.

JSON SCHEMA:
  {
    "services": [
      {
        "id": "physio-knee",
        "name": "Knee physiotherapy",
        "base_price": "450.00",
        "default_sessions": 10,
        "active": true
      }
    ]
  }

  base_price accepts a JSON string or number; strings are preferred so no
  float ever touches the amount. "active" defaults to true.

KEY FEATURES:
  - Rejects duplicate ids, empty names, negative prices and sessions
  - Rounds prices to cents
  - Seed upserts, so reloading a catalog updates prices in place

USAGE:
  f := factory.NewCatalogFactory()
  services, err := f.LoadFile("catalog.json")
  if err != nil { ... }
  err = f.Seed(ctx, store, services)

SEE ALSO:
  - clinic/types.go: Service type definition
  - cmd/server/main.go: "seed" command
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/clinic-engine/clinic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// CatalogJSON is the JSON representation of a service catalog.
type CatalogJSON struct {
	Services []ServiceJSON `json:"services"`
}

// ServiceJSON is one catalog entry.
type ServiceJSON struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	BasePrice       decimal.Decimal `json:"base_price"`
	DefaultSessions int             `json:"default_sessions,omitempty"`
	Active          *bool           `json:"active,omitempty"` // Default true
}

// =============================================================================
// CATALOG FACTORY
// =============================================================================

// CatalogFactory converts JSON catalogs to clinic services.
type CatalogFactory struct{}

func NewCatalogFactory() *CatalogFactory {
	return &CatalogFactory{}
}

// ParseCatalog parses a JSON string into services.
func (f *CatalogFactory) ParseCatalog(jsonStr string) ([]clinic.Service, error) {
	var cj CatalogJSON
	dec := json.NewDecoder(strings.NewReader(jsonStr))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cj); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}
	return f.FromJSON(cj)
}

// LoadFile reads and parses a catalog file.
func (f *CatalogFactory) LoadFile(path string) ([]clinic.Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return f.ParseCatalog(string(data))
}

// FromJSON validates a decoded catalog and converts it.
func (f *CatalogFactory) FromJSON(cj CatalogJSON) ([]clinic.Service, error) {
	if len(cj.Services) == 0 {
		return nil, clinic.Invalid("services", "catalog is empty")
	}

	seen := make(map[string]bool, len(cj.Services))
	out := make([]clinic.Service, 0, len(cj.Services))
	for i, sj := range cj.Services {
		field := fmt.Sprintf("services[%d]", i)
		id := strings.TrimSpace(sj.ID)
		switch {
		case id == "":
			return nil, clinic.Invalid(field+".id", "is required")
		case seen[id]:
			return nil, clinic.Invalid(field+".id", fmt.Sprintf("duplicate id %q", id))
		case strings.TrimSpace(sj.Name) == "":
			return nil, clinic.Invalid(field+".name", "is required")
		case sj.BasePrice.IsNegative():
			return nil, clinic.Invalid(field+".base_price", "must not be negative")
		case sj.DefaultSessions < 0:
			return nil, clinic.Invalid(field+".default_sessions", "must not be negative")
		}
		seen[id] = true

		active := true
		if sj.Active != nil {
			active = *sj.Active
		}
		out = append(out, clinic.Service{
			ID:              clinic.ServiceID(id),
			Name:            strings.TrimSpace(sj.Name),
			BasePrice:       clinic.RoundMoney(sj.BasePrice),
			DefaultSessions: sj.DefaultSessions,
			Active:          active,
		})
	}
	return out, nil
}

// Seed upserts every service in one transaction.
func (f *CatalogFactory) Seed(ctx context.Context, store clinic.TxStore, services []clinic.Service) error {
	return store.WithTx(ctx, func(st clinic.Store) error {
		for _, svc := range services {
			if err := st.SaveService(ctx, svc); err != nil {
				return fmt.Errorf("seed service %s: %w", svc.ID, err)
			}
		}
		return nil
	})
}

// =============================================================================
// DEFAULT CATALOG
// =============================================================================

// DefaultCatalogJSON is the demo catalog used by the scenario loader and
// by "seed" when no file is given.
const DefaultCatalogJSON = `{
  "services": [
    {"id": "physio-knee", "name": "Knee physiotherapy", "base_price": "450.00", "default_sessions": 10},
    {"id": "physio-back", "name": "Back physiotherapy", "base_price": "300.00", "default_sessions": 5},
    {"id": "massage", "name": "Therapeutic massage", "base_price": "80.00", "default_sessions": 1},
    {"id": "evaluation", "name": "Initial evaluation", "base_price": "50.00"},
    {"id": "hydro-legacy", "name": "Hydrotherapy (discontinued)", "base_price": "120.00", "default_sessions": 4, "active": false}
  ]
}`

// DefaultCatalog parses DefaultCatalogJSON.
func DefaultCatalog() []clinic.Service {
	services, err := NewCatalogFactory().ParseCatalog(DefaultCatalogJSON)
	if err != nil {
		panic(err)
	}
	return services
}
