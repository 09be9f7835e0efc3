package config

import (
	"fmt"
	"os"
	"qr-payment-relay/internal/relay"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Devices map[relay.DeviceID]relay.CatalogEntry `yaml:"devices"`
}

// DefaultCatalog is used when CATALOG_FILE is not set.
func DefaultCatalog() map[relay.DeviceID]relay.CatalogEntry {
	return map[relay.DeviceID]relay.CatalogEntry{
		"bar1": {Title: "Pinta Rubia", Quantity: 1, Currency: "ARS", UnitPrice: 10000},
		"bar2": {Title: "Pinta Negra", Quantity: 1, Currency: "ARS", UnitPrice: 11000},
		"bar3": {Title: "Pinta Roja", Quantity: 1, Currency: "ARS", UnitPrice: 100000},
	}
}

// LoadCatalog reads the device catalog from c.File, or returns the default one.
func (c Catalog) LoadCatalog() (map[relay.DeviceID]relay.CatalogEntry, error) {
	if c.File == "" {
		return DefaultCatalog(), nil
	}

	raw, err := os.ReadFile(c.File)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	return ParseCatalog(raw)
}

func ParseCatalog(raw []byte) (map[relay.DeviceID]relay.CatalogEntry, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(file.Devices) == 0 {
		return nil, fmt.Errorf("catalog has no devices")
	}

	validate := validator.New()
	out := make(map[relay.DeviceID]relay.CatalogEntry, len(file.Devices))
	for id, entry := range file.Devices {
		if id == "" || strings.Contains(string(id), ":") {
			return nil, fmt.Errorf("invalid device id %q", id)
		}
		entry.Currency = strings.ToUpper(entry.Currency)
		if err := validate.Struct(entry); err != nil {
			return nil, fmt.Errorf("validate catalog entry %s: %w", id, err)
		}
		out[id] = entry
	}
	return out, nil
}

// Bounds returns the inclusive price override range.
func (c Catalog) Bounds() (relay.PriceBounds, error) {
	if c.PriceMin <= 0 || c.PriceMax < c.PriceMin {
		return relay.PriceBounds{}, fmt.Errorf("invalid price bounds [%d, %d]", c.PriceMin, c.PriceMax)
	}
	return relay.PriceBounds{Min: c.PriceMin, Max: c.PriceMax}, nil
}
