// Package products holds the static product catalog: the purchasable
// subscription templates, keyed by template name. The catalog is loaded
// once at startup and is read-only afterwards.
package products

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"
)

// ErrUnknownProduct is returned when a template name is not in the catalog.
var ErrUnknownProduct = errors.New("products: unknown product")

// Template names for the built-in catalog.
const (
	PurpleOneMonth = "purple_one_month"
	PurpleOneYear  = "purple_one_year"
)

// Product is a purchasable subscription template.
type Product struct {
	Description  string `json:"description"`
	SpecialLabel string `json:"special_label,omitempty"`
	AmountMsat   int64  `json:"amount_msat"`
	// Expiry is the entitlement duration in seconds granted per purchase.
	Expiry int64 `json:"expiry"`
}

// Duration returns the entitlement duration as a time.Duration.
func (p Product) Duration() time.Duration {
	return time.Duration(p.Expiry) * time.Second
}

// Catalog maps template names to products.
type Catalog map[string]Product

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		PurpleOneMonth: {
			Description: "Purple — one month",
			AmountMsat:  15_000_000,
			Expiry:      30 * 24 * 60 * 60,
		},
		PurpleOneYear: {
			Description:  "Purple — one year",
			SpecialLabel: "best value",
			AmountMsat:   100_000_000,
			Expiry:       365 * 24 * 60 * 60,
		},
	}
}

// Load reads a catalog from a JSON file, or returns the built-in catalog
// when path is empty.
func Load(path string) (Catalog, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var catalog Catalog
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(catalog) == 0 {
		return nil, errors.New("products: empty catalog")
	}
	for name, p := range catalog {
		if p.AmountMsat <= 0 {
			return nil, fmt.Errorf("products: %s has non-positive amount_msat", name)
		}
		if p.Expiry <= 0 {
			return nil, fmt.Errorf("products: %s has non-positive expiry", name)
		}
	}

	return catalog, nil
}

// Get looks up a product by template name.
func (c Catalog) Get(name string) (Product, error) {
	p, ok := c[name]
	if !ok {
		return Product{}, fmt.Errorf("%w: %s", ErrUnknownProduct, name)
	}
	return p, nil
}

// Names returns the template names in stable order.
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
