package main

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/briangreenhill/decormarket/market"
)

// importFile is the YAML layout accepted by `marketctl import`:
//
//	products:
//	  - name: Rattan chair
//	    category: seating
//	    price_cents: 12900
//	    stock: 4
type importFile struct {
	Currency string          `yaml:"currency,omitempty"` // default for every product
	Products []importProduct `yaml:"products"`
}

type importProduct struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description,omitempty"`
	Category    string   `yaml:"category"`
	PriceCents  int64    `yaml:"price_cents"`
	Currency    string   `yaml:"currency,omitempty"`
	Images      []string `yaml:"images,omitempty"`
	Stock       int      `yaml:"stock"`
}

func loadImportFile(r io.Reader) ([]market.ProductInput, error) {
	var f importFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty import file")
		}
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(f.Products) == 0 {
		return nil, errors.New("no products")
	}

	out := make([]market.ProductInput, 0, len(f.Products))
	for i, p := range f.Products {
		if p.Name == "" {
			return nil, fmt.Errorf("product %d: name required", i)
		}
		if p.PriceCents < 0 || p.Stock < 0 {
			return nil, fmt.Errorf("product %d (%s): price and stock must not be negative", i, p.Name)
		}
		currency := p.Currency
		if currency == "" {
			currency = f.Currency
		}
		out = append(out, market.ProductInput{
			Name:        p.Name,
			Description: p.Description,
			Category:    p.Category,
			PriceCents:  p.PriceCents,
			Currency:    currency,
			Images:      p.Images,
			Stock:       p.Stock,
		})
	}
	return out, nil
}
