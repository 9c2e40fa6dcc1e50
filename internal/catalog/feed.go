// Package catalog imports supplier price feeds into the product catalog.
// A feed is one shop's YAML document: the shop name, its category list, and
// the goods priced against those categories.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dedezza1D/orderflow/internal/store"
)

type Feed struct {
	Shop       string         `yaml:"shop"`
	Categories []FeedCategory `yaml:"categories"`
	Goods      []FeedGood     `yaml:"goods"`
}

type FeedCategory struct {
	ID   int    `yaml:"id"`
	Name string `yaml:"name"`
}

// FeedGood is one priced item. Parameters carry arbitrary scalar attributes
// (screen size, color, ...) that suppliers are free to invent.
type FeedGood struct {
	ID         int            `yaml:"id"`
	Category   int            `yaml:"category"`
	Model      string         `yaml:"model"`
	Name       string         `yaml:"name"`
	Price      int64          `yaml:"price"`
	PriceRRC   int64          `yaml:"price_rrc"`
	Quantity   int            `yaml:"quantity"`
	Parameters map[string]any `yaml:"parameters"`
}

// RecordError marks one feed record that could not be converted; the rest of
// the feed still imports.
type RecordError struct {
	GoodID int
	Err    error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("good %d: %v", e.GoodID, e.Err)
}

func ParseFeed(data []byte) (*Feed, error) {
	var f Feed
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	if f.Shop == "" {
		return nil, fmt.Errorf("feed has no shop name")
	}
	return &f, nil
}

// Records converts the feed into catalog products. The external key is
// "<shop>:<good id>", stable across imports of the same feed. Goods whose
// category id is not declared in the feed come back as record errors.
func (f *Feed) Records() ([]store.Product, []RecordError) {
	categories := make(map[int]string, len(f.Categories))
	for _, c := range f.Categories {
		categories[c.ID] = c.Name
	}

	var (
		products []store.Product
		errs     []RecordError
	)
	for _, g := range f.Goods {
		category, ok := categories[g.Category]
		if !ok {
			errs = append(errs, RecordError{GoodID: g.ID, Err: fmt.Errorf("unknown category %d", g.Category)})
			continue
		}
		if g.Name == "" {
			errs = append(errs, RecordError{GoodID: g.ID, Err: fmt.Errorf("missing name")})
			continue
		}
		if g.Quantity < 0 {
			errs = append(errs, RecordError{GoodID: g.ID, Err: fmt.Errorf("negative quantity %d", g.Quantity)})
			continue
		}

		params := make(map[string]string, len(g.Parameters))
		for k, v := range g.Parameters {
			params[k] = fmt.Sprint(v)
		}

		p := store.Product{
			ExternalKey: fmt.Sprintf("%s:%d", f.Shop, g.ID),
			Shop:        f.Shop,
			Name:        g.Name,
			Category:    category,
			Model:       g.Model,
			Price:       g.Price,
			PriceRRC:    g.PriceRRC,
			Quantity:    g.Quantity,
			Parameters:  params,
		}
		p.Checksum = Checksum(p)
		products = append(products, p)
	}
	return products, errs
}

// Checksum hashes the imported attributes in a canonical order, so the same
// record always hashes the same and a re-import can detect "unchanged"
// without field-by-field comparison.
func Checksum(p store.Product) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d|%d", p.Shop, p.Name, p.Category, p.Model, p.Price, p.PriceRRC, p.Quantity)

	keys := make([]string, 0, len(p.Parameters))
	for k := range p.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, p.Parameters[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
