package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

// maxPriceScale matches the DECIMAL scale of the MySQL price columns.
const maxPriceScale = 2

// SeedItem is a product together with its opening stock.
type SeedItem struct {
	Code  string          `yaml:"code"`
	Name  string          `yaml:"name"`
	Price decimal.Decimal `yaml:"price"`
	Stock int             `yaml:"stock"`
}

func (s SeedItem) Validate() error {
	if s.Code == "" || s.Name == "" {
		return fmt.Errorf("%w: seed item needs code and name", domain.ErrInvalidInput)
	}
	if s.Price.IsNegative() {
		return fmt.Errorf("%w: price of %s is negative", domain.ErrInvalidInput, s.Code)
	}
	if !s.Price.Equal(s.Price.Round(maxPriceScale)) {
		return fmt.Errorf("%w: price of %s has more than %d decimal places", domain.ErrInvalidInput, s.Code, maxPriceScale)
	}
	if s.Stock < 0 {
		return fmt.Errorf("%w: stock of %s is negative", domain.ErrInvalidInput, s.Code)
	}
	return nil
}

// UnmarshalYAML accepts prices written as YAML numbers or strings.
func (s *SeedItem) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Code  string `yaml:"code"`
		Name  string `yaml:"name"`
		Price string `yaml:"price"`
		Stock int    `yaml:"stock"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	price, err := decimal.NewFromString(raw.Price)
	if err != nil {
		return fmt.Errorf("seed item %s: price %q: %w", raw.Code, raw.Price, err)
	}
	*s = SeedItem{Code: raw.Code, Name: raw.Name, Price: price, Stock: raw.Stock}
	return nil
}

type Seeder interface {
	// SeedProduct creates the product and its stock record, reporting false
	// when a product with the same code already exists
	SeedProduct(ctx context.Context, item SeedItem) (domain.Product, bool, error)
}

// Seed inserts every item that is not already present and returns how many
// were created.
func Seed(ctx context.Context, s Seeder, items []SeedItem) (int, error) {
	created := 0
	for _, item := range items {
		_, ok, err := s.SeedProduct(ctx, item)
		if err != nil {
			return created, fmt.Errorf("seed %s: %w", item.Code, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// LoadSeedFile reads a YAML list of seed items.
func LoadSeedFile(path string) ([]SeedItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var doc struct {
		Products []SeedItem `yaml:"products"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return doc.Products, nil
}

// DefaultCatalog is the demo catalog loaded by `server seed` without a file.
func DefaultCatalog() []SeedItem {
	return []SeedItem{
		{Code: "PRD001", Name: "Laptop ASUS ROG", Price: decimal.NewFromInt(15000000), Stock: 10},
		{Code: "PRD002", Name: "Mouse Logitech G502", Price: decimal.NewFromInt(750000), Stock: 50},
		{Code: "PRD003", Name: "Keyboard Mechanical", Price: decimal.NewFromInt(1200000), Stock: 30},
		{Code: "PRD004", Name: `Monitor LG 24"`, Price: decimal.NewFromInt(2500000), Stock: 15},
		{Code: "PRD005", Name: "Headset Gaming", Price: decimal.NewFromInt(850000), Stock: 40},
		{Code: "PRD006", Name: "Webcam HD", Price: decimal.NewFromInt(650000), Stock: 25},
		{Code: "PRD007", Name: "SSD 1TB", Price: decimal.NewFromInt(1500000), Stock: 35},
		{Code: "PRD008", Name: "RAM 16GB DDR4", Price: decimal.NewFromInt(900000), Stock: 45},
		{Code: "PRD009", Name: "USB Hub 7 Port", Price: decimal.NewFromInt(250000), Stock: 60},
		{Code: "PRD010", Name: "External HDD 2TB", Price: decimal.NewFromInt(1100000), Stock: 20},
	}
}
