package domain

import "github.com/shopspring/decimal"

// Product is a catalog record as returned by the catalog service.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}
