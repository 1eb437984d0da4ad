// Package pricing computes order line prices and totals from catalog data.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
)

// MoneyScale is the number of decimal places stored for prices and totals.
const MoneyScale int32 = 2

var ErrProductNotPriced = errors.New("product missing from catalog result")

type Quote struct {
	Items       []domain.OrderItem
	TotalAmount decimal.Decimal
	TotalItems  int
}

// Price builds the priced lines for an order. Prices always come from
// products; the lines only contribute product ids and quantities. Catalog
// prices are rounded to MoneyScale first, so the total is always the sum of
// the stored line prices times their quantities.
func Price(products []domain.Product, lines []domain.OrderLine) (Quote, error) {
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	quote := Quote{
		Items:       make([]domain.OrderItem, 0, len(lines)),
		TotalAmount: decimal.Zero,
	}

	for _, line := range lines {
		product, ok := byID[line.ProductID]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrProductNotPriced, line.ProductID)
		}
		if line.Quantity <= 0 {
			return Quote{}, fmt.Errorf("non-positive quantity %d for product %s", line.Quantity, line.ProductID)
		}

		price := product.Price.Round(MoneyScale)
		quote.Items = append(quote.Items, domain.OrderItem{
			ProductID: line.ProductID,
			Name:      product.Name,
			Quantity:  line.Quantity,
			Price:     price,
		})
		quote.TotalAmount = quote.TotalAmount.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		quote.TotalItems += line.Quantity
	}

	return quote, nil
}
