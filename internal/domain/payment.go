package domain

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type PaymentSessionItem struct {
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

type PaymentSessionRequest struct {
	OrderID  string               `json:"order_id"`
	Currency string               `json:"currency"`
	Items    []PaymentSessionItem `json:"items"`
}

// PaymentSession is the handle returned by the payment service. It is passed
// through to the client untouched.
type PaymentSession json.RawMessage

func (s PaymentSession) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return json.RawMessage(s).MarshalJSON()
}

func (s *PaymentSession) UnmarshalJSON(data []byte) error {
	*s = append((*s)[:0], data...)
	return nil
}
