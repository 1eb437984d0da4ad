package domain

import (
	"cmp"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type OrderCreatedEvent struct {
	OrderID     string          `json:"order_id"`
	Items       []OrderItem     `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalItems  int             `json:"total_items"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PaymentSucceededEvent is published by the payment service once a charge
// has been captured. The payment service sends camelCase keys; snake_case
// keys are accepted as well.
type PaymentSucceededEvent struct {
	OrderID         string `json:"orderId"`
	StripePaymentID string `json:"stripePaymentId"`
	ReceiptURL      string `json:"receiptUrl"`
}

func (e *PaymentSucceededEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		OrderID         string `json:"orderId"`
		StripePaymentID string `json:"stripePaymentId"`
		ReceiptURL      string `json:"receiptUrl"`

		SnakeOrderID         string `json:"order_id"`
		SnakeStripePaymentID string `json:"stripe_payment_id"`
		SnakeReceiptURL      string `json:"receipt_url"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = PaymentSucceededEvent{
		OrderID:         cmp.Or(raw.OrderID, raw.SnakeOrderID),
		StripePaymentID: cmp.Or(raw.StripePaymentID, raw.SnakeStripePaymentID),
		ReceiptURL:      cmp.Or(raw.ReceiptURL, raw.SnakeReceiptURL),
	}
	return nil
}

type OrderPaidEvent struct {
	OrderID         string    `json:"order_id"`
	StripePaymentID string    `json:"stripe_payment_id"`
	ReceiptURL      string    `json:"receipt_url"`
	PaidAt          time.Time `json:"paid_at"`
}
