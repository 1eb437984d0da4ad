package orders

import (
	"fmt"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
)

// TransitionPolicy decides whether an explicit status change is accepted.
type TransitionPolicy interface {
	Allow(from, to domain.OrderStatus) bool
}

// OpenPolicy accepts any known status after any other.
type OpenPolicy struct{}

func (OpenPolicy) Allow(_, to domain.OrderStatus) bool {
	return to.Valid()
}

// StrictPolicy forbids moving a paid order back to pending, skipping payment
// on the way to delivery, and leaving DELIVERED or CANCELLED.
type StrictPolicy struct{}

var strictTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending: {domain.OrderStatusPaid, domain.OrderStatusCancelled},
	domain.OrderStatusPaid:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

func (StrictPolicy) Allow(from, to domain.OrderStatus) bool {
	for _, next := range strictTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func PolicyByName(name string) (TransitionPolicy, error) {
	switch name {
	case "", "open":
		return OpenPolicy{}, nil
	case "strict":
		return StrictPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown transition policy %q", name)
	}
}
