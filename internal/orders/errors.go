package orders

import (
	"errors"
	"fmt"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrAlreadyPaid    = errors.New("order already paid")
	ErrStatusConflict = errors.New("order status changed concurrently")
)

// ValidationError is returned for input that is rejected before anything is
// persisted. ProductIDs lists the offending products, if any.
type ValidationError struct {
	Message    string
	ProductIDs []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// RemoteError wraps a failure of the catalog or payment service.
type RemoteError struct {
	Dependency string
	Err        error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

type TransitionError struct {
	From domain.OrderStatus
	To   domain.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("status transition %s -> %s is not allowed", e.From, e.To)
}
