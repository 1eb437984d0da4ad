package orders

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type serviceMetrics struct {
	ordersCreated      metric.Int64Counter
	paymentSessions    metric.Int64Counter
	paymentsReconciled metric.Int64Counter
}

// newServiceMetrics registers the instruments on the global meter provider.
func newServiceMetrics() serviceMetrics {
	meter := otel.Meter("orders")

	created, _ := meter.Int64Counter("orders.created",
		metric.WithDescription("Orders persisted."))
	sessions, _ := meter.Int64Counter("orders.payment_sessions",
		metric.WithDescription("Payment session requests by outcome."))
	reconciled, _ := meter.Int64Counter("orders.payments_reconciled",
		metric.WithDescription("Payment confirmations processed by outcome."))

	return serviceMetrics{
		ordersCreated:      created,
		paymentSessions:    sessions,
		paymentsReconciled: reconciled,
	}
}

func outcomeAttr(outcome string) metric.AddOption {
	return metric.WithAttributes(attribute.String("outcome", outcome))
}
