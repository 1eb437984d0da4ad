package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
	"github.com/joao-fontenele/orderflow-payments/internal/messaging"
	"github.com/joao-fontenele/orderflow-payments/internal/orders"
)

type PaymentReconciler interface {
	MarkPaid(ctx context.Context, event domain.PaymentSucceededEvent) (orders.PaymentOutcome, error)
}

type RetryConfig struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// PaymentHandler applies payment.succeeded events to orders. Malformed
// events and unknown orders are reported as plain errors. Store failures that
// survive every retry are returned as messaging.RetryableError so the event
// is redelivered.
type PaymentHandler struct {
	reconciler PaymentReconciler
	retry      RetryConfig
	logger     *slog.Logger
}

func NewPaymentHandler(reconciler PaymentReconciler, retry RetryConfig, logger *slog.Logger) *PaymentHandler {
	if retry.MaxTries == 0 {
		retry.MaxTries = 1
	}
	return &PaymentHandler{
		reconciler: reconciler,
		retry:      retry,
		logger:     logger,
	}
}

func (h *PaymentHandler) Handle(ctx context.Context, payload []byte) error {
	var event domain.PaymentSucceededEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal payment succeeded event: %w", err)
	}

	h.logger.InfoContext(ctx, "processing payment succeeded event", "order_id", event.OrderID, "stripe_payment_id", event.StripePaymentID)

	outcome, err := backoff.Retry(ctx, func() (orders.PaymentOutcome, error) {
		outcome, err := h.reconciler.MarkPaid(ctx, event)
		if err != nil && !retryable(err) {
			return 0, backoff.Permanent(err)
		}
		return outcome, err
	}, backoff.WithBackOff(h.backOff()), backoff.WithMaxTries(h.retry.MaxTries))
	if err != nil {
		var validation *orders.ValidationError
		switch {
		case errors.Is(err, orders.ErrNotFound):
			h.logger.WarnContext(ctx, "payment for unknown order", "order_id", event.OrderID)
			return fmt.Errorf("payment for unknown order %s: %w", event.OrderID, err)
		case errors.As(err, &validation):
			return fmt.Errorf("invalid payment succeeded event: %w", err)
		default:
			return messaging.Retryable(fmt.Errorf("reconcile payment for order %s: %w", event.OrderID, err))
		}
	}

	h.logger.InfoContext(ctx, "payment reconciled", "order_id", event.OrderID, "outcome", outcome.String())
	return nil
}

func (h *PaymentHandler) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if h.retry.InitialInterval > 0 {
		b.InitialInterval = h.retry.InitialInterval
	}
	if h.retry.MaxInterval > 0 {
		b.MaxInterval = h.retry.MaxInterval
	}
	return b
}

func retryable(err error) bool {
	var validation *orders.ValidationError
	switch {
	case errors.Is(err, orders.ErrNotFound), errors.As(err, &validation):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
