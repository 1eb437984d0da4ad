package orders

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
	"github.com/joao-fontenele/orderflow-payments/internal/pricing"
)

var (
	widget = domain.Product{ID: "P1", Name: "Widget", Price: decimal.RequireFromString("10")}
	gadget = domain.Product{ID: "P2", Name: "Gadget", Price: decimal.RequireFromString("2.55")}
)

type serviceFixture struct {
	svc      *Service
	store    *fakeStore
	catalog  *fakeCatalog
	payments *fakePayments
	created  *fakePublisher
	paid     *fakePublisher
	now      time.Time
}

func newServiceFixture(t *testing.T, policy TransitionPolicy) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		store:    newFakeStore(),
		catalog:  newFakeCatalog(widget, gadget),
		payments: &fakePayments{session: domain.PaymentSession(`{"id":"cs_test_1","url":"https://pay/cs_test_1"}`)},
		created:  &fakePublisher{},
		paid:     &fakePublisher{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.catalog, f.payments, discardLogger(), ServiceConfig{
		Policy:        policy,
		CreatedEvents: f.created,
		PaidEvents:    f.paid,
		Now: func() time.Time {
			f.now = f.now.Add(time.Second)
			return f.now
		},
	})
	return f
}

func TestService_PlaceOrder(t *testing.T) {
	t.Run("prices and persists a pending order", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 2}})
		require.NoError(t, err)

		order := result.Order
		require.NotNil(t, order)
		assert.NoError(t, uuid.Validate(order.ID))
		assert.Equal(t, domain.OrderStatusPending, order.Status)
		assert.Equal(t, "20", order.TotalAmount.String())
		assert.Equal(t, 2, order.TotalItems)
		assert.False(t, order.Paid)
		assert.Nil(t, order.PaidAt)
		require.Len(t, order.Items, 1)
		assert.Equal(t, "Widget", order.Items[0].Name)
		assert.JSONEq(t, `{"id":"cs_test_1","url":"https://pay/cs_test_1"}`, string(result.PaymentSession))

		require.Len(t, f.payments.requests, 1)
		req := f.payments.requests[0]
		assert.Equal(t, order.ID, req.OrderID)
		assert.Equal(t, DefaultCurrency, req.Currency)
		require.Len(t, req.Items, 1)
		assert.Equal(t, "Widget", req.Items[0].Name)
		assert.Equal(t, 2, req.Items[0].Quantity)
		assert.Equal(t, "10", req.Items[0].Price.String())

		require.Len(t, f.created.events, 1)
		assert.Equal(t, order.ID, f.created.events[0].key)
		event, ok := f.created.events[0].event.(domain.OrderCreatedEvent)
		require.True(t, ok)
		assert.Equal(t, "20", event.TotalAmount.String())
	})

	t.Run("read after write returns the same order", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
			{ProductID: "P1", Quantity: 1},
			{ProductID: "P2", Quantity: 3},
		})
		require.NoError(t, err)

		found, err := f.svc.FindOne(context.Background(), result.Order.ID)
		require.NoError(t, err)

		assert.Equal(t, result.Order.ID, found.ID)
		assert.Equal(t, "17.65", found.TotalAmount.String())
		assert.Equal(t, 4, found.TotalItems)
		require.Len(t, found.Items, 2)
		assert.Equal(t, "Widget", found.Items[0].Name)
		assert.Equal(t, "Gadget", found.Items[1].Name)
	})

	t.Run("duplicate lines are merged", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
			{ProductID: "P1", Quantity: 1},
			{ProductID: "P1", Quantity: 2},
		})
		require.NoError(t, err)

		require.Len(t, result.Order.Items, 1)
		assert.Equal(t, 3, result.Order.Items[0].Quantity)
		assert.Equal(t, "30", result.Order.TotalAmount.String())
	})

	t.Run("sub-cent catalog price is stored at money scale", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		f.catalog.products["P3"] = domain.Product{ID: "P3", Name: "Screw", Price: decimal.RequireFromString("0.125")}

		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P3", Quantity: 3}})
		require.NoError(t, err)

		assert.Equal(t, "0.39", result.Order.TotalAmount.String())
		require.Len(t, result.Order.Items, 1)
		assert.Equal(t, "0.13", result.Order.Items[0].Price.String())
		assert.Equal(t, "0.13", f.payments.requests[0].Items[0].Price.String())
	})

	t.Run("timestamps use storage precision", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		svc := NewService(f.store, f.catalog, f.payments, discardLogger(), ServiceConfig{
			Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC) },
		})

		result, err := svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.NoError(t, err)
		assert.Equal(t, 123456000, result.Order.CreatedAt.Nanosecond())

		found, err := svc.FindOne(context.Background(), result.Order.ID)
		require.NoError(t, err)
		assert.True(t, found.CreatedAt.Equal(result.Order.CreatedAt))

		_, err = svc.MarkPaid(context.Background(), domain.PaymentSucceededEvent{
			OrderID: result.Order.ID, StripePaymentID: "pi_1", ReceiptURL: "https://r/1",
		})
		require.NoError(t, err)
		paid, err := svc.FindOne(context.Background(), result.Order.ID)
		require.NoError(t, err)
		require.NotNil(t, paid.PaidAt)
		assert.Equal(t, 123456000, paid.PaidAt.Nanosecond())
	})

	t.Run("unknown product persists nothing", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{
			{ProductID: "P1", Quantity: 1},
			{ProductID: "P9", Quantity: 1},
		})

		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Equal(t, []string{"P9"}, validation.ProductIDs)
		assert.Zero(t, f.store.count())
		assert.Empty(t, f.payments.requests)
		assert.Empty(t, f.created.events)
	})

	t.Run("invalid lines", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		cases := map[string][]domain.OrderLine{
			"empty":         nil,
			"zero quantity": {{ProductID: "P1", Quantity: 0}},
			"negative":      {{ProductID: "P1", Quantity: -1}},
			"blank product": {{ProductID: " ", Quantity: 1}},
		}
		for name, lines := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := f.svc.PlaceOrder(context.Background(), lines)
				var validation *ValidationError
				assert.ErrorAs(t, err, &validation)
			})
		}
		assert.Zero(t, f.catalog.calls)
		assert.Zero(t, f.store.count())
	})

	t.Run("catalog outage is a remote error", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		f.catalog.err = errors.New("connection refused")

		_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "catalog", remote.Dependency)
		assert.Zero(t, f.store.count())
	})

	t.Run("payment failure keeps the order", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		f.payments.err = errors.New("payment service returned status 503")

		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})

		var remote *RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "payment", remote.Dependency)
		require.NotNil(t, result.Order)
		assert.Nil(t, result.PaymentSession)
		assert.Equal(t, 1, f.store.count())
	})

	t.Run("cancelled context persists nothing", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.svc.PlaceOrder(ctx, []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, f.store.count())
	})

	t.Run("store failure", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		f.store.createFn = func(*domain.Order) error { return errors.New("disk full") }

		_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.Error(t, err)
		assert.Empty(t, f.payments.requests)
	})
}

func TestService_FindOne(t *testing.T) {
	f := newServiceFixture(t, nil)

	t.Run("invalid id", func(t *testing.T) {
		_, err := f.svc.FindOne(context.Background(), "not-a-uuid")
		var validation *ValidationError
		assert.ErrorAs(t, err, &validation)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := f.svc.FindOne(context.Background(), uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("non-canonical id forms", func(t *testing.T) {
		id := uuid.NewString()
		for _, form := range []string{
			"urn:uuid:" + id,
			"{" + id + "}",
			strings.ReplaceAll(id, "-", ""),
		} {
			_, err := f.svc.FindOne(context.Background(), form)
			var validation *ValidationError
			assert.ErrorAs(t, err, &validation, form)
		}
	})

	t.Run("catalog unavailable for names", func(t *testing.T) {
		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.NoError(t, err)

		f.catalog.err = errors.New("timeout")
		defer func() { f.catalog.err = nil }()

		_, err = f.svc.FindOne(context.Background(), result.Order.ID)
		var remote *RemoteError
		assert.ErrorAs(t, err, &remote)
	})
}

func TestService_FindAll(t *testing.T) {
	f := newServiceFixture(t, nil)
	for range 3 {
		_, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.NoError(t, err)
	}

	t.Run("first page", func(t *testing.T) {
		page, err := f.svc.FindAll(context.Background(), ListFilter{Page: 1, Limit: 2})
		require.NoError(t, err)

		assert.Len(t, page.Data, 2)
		assert.Equal(t, PageMeta{Page: 1, Total: 3, LastPage: 2}, page.Meta)
		assert.True(t, page.Data[0].CreatedAt.After(page.Data[1].CreatedAt))
	})

	t.Run("page past the end is empty", func(t *testing.T) {
		page, err := f.svc.FindAll(context.Background(), ListFilter{Page: 5, Limit: 2})
		require.NoError(t, err)

		assert.Empty(t, page.Data)
		assert.NotNil(t, page.Data)
		assert.Equal(t, PageMeta{Page: 5, Total: 3, LastPage: 2}, page.Meta)
	})

	t.Run("status filter", func(t *testing.T) {
		page, err := f.svc.FindAll(context.Background(), ListFilter{Status: domain.OrderStatusPaid, Page: 1, Limit: 10})
		require.NoError(t, err)

		assert.Empty(t, page.Data)
		assert.Equal(t, PageMeta{Page: 1, Total: 0, LastPage: 0}, page.Meta)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		for _, filter := range []ListFilter{
			{Page: 0, Limit: 10},
			{Page: 1, Limit: 0},
			{Page: 1, Limit: MaxLimit + 1},
			{Status: "SHIPPED", Page: 1, Limit: 10},
		} {
			_, err := f.svc.FindAll(context.Background(), filter)
			var validation *ValidationError
			assert.ErrorAs(t, err, &validation, "filter %+v", filter)
		}
	})
}

// staleStore reports PENDING on reads regardless of the stored status.
type staleStore struct {
	*fakeStore
}

func (s staleStore) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.fakeStore.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatusPending
	return o, nil
}

func TestService_ChangeStatus(t *testing.T) {
	place := func(t *testing.T, f *serviceFixture) string {
		t.Helper()
		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.NoError(t, err)
		return result.Order.ID
	}

	t.Run("updates status", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		id := place(t, f)

		catalogCalls := f.catalog.calls
		order, err := f.svc.ChangeStatus(context.Background(), id, domain.OrderStatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusCancelled, order.Status)
		assert.Equal(t, catalogCalls, f.catalog.calls)
		require.Len(t, order.Items, 1)
		assert.Empty(t, order.Items[0].Name)
	})

	t.Run("same status is a no-op", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		id := place(t, f)

		order, err := f.svc.ChangeStatus(context.Background(), id, domain.OrderStatusPending)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, order.Status)
		assert.Zero(t, f.store.updates)
	})

	t.Run("open policy allows any move", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		id := place(t, f)

		_, err := f.svc.ChangeStatus(context.Background(), id, domain.OrderStatusDelivered)
		require.NoError(t, err)
		order, err := f.svc.ChangeStatus(context.Background(), id, domain.OrderStatusPending)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, order.Status)
	})

	t.Run("strict policy rejects skipping payment", func(t *testing.T) {
		f := newServiceFixture(t, StrictPolicy{})
		id := place(t, f)

		_, err := f.svc.ChangeStatus(context.Background(), id, domain.OrderStatusDelivered)
		var transition *TransitionError
		require.ErrorAs(t, err, &transition)
		assert.Equal(t, domain.OrderStatusPending, transition.From)
		assert.Equal(t, domain.OrderStatusDelivered, transition.To)
		assert.Zero(t, f.store.updates)
	})

	t.Run("invalid status", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		id := place(t, f)

		_, err := f.svc.ChangeStatus(context.Background(), id, "SHIPPED")
		var validation *ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Message, "PENDING, PAID, DELIVERED, CANCELLED")
	})

	t.Run("not found", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.ChangeStatus(context.Background(), uuid.NewString(), domain.OrderStatusPaid)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent change is a conflict", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		id := place(t, f)
		_, err := f.svc.ChangeStatus(context.Background(), id, domain.OrderStatusPaid)
		require.NoError(t, err)

		stale := NewService(staleStore{f.store}, f.catalog, f.payments, discardLogger(), ServiceConfig{})
		_, err = stale.ChangeStatus(context.Background(), id, domain.OrderStatusCancelled)
		assert.ErrorIs(t, err, ErrStatusConflict)
	})
}

func TestService_MarkPaid(t *testing.T) {
	t.Run("applies once", func(t *testing.T) {
		f := newServiceFixture(t, nil)
		result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P1", Quantity: 1}})
		require.NoError(t, err)
		id := result.Order.ID

		event := domain.PaymentSucceededEvent{OrderID: id, StripePaymentID: "pi_1", ReceiptURL: "https://r/1"}

		outcome, err := f.svc.MarkPaid(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, PaymentApplied, outcome)

		first, err := f.svc.FindOne(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, first.Paid)
		assert.Equal(t, domain.OrderStatusPaid, first.Status)
		assert.Equal(t, "pi_1", first.StripeChargeID)
		require.NotNil(t, first.Receipt)
		assert.Equal(t, "https://r/1", first.Receipt.ReceiptURL)

		outcome, err = f.svc.MarkPaid(context.Background(), event)
		require.NoError(t, err)
		assert.Equal(t, PaymentAlreadyApplied, outcome)

		second, err := f.svc.FindOne(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, second.PaidAt)
		assert.True(t, first.PaidAt.Equal(*second.PaidAt))
		assert.Equal(t, first.Receipt.ID, second.Receipt.ID)
		assert.Equal(t, 1, f.store.receipts[id])

		require.Len(t, f.paid.events, 1)
		assert.Equal(t, id, f.paid.events[0].key)
	})

	t.Run("unknown order", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		_, err := f.svc.MarkPaid(context.Background(), domain.PaymentSucceededEvent{
			OrderID: uuid.NewString(), StripePaymentID: "pi_1", ReceiptURL: "https://r/1",
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, f.paid.events)
	})

	t.Run("invalid event", func(t *testing.T) {
		f := newServiceFixture(t, nil)

		for _, event := range []domain.PaymentSucceededEvent{
			{OrderID: "nope", StripePaymentID: "pi_1", ReceiptURL: "https://r/1"},
			{OrderID: uuid.NewString(), ReceiptURL: "https://r/1"},
			{OrderID: uuid.NewString(), StripePaymentID: "pi_1"},
		} {
			_, err := f.svc.MarkPaid(context.Background(), event)
			var validation *ValidationError
			assert.ErrorAs(t, err, &validation)
		}
	})
}

func TestService_RequestPaymentSession(t *testing.T) {
	f := newServiceFixture(t, nil)
	result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P2", Quantity: 2}})
	require.NoError(t, err)
	id := result.Order.ID

	again, err := f.svc.RequestPaymentSession(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, again.PaymentSession)
	require.Len(t, f.payments.requests, 2)
	assert.Equal(t, "Gadget", f.payments.requests[1].Items[0].Name)

	_, err = f.svc.MarkPaid(context.Background(), domain.PaymentSucceededEvent{OrderID: id, StripePaymentID: "pi_2", ReceiptURL: "https://r/2"})
	require.NoError(t, err)

	_, err = f.svc.RequestPaymentSession(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyPaid)
	assert.Len(t, f.payments.requests, 2)
}

func TestService_PricingConsistency(t *testing.T) {
	f := newServiceFixture(t, nil)

	result, err := f.svc.PlaceOrder(context.Background(), []domain.OrderLine{{ProductID: "P2", Quantity: 7}})
	require.NoError(t, err)

	quote, err := pricing.Price([]domain.Product{gadget}, []domain.OrderLine{{ProductID: "P2", Quantity: 7}})
	require.NoError(t, err)
	assert.True(t, quote.TotalAmount.Equal(result.Order.TotalAmount))
	assert.Equal(t, "17.85", result.Order.TotalAmount.String())
}
