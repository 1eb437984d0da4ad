package orders

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/joao-fontenele/orderflow-payments/internal/catalog"
	"github.com/joao-fontenele/orderflow-payments/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]*domain.Order
	updates  int
	receipts map[string]int
	createFn func(*domain.Order) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   make(map[string]*domain.Order),
		receipts: make(map[string]int),
	}
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.OrderItem{}, o.Items...)
	if o.Receipt != nil {
		r := *o.Receipt
		c.Receipt = &r
	}
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return &c
}

func (s *fakeStore) Create(_ context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createFn != nil {
		if err := s.createFn(order); err != nil {
			return err
		}
	}

	order.ID = uuid.NewString()
	order.UpdatedAt = order.CreatedAt
	stored := cloneOrder(order)
	for i := range stored.Items {
		stored.Items[i].Name = ""
	}
	s.orders[order.ID] = stored
	return nil
}

func (s *fakeStore) GetByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneOrder(o), nil
}

func (s *fakeStore) List(_ context.Context, filter ListFilter) ([]domain.Order, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []domain.Order
	for _, o := range s.orders {
		if filter.Status == "" || o.Status == filter.Status {
			matched = append(matched, *cloneOrder(o))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	offset := (filter.Page - 1) * filter.Limit
	if offset >= total {
		return []domain.Order{}, total, nil
	}
	end := min(offset+filter.Limit, total)
	return matched[offset:end], total, nil
}

func (s *fakeStore) UpdateStatus(_ context.Context, id string, expected, status domain.OrderStatus) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updates++
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != expected {
		return nil, ErrStatusConflict
	}
	o.Status = status
	return cloneOrder(o), nil
}

func (s *fakeStore) MarkPaid(_ context.Context, c PaymentConfirmation) (PaymentOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[c.OrderID]
	if !ok {
		return 0, ErrNotFound
	}
	if o.Paid {
		return PaymentAlreadyApplied, nil
	}

	paidAt := c.PaidAt
	o.Paid = true
	o.PaidAt = &paidAt
	o.Status = domain.OrderStatusPaid
	o.StripeChargeID = c.StripePaymentID
	o.Receipt = &domain.Receipt{ID: uuid.NewString(), ReceiptURL: c.ReceiptURL, CreatedAt: paidAt}
	s.receipts[c.OrderID]++
	return PaymentApplied, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

func (s *fakeStore) Ping(context.Context) error { return nil }

type fakeCatalog struct {
	products map[string]domain.Product
	err      error
	calls    int
}

func newFakeCatalog(products ...domain.Product) *fakeCatalog {
	c := &fakeCatalog{products: make(map[string]domain.Product)}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

func (c *fakeCatalog) ValidateProducts(_ context.Context, ids []string) ([]domain.Product, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}

	var found []domain.Product
	var missing []string
	for _, id := range ids {
		p, ok := c.products[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		found = append(found, p)
	}
	if len(missing) > 0 {
		return nil, &catalog.UnknownProductsError{IDs: missing}
	}
	return found, nil
}

type fakePayments struct {
	requests []domain.PaymentSessionRequest
	session  domain.PaymentSession
	err      error
}

func (p *fakePayments) CreateSession(_ context.Context, req domain.PaymentSessionRequest) (domain.PaymentSession, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	return p.session, nil
}

type published struct {
	key   string
	event any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{key: key, event: event})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
