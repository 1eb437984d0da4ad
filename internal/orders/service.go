package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/orderflow-payments/internal/catalog"
	"github.com/joao-fontenele/orderflow-payments/internal/domain"
	"github.com/joao-fontenele/orderflow-payments/internal/pricing"
)

const (
	DefaultCurrency = "usd"
	DefaultPage     = 1
	DefaultLimit    = 10
	MaxLimit        = 100
)

var tracer = otel.Tracer("orders/service")

type Store interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	List(ctx context.Context, filter ListFilter) ([]domain.Order, int, error)
	UpdateStatus(ctx context.Context, id string, expected, status domain.OrderStatus) (*domain.Order, error)
	MarkPaid(ctx context.Context, confirmation PaymentConfirmation) (PaymentOutcome, error)
}

type CatalogClient interface {
	ValidateProducts(ctx context.Context, ids []string) ([]domain.Product, error)
}

type PaymentClient interface {
	CreateSession(ctx context.Context, session domain.PaymentSessionRequest) (domain.PaymentSession, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type ServiceConfig struct {
	Currency      string
	Policy        TransitionPolicy
	CreatedEvents EventPublisher
	PaidEvents    EventPublisher
	Now           func() time.Time
}

// Service runs the order lifecycle: catalog validation, pricing, persistence,
// payment session requests and payment reconciliation.
type Service struct {
	store    Store
	catalog  CatalogClient
	payments PaymentClient
	logger   *slog.Logger
	cfg      ServiceConfig
	metrics  serviceMetrics
}

func NewService(store Store, catalogClient CatalogClient, paymentClient PaymentClient, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Policy == nil {
		cfg.Policy = OpenPolicy{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		store:    store,
		catalog:  catalogClient,
		payments: paymentClient,
		logger:   logger,
		cfg:      cfg,
		metrics:  newServiceMetrics(),
	}
}

type PlaceOrderResult struct {
	Order          *domain.Order         `json:"order"`
	PaymentSession domain.PaymentSession `json:"payment_session"`
}

// PlaceOrder creates the order and then requests a payment session for it.
// When only the payment step fails, the result still carries the persisted
// order alongside the error.
func (s *Service) PlaceOrder(ctx context.Context, lines []domain.OrderLine) (PlaceOrderResult, error) {
	order, err := s.Create(ctx, lines)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	session, err := s.CreatePaymentSession(ctx, order)
	if err != nil {
		return PlaceOrderResult{Order: order}, err
	}

	return PlaceOrderResult{Order: order, PaymentSession: session}, nil
}

func (s *Service) Create(ctx context.Context, lines []domain.OrderLine) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.create")
	defer span.End()

	merged, err := mergeLines(lines)
	if err != nil {
		return nil, spanError(span, err)
	}

	ids := make([]string, len(merged))
	for i, line := range merged {
		ids[i] = line.ProductID
	}
	span.SetAttributes(attribute.Int("order.lines", len(merged)))

	products, err := s.catalog.ValidateProducts(ctx, ids)
	if err != nil {
		var unknown *catalog.UnknownProductsError
		if errors.As(err, &unknown) {
			return nil, spanError(span, &ValidationError{Message: "unknown products", ProductIDs: unknown.IDs})
		}
		return nil, spanError(span, &RemoteError{Dependency: "catalog", Err: err})
	}

	if missing := missingProducts(ids, products); len(missing) > 0 {
		return nil, spanError(span, &ValidationError{Message: "unknown products", ProductIDs: missing})
	}

	quote, err := pricing.Price(products, merged)
	if err != nil {
		return nil, spanError(span, fmt.Errorf("price order: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return nil, spanError(span, err)
	}

	order := &domain.Order{
		Status:      domain.OrderStatusPending,
		TotalAmount: quote.TotalAmount,
		TotalItems:  quote.TotalItems,
		Items:       quote.Items,
		CreatedAt:   s.now(),
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, spanError(span, fmt.Errorf("create order: %w", err))
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.metrics.ordersCreated.Add(ctx, 1)

	if s.cfg.CreatedEvents != nil {
		event := domain.OrderCreatedEvent{
			OrderID:     order.ID,
			Items:       order.Items,
			TotalAmount: order.TotalAmount,
			TotalItems:  order.TotalItems,
			Timestamp:   order.CreatedAt,
		}
		if err := s.cfg.CreatedEvents.Publish(ctx, order.ID, event); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish order created event", "error", err, "order_id", order.ID)
		}
	}

	s.logger.InfoContext(ctx, "order created", "order_id", order.ID, "total_amount", order.TotalAmount.String(), "total_items", order.TotalItems)
	return order, nil
}

// CreatePaymentSession requests a new checkout session for an order whose
// items already carry catalog names.
func (s *Service) CreatePaymentSession(ctx context.Context, order *domain.Order) (domain.PaymentSession, error) {
	ctx, span := tracer.Start(ctx, "orders.create_payment_session", trace.WithAttributes(attribute.String("order.id", order.ID)))
	defer span.End()

	request := domain.PaymentSessionRequest{
		OrderID:  order.ID,
		Currency: s.cfg.Currency,
		Items:    make([]domain.PaymentSessionItem, len(order.Items)),
	}
	for i, item := range order.Items {
		request.Items[i] = domain.PaymentSessionItem{
			Name:     item.Name,
			Price:    item.Price,
			Quantity: item.Quantity,
		}
	}

	session, err := s.payments.CreateSession(ctx, request)
	if err != nil {
		s.metrics.paymentSessions.Add(ctx, 1, outcomeAttr("failed"))
		s.logger.ErrorContext(ctx, "failed to create payment session", "error", err, "order_id", order.ID)
		return nil, spanError(span, &RemoteError{Dependency: "payment", Err: err})
	}

	s.metrics.paymentSessions.Add(ctx, 1, outcomeAttr("created"))
	s.logger.InfoContext(ctx, "payment session created", "order_id", order.ID)
	return session, nil
}

// RequestPaymentSession issues a fresh session for an existing unpaid order.
func (s *Service) RequestPaymentSession(ctx context.Context, id string) (PlaceOrderResult, error) {
	order, err := s.FindOne(ctx, id)
	if err != nil {
		return PlaceOrderResult{}, err
	}

	if order.Paid {
		return PlaceOrderResult{}, ErrAlreadyPaid
	}

	session, err := s.CreatePaymentSession(ctx, order)
	if err != nil {
		return PlaceOrderResult{Order: order}, err
	}

	return PlaceOrderResult{Order: order, PaymentSession: session}, nil
}

// FindOne loads an order and resolves item names from the catalog.
func (s *Service) FindOne(ctx context.Context, id string) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.find_one", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	if err := validateID(id); err != nil {
		return nil, spanError(span, err)
	}

	order, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, spanError(span, err)
	}

	if err := s.resolveNames(ctx, order); err != nil {
		return nil, spanError(span, err)
	}

	return order, nil
}

func (s *Service) resolveNames(ctx context.Context, order *domain.Order) error {
	if len(order.Items) == 0 {
		return nil
	}

	ids := make([]string, len(order.Items))
	for i, item := range order.Items {
		ids[i] = item.ProductID
	}

	products, err := s.catalog.ValidateProducts(ctx, ids)
	if err != nil {
		return &RemoteError{Dependency: "catalog", Err: err}
	}

	names := make(map[string]string, len(products))
	for _, p := range products {
		names[p.ID] = p.Name
	}

	for i, item := range order.Items {
		name, ok := names[item.ProductID]
		if !ok || name == "" {
			return &RemoteError{Dependency: "catalog", Err: fmt.Errorf("no name for product %s", item.ProductID)}
		}
		order.Items[i].Name = name
	}

	return nil
}

type PageMeta struct {
	Page     int `json:"page"`
	Total    int `json:"total"`
	LastPage int `json:"last_page"`
}

type Page struct {
	Data []domain.Order `json:"data"`
	Meta PageMeta       `json:"meta"`
}

func (s *Service) FindAll(ctx context.Context, filter ListFilter) (Page, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return Page{}, invalidStatus(filter.Status)
	}
	if filter.Page < 1 {
		return Page{}, &ValidationError{Message: "page must be a positive number"}
	}
	if filter.Limit < 1 || filter.Limit > MaxLimit {
		return Page{}, &ValidationError{Message: fmt.Sprintf("limit must be between 1 and %d", MaxLimit)}
	}

	orders, total, err := s.store.List(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("list orders: %w", err)
	}

	return Page{
		Data: orders,
		Meta: PageMeta{
			Page:     filter.Page,
			Total:    total,
			LastPage: (total + filter.Limit - 1) / filter.Limit,
		},
	}, nil
}

// ChangeStatus sets an explicit status. Setting the current status is a
// no-op. The update only succeeds if nobody changed the status in between.
func (s *Service) ChangeStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.change_status", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.status", string(status)),
	))
	defer span.End()

	if err := validateID(id); err != nil {
		return nil, spanError(span, err)
	}
	if !status.Valid() {
		return nil, spanError(span, invalidStatus(status))
	}

	current, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, spanError(span, err)
	}

	if current.Status == status {
		return current, nil
	}

	if !s.cfg.Policy.Allow(current.Status, status) {
		return nil, spanError(span, &TransitionError{From: current.Status, To: status})
	}

	updated, err := s.store.UpdateStatus(ctx, id, current.Status, status)
	if err != nil {
		return nil, spanError(span, err)
	}

	s.logger.InfoContext(ctx, "order status updated", "order_id", id, "from", current.Status, "to", status)
	return updated, nil
}

// MarkPaid applies a payment confirmation to an order. Repeated deliveries of
// the same confirmation are reported as PaymentAlreadyApplied.
func (s *Service) MarkPaid(ctx context.Context, event domain.PaymentSucceededEvent) (PaymentOutcome, error) {
	ctx, span := tracer.Start(ctx, "orders.mark_paid", trace.WithAttributes(attribute.String("order.id", event.OrderID)))
	defer span.End()

	if err := validatePayment(event); err != nil {
		s.metrics.paymentsReconciled.Add(ctx, 1, outcomeAttr("invalid"))
		return 0, spanError(span, err)
	}

	confirmation := PaymentConfirmation{
		OrderID:         event.OrderID,
		StripePaymentID: event.StripePaymentID,
		ReceiptURL:      event.ReceiptURL,
		PaidAt:          s.now(),
	}

	outcome, err := s.store.MarkPaid(ctx, confirmation)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.metrics.paymentsReconciled.Add(ctx, 1, outcomeAttr("unknown_order"))
		}
		return 0, spanError(span, err)
	}

	s.metrics.paymentsReconciled.Add(ctx, 1, outcomeAttr(outcome.String()))
	span.SetAttributes(attribute.String("payment.outcome", outcome.String()))

	if outcome == PaymentAlreadyApplied {
		s.logger.InfoContext(ctx, "payment already applied", "order_id", event.OrderID, "stripe_payment_id", event.StripePaymentID)
		return outcome, nil
	}

	if s.cfg.PaidEvents != nil {
		paid := domain.OrderPaidEvent{
			OrderID:         event.OrderID,
			StripePaymentID: event.StripePaymentID,
			ReceiptURL:      event.ReceiptURL,
			PaidAt:          confirmation.PaidAt,
		}
		if err := s.cfg.PaidEvents.Publish(ctx, event.OrderID, paid); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish order paid event", "error", err, "order_id", event.OrderID)
		}
	}

	s.logger.InfoContext(ctx, "order paid", "order_id", event.OrderID, "stripe_payment_id", event.StripePaymentID)
	return outcome, nil
}

// mergeLines validates the requested lines and folds repeated products into
// one line, keeping first-seen order.
func mergeLines(lines []domain.OrderLine) ([]domain.OrderLine, error) {
	if len(lines) == 0 {
		return nil, &ValidationError{Message: "items must not be empty"}
	}

	index := make(map[string]int, len(lines))
	merged := make([]domain.OrderLine, 0, len(lines))

	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return nil, &ValidationError{Message: "product_id is required"}
		}
		if line.Quantity <= 0 {
			return nil, &ValidationError{Message: "quantity must be greater than zero", ProductIDs: []string{line.ProductID}}
		}

		if i, ok := index[line.ProductID]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(merged)
		merged = append(merged, line)
	}

	return merged, nil
}

func missingProducts(ids []string, products []domain.Product) []string {
	found := make(map[string]struct{}, len(products))
	for _, p := range products {
		found[p.ID] = struct{}{}
	}

	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// now is truncated to the precision Postgres stores.
func (s *Service) now() time.Time {
	return s.cfg.Now().UTC().Truncate(time.Microsecond)
}

// validateID accepts only the canonical 36-character form.
func validateID(id string) error {
	if len(id) != 36 || uuid.Validate(id) != nil {
		return &ValidationError{Message: "invalid order id"}
	}
	return nil
}

func validatePayment(event domain.PaymentSucceededEvent) error {
	if err := validateID(event.OrderID); err != nil {
		return err
	}
	if strings.TrimSpace(event.StripePaymentID) == "" {
		return &ValidationError{Message: "stripe_payment_id is required"}
	}
	if strings.TrimSpace(event.ReceiptURL) == "" {
		return &ValidationError{Message: "receipt_url is required"}
	}
	return nil
}

func invalidStatus(status domain.OrderStatus) error {
	valid := make([]string, len(domain.OrderStatuses))
	for i, s := range domain.OrderStatuses {
		valid[i] = string(s)
	}
	return &ValidationError{Message: fmt.Sprintf("invalid status %q, possible values are %s", status, strings.Join(valid, ", "))}
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
