package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
)

type PaymentOutcome int

const (
	PaymentApplied PaymentOutcome = iota + 1
	PaymentAlreadyApplied
)

func (o PaymentOutcome) String() string {
	switch o {
	case PaymentApplied:
		return "applied"
	case PaymentAlreadyApplied:
		return "duplicate"
	default:
		return "unknown"
	}
}

type ListFilter struct {
	Status domain.OrderStatus
	Page   int
	Limit  int
}

type PaymentConfirmation struct {
	OrderID         string
	StripePaymentID string
	ReceiptURL      string
	PaidAt          time.Time
}

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `
	o.id, o.status, o.total_amount, o.total_items, o.paid, o.paid_at, o.stripe_charge_id,
	o.created_at, o.updated_at, r.id, r.receipt_url, r.created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order          domain.Order
		paidAt         sql.NullTime
		chargeID       sql.NullString
		receiptID      sql.NullString
		receiptURL     sql.NullString
		receiptCreated sql.NullTime
	)

	err := row.Scan(&order.ID, &order.Status, &order.TotalAmount, &order.TotalItems, &order.Paid, &paidAt, &chargeID,
		&order.CreatedAt, &order.UpdatedAt, &receiptID, &receiptURL, &receiptCreated)
	if err != nil {
		return nil, err
	}

	if paidAt.Valid {
		t := paidAt.Time
		order.PaidAt = &t
	}
	order.StripeChargeID = chargeID.String
	if receiptID.Valid {
		order.Receipt = &domain.Receipt{
			ID:         receiptID.String,
			ReceiptURL: receiptURL.String,
			CreatedAt:  receiptCreated.Time,
		}
	}
	order.Items = []domain.OrderItem{}

	return &order, nil
}

// Create stores the order and its items in one transaction and assigns the
// order id.
func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	id := uuid.NewString()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, status, total_amount, total_items, paid, created_at, updated_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $5)
	`, id, order.Status, order.TotalAmount, order.TotalItems, order.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)
		`, id, item.ProductID, item.Quantity, item.Price)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", item.ProductID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}

	order.ID = id
	order.UpdatedAt = order.CreatedAt
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		LEFT JOIN order_receipts r ON r.order_id = o.id
		WHERE o.id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

// List returns one page of orders matching the filter together with the
// total number of matching orders.
func (r *OrderRepository) List(ctx context.Context, filter ListFilter) ([]domain.Order, int, error) {
	status := sql.NullString{String: string(filter.Status), Valid: filter.Status != ""}

	var total int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM orders WHERE ($1::text IS NULL OR status = $1)
	`, status).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	offset := (filter.Page - 1) * filter.Limit
	if total == 0 || offset >= total {
		return []domain.Order{}, total, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		LEFT JOIN order_receipts r ON r.order_id = o.id
		WHERE ($1::text IS NULL OR o.status = $1)
		ORDER BY o.created_at DESC, o.id
		LIMIT $2 OFFSET $3
	`, status, filter.Limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, err
		}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, total, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, product_id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var orderID string
		var item domain.OrderItem
		if err := itemRows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.Price); err != nil {
			return nil, 0, err
		}
		if order, ok := orderMap[orderID]; ok {
			order.Items = append(order.Items, item)
		}
	}

	if err := itemRows.Err(); err != nil {
		return nil, 0, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, total, nil
}

// UpdateStatus sets the status only if it still equals expected. A lost race
// returns ErrStatusConflict.
func (r *OrderRepository) UpdateStatus(ctx context.Context, id string, expected, status domain.OrderStatus) (*domain.Order, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, expected, status)
	if err != nil {
		return nil, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}

	if rowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStatusConflict
	}

	return r.GetByID(ctx, id)
}

// MarkPaid applies a payment confirmation. Only an unpaid order is updated;
// a repeated confirmation leaves the row and its receipt untouched and
// reports PaymentAlreadyApplied.
func (r *OrderRepository) MarkPaid(ctx context.Context, confirmation PaymentConfirmation) (PaymentOutcome, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, paid = TRUE, paid_at = $3, stripe_charge_id = $4, updated_at = $3
		WHERE id = $1 AND paid = FALSE
	`, confirmation.OrderID, domain.OrderStatusPaid, confirmation.PaidAt, confirmation.StripePaymentID)
	if err != nil {
		return 0, fmt.Errorf("mark order paid: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if rowsAffected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, confirmation.OrderID).Scan(&exists); err != nil {
			return 0, err
		}
		if !exists {
			return 0, ErrNotFound
		}
		return PaymentAlreadyApplied, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_receipts (id, order_id, receipt_url, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING
	`, uuid.NewString(), confirmation.OrderID, confirmation.ReceiptURL, confirmation.PaidAt)
	if err != nil {
		return 0, fmt.Errorf("insert receipt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit payment: %w", err)
	}

	return PaymentApplied, nil
}

func (r *OrderRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
