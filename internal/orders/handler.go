package orders

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
	"github.com/joao-fontenele/orderflow-payments/internal/idempotency"
)

type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (orderID string, claimed bool, err error)
	Complete(ctx context.Context, key, orderID string) error
	Release(ctx context.Context, key string) error
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	svc         *Service
	idempotency IdempotencyStore
	health      HealthChecker
	logger      *slog.Logger
}

// NewHandler builds the HTTP handler. keys may be nil, which disables
// Idempotency-Key support.
func NewHandler(svc *Service, keys IdempotencyStore, health HealthChecker, logger *slog.Logger) *Handler {
	return &Handler{
		svc:         svc,
		idempotency: keys,
		health:      health,
		logger:      logger,
	}
}

type createOrderRequest struct {
	Items []domain.OrderLine `json:"items"`
}

type paymentFailedResponse struct {
	Error string        `json:"error"`
	Order *domain.Order `json:"order"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := ""
	if h.idempotency != nil {
		key = idempotency.Key(r)
	}

	if key != "" {
		orderID, claimed, err := h.idempotency.Claim(r.Context(), key)
		switch {
		case errors.Is(err, idempotency.ErrInvalidKey):
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, idempotency.ErrInFlight):
			h.writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			h.logger.ErrorContext(r.Context(), "failed to claim idempotency key", "error", err)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
			return
		case !claimed:
			h.replay(w, r, orderID)
			return
		}
	}

	result, err := h.svc.PlaceOrder(r.Context(), req.Items)
	if key != "" {
		h.settleKey(r.Context(), key, result.Order)
	}

	if err != nil {
		var remote *RemoteError
		if result.Order != nil && errors.As(err, &remote) {
			h.writeJSON(w, http.StatusBadGateway, paymentFailedResponse{
				Error: "order created but payment session failed",
				Order: result.Order,
			})
			return
		}
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) replay(w http.ResponseWriter, r *http.Request, orderID string) {
	order, err := h.svc.FindOne(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Idempotent-Replay", "true")
	h.writeJSON(w, http.StatusOK, PlaceOrderResult{Order: order})
}

func (h *Handler) settleKey(ctx context.Context, key string, order *domain.Order) {
	ctx = context.WithoutCancel(ctx)

	if order == nil {
		if err := h.idempotency.Release(ctx, key); err != nil {
			h.logger.ErrorContext(ctx, "failed to release idempotency key", "error", err)
		}
		return
	}

	if err := h.idempotency.Complete(ctx, key, order.ID); err != nil {
		h.logger.ErrorContext(ctx, "failed to store idempotency key", "error", err, "order_id", order.ID)
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	order, err := h.svc.FindOne(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page, err := intParam(query.Get("page"), DefaultPage)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "page must be a number")
		return
	}

	limit, err := intParam(query.Get("limit"), DefaultLimit)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "limit must be a number")
		return
	}

	result, err := h.svc.FindAll(r.Context(), ListFilter{
		Status: domain.OrderStatus(query.Get("status")),
		Page:   page,
		Limit:  limit,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
}

func (h *Handler) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.svc.ChangeStatus(r.Context(), id, req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandlePaymentSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.svc.RequestPaymentSession(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.health.Ping(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "health check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "db_error"})
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type validationResponse struct {
	Error      string   `json:"error"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *ValidationError
		transition *TransitionError
		remote     *RemoteError
	)

	switch {
	case errors.As(err, &validation):
		h.writeJSON(w, http.StatusBadRequest, validationResponse{Error: validation.Message, ProductIDs: validation.ProductIDs})
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "order not found")
	case errors.As(err, &transition):
		h.writeError(w, http.StatusConflict, transition.Error())
	case errors.Is(err, ErrStatusConflict), errors.Is(err, ErrAlreadyPaid):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &remote):
		h.logger.ErrorContext(r.Context(), "dependency failed", "error", err, "dependency", remote.Dependency)
		h.writeError(w, http.StatusBadGateway, remote.Dependency+" service unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func intParam(value string, def int) (int, error) {
	if value == "" {
		return def, nil
	}
	return strconv.Atoi(value)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
