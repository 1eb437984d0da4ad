package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/joao-fontenele/orderflow-payments/internal/domain"
)

const maxSessionBytes = 1 << 20

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// CreateSession asks the payment service for a checkout session. Every call
// creates a new session on the provider side.
func (c *Client) CreateSession(ctx context.Context, session domain.PaymentSessionRequest) (domain.PaymentSession, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("marshal payment session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments/create-payment-session", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create payment session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create payment session for order %s: %w", session.OrderID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("payment service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSessionBytes))
	if err != nil {
		return nil, fmt.Errorf("read payment session: %w", err)
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("payment service returned invalid json")
	}

	return domain.PaymentSession(body), nil
}
