package catalog

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

// UnknownProductsError is returned when the catalog rejects the lookup
// because some ids do not exist.
type UnknownProductsError struct {
	IDs []string
}

func (e *UnknownProductsError) Error() string {
	if len(e.IDs) == 0 {
		return "unknown products"
	}
	return "unknown products: " + strings.Join(e.IDs, ", ")
}

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

type validateRequest struct {
	IDs []string `json:"ids"`
}

type errorResponse struct {
	Error      string   `json:"error"`
	MissingIDs []string `json:"missing_ids"`
}

// ValidateProducts returns the catalog records for the given ids. Ids the
// catalog does not know are either reported through UnknownProductsError or
// simply absent from the result; callers must check both.
func (c *Client) ValidateProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	data, err := json.Marshal(validateRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("marshal validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/products/validate", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validate products: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusUnprocessableEntity, http.StatusBadRequest:
		var body errorResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil || len(body.MissingIDs) == 0 {
			return nil, fmt.Errorf("catalog service returned status %d", resp.StatusCode)
		}
		return nil, &UnknownProductsError{IDs: body.MissingIDs}
	default:
		return nil, fmt.Errorf("catalog service returned status %d", resp.StatusCode)
	}

	var products []domain.Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return nil, fmt.Errorf("decode catalog response: %w", err)
	}

	return products, nil
}
