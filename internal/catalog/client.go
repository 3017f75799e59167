// Package catalog предоставляет доступ к внешнему каталогу услуг и товаров (только чтение).
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/marketplace-reconciler/internal/apperr"
	"github.com/mmeshcher/marketplace-reconciler/internal/model"
)

// Catalog отдаёт цены и политики услуг и товаров.
type Catalog interface {
	GetService(ctx context.Context, id uuid.UUID) (*model.Service, error)
	GetProduct(ctx context.Context, skuID uuid.UUID) (*model.Product, error)
}

// RateLimitedError возвращается, когда каталог ответил 429.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("catalog rate limited, retry after %s", e.RetryAfter)
}

// Client инкапсулирует HTTP-взаимодействие с каталогом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент для обращения к каталогу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetService запрашивает услугу по идентификатору.
func (c *Client) GetService(ctx context.Context, id uuid.UUID) (*model.Service, error) {
	var dto ServiceDTO
	if err := c.get(ctx, "/api/catalog/services/"+id.String(), &dto); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("service %s not found", id)
		}
		return nil, err
	}
	return dto.toModel()
}

// GetProduct запрашивает товар по SKU.
func (c *Client) GetProduct(ctx context.Context, skuID uuid.UUID) (*model.Product, error) {
	var dto ProductDTO
	if err := c.get(ctx, "/api/catalog/products/"+skuID.String(), &dto); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound("product %s not found", skuID)
		}
		return nil, err
	}
	return dto.toModel()
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("catalog client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.StorageUnavailable(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return apperr.StorageUnavailable(&RateLimitedError{RetryAfter: retryAfter})
	case resp.StatusCode == http.StatusNotFound:
		return apperr.ErrNotFound
	case resp.StatusCode >= http.StatusInternalServerError:
		return apperr.StorageUnavailable(fmt.Errorf("catalog status: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
