// Package cmdb looks assets up in the corporate configuration management database.
package cmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iudanet/benchkeeper/internal/lookup"
	"github.com/iudanet/benchkeeper/internal/models"
	"github.com/iudanet/benchkeeper/internal/validation"
)

// ErrUnavailable CMDB не ответил или ответил ошибкой сервера
var ErrUnavailable = errors.New("cmdb unavailable")

// DefaultTimeout ограничение на один запрос к CMDB
const DefaultTimeout = 10 * time.Second

// record ответ CMDB на запрос по тегу или серийному номеру
type record struct {
	AssetTag     string `json:"asset_tag"`
	SerialNumber string `json:"serial_number"`
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Location     string `json:"location"`
	URL          string `json:"url"`
}

// Client HTTP клиент CMDB
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

var _ lookup.Lookup = (*Client)(nil)

// NewClient создает клиента CMDB. Пустой token отключает авторизацию.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Lookup resolves a tag or serial number
func (c *Client) Lookup(ctx context.Context, tagOrSerial string) (*models.AssetMetadata, error) {
	id := strings.TrimSpace(tagOrSerial)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", validation.ErrInvalidInput)
	}

	var rec record
	if err := c.doRequest(ctx, "/api/v1/assets?query="+url.QueryEscape(id), &rec); err != nil {
		return nil, fmt.Errorf("cmdb lookup %q: %w", id, err)
	}
	if rec.AssetTag == "" {
		return nil, fmt.Errorf("cmdb lookup %q: %w", id, lookup.ErrNotFound)
	}

	return &models.AssetMetadata{
		Tag:          validation.NormalizeTag(rec.AssetTag),
		Serial:       strings.TrimSpace(rec.SerialNumber),
		Hostname:     rec.Name,
		Manufacturer: rec.Manufacturer,
		Model:        rec.Model,
		Location:     rec.Location,
		CMDBURL:      rec.URL,
	}, nil
}

// doRequest выполняет GET запрос и декодирует JSON ответ
func (c *Client) doRequest(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response body: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return lookup.ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
