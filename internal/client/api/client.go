// Package api is the HTTP client of the local agent API used by the CLI.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/iudanet/benchkeeper/pkg/api"
)

// Error ответ агента с кодом ошибки
type Error struct {
	Message    string
	Code       string // машиночитаемый код из api.ErrorResponse
	StatusCode int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned %d", e.StatusCode)
	}
	return fmt.Sprintf("agent returned %d: %s", e.StatusCode, e.Message)
}

// HasCode reports whether err is an agent error with the given non-empty code
func HasCode(err error, code string) bool {
	var apiErr *Error
	return code != "" && errors.As(err, &apiErr) && apiErr.Code == code
}

// Client представляет HTTP клиент локального агента
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient создает новый API клиент
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Health проверяет, что агент запущен
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp); err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	return &resp, nil
}

// Event записывает прием или выдачу
func (c *Client) Event(ctx context.Context, req api.EventRequest) (*api.OperationResponse, error) {
	var resp api.OperationResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/events", req, &resp); err != nil {
		return nil, fmt.Errorf("event request failed: %w", err)
	}
	return &resp, nil
}

// Undo отменяет операцию, еще не отправленную на сервер
func (c *Client) Undo(ctx context.Context, operationID string) (*api.Asset, error) {
	var resp api.Asset
	if err := c.doRequest(ctx, http.MethodDelete, "/api/v1/events/"+url.PathEscape(operationID), nil, &resp); err != nil {
		return nil, fmt.Errorf("undo request failed: %w", err)
	}
	return &resp, nil
}

// RegisterAsset регистрирует актив вручную
func (c *Client) RegisterAsset(ctx context.Context, req api.RegisterAssetRequest) (*api.Asset, error) {
	var resp api.Asset
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/assets", req, &resp); err != nil {
		return nil, fmt.Errorf("register asset request failed: %w", err)
	}
	return &resp, nil
}

// Assets возвращает активы представления in, out, flagged или all
func (c *Client) Assets(ctx context.Context, view string) (*api.AssetListResponse, error) {
	path := "/api/v1/assets"
	if view != "" {
		path += "?view=" + url.QueryEscape(view)
	}

	var resp api.AssetListResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list assets request failed: %w", err)
	}
	return &resp, nil
}

// Expiring возвращает активы, аренда которых истекает в ближайшие days дней
func (c *Client) Expiring(ctx context.Context, days int) (*api.AssetListResponse, error) {
	path := "/api/v1/assets?view=" + api.ViewExpiring + "&days=" + strconv.Itoa(days)

	var resp api.AssetListResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("expiring assets request failed: %w", err)
	}
	return &resp, nil
}

// Asset возвращает состояние актива
func (c *Client) Asset(ctx context.Context, tag string) (*api.Asset, error) {
	var resp api.Asset
	if err := c.doRequest(ctx, http.MethodGet, assetPath(tag, ""), nil, &resp); err != nil {
		return nil, fmt.Errorf("get asset request failed: %w", err)
	}
	return &resp, nil
}

// History возвращает журнал событий актива из центральной БД
func (c *Client) History(ctx context.Context, tag string) (*api.HistoryResponse, error) {
	var resp api.HistoryResponse
	if err := c.doRequest(ctx, http.MethodGet, assetPath(tag, "history"), nil, &resp); err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	return &resp, nil
}

// RecentHistory возвращает события всех активов за последние days дней
func (c *Client) RecentHistory(ctx context.Context, days int) (*api.HistoryResponse, error) {
	var resp api.HistoryResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/history?days="+strconv.Itoa(days), nil, &resp); err != nil {
		return nil, fmt.Errorf("history request failed: %w", err)
	}
	return &resp, nil
}

// SearchHistory ищет события по части тега или серийного номера
func (c *Client) SearchHistory(ctx context.Context, term string) (*api.HistoryResponse, error) {
	var resp api.HistoryResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/history?q="+url.QueryEscape(term), nil, &resp); err != nil {
		return nil, fmt.Errorf("history search request failed: %w", err)
	}
	return &resp, nil
}

// UpdateLease задает даты аренды актива
func (c *Client) UpdateLease(ctx context.Context, tag string, req api.LeaseRequest) (*api.OperationResponse, error) {
	var resp api.OperationResponse
	if err := c.doRequest(ctx, http.MethodPut, assetPath(tag, "lease"), req, &resp); err != nil {
		return nil, fmt.Errorf("lease request failed: %w", err)
	}
	return &resp, nil
}

// ImportLeases загружает файл аренды поставщика (.xlsx или .csv)
func (c *Client) ImportLeases(ctx context.Context, filename string, file io.Reader, dryRun bool) (*api.LeaseImportResponse, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}
	if err := mw.WriteField("dry_run", strconv.FormatBool(dryRun)); err != nil {
		return nil, fmt.Errorf("failed to write form field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/leases/import", nil)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(&body)
	req.ContentLength = int64(body.Len())
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var resp api.LeaseImportResponse
	if err := c.send(req, &resp); err != nil {
		return nil, fmt.Errorf("lease import request failed: %w", err)
	}
	return &resp, nil
}

// Flag помечает актив
func (c *Client) Flag(ctx context.Context, tag string, req api.FlagRequest) (*api.OperationResponse, error) {
	var resp api.OperationResponse
	if err := c.doRequest(ctx, http.MethodPost, assetPath(tag, "flag"), req, &resp); err != nil {
		return nil, fmt.Errorf("flag request failed: %w", err)
	}
	return &resp, nil
}

// Unflag снимает флаг
func (c *Client) Unflag(ctx context.Context, tag string) (*api.OperationResponse, error) {
	var resp api.OperationResponse
	if err := c.doRequest(ctx, http.MethodPost, assetPath(tag, "unflag"), nil, &resp); err != nil {
		return nil, fmt.Errorf("unflag request failed: %w", err)
	}
	return &resp, nil
}

// SetNotes заменяет заметки актива
func (c *Client) SetNotes(ctx context.Context, tag, notes string) (*api.OperationResponse, error) {
	var resp api.OperationResponse
	if err := c.doRequest(ctx, http.MethodPost, assetPath(tag, "notes"), api.NotesRequest{Notes: notes}, &resp); err != nil {
		return nil, fmt.Errorf("notes request failed: %w", err)
	}
	return &resp, nil
}

// Deactivate помечает актив неактивным
func (c *Client) Deactivate(ctx context.Context, tag string) (*api.OperationResponse, error) {
	var resp api.OperationResponse
	if err := c.doRequest(ctx, http.MethodPost, assetPath(tag, "deactivate"), nil, &resp); err != nil {
		return nil, fmt.Errorf("deactivate request failed: %w", err)
	}
	return &resp, nil
}

// Status возвращает состояние синхронизации
func (c *Client) Status(ctx context.Context) (*api.Status, error) {
	var resp api.Status
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return &resp, nil
}

// WatchStatus reads the status stream and calls fn for every update until
// ctx is done or the agent closes the stream.
func (c *Client) WatchStatus(ctx context.Context, fn func(api.Status)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/status/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Поток живет дольше общего таймаута клиента
	stream := &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("status stream failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var st api.Status
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}
		fn(st)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("status stream failed: %w", err)
	}
	return nil
}

// Conflicts возвращает операции, ожидающие разбора
func (c *Client) Conflicts(ctx context.Context) (*api.ConflictsResponse, error) {
	var resp api.ConflictsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/conflicts", nil, &resp); err != nil {
		return nil, fmt.Errorf("conflicts request failed: %w", err)
	}
	return &resp, nil
}

// ResolveConflict отмечает конфликт как разобранный
func (c *Client) ResolveConflict(ctx context.Context, operationID string) error {
	path := "/api/v1/conflicts/" + url.PathEscape(operationID) + "/resolve"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("resolve request failed: %w", err)
	}
	return nil
}

func assetPath(tag, action string) string {
	path := "/api/v1/assets/" + url.PathEscape(strings.TrimSpace(tag))
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	return c.send(req, result)
}

func (c *Client) send(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}

	// Декодируем успешный ответ
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func decodeError(status int, body []byte) error {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && (errResp.Message != "" || errResp.Error != "") {
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		return &Error{StatusCode: status, Code: errResp.Code, Message: msg}
	}
	return &Error{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
