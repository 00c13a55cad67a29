package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/pkg/api"
)

// TestNewClient проверяет создание нового клиента
func TestNewClient(t *testing.T) {
	client := NewClient("http://127.0.0.1:8765/", "tok")

	assert.Equal(t, "http://127.0.0.1:8765", client.baseURL)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

// TestClient_Event проверяет отправку события и заголовок авторизации
func TestClient_Event(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/events", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req api.EventRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, api.EventCheckIn, req.Type)
		assert.Equal(t, "GF-1", req.Identifier)

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.OperationResponse{
			Asset:       api.Asset{Tag: "GF-1", Status: "IN"},
			OperationID: "op-1",
		})
	}))
	defer server.Close()

	resp, err := NewClient(server.URL, "tok").Event(context.Background(), api.EventRequest{
		Type:       api.EventCheckIn,
		Identifier: "GF-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "op-1", resp.OperationID)
	assert.Equal(t, "IN", resp.Asset.Status)
}

// TestClient_Errors проверяет разбор ответов с ошибкой
func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedCode   string
		expectedMsg    string
		responseStatus int
	}{
		{
			name:           "coded error",
			body:           `{"error":"Conflict","message":"asset GF-1 is already IN","code":"invalid_transition"}`,
			responseStatus: http.StatusConflict,
			expectedCode:   api.CodeInvalidTransition,
			expectedMsg:    "asset GF-1 is already IN",
		},
		{
			name:           "error without message",
			body:           `{"error":"Unauthorized"}`,
			responseStatus: http.StatusUnauthorized,
			expectedMsg:    "Unauthorized",
		},
		{
			name:           "plain text",
			body:           "bad gateway\n",
			responseStatus: http.StatusBadGateway,
			expectedMsg:    "bad gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.responseStatus)
				_, _ = fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := NewClient(server.URL, "").Asset(context.Background(), "GF-1")
			require.Error(t, err)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.responseStatus, apiErr.StatusCode)
			assert.Equal(t, tt.expectedCode, apiErr.Code)
			assert.Equal(t, tt.expectedMsg, apiErr.Message)
			assert.Equal(t, tt.expectedCode != "", HasCode(err, tt.expectedCode))
		})
	}
}

func TestHasCode(t *testing.T) {
	tests := []struct {
		err  error
		name string
		code string
		want bool
	}{
		{name: "matching code", err: &Error{StatusCode: 404, Code: api.CodeUnknownAsset}, code: api.CodeUnknownAsset, want: true},
		{name: "other code", err: &Error{StatusCode: 409, Code: api.CodeInvalidTransition}, code: api.CodeUnknownAsset},
		{name: "empty code on uncoded error", err: &Error{StatusCode: 502, Message: "bad gateway"}, code: ""},
		{name: "wrapped", err: fmt.Errorf("event request failed: %w", &Error{Code: api.CodeOffline}), code: api.CodeOffline, want: true},
		{name: "not an agent error", err: errors.New("dial tcp: refused"), code: api.CodeOffline},
		{name: "nil", err: nil, code: api.CodeOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasCode(tt.err, tt.code))
		})
	}
}

// TestClient_Paths проверяет пути запросов по активам
func TestClient_Paths(t *testing.T) {
	var got []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Method+" "+r.URL.RequestURI())
		switch r.URL.Path {
		case "/api/v1/conflicts/op-9/resolve":
			w.WriteHeader(http.StatusNoContent)
		default:
			_, _ = fmt.Fprint(w, `{}`)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	c := NewClient(server.URL, "tok")

	_, err := c.Assets(ctx, "flagged")
	require.NoError(t, err)
	_, err = c.History(ctx, " GF-1 ")
	require.NoError(t, err)
	_, err = c.Flag(ctx, "GF-1", api.FlagRequest{Notes: "no POST"})
	require.NoError(t, err)
	_, err = c.Undo(ctx, "op-1")
	require.NoError(t, err)
	require.NoError(t, c.ResolveConflict(ctx, "op-9"))
	_, err = c.Expiring(ctx, 30)
	require.NoError(t, err)
	_, err = c.RecentHistory(ctx, 7)
	require.NoError(t, err)
	_, err = c.SearchHistory(ctx, "5CG 12")
	require.NoError(t, err)
	_, err = c.UpdateLease(ctx, "GF-1", api.LeaseRequest{LeaseMaturity: "2027-01-01"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET /api/v1/assets?view=flagged",
		"GET /api/v1/assets/GF-1/history",
		"POST /api/v1/assets/GF-1/flag",
		"DELETE /api/v1/events/op-1",
		"POST /api/v1/conflicts/op-9/resolve",
		"GET /api/v1/assets?view=expiring&days=30",
		"GET /api/v1/history?days=7",
		"GET /api/v1/history?q=5CG+12",
		"PUT /api/v1/assets/GF-1/lease",
	}, got)
}

// TestClient_ImportLeases проверяет multipart загрузку файла аренды
func TestClient_ImportLeases(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/leases/import", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "true", r.FormValue("dry_run"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "leases.csv", header.Filename)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		assert.Equal(t, "Serial Number\n", string(data))

		_, _ = fmt.Fprint(w, `{"total":1,"updated":1,"dry_run":true,"not_found":[],"errors":[]}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "tok")
	resp, err := c.ImportLeases(context.Background(), "/tmp/reports/leases.csv", strings.NewReader("Serial Number\n"), true)
	require.NoError(t, err)
	assert.True(t, resp.DryRun)
	assert.Equal(t, 1, resp.Updated)
}

// TestClient_WatchStatus проверяет чтение потока состояний
func TestClient_WatchStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/status/stream", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, "event: status\ndata: {\"role\":\"PRIMARY\",\"queue_depth\":0}\n\n")
		_, _ = fmt.Fprint(w, ": ping\n\n")
		_, _ = fmt.Fprint(w, "event: status\ndata: {\"role\":\"LOCAL_ONLY\",\"queue_depth\":4}\n\n")
	}))
	defer server.Close()

	var got []api.Status
	err := NewClient(server.URL, "tok").WatchStatus(context.Background(), func(st api.Status) {
		got = append(got, st)
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "PRIMARY", got[0].Role)
	assert.Equal(t, "LOCAL_ONLY", got[1].Role)
	assert.Equal(t, 4, got[1].QueueDepth)
}

func TestClient_WatchStatus_Unauthorized(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":"Unauthorized","message":"Unauthorized: missing token"}`)
	}))
	defer server.Close()

	err := NewClient(server.URL, "").WatchStatus(context.Background(), func(api.Status) {})
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
