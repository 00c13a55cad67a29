package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/benchkeeper/internal/server/handlers"
	"github.com/iudanet/benchkeeper/internal/server/jwt"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTokenService(t *testing.T) *jwt.Service {
	t.Helper()
	svc, err := jwt.NewService("test-secret-key-0123456789", 15*time.Minute, nil)
	require.NoError(t, err)
	return svc
}

// technicianHandler проверяет данные техника в контексте
func technicianHandler(t *testing.T, expectedTechnician, expectedSite string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		technician, ok := handlers.GetTechnician(r.Context())
		require.True(t, ok, "technician should be in context")
		assert.Equal(t, expectedTechnician, technician)
		assert.Equal(t, expectedSite, handlers.GetSite(r.Context()))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func TestAuthMiddleware_Success(t *testing.T) {
	tokens := newTokenService(t)
	token, _, err := tokens.Generate("jdoe", "AUS")
	require.NoError(t, err)

	handler := AuthMiddleware(setupTestLogger(), tokens)(technicianHandler(t, "jdoe", "AUS"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestAuthMiddleware_QueryTokenOnlyForGet(t *testing.T) {
	tokens := newTokenService(t)
	token, _, err := tokens.Generate("jdoe", "")
	require.NoError(t, err)

	handler := AuthMiddleware(setupTestLogger(), tokens)(technicianHandler(t, "jdoe", ""))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status/stream?access_token="+token, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/events?access_token="+token, nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthMiddleware_Rejects(t *testing.T) {
	tokens := newTokenService(t)
	other, err := jwt.NewService("another-secret-key-0123456789", time.Minute, nil)
	require.NoError(t, err)
	foreign, _, err := other.Generate("jdoe", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic abc"},
		{name: "empty bearer", header: "Bearer "},
		{name: "garbage token", header: "Bearer not-a-token"},
		{name: "foreign token", header: "Bearer " + foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := AuthMiddleware(setupTestLogger(), tokens)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				called = true
			}))

			req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "Unauthorized")
			assert.False(t, called)
		})
	}
}
