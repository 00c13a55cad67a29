package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/benchkeeper/internal/server/handlers"
	"github.com/iudanet/benchkeeper/internal/server/jwt"
)

// TokenQueryParam query-параметр с токеном для клиентов, которые не умеют
// выставлять заголовки (EventSource в браузере)
const TokenQueryParam = "access_token"

// AuthMiddleware создает middleware для проверки токена техника
func AuthMiddleware(logger *slog.Logger, tokens *jwt.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := bearerToken(r)
			if !ok {
				logger.Warn("Missing or malformed token", "path", r.URL.Path)
				writeError(w, "Unauthorized: missing token", http.StatusUnauthorized)
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				logger.Warn("Invalid access token", "error", err)
				writeError(w, "Unauthorized: invalid token", http.StatusUnauthorized)
				return
			}

			ctx := handlers.WithTechnician(r.Context(), claims.Technician, claims.Site)
			logger.Debug("Technician authenticated", "technician", claims.Technician)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if r.Method == http.MethodGet {
			if t := r.URL.Query().Get(TokenQueryParam); t != "" {
				return t, true
			}
		}
		return "", false
	}

	// Ожидаем формат: "Bearer <token>"
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
