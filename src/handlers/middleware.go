// backend/src/handlers/middleware.go
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/username/parachute/backend/src/database"
	"github.com/username/parachute/backend/src/logger"
	"github.com/username/parachute/backend/src/model"
)

const requestIDContextKey contextKey = "requestID"

// sessionCacheTTL bounds how long a validated session is trusted without a
// fresh database check. Logout deletes the cache entry immediately.
const sessionCacheTTL = 30 * time.Second

// ContextualLoggerMiddleware attaches a request-scoped logger with a
// request ID to the context.
func ContextualLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		ctxLogger := logger.L.With(slog.String("requestID", requestID))

		ctx := logger.ToContext(r.Context(), ctxLogger)
		ctx = context.WithValue(ctx, requestIDContextKey, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware validates the bearer token and resolves the acting user.
// Session rows back every token; a short-lived cache keeps the hot path off
// the database.
func (h *UserHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxLogger := logger.FromContext(r.Context())

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			ctxLogger.Debug("AuthMiddleware: Authorization header missing", "path", r.URL.Path)
			sendJSONError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" {
			ctxLogger.Debug("AuthMiddleware: Token string empty", "path", r.URL.Path)
			sendJSONError(w, "Malformed token", http.StatusUnauthorized)
			return
		}

		userIDStr, err := h.authService.ValidateToken(tokenString)
		if err != nil {
			ctxLogger.Warn("AuthMiddleware: Token validation failed", "path", r.URL.Path, "error", err)
			sendJSONError(w, "Invalid or expired token", http.StatusUnauthorized)
			return
		}
		userID, err := strconv.ParseInt(userIDStr, 10, 64)
		if err != nil {
			ctxLogger.Warn("AuthMiddleware: Token subject is not a user ID", "subject", userIDStr)
			sendJSONError(w, "Invalid token subject", http.StatusUnauthorized)
			return
		}

		if _, found := h.sessionCache.Get(tokenString); !found {
			if _, err := model.GetSessionByToken(database.DB, tokenString); err != nil {
				ctxLogger.Warn("AuthMiddleware: No live session for token", "userID", userID, "error", err)
				sendJSONError(w, "Invalid session", http.StatusUnauthorized)
				return
			}
			h.sessionCache.Set(tokenString, userID, sessionCacheTTL)
		}

		ctxLogger = ctxLogger.With(slog.Int64("userID", userID))
		ctx := logger.ToContext(r.Context(), ctxLogger)
		ctx = context.WithValue(ctx, userIDContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminMiddleware restricts a route group to configured admin accounts.
func (h *UserHandler) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := GetUserIDFromContext(r.Context())
		if !ok {
			sendJSONError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		user, err := model.GetUserByID(database.DB, userID)
		if err != nil {
			logger.FromContext(r.Context()).Error("AdminMiddleware: user lookup failed", "userID", userID, "error", err)
			sendJSONError(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if !isAdmin(user.Email) {
			sendJSONError(w, "admin access required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
