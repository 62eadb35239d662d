package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/odyssey-erp/subledger/internal/platform/httpx"
)

// Middleware validates bearer JWTs and enforces role checks.
type Middleware struct {
	secret []byte
	logger *slog.Logger
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, logger *slog.Logger) *Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{secret: secret, logger: logger}
}

// Authenticate resolves the caller identity or rejects the request with 401.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := ParseJWT(extractBearer(r), m.secret)
		if err != nil {
			m.logger.Debug("token rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", ErrUnauthenticated.Error())
			return
		}
		role, _ := NormalizeRole(claims.Role)
		ctx := WithIdentity(r.Context(), claims.TenantID, role, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole rejects authenticated callers below the required role.
func RequireRole(required Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			if role == "" {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", ErrUnauthenticated.Error())
				return
			}
			if !RoleAtLeast(role, required) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", ErrForbidden.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) string {
	if r == nil {
		return ""
	}
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
