package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/subledger/internal/auth"
	fiscalhttp "github.com/odyssey-erp/subledger/internal/fiscal/http"
)

func testRouter(cfg *Config) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(RouterParams{
		Logger:        logger,
		Config:        cfg,
		Auth:          auth.NewMiddleware([]byte("test-secret"), logger),
		FiscalHandler: fiscalhttp.NewHandler(logger, nil, nil),
	})
}

func TestRouterHealthzCarriesSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(&Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouterAPIRequiresToken(t *testing.T) {
	rec := httptest.NewRecorder()
	testRouter(&Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/fiscal-years/2025", nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterRateLimitsPerIP(t *testing.T) {
	router := testRouter(&Config{RateLimitPerMin: 1})

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}
