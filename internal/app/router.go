package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/subledger/internal/accounting"
	"github.com/odyssey-erp/subledger/internal/auth"
	fiscalhttp "github.com/odyssey-erp/subledger/internal/fiscal/http"
	"github.com/odyssey-erp/subledger/internal/observability"
	"github.com/odyssey-erp/subledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	Auth              *auth.Middleware
	FiscalHandler     *fiscalhttp.Handler
	AccountingHandler *accounting.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if params.Auth != nil {
			r.Use(params.Auth.Authenticate)
		}
		if params.FiscalHandler != nil {
			params.FiscalHandler.MountRoutes(r)
		}
		if params.AccountingHandler != nil {
			params.AccountingHandler.MountRoutes(r)
		}
	})

	return r
}
