package fiscalhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/auth"
	"github.com/odyssey-erp/subledger/internal/fiscal"
	"github.com/odyssey-erp/subledger/internal/platform/httpx"
	"github.com/odyssey-erp/subledger/internal/shared"
)

type fiscalService interface {
	CreateYear(ctx context.Context, key fiscal.YearKey, actor string) (fiscal.FiscalYear, error)
	GetYear(ctx context.Context, key fiscal.YearKey) (fiscal.FiscalYear, error)
	GetYearSummary(ctx context.Context, key fiscal.YearKey) (fiscal.YearSummary, error)
	ListPeriods(ctx context.Context, key fiscal.YearKey) ([]fiscal.FiscalPeriod, error)
	ClosePeriod(ctx context.Context, key fiscal.PeriodKey, actor string) (fiscal.FiscalPeriod, error)
	ReopenPeriod(ctx context.Context, key fiscal.PeriodKey, actor string) (fiscal.FiscalPeriod, error)
	LockPeriod(ctx context.Context, key fiscal.PeriodKey, actor string) (fiscal.FiscalPeriod, error)
	PostOpeningBalances(ctx context.Context, key fiscal.YearKey, lines []fiscal.OpeningBalanceLine, actor string) (fiscal.OpeningBatch, error)
}

type postingGuard interface {
	Check(ctx context.Context, tenantID string, date time.Time) (fiscal.Decision, error)
}

// Handler exposes fiscal year and period endpoints.
type Handler struct {
	logger    *slog.Logger
	service   fiscalService
	guard     postingGuard
	validator *validator.Validate
}

// NewHandler constructs the fiscal HTTP handler.
func NewHandler(logger *slog.Logger, service fiscalService, guard postingGuard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, validator: validator.New()}
}

// MountRoutes registers HTTP routes. Callers must install auth.Middleware.Authenticate first.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/fiscal-years", func(r chi.Router) {
		r.With(auth.RequireRole(auth.RoleController)).Post("/", h.createYear)
		r.Route("/{year}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleViewer))
				r.Get("/", h.getYear)
				r.Get("/summary", h.getSummary)
				r.Get("/periods", h.listPeriods)
			})
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleController))
				r.Post("/periods/{period}/close", h.transition(h.service.ClosePeriod))
				r.Post("/periods/{period}/reopen", h.transition(h.service.ReopenPeriod))
				r.Post("/periods/{period}/lock", h.transition(h.service.LockPeriod))
				r.Post("/opening-balances", h.postOpeningBalances)
			})
		})
	})
	r.With(auth.RequireRole(auth.RoleViewer)).Get("/posting-guard", h.checkPosting)
}

type createYearRequest struct {
	Year int `json:"year" validate:"required,gte=1900,lte=9999"`
}

type openingLineRequest struct {
	AccountID int64           `json:"account_id" validate:"required,gt=0"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}

type openingBalancesRequest struct {
	Lines []openingLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type yearResponse struct {
	TenantID              string    `json:"tenant_id"`
	Year                  int       `json:"year"`
	StartDate             string    `json:"start_date"`
	EndDate               string    `json:"end_date"`
	OpeningBalancesPosted bool      `json:"opening_balances_posted"`
	OpeningBatchID        string    `json:"opening_batch_id,omitempty"`
	CreatedBy             string    `json:"created_by"`
	CreatedAt             time.Time `json:"created_at"`
}

type periodResponse struct {
	Period     int        `json:"period"`
	Code       string     `json:"code"`
	StartDate  string     `json:"start_date"`
	EndDate    string     `json:"end_date"`
	Status     string     `json:"status"`
	ClosedBy   *string    `json:"closed_by,omitempty"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	ReopenedBy *string    `json:"reopened_by,omitempty"`
	ReopenedAt *time.Time `json:"reopened_at,omitempty"`
	LockedBy   *string    `json:"locked_by,omitempty"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	Version    int64      `json:"version"`
}

type openingLineResponse struct {
	AccountID   int64         `json:"account_id"`
	AccountCode string        `json:"account_code"`
	AccountName string        `json:"account_name"`
	Debit       fiscal.Amount `json:"debit"`
	Credit      fiscal.Amount `json:"credit"`
}

type openingBatchResponse struct {
	BatchID string                `json:"batch_id"`
	Date    string                `json:"date"`
	Debit   fiscal.Amount         `json:"total_debit"`
	Credit  fiscal.Amount         `json:"total_credit"`
	Lines   []openingLineResponse `json:"lines"`
}

type guardResponse struct {
	Date    string `json:"date"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	Period  string `json:"period,omitempty"`
}

func (h *Handler) createYear(w http.ResponseWriter, r *http.Request) {
	var req createYearRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.fail(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	key := fiscal.YearKey{TenantID: auth.TenantIDFromContext(r.Context()), Year: req.Year}
	year, err := h.service.CreateYear(r.Context(), key, auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toYearResponse(year))
}

func (h *Handler) getYear(w http.ResponseWriter, r *http.Request) {
	key, err := yearKey(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	year, err := h.service.GetYear(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toYearResponse(year))
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	key, err := yearKey(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	summary, err := h.service.GetYearSummary(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	key, err := yearKey(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	periods, err := h.service.ListPeriods(r.Context(), key)
	if err != nil {
		h.fail(w, err)
		return
	}
	out := make([]periodResponse, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"periods": out})
}

type transitionFunc func(ctx context.Context, key fiscal.PeriodKey, actor string) (fiscal.FiscalPeriod, error)

func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := periodKey(r)
		if err != nil {
			h.fail(w, err)
			return
		}
		period, err := fn(r.Context(), key, auth.SubjectFromContext(r.Context()))
		if err != nil {
			h.fail(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toPeriodResponse(period))
	}
}

func (h *Handler) postOpeningBalances(w http.ResponseWriter, r *http.Request) {
	key, err := yearKey(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req openingBalancesRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.fail(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	lines := make([]fiscal.OpeningBalanceLine, 0, len(req.Lines))
	for i, l := range req.Lines {
		debit, err := fiscal.AmountFromDecimal(l.Debit)
		if err != nil {
			h.fail(w, &fiscal.LineError{Index: i, AccountID: l.AccountID, Err: fiscal.ErrInvalidLine, Reason: err.Error()})
			return
		}
		credit, err := fiscal.AmountFromDecimal(l.Credit)
		if err != nil {
			h.fail(w, &fiscal.LineError{Index: i, AccountID: l.AccountID, Err: fiscal.ErrInvalidLine, Reason: err.Error()})
			return
		}
		lines = append(lines, fiscal.OpeningBalanceLine{AccountID: l.AccountID, Debit: debit, Credit: credit})
	}
	batch, err := h.service.PostOpeningBalances(r.Context(), key, lines, auth.SubjectFromContext(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := openingBatchResponse{
		BatchID: batch.ID.String(),
		Date:    batch.Date.Format(time.DateOnly),
		Debit:   batch.Debit,
		Credit:  batch.Credit,
		Lines:   make([]openingLineResponse, 0, len(batch.Lines)),
	}
	for _, l := range batch.Lines {
		resp.Lines = append(resp.Lines, openingLineResponse{
			AccountID:   l.AccountID,
			AccountCode: l.AccountCode,
			AccountName: l.AccountName,
			Debit:       l.Debit,
			Credit:      l.Credit,
		})
	}
	httpx.JSON(w, http.StatusCreated, resp)
}

func (h *Handler) checkPosting(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("date")
	date, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		h.fail(w, fmt.Errorf("%w: date must be YYYY-MM-DD", fiscal.ErrInvalidInput))
		return
	}
	decision, err := h.guard.Check(r.Context(), auth.TenantIDFromContext(r.Context()), date)
	if err != nil {
		h.fail(w, err)
		return
	}
	resp := guardResponse{Date: raw, Allowed: decision.Allowed, Reason: string(decision.Reason)}
	if decision.Period != nil {
		resp.Period = decision.Period.Code()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	httpx.RespondError(w, h.logger, err, MapError)
}

// MapError translates fiscal errors into problem responses.
func MapError(err error) (httpx.Mapping, bool) {
	var unbalanced *fiscal.UnbalancedError
	switch {
	case errors.As(err, &unbalanced):
		return httpx.Mapping{
			Status: http.StatusUnprocessableEntity,
			Title:  "Unbalanced",
			Extra: map[string]any{
				"delta":        unbalanced.Delta().String(),
				"total_debit":  unbalanced.Debit.String(),
				"total_credit": unbalanced.Credit.String(),
			},
		}, true
	case errors.Is(err, fiscal.ErrFatal):
		return httpx.Mapping{Status: http.StatusInternalServerError, Title: "Storage Inconsistent"}, true
	case errors.Is(err, fiscal.ErrNotFound), errors.Is(err, fiscal.ErrUnknownAccount):
		return httpx.Mapping{Status: http.StatusNotFound, Title: "Not Found"}, true
	case errors.Is(err, fiscal.ErrAlreadyExists):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Already Exists"}, true
	case errors.Is(err, fiscal.ErrConflict):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Conflict"}, true
	case errors.Is(err, fiscal.ErrInvalidTransition), errors.Is(err, fiscal.ErrStaleState):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Invalid Transition"}, true
	case errors.Is(err, shared.ErrLockHeld):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Operation In Progress"}, true
	case errors.Is(err, fiscal.ErrActorRequired):
		return httpx.Mapping{Status: http.StatusUnauthorized, Title: "Unauthorized"}, true
	case errors.Is(err, fiscal.ErrInvalidAccountType), errors.Is(err, fiscal.ErrInactiveAccount),
		errors.Is(err, fiscal.ErrInvalidLine), errors.Is(err, fiscal.ErrNoLines):
		return httpx.Mapping{Status: http.StatusUnprocessableEntity, Title: "Validation Failed"}, true
	case errors.Is(err, fiscal.ErrInvalidInput):
		return httpx.Mapping{Status: http.StatusBadRequest, Title: "Bad Request"}, true
	}
	return httpx.Mapping{}, false
}

func yearKey(r *http.Request) (fiscal.YearKey, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return fiscal.YearKey{}, fmt.Errorf("%w: year must be numeric", fiscal.ErrInvalidInput)
	}
	key := fiscal.YearKey{TenantID: auth.TenantIDFromContext(r.Context()), Year: year}
	return key, key.Validate()
}

func periodKey(r *http.Request) (fiscal.PeriodKey, error) {
	yk, err := yearKey(r)
	if err != nil {
		return fiscal.PeriodKey{}, err
	}
	period, err := strconv.Atoi(chi.URLParam(r, "period"))
	if err != nil {
		return fiscal.PeriodKey{}, fmt.Errorf("%w: period must be numeric", fiscal.ErrInvalidInput)
	}
	key := fiscal.PeriodKey{TenantID: yk.TenantID, Year: yk.Year, Period: period}
	return key, key.Validate()
}

func toYearResponse(y fiscal.FiscalYear) yearResponse {
	resp := yearResponse{
		TenantID:              y.TenantID,
		Year:                  y.Year,
		StartDate:             y.StartDate.Format(time.DateOnly),
		EndDate:               y.EndDate.Format(time.DateOnly),
		OpeningBalancesPosted: y.OpeningBalancesPosted,
		CreatedBy:             y.CreatedBy,
		CreatedAt:             y.CreatedAt,
	}
	if y.OpeningBatchID != nil {
		resp.OpeningBatchID = y.OpeningBatchID.String()
	}
	return resp
}

func toPeriodResponse(p fiscal.FiscalPeriod) periodResponse {
	return periodResponse{
		Period:     p.Period,
		Code:       p.Code(),
		StartDate:  p.StartDate.Format(time.DateOnly),
		EndDate:    p.EndDate.Format(time.DateOnly),
		Status:     string(p.Status),
		ClosedBy:   p.ClosedBy,
		ClosedAt:   p.ClosedAt,
		ReopenedBy: p.ReopenedBy,
		ReopenedAt: p.ReopenedAt,
		LockedBy:   p.LockedBy,
		LockedAt:   p.LockedAt,
		Version:    p.Version,
	}
}
