package accounting

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/subledger/internal/auth"
	"github.com/odyssey-erp/subledger/internal/fiscal"
	"github.com/odyssey-erp/subledger/internal/platform/httpx"
)

// Handler wires ledger posting endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(auth.RequireRole(auth.RoleAccountant)).Post("/journals", h.postJournal)
}

type journalLineRequest struct {
	AccountID int64           `json:"account_id" validate:"required,gt=0"`
	Debit     decimal.Decimal `json:"debit"`
	Credit    decimal.Decimal `json:"credit"`
}

type journalRequest struct {
	Date         string               `json:"date" validate:"required,datetime=2006-01-02"`
	SourceModule string               `json:"source_module" validate:"required,max=64"`
	SourceID     string               `json:"source_id" validate:"required,uuid"`
	Memo         string               `json:"memo" validate:"max=255"`
	Lines        []journalLineRequest `json:"lines" validate:"required,min=2,dive"`
}

type journalResponse struct {
	ID     int64  `json:"id"`
	Number int64  `json:"number"`
	Date   string `json:"date"`
}

func (h *Handler) postJournal(w http.ResponseWriter, r *http.Request) {
	var req journalRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.fail(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.fail(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	date, _ := time.Parse(time.DateOnly, req.Date)
	sourceID, _ := uuid.Parse(req.SourceID)
	input := PostingInput{
		TenantID:     auth.TenantIDFromContext(r.Context()),
		Date:         date,
		SourceModule: req.SourceModule,
		SourceID:     sourceID,
		Memo:         req.Memo,
		PostedBy:     auth.SubjectFromContext(r.Context()),
	}
	for _, l := range req.Lines {
		debit, err := fiscal.AmountFromDecimal(l.Debit)
		if err != nil {
			h.fail(w, err)
			return
		}
		credit, err := fiscal.AmountFromDecimal(l.Credit)
		if err != nil {
			h.fail(w, err)
			return
		}
		input.Lines = append(input.Lines, PostingLineInput{AccountID: l.AccountID, Debit: debit, Credit: credit})
	}
	entry, err := h.service.PostJournal(r.Context(), input)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, journalResponse{ID: entry.ID, Number: entry.Number, Date: entry.Date.Format(time.DateOnly)})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	httpx.RespondError(w, h.logger, err, mapError)
}

func mapError(err error) (httpx.Mapping, bool) {
	switch {
	case errors.Is(err, fiscal.ErrNoPeriod), errors.Is(err, fiscal.ErrPeriodNotOpen):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Period Not Open"}, true
	case errors.Is(err, fiscal.ErrStaleState):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Period Changed"}, true
	case errors.Is(err, ErrSourceAlreadyLinked):
		return httpx.Mapping{Status: http.StatusConflict, Title: "Duplicate Source"}, true
	case errors.Is(err, ErrUnbalanced), errors.Is(err, ErrTooFewLines), errors.Is(err, ErrInvalidPosting):
		return httpx.Mapping{Status: http.StatusUnprocessableEntity, Title: "Validation Failed"}, true
	case errors.Is(err, fiscal.ErrInvalidInput):
		return httpx.Mapping{Status: http.StatusBadRequest, Title: "Bad Request"}, true
	}
	return httpx.Mapping{}, false
}
