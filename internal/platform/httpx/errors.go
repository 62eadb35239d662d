// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("malformed request")
)

// Mapping translates a domain error into a problem response.
// Extra is rendered alongside the problem fields when non-nil.
type Mapping struct {
	Status int
	Title  string
	Extra  map[string]any
}

// Mapper returns a mapping for errors it recognises.
type Mapper func(err error) (Mapping, bool)

// RespondError maps errors to HTTP responses using RFC7807. Domain mappers are
// consulted first; unknown errors are logged and rendered as 500 without detail.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error, mappers ...Mapper) {
	for _, m := range mappers {
		if m == nil {
			continue
		}
		if mapping, ok := m(err); ok {
			ProblemWithExtra(w, mapping.Status, mapping.Title, err.Error(), mapping.Extra)
			return
		}
	}
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrBadRequest):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		if logger != nil {
			logger.Error("request failed", slog.Any("error", err))
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
