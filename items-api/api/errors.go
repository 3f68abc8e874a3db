package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"workstream/items-api/domain"
	"workstream/items-api/sequencer"
)

var errInvalidBody = errors.New("invalid body")

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrReferenceNotFound):
		return http.StatusNotFound
	case errors.Is(err, errInvalidBody),
		errors.Is(err, domain.ErrInvalidItem),
		errors.Is(err, domain.ErrInvalidPlacement),
		errors.Is(err, domain.ErrParentCycle):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError records the failing stage on the request metrics and renders
// err with the status its class maps to.
func writeError(c echo.Context, stage string, err error) error {
	status := statusForError(err)
	metricsFrom(c).Fail(stage, err)
	if status >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}
	return c.JSON(status, errorResponse{Error: err.Error()})
}

// isRecountOnly reports whether err is a children recount failure that
// followed a write which already landed.
func isRecountOnly(err error) bool {
	var re *sequencer.RecountError
	return errors.As(err, &re)
}
