package handler

import (
	"errors"
	"net/http"

	"github.com/edvin/fleet/internal/api/response"
	"github.com/edvin/fleet/internal/core"
)

// writeServiceError maps core error taxonomy to HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	var resolutionErr *core.TargetResolutionError
	switch {
	case errors.Is(err, core.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &resolutionErr):
		response.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, core.ErrImmutable):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		response.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
