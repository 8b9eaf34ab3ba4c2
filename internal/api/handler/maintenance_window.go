package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/fleet/internal/api/request"
	"github.com/edvin/fleet/internal/api/response"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

type MaintenanceWindow struct {
	svc *core.MaintenanceWindowService
}

func NewMaintenanceWindow(svc *core.MaintenanceWindowService) *MaintenanceWindow {
	return &MaintenanceWindow{svc: svc}
}

func (h *MaintenanceWindow) List(w http.ResponseWriter, r *http.Request) {
	windows, err := h.svc.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, windows)
}

func (h *MaintenanceWindow) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateMaintenanceWindow
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	window := &model.MaintenanceWindow{
		Name:       req.Name,
		StartTime:  req.StartTime,
		EndTime:    req.EndTime,
		DaysOfWeek: req.DaysOfWeek,
		Timezone:   req.Timezone,
		Target:     req.Target,
	}
	if err := window.Validate(); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Create(r.Context(), window); err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, window)
}

func (h *MaintenanceWindow) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	window, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	response.WriteJSON(w, http.StatusOK, window)
}

func (h *MaintenanceWindow) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
