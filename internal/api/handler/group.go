package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/fleet/internal/api/request"
	"github.com/edvin/fleet/internal/api/response"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
	"github.com/edvin/fleet/internal/platform"
)

type Group struct {
	svc *core.GroupService
}

func NewGroup(svc *core.GroupService) *Group {
	return &Group{svc: svc}
}

func (h *Group) List(w http.ResponseWriter, r *http.Request) {
	pg := request.ParsePagination(r)

	groups, hasMore, err := h.svc.List(r.Context(), pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(groups) > 0 {
		nextCursor = groups[len(groups)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, groups, nextCursor, hasMore)
}

func (h *Group) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateGroup
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	group := &model.Group{
		ID:        platform.NewID(),
		Name:      req.Name,
		IsDynamic: req.IsDynamic,
		Condition: req.Condition,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.svc.Create(r.Context(), group); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	response.WriteJSON(w, http.StatusCreated, group)
}

func (h *Group) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	group, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, group)
}

func (h *Group) Delete(w http.ResponseWriter, r *http.Request) {
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

func (h *Group) SetMembers(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.SetGroupMembers
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.SetMembers(r.Context(), id, req.NodeIDs); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Group) ListMembers(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	members, err := h.svc.Members(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, members)
}
