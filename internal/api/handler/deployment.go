package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/fleet/internal/api/request"
	"github.com/edvin/fleet/internal/api/response"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

type Deployment struct {
	svc      *core.DeploymentService
	progress *core.ProgressService
}

func NewDeployment(svc *core.DeploymentService, progress *core.ProgressService) *Deployment {
	return &Deployment{svc: svc, progress: progress}
}

func (h *Deployment) List(w http.ResponseWriter, r *http.Request) {
	pg := request.ParsePagination(r)

	deployments, hasMore, err := h.svc.List(r.Context(), pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(deployments) > 0 {
		nextCursor = deployments[len(deployments)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, deployments, nextCursor, hasMore)
}

func (h *Deployment) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateDeployment
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	deployment, err := h.svc.Create(r.Context(), core.CreateDeploymentParams{
		PackageName:           req.PackageName,
		PackageVersion:        req.PackageVersion,
		Target:                req.Target,
		Mode:                  req.Mode,
		Strategy:              req.Strategy,
		StrategyConfig:        req.StrategyConfig,
		MaintenanceWindowOnly: req.MaintenanceWindowOnly,
		ScheduledAt:           req.ScheduledAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, deployment)
}

// deploymentDetail is the read shape for a single deployment: the stored
// intent plus a fresh roll-up of its per-node statuses.
type deploymentDetail struct {
	*model.Deployment
	Progress *core.Progress `json:"progress"`
}

func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	deployment, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	progress, err := h.progress.ForDeployment(r.Context(), deployment)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, deploymentDetail{Deployment: deployment, Progress: progress})
}

func (h *Deployment) Cancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Cancel)
}

func (h *Deployment) Pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Pause)
}

func (h *Deployment) Resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Resume)
}

func (h *Deployment) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := op(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Deployment) ListStatuses(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	statuses, err := h.svc.ListStatuses(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, statuses)
}
