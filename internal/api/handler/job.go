package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/fleet/internal/api/request"
	"github.com/edvin/fleet/internal/api/response"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

type Job struct {
	svc      *core.JobService
	progress *core.ProgressService
}

func NewJob(svc *core.JobService, progress *core.ProgressService) *Job {
	return &Job{svc: svc, progress: progress}
}

func (h *Job) List(w http.ResponseWriter, r *http.Request) {
	pg := request.ParsePagination(r)

	jobs, hasMore, err := h.svc.List(r.Context(), pg.Limit, pg.Cursor)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var nextCursor string
	if hasMore && len(jobs) > 0 {
		nextCursor = jobs[len(jobs)-1].ID
	}
	response.WritePaginated(w, http.StatusOK, jobs, nextCursor, hasMore)
}

func (h *Job) Create(w http.ResponseWriter, r *http.Request) {
	var req request.CreateJob
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.svc.Create(r.Context(), core.CreateJobParams{
		Target:         req.Target,
		CommandType:    req.CommandType,
		CommandPayload: req.CommandPayload,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxAttempts:    req.MaxAttempts,
		ScheduledAt:    req.ScheduledAt,
		ExpiresAt:      req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusCreated, job)
}

// jobDetail is the read shape for a single job: the stored intent plus a
// fresh roll-up of its instances.
type jobDetail struct {
	*model.Job
	Progress *core.Progress `json:"progress"`
}

func (h *Job) Get(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.svc.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	progress, err := h.progress.ForJob(r.Context(), job)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, jobDetail{Job: job, Progress: progress})
}

func (h *Job) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Job) ListInstances(w http.ResponseWriter, r *http.Request) {
	id, err := request.RequireID(chi.URLParam(r, "id"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	instances, err := h.svc.ListInstances(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	response.WriteJSON(w, http.StatusOK, instances)
}
