package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/edvin/fleet/internal/alert"
	"github.com/edvin/fleet/internal/api/request"
	"github.com/edvin/fleet/internal/api/response"
	"github.com/edvin/fleet/internal/core"
	"github.com/edvin/fleet/internal/model"
)

// Agent serves the pull-only agent surface: check-in, pending work, and
// result reports. Agents never hold connections open; every interaction is
// a short request against this handler.
type Agent struct {
	nodes    *core.NodeService
	svc      *core.AgentService
	notifier alert.Notifier
	logger   zerolog.Logger
}

func NewAgent(nodes *core.NodeService, svc *core.AgentService, notifier alert.Notifier, logger zerolog.Logger) *Agent {
	return &Agent{
		nodes:    nodes,
		svc:      svc,
		notifier: notifier,
		logger:   logger.With().Str("component", "agent-api").Logger(),
	}
}

func (h *Agent) CheckIn(w http.ResponseWriter, r *http.Request) {
	nodeID, err := request.RequireID(chi.URLParam(r, "nodeID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.CheckIn
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	wasOffline, err := h.nodes.CheckIn(r.Context(), core.CheckInParams{
		NodeID:     nodeID,
		Hostname:   req.Hostname,
		IPAddress:  req.IPAddress,
		Tags:       req.Tags,
		Attributes: req.Attributes,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	if wasOffline {
		if err := h.nodes.RecordEvent(r.Context(), nodeID, model.EventNodeOnline, "node checked in after being offline"); err != nil {
			h.logger.Error().Err(err).Str("node_id", nodeID).Msg("record recovery event")
		}
		if err := h.notifier.Notify(r.Context(), alert.Event{
			Kind:     model.EventNodeOnline,
			NodeID:   nodeID,
			Hostname: req.Hostname,
			Detail:   "node checked in after being offline",
			At:       time.Now().UTC(),
		}); err != nil {
			h.logger.Error().Err(err).Str("node_id", nodeID).Msg("notify recovery")
		}
	}

	response.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// PendingJobs returns the node's next job instance, or 204 when nothing is
// pending. Polling again before reporting a result returns the same
// instance, so a crashed-and-restarted agent picks up where it left off.
func (h *Agent) PendingJobs(w http.ResponseWriter, r *http.Request) {
	nodeID, err := request.RequireID(chi.URLParam(r, "nodeID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.svc.NextJob(r.Context(), nodeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response.WriteJSON(w, http.StatusOK, job)
}

func (h *Agent) JobResult(w http.ResponseWriter, r *http.Request) {
	nodeID, err := request.RequireID(chi.URLParam(r, "nodeID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.JobResult
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.svc.ReportJobResult(r.Context(), core.JobResultParams{
		InstanceID: req.InstanceID,
		ExitCode:   req.ExitCode,
		Stdout:     req.Stdout,
		Stderr:     req.Stderr,
		DurationMS: req.DurationMS,
	})
	switch {
	case err == nil:
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	case errors.Is(err, core.ErrAlreadyTerminal):
		// Duplicate report after a redelivered poll. Drop it so the agent
		// stops retrying.
		h.logger.Info().
			Str("node_id", nodeID).
			Str("instance_id", req.InstanceID).
			Msg("dropping duplicate job result")
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, core.ErrClaimConflict):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		writeServiceError(w, err)
	}
}

// PendingDeployments returns the node's next deployment action, or 204.
// In-flight rows are redelivered the same way pending jobs are.
func (h *Agent) PendingDeployments(w http.ResponseWriter, r *http.Request) {
	nodeID, err := request.RequireID(chi.URLParam(r, "nodeID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	deployment, err := h.svc.NextDeployment(r.Context(), nodeID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if deployment == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	response.WriteJSON(w, http.StatusOK, deployment)
}

func (h *Agent) DeploymentStatus(w http.ResponseWriter, r *http.Request) {
	nodeID, err := request.RequireID(chi.URLParam(r, "nodeID"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req request.DeploymentReport
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = h.svc.ReportDeploymentStatus(r.Context(), core.DeploymentReportParams{
		DeploymentStatusID: req.DeploymentStatusID,
		Status:             req.Status,
		Output:             req.Output,
		ErrorMessage:       req.ErrorMessage,
	})
	switch {
	case err == nil:
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
	case errors.Is(err, core.ErrAlreadyTerminal):
		h.logger.Info().
			Str("node_id", nodeID).
			Str("deployment_status_id", req.DeploymentStatusID).
			Msg("dropping duplicate deployment report")
		response.WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, core.ErrClaimConflict):
		response.WriteError(w, http.StatusConflict, err.Error())
	default:
		writeServiceError(w, err)
	}
}
