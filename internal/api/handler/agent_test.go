package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/edvin/fleet/internal/core"
)

func newAgentHandler() *Agent {
	return NewAgent(nil, nil, nil, zerolog.Nop())
}

// --- CheckIn ---

func TestAgentCheckIn_EmptyNodeID(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/nodes//checkin", map[string]any{
		"hostname": "web-01",
	})
	r = withChiURLParam(r, "nodeID", "")

	h.CheckIn(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "missing required ID")
}

func TestAgentCheckIn_InvalidJSON(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequestRaw(http.MethodPost, "/nodes/"+validID+"/checkin", "{bad json")
	r = withChiURLParam(r, "nodeID", validID)

	h.CheckIn(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "invalid JSON")
}

func TestAgentCheckIn_MissingHostname(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/nodes/"+validID+"/checkin", map[string]any{
		"tags": []string{"web"},
	})
	r = withChiURLParam(r, "nodeID", validID)

	h.CheckIn(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "validation error")
}

// --- PendingJobs ---

func TestAgentPendingJobs_EmptyNodeID(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/nodes//jobs/pending", nil)
	r = withChiURLParam(r, "nodeID", "")

	h.PendingJobs(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "missing required ID")
}

// --- JobResult ---

func TestAgentJobResult_MissingInstanceID(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/nodes/"+validID+"/jobs/result", map[string]any{
		"exit_code": 0,
	})
	r = withChiURLParam(r, "nodeID", validID)

	h.JobResult(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "validation error")
}

func TestAgentJobResult_DuplicateReport(t *testing.T) {
	db := &handlerMockDB{}
	h := NewAgent(nil, core.NewAgentService(db), nil, zerolog.Nop())
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/nodes/"+validID+"/jobs/result", map[string]any{
		"instance_id": "test-instance-1",
		"exit_code":   0,
	})
	r = withChiURLParam(r, "nodeID", validID)

	// The conditional update misses, and the lookup finds the row already
	// terminal. The handler acknowledges so the agent stops retrying.
	noRow := &handlerMockRow{scanFunc: func(dest ...any) error {
		return pgx.ErrNoRows
	}}
	statusRow := &handlerMockRow{scanFunc: func(dest ...any) error {
		*(dest[0].(*string)) = "success"
		return nil
	}}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(noRow).Once()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(statusRow).Once()

	h.JobResult(rec, r)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Equal(t, "duplicate", body["status"])
	db.AssertExpectations(t)
}

// --- PendingDeployments ---

func TestAgentPendingDeployments_EmptyNodeID(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodGet, "/nodes//deployments/pending", nil)
	r = withChiURLParam(r, "nodeID", "")

	h.PendingDeployments(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "missing required ID")
}

// --- DeploymentStatus ---

func TestAgentDeploymentStatus_UnknownStatus(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/nodes/"+validID+"/deployments/status", map[string]any{
		"deployment_status_id": "test-status-1",
		"status":               "rebooting",
	})
	r = withChiURLParam(r, "nodeID", validID)

	h.DeploymentStatus(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "validation error")
}

func TestAgentDeploymentStatus_MissingID(t *testing.T) {
	h := newAgentHandler()
	rec := httptest.NewRecorder()
	r := newRequest(http.MethodPost, "/nodes/"+validID+"/deployments/status", map[string]any{
		"status": "success",
	})
	r = withChiURLParam(r, "nodeID", validID)

	h.DeploymentStatus(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeErrorResponse(rec)
	assert.Contains(t, body["error"], "validation error")
}
